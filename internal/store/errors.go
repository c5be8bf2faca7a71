package store

import "errors"

var (
	ErrConflict                  = errors.New("conflict")
	ErrNotFound                  = errors.New("not found")
	ErrActiveSubscriptionExists  = errors.New("client already has an active subscription")
	ErrSubscriptionSlotIndexUsed = errors.New("subscription slot index already used")
)
