package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventSubscriptionCreated   EventKind = "subscription.created"
	EventSubscriptionPaused    EventKind = "subscription.paused"
	EventSubscriptionResumed   EventKind = "subscription.resumed"
	EventSubscriptionCancelled EventKind = "subscription.cancelled"
)

// LifecycleEvent is handed to the notification dispatcher after a successful
// commit. The kind doubles as the broker routing key.
type LifecycleEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	Kind           EventKind `json:"kind"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	ClientID       uuid.UUID `json:"client_id"`
	ClientName     string    `json:"client_name"`
	ClientPhone    string    `json:"client_phone"`
	BarberID       uuid.UUID `json:"barber_id"`
	BarberName     string    `json:"barber_name"`
	TotalSlots     int       `json:"total_slots"`
	PlanType       PlanType  `json:"plan_type"`
	Reason         *string   `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func NewLifecycleEvent(kind EventKind, sub Subscription, client Client, barber Barber, reason string, at time.Time) LifecycleEvent {
	ev := LifecycleEvent{
		EventID:        uuid.New(),
		Kind:           kind,
		SubscriptionID: sub.ID,
		ClientID:       client.ID,
		ClientName:     client.Name,
		ClientPhone:    client.Phone,
		BarberID:       barber.ID,
		BarberName:     barber.Name,
		TotalSlots:     sub.TotalSlots,
		PlanType:       sub.PlanType,
		OccurredAt:     at.UTC(),
	}
	if reason != "" {
		ev.Reason = &reason
	}
	return ev
}
