package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused    SubscriptionStatus = "PAUSED"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusCompleted SubscriptionStatus = "COMPLETED"
)

func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusCompleted
}

// Operation names a state-changing action on a subscription.
type Operation string

const (
	OperationCreate     Operation = "create"
	OperationPause      Operation = "pause"
	OperationResume     Operation = "resume"
	OperationChangePlan Operation = "change_plan"
	OperationCancel     Operation = "cancel"
	OperationComplete   Operation = "complete"
)

type transition struct {
	from []SubscriptionStatus
	to   SubscriptionStatus
}

// transitions is the complete subscription state machine. Anything not listed
// here is rejected.
var transitions = map[Operation]transition{
	OperationCreate:     {from: []SubscriptionStatus{""}, to: SubscriptionStatusActive},
	OperationPause:      {from: []SubscriptionStatus{SubscriptionStatusActive}, to: SubscriptionStatusPaused},
	OperationResume:     {from: []SubscriptionStatus{SubscriptionStatusPaused}, to: SubscriptionStatusActive},
	OperationChangePlan: {from: []SubscriptionStatus{SubscriptionStatusActive}, to: SubscriptionStatusActive},
	OperationCancel:     {from: []SubscriptionStatus{SubscriptionStatusActive, SubscriptionStatusPaused}, to: SubscriptionStatusCancelled},
	OperationComplete:   {from: []SubscriptionStatus{SubscriptionStatusActive}, to: SubscriptionStatusCompleted},
}

var ErrInvalidTransition = errors.New("invalid subscription transition")

type TransitionError struct {
	From      SubscriptionStatus
	Operation Operation
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "NEW"
	}
	return fmt.Sprintf("cannot %s a subscription in status %s", e.Operation, from)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Transition returns the status reached by applying op to s.
func (s SubscriptionStatus) Transition(op Operation) (SubscriptionStatus, error) {
	t, ok := transitions[op]
	if !ok {
		return s, &TransitionError{From: s, Operation: op}
	}
	for _, from := range t.from {
		if from == s {
			return t.to, nil
		}
	}
	return s, &TransitionError{From: s, Operation: op}
}

func (s SubscriptionStatus) Can(op Operation) bool {
	_, err := s.Transition(op)
	return err == nil
}

type Subscription struct {
	bun.BaseModel `bun:"table:subscriptions"`

	ID                 uuid.UUID          `bun:"id,pk,type:uuid"`
	ClientID           uuid.UUID          `bun:"client_id,notnull,type:uuid"`
	BarberID           uuid.UUID          `bun:"barber_id,notnull,type:uuid"`
	ServiceID          uuid.UUID          `bun:"service_id,notnull,type:uuid"`
	PlanType           PlanType           `bun:"plan_type,notnull"`
	StartDate          time.Time          `bun:"start_date,notnull"`
	EndDate            time.Time          `bun:"end_date,notnull"`
	DurationMonths     int                `bun:"duration_months,notnull"`
	TotalSlots         int                `bun:"total_slots,notnull"`
	Status             SubscriptionStatus `bun:"status,notnull"`
	PausedAt           *time.Time         `bun:"paused_at"`
	CancelledAt        *time.Time         `bun:"cancelled_at"`
	CancellationReason *string            `bun:"cancellation_reason"`
	Notes              string             `bun:"notes"`
	CreatedAt          time.Time          `bun:"created_at,notnull"`
	UpdatedAt          time.Time          `bun:"updated_at,notnull"`
}

// Apply moves the subscription through op, leaving it untouched on error.
func (s *Subscription) Apply(op Operation) error {
	next, err := s.Status.Transition(op)
	if err != nil {
		return err
	}
	s.Status = next
	return nil
}

func (s *Subscription) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}
