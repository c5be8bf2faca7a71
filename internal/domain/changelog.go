package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ChangeType string

const (
	ChangeTypeCreated             ChangeType = "CREATED"
	ChangeTypePlanChanged         ChangeType = "PLAN_CHANGED"
	ChangeTypeAppointmentAdjusted ChangeType = "APPOINTMENT_ADJUSTED"
	ChangeTypePaused              ChangeType = "PAUSED"
	ChangeTypeResumed             ChangeType = "RESUMED"
	ChangeTypeCancelled           ChangeType = "CANCELLED"
	ChangeTypeCompleted           ChangeType = "COMPLETED"
)

var ErrUnknownChangeType = errors.New("unknown change type")

// ChangeLogEntry is one append-only audit row. OldValue and NewValue hold the
// JSON encoding of the Change variant selected by ChangeType.
type ChangeLogEntry struct {
	bun.BaseModel `bun:"table:subscription_change_log"`

	ID             uuid.UUID       `bun:"id,pk,type:uuid"`
	SubscriptionID uuid.UUID       `bun:"subscription_id,notnull,type:uuid"`
	ChangeType     ChangeType      `bun:"change_type,notnull"`
	Description    string          `bun:"description,notnull"`
	OldValue       json.RawMessage `bun:"old_value,type:jsonb"`
	NewValue       json.RawMessage `bun:"new_value,type:jsonb"`
	Reason         *string         `bun:"reason"`
	CreatedAt      time.Time       `bun:"created_at,notnull"`
}

// Change is a typed change-log payload. The set of implementations is closed.
type Change interface {
	ChangeType() ChangeType
	Description() string
	values() (old, new any)
}

// NewChangeLogEntry encodes c for subscriptionID. A blank reason is stored as NULL.
func NewChangeLogEntry(subscriptionID uuid.UUID, c Change, reason string, at time.Time) (ChangeLogEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ChangeLogEntry{}, err
	}

	oldV, newV := c.values()
	oldRaw, err := marshalValue(oldV)
	if err != nil {
		return ChangeLogEntry{}, err
	}
	newRaw, err := marshalValue(newV)
	if err != nil {
		return ChangeLogEntry{}, err
	}

	e := ChangeLogEntry{
		ID:             id,
		SubscriptionID: subscriptionID,
		ChangeType:     c.ChangeType(),
		Description:    c.Description(),
		OldValue:       oldRaw,
		NewValue:       newRaw,
		CreatedAt:      at.UTC(),
	}
	if r := strings.TrimSpace(reason); r != "" {
		e.Reason = &r
	}
	return e, nil
}

// Change decodes the entry back into its typed variant.
func (e ChangeLogEntry) Change() (Change, error) {
	switch e.ChangeType {
	case ChangeTypeCreated:
		var c SubscriptionCreated
		if err := e.decode(nil, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	case ChangeTypePlanChanged:
		var c PlanChanged
		if err := e.decode(&c.Old, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	case ChangeTypeAppointmentAdjusted:
		var c AppointmentAdjusted
		if err := e.decode(&c.Old, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	case ChangeTypePaused:
		var c SubscriptionPaused
		if err := e.decode(&c.Old, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	case ChangeTypeResumed:
		var c SubscriptionResumed
		if err := e.decode(&c.Old, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	case ChangeTypeCancelled:
		var c SubscriptionCancelled
		if err := e.decode(&c.Old, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	case ChangeTypeCompleted:
		var c SubscriptionCompleted
		if err := e.decode(&c.Old, &c.New); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, e.ChangeType)
	}
}

func (e ChangeLogEntry) decode(oldDst, newDst any) error {
	if oldDst != nil && len(e.OldValue) > 0 {
		if err := json.Unmarshal(e.OldValue, oldDst); err != nil {
			return fmt.Errorf("decode %s old value: %w", e.ChangeType, err)
		}
	}
	if newDst != nil && len(e.NewValue) > 0 {
		if err := json.Unmarshal(e.NewValue, newDst); err != nil {
			return fmt.Errorf("decode %s new value: %w", e.ChangeType, err)
		}
	}
	return nil
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (e *ChangeLogEntry) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.UpdateQuery:
		return ErrChangeLogImmutable
	case *bun.InsertQuery:
	default:
		return nil
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}

var ErrChangeLogImmutable = errors.New("change log entries are append-only")

type StatusValue struct {
	Status SubscriptionStatus `json:"status"`
}

type SlotDate struct {
	SlotIndex int       `json:"slot_index"`
	Date      time.Time `json:"date"`
}

type CreatedValue struct {
	PlanType       PlanType  `json:"plan_type"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	DurationMonths int       `json:"duration_months"`
	TotalSlots     int       `json:"total_slots"`
}

type SubscriptionCreated struct {
	New CreatedValue
}

func (c SubscriptionCreated) ChangeType() ChangeType { return ChangeTypeCreated }
func (c SubscriptionCreated) values() (any, any)     { return nil, c.New }
func (c SubscriptionCreated) Description() string {
	return fmt.Sprintf("%s subscription created with %d appointments from %s to %s",
		strings.ToLower(string(c.New.PlanType)), c.New.TotalSlots,
		c.New.StartDate.Format(time.DateOnly), c.New.EndDate.Format(time.DateOnly))
}

type PlanSnapshot struct {
	PlanType PlanType   `json:"plan_type"`
	Slots    []SlotDate `json:"slots"`
}

type PlanChanged struct {
	Old PlanSnapshot
	New PlanSnapshot
}

func (c PlanChanged) ChangeType() ChangeType { return ChangeTypePlanChanged }
func (c PlanChanged) values() (any, any)     { return c.Old, c.New }
func (c PlanChanged) Description() string {
	return fmt.Sprintf("plan changed from %s to %s, %d appointments rescheduled",
		c.Old.PlanType, c.New.PlanType, len(c.New.Slots))
}

type AppointmentAdjusted struct {
	Old SlotDate
	New SlotDate
}

func (c AppointmentAdjusted) ChangeType() ChangeType { return ChangeTypeAppointmentAdjusted }
func (c AppointmentAdjusted) values() (any, any)     { return c.Old, c.New }
func (c AppointmentAdjusted) Description() string {
	return fmt.Sprintf("appointment %d moved from %s to %s",
		c.New.SlotIndex+1, c.Old.Date.Format(time.DateTime), c.New.Date.Format(time.DateTime))
}

type PausedValue struct {
	Status           SubscriptionStatus `json:"status"`
	PausedAt         time.Time          `json:"paused_at"`
	CancelledSlotIDs []uuid.UUID        `json:"cancelled_slot_ids"`
}

type SubscriptionPaused struct {
	Old StatusValue
	New PausedValue
}

func (c SubscriptionPaused) ChangeType() ChangeType { return ChangeTypePaused }
func (c SubscriptionPaused) values() (any, any)     { return c.Old, c.New }
func (c SubscriptionPaused) Description() string {
	return fmt.Sprintf("subscription paused, %d upcoming appointments cancelled", len(c.New.CancelledSlotIDs))
}

type ResumedValue struct {
	Status         SubscriptionStatus `json:"status"`
	NewStartDate   time.Time          `json:"new_start_date"`
	RemainingSlots int                `json:"remaining_slots"`
	FirstSlotIndex int                `json:"first_slot_index"`
	RemovedSlotIDs []uuid.UUID        `json:"removed_slot_ids"`
}

type SubscriptionResumed struct {
	Old StatusValue
	New ResumedValue
}

func (c SubscriptionResumed) ChangeType() ChangeType { return ChangeTypeResumed }
func (c SubscriptionResumed) values() (any, any)     { return c.Old, c.New }
func (c SubscriptionResumed) Description() string {
	return fmt.Sprintf("subscription resumed from %s with %d appointments",
		c.New.NewStartDate.Format(time.DateOnly), c.New.RemainingSlots)
}

type CancelledValue struct {
	Status           SubscriptionStatus `json:"status"`
	CancelledAt      time.Time          `json:"cancelled_at"`
	CancelledSlotIDs []uuid.UUID        `json:"cancelled_slot_ids"`
}

type SubscriptionCancelled struct {
	Old StatusValue
	New CancelledValue
}

func (c SubscriptionCancelled) ChangeType() ChangeType { return ChangeTypeCancelled }
func (c SubscriptionCancelled) values() (any, any)     { return c.Old, c.New }
func (c SubscriptionCancelled) Description() string {
	return fmt.Sprintf("subscription cancelled, %d upcoming appointments cancelled", len(c.New.CancelledSlotIDs))
}

type SubscriptionCompleted struct {
	Old StatusValue
	New StatusValue
}

func (c SubscriptionCompleted) ChangeType() ChangeType { return ChangeTypeCompleted }
func (c SubscriptionCompleted) values() (any, any)     { return c.Old, c.New }
func (c SubscriptionCompleted) Description() string {
	return "subscription completed, no appointments left"
}
