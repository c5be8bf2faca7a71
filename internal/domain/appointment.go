package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentStatusInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentStatusCompleted  AppointmentStatus = "COMPLETED"
	AppointmentStatusCancelled  AppointmentStatus = "CANCELLED"
	AppointmentStatusNoShow     AppointmentStatus = "NO_SHOW"
)

// IsTerminal reports whether the appointment has already happened (or was
// missed). Terminal appointments keep their date forever.
func (s AppointmentStatus) IsTerminal() bool {
	return s == AppointmentStatusCompleted || s == AppointmentStatusNoShow
}

// IsPending reports whether the appointment still occupies the barber's
// calendar and may be moved.
func (s AppointmentStatus) IsPending() bool {
	return s == AppointmentStatusScheduled || s == AppointmentStatusInProgress
}

// BlockingStatuses are the appointment statuses that make a barber busy.
var BlockingStatuses = []AppointmentStatus{AppointmentStatusScheduled, AppointmentStatusInProgress}

// Appointment is a single booking on a barber's calendar. Subscription slots
// are appointments with SubscriptionID and SubscriptionSlotIndex set.
type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                    uuid.UUID         `bun:"id,pk,type:uuid"`
	ClientID              uuid.UUID         `bun:"client_id,notnull,type:uuid"`
	BarberID              uuid.UUID         `bun:"barber_id,notnull,type:uuid"`
	ServiceID             uuid.UUID         `bun:"service_id,notnull,type:uuid"`
	SubscriptionID        *uuid.UUID        `bun:"subscription_id,type:uuid"`
	SubscriptionSlotIndex *int              `bun:"subscription_slot_index"`
	Date                  time.Time         `bun:"date,notnull"`
	Status                AppointmentStatus `bun:"status,notnull"`
	IsSubscriptionBased   bool              `bun:"is_subscription_based,notnull"`
	Notes                 string            `bun:"notes"`
	CreatedAt             time.Time         `bun:"created_at,notnull"`
	UpdatedAt             time.Time         `bun:"updated_at,notnull"`
}

// SlotIndex returns the subscription slot index, or -1 for standalone bookings.
func (a Appointment) SlotIndex() int {
	if a.SubscriptionSlotIndex == nil {
		return -1
	}
	return *a.SubscriptionSlotIndex
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// BarberBooking is an appointment as seen by conflict detection: the booking
// window plus the details needed to explain a collision.
type BarberBooking struct {
	AppointmentID          uuid.UUID         `bun:"id"`
	ClientID               uuid.UUID         `bun:"client_id"`
	ClientName             string            `bun:"client_name"`
	SubscriptionID         *uuid.UUID        `bun:"subscription_id"`
	Date                   time.Time         `bun:"date"`
	Status                 AppointmentStatus `bun:"status"`
	ServiceDurationMinutes int               `bun:"service_duration_minutes"`
}

func (b BarberBooking) End() time.Time {
	return b.Date.Add(time.Duration(b.ServiceDurationMinutes) * time.Minute)
}
