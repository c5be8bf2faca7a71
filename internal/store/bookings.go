package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
)

// BarberBookingQuery selects the bookings of one barber whose start falls in
// [From, To).
type BarberBookingQuery struct {
	BarberID uuid.UUID
	Statuses []domain.AppointmentStatus
	From     time.Time
	To       time.Time
	Exclude  []uuid.UUID
}

// BookingStore is the persistence boundary of the subscription core.
type BookingStore interface {
	GetClient(ctx context.Context, id uuid.UUID) (domain.Client, error)
	GetBarber(ctx context.Context, id uuid.UUID) (domain.Barber, error)
	GetService(ctx context.Context, id uuid.UUID) (domain.Service, error)

	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error)
	ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus, endedBefore time.Time) ([]domain.Subscription, error)
	ListSubscriptionSlots(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Appointment, error)
	ListChangeLog(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error)

	ListBarberBookings(ctx context.Context, q BarberBookingQuery) ([]domain.BarberBooking, error)

	// InClientTransaction runs fn in one atomic unit, serialized against other
	// transactions for the same client. Returning an error rolls back every write.
	InClientTransaction(ctx context.Context, clientID uuid.UUID, fn func(ctx context.Context, tx BookingTx) error) error
}

// BookingTx is the write side, only reachable inside a transaction. Its reads
// run on the transaction's own connection.
type BookingTx interface {
	GetService(ctx context.Context, id uuid.UUID) (domain.Service, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error)
	ListSubscriptionSlots(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Appointment, error)
	ListChangeLog(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error)
	ListBarberBookings(ctx context.Context, q BarberBookingQuery) ([]domain.BarberBooking, error)

	CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)
	UpdateSubscription(ctx context.Context, sub domain.Subscription) error

	CreateSlot(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateSlot(ctx context.Context, appt domain.Appointment) error
	DeleteSlot(ctx context.Context, id uuid.UUID) error

	AppendChangeLog(ctx context.Context, entry domain.ChangeLogEntry) error
}
