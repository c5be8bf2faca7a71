// Package scheduling detects double bookings on a barber's calendar.
package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

const (
	// DefaultLookback is how far before a candidate start existing bookings are
	// fetched. A booking's own length is only known once it has been loaded.
	DefaultLookback = 2 * time.Hour
	DefaultWorkers  = 4
)

// BookingReader is the part of the booking store the detector reads from.
type BookingReader interface {
	ListBarberBookings(ctx context.Context, q store.BarberBookingQuery) ([]domain.BarberBooking, error)
	HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error)
}

type ConflictingBooking struct {
	AppointmentID uuid.UUID
	ClientName    string
	Start         time.Time
	End           time.Time
}

type Conflict struct {
	HasConflict bool
	Booking     *ConflictingBooking
}

type Detector struct {
	bookings BookingReader
	lookback time.Duration
	workers  int
}

type Option func(*Detector)

func WithLookback(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.lookback = d
		}
	}
}

// WithWorkers bounds how many candidate dates CheckMultiple queries at once.
func WithWorkers(n int) Option {
	return func(det *Detector) {
		if n > 0 {
			det.workers = n
		}
	}
}

func NewDetector(bookings BookingReader, opts ...Option) *Detector {
	d := &Detector{
		bookings: bookings,
		lookback: DefaultLookback,
		workers:  DefaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Within returns a detector that reads from r one query at a time. A
// transaction handle serves one query at a time, so in-transaction checks go
// through this.
func (d *Detector) Within(r BookingReader) *Detector {
	return &Detector{bookings: r, lookback: d.lookback, workers: 1}
}

// Overlaps reports whether the half-open ranges [aStart, aEnd) and
// [bStart, bEnd) share any instant.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// CheckSingle looks for a blocking booking of barberID that overlaps
// [candidate, candidate+duration). Bookings whose id is in exclude are ignored,
// which is how a slot is re-checked against everything but itself.
func (d *Detector) CheckSingle(ctx context.Context, barberID uuid.UUID, candidate time.Time, duration time.Duration, exclude ...uuid.UUID) (Conflict, error) {
	candidateEnd := candidate.Add(duration)

	bookings, err := d.bookings.ListBarberBookings(ctx, store.BarberBookingQuery{
		BarberID: barberID,
		Statuses: domain.BlockingStatuses,
		From:     candidate.Add(-d.lookback),
		To:       candidateEnd,
		Exclude:  exclude,
	})
	if err != nil {
		return Conflict{}, err
	}

	for _, b := range bookings {
		end := b.End()
		if !Overlaps(candidate, candidateEnd, b.Date, end) {
			continue
		}
		return Conflict{
			HasConflict: true,
			Booking: &ConflictingBooking{
				AppointmentID: b.AppointmentID,
				ClientName:    b.ClientName,
				Start:         b.Date,
				End:           end,
			},
		}, nil
	}
	return Conflict{}, nil
}

// CheckMultiple runs CheckSingle for every date. result[i] always belongs to
// dates[i]. Candidates are only compared with stored bookings, never with each
// other.
func (d *Detector) CheckMultiple(ctx context.Context, barberID uuid.UUID, dates []time.Time, duration time.Duration, exclude ...uuid.UUID) ([]Conflict, error) {
	results := make([]Conflict, len(dates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, date := range dates {
		g.Go(func() error {
			c, err := d.CheckSingle(gctx, barberID, date, duration, exclude...)
			if err != nil {
				return err
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Detector) HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error) {
	return d.bookings.HasActiveSubscription(ctx, clientID)
}

// CountConflicts returns how many results report a conflict.
func CountConflicts(results []Conflict) int {
	n := 0
	for _, c := range results {
		if c.HasConflict {
			n++
		}
	}
	return n
}
