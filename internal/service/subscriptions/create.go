package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/service/scheduling"
	"chairtime/backend/internal/store"
)

type PreviewInput struct {
	ClientID       uuid.UUID       `json:"client_id" validate:"required"`
	BarberID       uuid.UUID       `json:"barber_id" validate:"required"`
	ServiceID      uuid.UUID       `json:"service_id" validate:"required"`
	PlanType       domain.PlanType `json:"plan_type" validate:"required,oneof=WEEKLY BIWEEKLY"`
	StartDate      time.Time       `json:"start_date" validate:"required"`
	DurationMonths int             `json:"duration_months" validate:"min=1,max=24"`
}

// Adjustment moves one slot of a new subscription, usually to dodge a conflict
// reported by Preview.
type Adjustment struct {
	SlotIndex int       `json:"slot_index" validate:"min=0"`
	Date      time.Time `json:"date" validate:"required"`
	Reason    string    `json:"reason" validate:"max=500"`
}

type CreateInput struct {
	PreviewInput
	Notes       string       `json:"notes" validate:"max=2000"`
	Adjustments []Adjustment `json:"adjustments" validate:"dive"`
}

type PreviewSlot struct {
	Index    int
	Date     time.Time
	Conflict scheduling.Conflict
}

// Preview is a computed schedule that has not been stored.
type Preview struct {
	Client         domain.Client
	Barber         domain.Barber
	Service        domain.Service
	PlanType       domain.PlanType
	StartDate      time.Time
	EndDate        time.Time
	DurationMonths int
	TotalSlots     int
	Slots          []PreviewSlot
	ConflictCount  int
}

// Preview computes the schedule a Create with the same input would book and
// flags every slot that overlaps an existing booking. It never writes.
func (s *Service) Preview(ctx context.Context, in PreviewInput) (p Preview, err error) {
	defer s.observe("preview", time.Now(), &err)

	if err := s.check(in); err != nil {
		return Preview{}, err
	}
	p, err = s.preview(ctx, in)
	if err != nil {
		return Preview{}, err
	}
	s.metrics.AddConflicts("preview", p.ConflictCount)
	return p, nil
}

func (s *Service) preview(ctx context.Context, in PreviewInput) (Preview, error) {
	active, err := s.detector.HasActiveSubscription(ctx, in.ClientID)
	if err != nil {
		return Preview{}, err
	}
	if active {
		return Preview{}, ErrActiveSubscription
	}

	pt, err := s.loadParties(ctx, in.ClientID, in.BarberID, in.ServiceID)
	if err != nil {
		return Preview{}, err
	}

	schedule, err := domain.ComputeSchedule(in.PlanType, in.StartDate, in.DurationMonths)
	if err != nil {
		return Preview{}, validationError(err.Error())
	}

	results, err := s.detector.CheckMultiple(ctx, pt.barber.ID, schedule.Dates, pt.service.Duration())
	if err != nil {
		return Preview{}, err
	}

	slots := make([]PreviewSlot, len(schedule.Dates))
	for i, d := range schedule.Dates {
		slots[i] = PreviewSlot{Index: i, Date: d, Conflict: results[i]}
	}
	conflicts := scheduling.CountConflicts(results)

	return Preview{
		Client:         pt.client,
		Barber:         pt.barber,
		Service:        pt.service,
		PlanType:       schedule.PlanType,
		StartDate:      schedule.StartDate,
		EndDate:        schedule.EndDate,
		DurationMonths: in.DurationMonths,
		TotalSlots:     schedule.TotalSlots,
		Slots:          slots,
		ConflictCount:  conflicts,
	}, nil
}

// Create books a new subscription. The preview is recomputed, adjustments are
// applied, and the final dates must be conflict free. The subscription, its
// slots and the change log entries are written in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (d Details, err error) {
	defer s.observe(string(domain.OperationCreate), time.Now(), &err)

	if err := s.check(in); err != nil {
		return Details{}, err
	}

	p, err := s.preview(ctx, in.PreviewInput)
	if err != nil {
		return Details{}, err
	}

	dates := make([]time.Time, len(p.Slots))
	indices := make([]int, len(p.Slots))
	for i, slot := range p.Slots {
		dates[i] = slot.Date
		indices[i] = slot.Index
	}

	seen := make(map[int]bool, len(in.Adjustments))
	for i, adj := range in.Adjustments {
		if adj.SlotIndex >= len(dates) {
			return Details{}, validationError(fmt.Sprintf("adjustments[%d].slot_index must be below %d", i, len(dates)))
		}
		if seen[adj.SlotIndex] {
			return Details{}, validationError(fmt.Sprintf("adjustments[%d].slot_index %d is adjusted twice", i, adj.SlotIndex))
		}
		seen[adj.SlotIndex] = true
		dates[adj.SlotIndex] = adj.Date
	}

	results := make([]scheduling.Conflict, len(p.Slots))
	for i, slot := range p.Slots {
		results[i] = slot.Conflict
	}
	if len(in.Adjustments) > 0 {
		results, err = s.detector.CheckMultiple(ctx, p.Barber.ID, dates, p.Service.Duration())
		if err != nil {
			return Details{}, err
		}
	}
	if conflicts := collectConflicts(indices, dates, results); len(conflicts) > 0 {
		s.metrics.AddConflicts(string(domain.OperationCreate), len(conflicts))
		return Details{}, &SchedulingConflictError{Conflicts: conflicts}
	}

	now := s.now()
	sub := domain.Subscription{
		ClientID:       p.Client.ID,
		BarberID:       p.Barber.ID,
		ServiceID:      p.Service.ID,
		PlanType:       p.PlanType,
		StartDate:      p.StartDate,
		EndDate:        p.EndDate,
		DurationMonths: p.DurationMonths,
		TotalSlots:     p.TotalSlots,
		Notes:          in.Notes,
	}
	if err := sub.Apply(domain.OperationCreate); err != nil {
		return Details{}, invalidState(err)
	}

	var out Details
	err = s.store.InClientTransaction(ctx, sub.ClientID, func(ctx context.Context, tx store.BookingTx) error {
		created, err := tx.CreateSubscription(ctx, sub)
		if err != nil {
			return err
		}

		slots := make([]domain.Appointment, 0, len(dates))
		for i, date := range dates {
			slot, err := tx.CreateSlot(ctx, newSlot(created, i, date))
			if err != nil {
				return err
			}
			slots = append(slots, slot)
		}

		entry, err := appendLog(ctx, tx, created.ID, domain.SubscriptionCreated{New: domain.CreatedValue{
			PlanType:       created.PlanType,
			StartDate:      created.StartDate,
			EndDate:        created.EndDate,
			DurationMonths: created.DurationMonths,
			TotalSlots:     created.TotalSlots,
		}}, "", now)
		if err != nil {
			return err
		}
		entries := []domain.ChangeLogEntry{entry}

		for _, adj := range in.Adjustments {
			entry, err := appendLog(ctx, tx, created.ID, domain.AppointmentAdjusted{
				Old: domain.SlotDate{SlotIndex: adj.SlotIndex, Date: p.Slots[adj.SlotIndex].Date},
				New: domain.SlotDate{SlotIndex: adj.SlotIndex, Date: adj.Date},
			}, adj.Reason, now)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		out = Details{Subscription: created, Slots: slots, ChangeLog: entries}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return Details{}, fmt.Errorf("%w: a referenced record was removed during create", ErrNotFound)
	}
	if err != nil {
		return Details{}, mapStoreError(err, "subscription", sub.ID)
	}

	s.log.Info("subscription created",
		slog.String("subscription_id", out.Subscription.ID.String()),
		slog.String("client_id", out.Subscription.ClientID.String()),
		slog.String("plan_type", string(out.Subscription.PlanType)),
		slog.Int("total_slots", out.Subscription.TotalSlots),
		slog.Int("adjustments", len(in.Adjustments)),
	)
	s.notifier.Notify(ctx, domain.NewLifecycleEvent(domain.EventSubscriptionCreated, out.Subscription, p.Client, p.Barber, "", now))
	return out, nil
}
