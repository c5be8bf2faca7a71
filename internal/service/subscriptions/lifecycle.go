package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

type ChangePlanInput struct {
	SubscriptionID uuid.UUID       `json:"subscription_id" validate:"required"`
	PlanType       domain.PlanType `json:"plan_type" validate:"required,oneof=WEEKLY BIWEEKLY"`
	Reason         string          `json:"reason" validate:"max=500"`
}

// ChangePlanType re-plans every pending slot on the new interval, anchored at
// the earliest pending date. Completed, missed and cancelled slots keep their
// dates.
func (s *Service) ChangePlanType(ctx context.Context, in ChangePlanInput) (d Details, err error) {
	defer s.observe(string(domain.OperationChangePlan), time.Now(), &err)

	if err := s.check(in); err != nil {
		return Details{}, err
	}

	sub, err := s.mutate(ctx, in.SubscriptionID, func(ctx context.Context, tx store.BookingTx, sub domain.Subscription) (domain.Subscription, error) {
		if err := sub.Apply(domain.OperationChangePlan); err != nil {
			return sub, err
		}
		if sub.PlanType == in.PlanType {
			return sub, validationError(fmt.Sprintf("plan_type is already %s", in.PlanType))
		}

		slots, err := tx.ListSubscriptionSlots(ctx, sub.ID)
		if err != nil {
			return sub, err
		}
		pending := pendingSlots(slots)
		if len(pending) == 0 {
			return sub, fmt.Errorf("%w: no pending appointments to re-plan", ErrExhausted)
		}

		anchor := pending[0].Date
		for _, slot := range pending[1:] {
			if slot.Date.Before(anchor) {
				anchor = slot.Date
			}
		}
		dates, err := domain.RecalculateSlotDates(len(pending), in.PlanType, anchor)
		if err != nil {
			return sub, err
		}

		if err := s.checkSlots(ctx, tx, string(domain.OperationChangePlan), sub, pending, dates); err != nil {
			return sub, err
		}

		old := domain.PlanSnapshot{PlanType: sub.PlanType}
		next := domain.PlanSnapshot{PlanType: in.PlanType}
		for i, slot := range pending {
			old.Slots = append(old.Slots, domain.SlotDate{SlotIndex: slot.SlotIndex(), Date: slot.Date})
			next.Slots = append(next.Slots, domain.SlotDate{SlotIndex: slot.SlotIndex(), Date: dates[i]})

			slot.Date = dates[i]
			if err := tx.UpdateSlot(ctx, slot); err != nil {
				return sub, err
			}
		}

		sub.PlanType = in.PlanType
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return sub, err
		}
		_, err = appendLog(ctx, tx, sub.ID, domain.PlanChanged{Old: old, New: next}, in.Reason, s.now())
		return sub, err
	})
	if err != nil {
		return Details{}, err
	}

	s.log.Info("subscription plan changed",
		slog.String("subscription_id", sub.ID.String()),
		slog.String("plan_type", string(sub.PlanType)),
	)
	return s.details(ctx, sub)
}

type PauseInput struct {
	SubscriptionID uuid.UUID `json:"subscription_id" validate:"required"`
	Reason         string    `json:"reason" validate:"max=500"`
}

// Pause cancels every scheduled slot that lies in the future and parks the
// subscription.
func (s *Service) Pause(ctx context.Context, in PauseInput) (d Details, err error) {
	defer s.observe(string(domain.OperationPause), time.Now(), &err)

	if err := s.check(in); err != nil {
		return Details{}, err
	}

	now := s.now()
	sub, err := s.mutate(ctx, in.SubscriptionID, func(ctx context.Context, tx store.BookingTx, sub domain.Subscription) (domain.Subscription, error) {
		prev := sub.Status
		if err := sub.Apply(domain.OperationPause); err != nil {
			return sub, err
		}

		slots, err := tx.ListSubscriptionSlots(ctx, sub.ID)
		if err != nil {
			return sub, err
		}
		var cancelled []uuid.UUID
		for _, slot := range slots {
			if slot.Status != domain.AppointmentStatusScheduled || !slot.Date.After(now) {
				continue
			}
			slot.Status = domain.AppointmentStatusCancelled
			if err := tx.UpdateSlot(ctx, slot); err != nil {
				return sub, err
			}
			cancelled = append(cancelled, slot.ID)
		}

		sub.PausedAt = ptr(now)
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return sub, err
		}
		_, err = appendLog(ctx, tx, sub.ID, domain.SubscriptionPaused{
			Old: domain.StatusValue{Status: prev},
			New: domain.PausedValue{Status: sub.Status, PausedAt: now, CancelledSlotIDs: cancelled},
		}, in.Reason, now)
		return sub, err
	})
	if err != nil {
		return Details{}, err
	}

	s.log.Info("subscription paused", slog.String("subscription_id", sub.ID.String()))
	s.emit(ctx, domain.EventSubscriptionPaused, sub, in.Reason)
	return s.details(ctx, sub)
}

type ResumeInput struct {
	SubscriptionID uuid.UUID `json:"subscription_id" validate:"required"`
	NewStartDate   time.Time `json:"new_start_date" validate:"required"`
	Reason         string    `json:"reason" validate:"max=500"`
}

// Resume replaces the slots cancelled by the last pause with fresh ones
// starting at NewStartDate. Slot indices never go past TotalSlots.
func (s *Service) Resume(ctx context.Context, in ResumeInput) (d Details, err error) {
	defer s.observe(string(domain.OperationResume), time.Now(), &err)

	if err := s.check(in); err != nil {
		return Details{}, err
	}

	now := s.now()
	if !in.NewStartDate.After(now) {
		return Details{}, validationError("new_start_date must be in the future")
	}

	sub, err := s.mutate(ctx, in.SubscriptionID, func(ctx context.Context, tx store.BookingTx, sub domain.Subscription) (domain.Subscription, error) {
		prev := sub.Status
		if err := sub.Apply(domain.OperationResume); err != nil {
			return sub, err
		}

		active, err := s.detector.Within(tx).HasActiveSubscription(ctx, sub.ClientID)
		if err != nil {
			return sub, err
		}
		if active {
			return sub, ErrActiveSubscription
		}

		slots, err := tx.ListSubscriptionSlots(ctx, sub.ID)
		if err != nil {
			return sub, err
		}
		removable, err := pausedSlotIDs(ctx, tx, sub.ID)
		if err != nil {
			return sub, err
		}

		// Every slot the pause did not cancel keeps its index and counts as
		// used, so new indices continue after the highest one kept.
		var removed []uuid.UUID
		nextIndex := 0
		for _, slot := range slots {
			if removable[slot.ID] && slot.Status == domain.AppointmentStatusCancelled {
				removed = append(removed, slot.ID)
				continue
			}
			if idx := slot.SlotIndex(); idx >= nextIndex {
				nextIndex = idx + 1
			}
		}
		remaining := sub.TotalSlots - nextIndex
		if remaining <= 0 {
			return sub, fmt.Errorf("%w: all %d appointments are used", ErrExhausted, sub.TotalSlots)
		}

		interval, err := domain.IntervalDays(sub.PlanType)
		if err != nil {
			return sub, err
		}
		dates, err := domain.GenerateSlotDates(in.NewStartDate, remaining, interval)
		if err != nil {
			return sub, err
		}

		indices := make([]int, len(dates))
		for i := range dates {
			indices[i] = nextIndex + i
		}
		if err := s.checkDates(ctx, tx, string(domain.OperationResume), sub, indices, dates); err != nil {
			return sub, err
		}

		for _, id := range removed {
			if err := tx.DeleteSlot(ctx, id); err != nil {
				return sub, err
			}
		}
		for i, date := range dates {
			if _, err := tx.CreateSlot(ctx, newSlot(sub, indices[i], date)); err != nil {
				return sub, err
			}
		}

		sub.PausedAt = nil
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return sub, err
		}
		_, err = appendLog(ctx, tx, sub.ID, domain.SubscriptionResumed{
			Old: domain.StatusValue{Status: prev},
			New: domain.ResumedValue{
				Status:         sub.Status,
				NewStartDate:   in.NewStartDate,
				RemainingSlots: remaining,
				FirstSlotIndex: nextIndex,
				RemovedSlotIDs: removed,
			},
		}, in.Reason, now)
		return sub, err
	})
	if err != nil {
		return Details{}, err
	}

	s.log.Info("subscription resumed", slog.String("subscription_id", sub.ID.String()))
	s.emit(ctx, domain.EventSubscriptionResumed, sub, in.Reason)
	return s.details(ctx, sub)
}

type CancelInput struct {
	SubscriptionID uuid.UUID `json:"subscription_id" validate:"required"`
	Reason         string    `json:"reason" validate:"required,max=500"`
}

// Cancel ends the subscription for good and frees the barber's future slots.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (d Details, err error) {
	defer s.observe(string(domain.OperationCancel), time.Now(), &err)

	in.Reason = strings.TrimSpace(in.Reason)
	if err := s.check(in); err != nil {
		return Details{}, err
	}

	now := s.now()
	sub, err := s.mutate(ctx, in.SubscriptionID, func(ctx context.Context, tx store.BookingTx, sub domain.Subscription) (domain.Subscription, error) {
		prev := sub.Status
		if err := sub.Apply(domain.OperationCancel); err != nil {
			return sub, err
		}

		slots, err := tx.ListSubscriptionSlots(ctx, sub.ID)
		if err != nil {
			return sub, err
		}
		var cancelled []uuid.UUID
		for _, slot := range slots {
			if !slot.Status.IsPending() || !slot.Date.After(now) {
				continue
			}
			slot.Status = domain.AppointmentStatusCancelled
			if err := tx.UpdateSlot(ctx, slot); err != nil {
				return sub, err
			}
			cancelled = append(cancelled, slot.ID)
		}

		sub.CancelledAt = ptr(now)
		sub.CancellationReason = ptr(in.Reason)
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return sub, err
		}
		_, err = appendLog(ctx, tx, sub.ID, domain.SubscriptionCancelled{
			Old: domain.StatusValue{Status: prev},
			New: domain.CancelledValue{Status: sub.Status, CancelledAt: now, CancelledSlotIDs: cancelled},
		}, in.Reason, now)
		return sub, err
	})
	if err != nil {
		return Details{}, err
	}

	s.log.Info("subscription cancelled", slog.String("subscription_id", sub.ID.String()))
	s.emit(ctx, domain.EventSubscriptionCancelled, sub, in.Reason)
	return s.details(ctx, sub)
}

// SweepResult lists what one CompleteFinished run did.
type SweepResult struct {
	Completed []uuid.UUID
	Skipped   int
}

// CompleteFinished moves active subscriptions whose end date has passed and
// that have no pending appointments left to COMPLETED. Nothing calls it on a
// timer; the sweep command does.
func (s *Service) CompleteFinished(ctx context.Context) (res SweepResult, err error) {
	defer s.observe(string(domain.OperationComplete), time.Now(), &err)

	now := s.now()
	candidates, err := s.store.ListSubscriptionsByStatus(ctx, domain.SubscriptionStatusActive, now)
	if err != nil {
		return SweepResult{}, err
	}

	var errs []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		done := false
		_, err := s.mutate(ctx, c.ID, func(ctx context.Context, tx store.BookingTx, sub domain.Subscription) (domain.Subscription, error) {
			if !sub.Status.Can(domain.OperationComplete) {
				return sub, nil
			}
			slots, err := tx.ListSubscriptionSlots(ctx, sub.ID)
			if err != nil {
				return sub, err
			}
			if len(pendingSlots(slots)) > 0 {
				return sub, nil
			}

			prev := sub.Status
			if err := sub.Apply(domain.OperationComplete); err != nil {
				return sub, err
			}
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return sub, err
			}
			if _, err := appendLog(ctx, tx, sub.ID, domain.SubscriptionCompleted{
				Old: domain.StatusValue{Status: prev},
				New: domain.StatusValue{Status: sub.Status},
			}, "", now); err != nil {
				return sub, err
			}
			done = true
			return sub, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("complete subscription %s: %w", c.ID, err))
			continue
		}
		if done {
			res.Completed = append(res.Completed, c.ID)
		} else {
			res.Skipped++
		}
	}

	s.log.Info("completion sweep finished",
		slog.Int("candidates", len(candidates)),
		slog.Int("completed", len(res.Completed)),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", len(errs)),
	)
	return res, errors.Join(errs...)
}

// pendingSlots returns the slots that may still be moved, by slot index.
func pendingSlots(slots []domain.Appointment) []domain.Appointment {
	var out []domain.Appointment
	for _, slot := range slots {
		if slot.Status.IsPending() {
			out = append(out, slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotIndex() < out[j].SlotIndex() })
	return out
}

// pausedSlotIDs returns the slots cancelled by the most recent pause.
func pausedSlotIDs(ctx context.Context, tx store.BookingTx, subID uuid.UUID) (map[uuid.UUID]bool, error) {
	entries, err := tx.ListChangeLog(ctx, subID)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ChangeType != domain.ChangeTypePaused {
			continue
		}
		c, err := entries[i].Change()
		if err != nil {
			return nil, err
		}
		ids := c.(domain.SubscriptionPaused).New.CancelledSlotIDs
		out := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			out[id] = true
		}
		return out, nil
	}
	return map[uuid.UUID]bool{}, nil
}

// checkSlots verifies new dates for existing slots, ignoring the slots
// themselves.
func (s *Service) checkSlots(ctx context.Context, tx store.BookingTx, op string, sub domain.Subscription, slots []domain.Appointment, dates []time.Time) error {
	indices := make([]int, len(slots))
	exclude := make([]uuid.UUID, len(slots))
	for i, slot := range slots {
		indices[i] = slot.SlotIndex()
		exclude[i] = slot.ID
	}
	return s.checkDates(ctx, tx, op, sub, indices, dates, exclude...)
}

// checkDates runs the conflict check on tx's connection.
func (s *Service) checkDates(ctx context.Context, tx store.BookingTx, op string, sub domain.Subscription, indices []int, dates []time.Time, exclude ...uuid.UUID) error {
	svc, err := tx.GetService(ctx, sub.ServiceID)
	if err != nil {
		return mapStoreError(err, "service", sub.ServiceID)
	}
	results, err := s.detector.Within(tx).CheckMultiple(ctx, sub.BarberID, dates, svc.Duration(), exclude...)
	if err != nil {
		return err
	}
	conflicts := collectConflicts(indices, dates, results)
	if len(conflicts) == 0 {
		return nil
	}
	s.metrics.AddConflicts(op, len(conflicts))
	return &SchedulingConflictError{Conflicts: conflicts}
}
