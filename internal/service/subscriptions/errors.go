package subscriptions

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/service/scheduling"
	"chairtime/backend/internal/store"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnavailable        = errors.New("unavailable")
	ErrActiveSubscription = errors.New("client already has an active subscription")
	ErrSchedulingConflict = errors.New("scheduling conflict")
	ErrInvalidState       = errors.New("invalid subscription state")
	ErrExhausted          = errors.New("no remaining slots")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string
	ID     uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// UnavailableError is returned for an inactive barber or service.
type UnavailableError struct {
	Entity string
	ID     uuid.UUID
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s %s is not active", e.Entity, e.ID)
}

func (e *UnavailableError) Unwrap() error {
	return ErrUnavailable
}

// SlotConflict is one candidate slot that overlaps an existing booking.
type SlotConflict struct {
	SlotIndex int
	Date      time.Time
	Booking   scheduling.ConflictingBooking
}

type SchedulingConflictError struct {
	Conflicts []SlotConflict
}

func (e *SchedulingConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		c := e.Conflicts[0]
		return fmt.Sprintf("slot %d at %s overlaps a booking of %s", c.SlotIndex, c.Date.Format(time.DateTime), c.Booking.ClientName)
	}
	return fmt.Sprintf("%d slots overlap existing bookings", len(e.Conflicts))
}

func (e *SchedulingConflictError) Unwrap() error {
	return ErrSchedulingConflict
}

func collectConflicts(indices []int, dates []time.Time, results []scheduling.Conflict) []SlotConflict {
	var out []SlotConflict
	for i, c := range results {
		if !c.HasConflict || c.Booking == nil {
			continue
		}
		out = append(out, SlotConflict{SlotIndex: indices[i], Date: dates[i], Booking: *c.Booking})
	}
	return out
}

func invalidState(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidState, err)
}

// mapStoreError converts store sentinels into service errors.
func mapStoreError(err error, entity string, id uuid.UUID) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidState):
		return err
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Entity: entity, ID: id}
	case errors.Is(err, store.ErrActiveSubscriptionExists):
		return ErrActiveSubscription
	case errors.Is(err, domain.ErrInvalidTransition):
		return invalidState(err)
	}
	return err
}

// isRejection reports whether err is a business outcome rather than a failure.
func isRejection(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrActiveSubscription) ||
		errors.Is(err, ErrSchedulingConflict) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrExhausted)
}

func translateValidation(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}
	fe := errs[0]
	name := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return validationError(name + " is required")
	case "oneof":
		return validationError(fmt.Sprintf("%s must be one of %s", name, fe.Param()))
	case "min":
		return validationError(fmt.Sprintf("%s must be at least %s", name, fe.Param()))
	case "max":
		return validationError(fmt.Sprintf("%s must be at most %s", name, fe.Param()))
	default:
		return validationError(name + " is invalid")
	}
}

// fieldPath drops the struct names from a validator namespace, so
// "CreateInput.PreviewInput.client_id" becomes "client_id".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	for len(parts) > 1 && parts[0] != "" && unicode.IsUpper(rune(parts[0][0])) {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}
