// Package subscriptions drives the subscription lifecycle: preview, create,
// plan changes, pause, resume, cancel and completion.
package subscriptions

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/metrics"
	"chairtime/backend/internal/service/scheduling"
	"chairtime/backend/internal/store"
)

// Notifier receives lifecycle events after a successful commit. It must not
// block and has no way to fail the operation.
type Notifier interface {
	Notify(ctx context.Context, ev domain.LifecycleEvent)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, domain.LifecycleEvent) {}

type Service struct {
	store    store.BookingStore
	detector *scheduling.Detector
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	validate *validator.Validate
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(st store.BookingStore, detector *scheduling.Detector, opts ...Option) *Service {
	s := &Service{
		store:    st,
		detector: detector,
		notifier: noopNotifier{},
		log:      slog.Default(),
		now:      time.Now,
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) check(in any) error {
	if err := s.validate.Struct(in); err != nil {
		return translateValidation(err)
	}
	return nil
}

// Details is a subscription together with its slots and change log.
type Details struct {
	Subscription domain.Subscription
	Slots        []domain.Appointment
	ChangeLog    []domain.ChangeLogEntry
}

func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (Details, error) {
	if id == uuid.Nil {
		return Details{}, validationError("subscription_id is required")
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return Details{}, mapStoreError(err, "subscription", id)
	}
	return s.details(ctx, sub)
}

func (s *Service) details(ctx context.Context, sub domain.Subscription) (Details, error) {
	slots, err := s.store.ListSubscriptionSlots(ctx, sub.ID)
	if err != nil {
		return Details{}, err
	}
	log, err := s.store.ListChangeLog(ctx, sub.ID)
	if err != nil {
		return Details{}, err
	}
	return Details{Subscription: sub, Slots: slots, ChangeLog: log}, nil
}

// observe records the outcome of one operation. Use it deferred with a pointer
// to the named error result.
func (s *Service) observe(op string, start time.Time, errp *error) {
	outcome := metrics.OutcomeOK
	if err := *errp; err != nil {
		outcome = metrics.OutcomeError
		if isRejection(err) {
			outcome = metrics.OutcomeRejected
		} else {
			s.log.Error("subscription operation failed", slog.String("operation", op), slog.Any("err", err))
		}
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(start))
}

// mutate runs fn on the current subscription inside the client's transaction.
// The subscription passed to fn is re-read under the lock.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx store.BookingTx, sub domain.Subscription) (domain.Subscription, error)) (domain.Subscription, error) {
	if id == uuid.Nil {
		return domain.Subscription{}, validationError("subscription_id is required")
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return domain.Subscription{}, mapStoreError(err, "subscription", id)
	}

	var out domain.Subscription
	err = s.store.InClientTransaction(ctx, sub.ClientID, func(ctx context.Context, tx store.BookingTx) error {
		cur, err := tx.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		out, err = fn(ctx, tx, cur)
		return err
	})
	if err != nil {
		return domain.Subscription{}, mapStoreError(err, "subscription", id)
	}
	return out, nil
}

type parties struct {
	client  domain.Client
	barber  domain.Barber
	service domain.Service
}

// loadParties fetches the client, barber and service of a new subscription.
// Inactive barbers and services are unavailable.
func (s *Service) loadParties(ctx context.Context, clientID, barberID, serviceID uuid.UUID) (parties, error) {
	var p parties
	var err error

	if p.client, err = s.store.GetClient(ctx, clientID); err != nil {
		return parties{}, mapStoreError(err, "client", clientID)
	}
	if p.barber, err = s.store.GetBarber(ctx, barberID); err != nil {
		return parties{}, mapStoreError(err, "barber", barberID)
	}
	if !p.barber.IsActive {
		return parties{}, &UnavailableError{Entity: "barber", ID: barberID}
	}
	if p.service, err = s.store.GetService(ctx, serviceID); err != nil {
		return parties{}, mapStoreError(err, "service", serviceID)
	}
	if !p.service.IsActive {
		return parties{}, &UnavailableError{Entity: "service", ID: serviceID}
	}
	return p, nil
}

// emit sends ev for sub after the commit. Lookup failures only cost the
// notification.
func (s *Service) emit(ctx context.Context, kind domain.EventKind, sub domain.Subscription, reason string) {
	client, err := s.store.GetClient(ctx, sub.ClientID)
	if err != nil {
		s.log.Warn("skip notification, client lookup failed", slog.String("kind", string(kind)), slog.String("subscription_id", sub.ID.String()), slog.Any("err", err))
		return
	}
	barber, err := s.store.GetBarber(ctx, sub.BarberID)
	if err != nil {
		s.log.Warn("skip notification, barber lookup failed", slog.String("kind", string(kind)), slog.String("subscription_id", sub.ID.String()), slog.Any("err", err))
		return
	}
	s.notifier.Notify(ctx, domain.NewLifecycleEvent(kind, sub, client, barber, reason, s.now()))
}

func newSlot(sub domain.Subscription, index int, date time.Time) domain.Appointment {
	subID := sub.ID
	idx := index
	return domain.Appointment{
		ClientID:              sub.ClientID,
		BarberID:              sub.BarberID,
		ServiceID:             sub.ServiceID,
		SubscriptionID:        &subID,
		SubscriptionSlotIndex: &idx,
		Date:                  date,
		Status:                domain.AppointmentStatusScheduled,
		IsSubscriptionBased:   true,
	}
}

func appendLog(ctx context.Context, tx store.BookingTx, subID uuid.UUID, c domain.Change, reason string, at time.Time) (domain.ChangeLogEntry, error) {
	entry, err := domain.NewChangeLogEntry(subID, c, reason, at)
	if err != nil {
		return domain.ChangeLogEntry{}, err
	}
	if err := tx.AppendChangeLog(ctx, entry); err != nil {
		return domain.ChangeLogEntry{}, err
	}
	return entry, nil
}

func ptr[T any](v T) *T {
	return &v
}
