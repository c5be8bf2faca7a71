// Package memory is an in-process BookingStore used by tests and by the
// server when storage.backend is memory.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

type state struct {
	clients       map[uuid.UUID]domain.Client
	barbers       map[uuid.UUID]domain.Barber
	services      map[uuid.UUID]domain.Service
	subscriptions map[uuid.UUID]domain.Subscription
	appointments  map[uuid.UUID]domain.Appointment
	changeLog     []domain.ChangeLogEntry
}

func (s *state) clone() *state {
	return &state{
		clients:       maps.Clone(s.clients),
		barbers:       maps.Clone(s.barbers),
		services:      maps.Clone(s.services),
		subscriptions: maps.Clone(s.subscriptions),
		appointments:  maps.Clone(s.appointments),
		changeLog:     slices.Clone(s.changeLog),
	}
}

// Store keeps everything in maps. A published state is never mutated: seeds and
// transactions work on a private copy that replaces the shared one on success.
// Transactions run one at a time.
type Store struct {
	// FailOn, when set, is consulted before every write inside a transaction.
	// A non-nil return aborts that write with the returned error.
	FailOn func(op string) error

	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

var _ store.BookingStore = (*Store)(nil)

func New() *Store {
	return &Store{st: &state{
		clients:       map[uuid.UUID]domain.Client{},
		barbers:       map[uuid.UUID]domain.Barber{},
		services:      map[uuid.UUID]domain.Service{},
		subscriptions: map[uuid.UUID]domain.Subscription{},
		appointments:  map[uuid.UUID]domain.Appointment{},
	}}
}

func (s *Store) AddClient(c domain.Client) domain.Client {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.seed(func(st *state) { st.clients[c.ID] = c })
	return c
}

func (s *Store) AddBarber(b domain.Barber) domain.Barber {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.seed(func(st *state) { st.barbers[b.ID] = b })
	return b
}

func (s *Store) AddService(sv domain.Service) domain.Service {
	if sv.ID == uuid.Nil {
		sv.ID = uuid.New()
	}
	if sv.CreatedAt.IsZero() {
		sv.CreatedAt = time.Now().UTC()
	}
	s.seed(func(st *state) { st.services[sv.ID] = sv })
	return sv
}

// AddAppointment stores a booking as-is, bypassing every constraint. It is how
// standalone bookings made by the surrounding application show up.
func (s *Store) AddAppointment(a domain.Appointment) domain.Appointment {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	s.seed(func(st *state) { st.appointments[a.ID] = a })
	return a
}

// SetAppointmentStatus mimics the surrounding application marking a booking as
// completed or missed.
func (s *Store) SetAppointmentStatus(id uuid.UUID, status domain.AppointmentStatus) error {
	var err error
	s.seed(func(st *state) {
		a, ok := st.appointments[id]
		if !ok {
			err = store.ErrNotFound
			return
		}
		a.Status = status
		a.UpdatedAt = time.Now().UTC()
		st.appointments[id] = a
	})
	return err
}

func (s *Store) seed(fn func(st *state)) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	next := s.read().clone()
	fn(next)
	s.mu.Lock()
	s.st = next
	s.mu.Unlock()
}

func (s *Store) read() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (domain.Client, error) {
	return lookup(s.read().clients, id)
}

func (s *Store) GetBarber(ctx context.Context, id uuid.UUID) (domain.Barber, error) {
	return lookup(s.read().barbers, id)
}

func (s *Store) GetService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	return lookup(s.read().services, id)
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return lookup(s.read().subscriptions, id)
}

func (s *Store) HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error) {
	return s.read().activeSubscription(clientID, uuid.Nil), nil
}

func (s *Store) ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus, endedBefore time.Time) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range s.read().subscriptions {
		if sub.Status == status && sub.EndDate.Before(endedBefore) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return out, nil
}

func (s *Store) ListSubscriptionSlots(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Appointment, error) {
	return s.read().slots(subscriptionID), nil
}

func (s *Store) ListChangeLog(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	return s.read().entries(subscriptionID), nil
}

func (s *Store) ListBarberBookings(ctx context.Context, q store.BarberBookingQuery) ([]domain.BarberBooking, error) {
	return s.read().barberBookings(q), nil
}

func (s *Store) InClientTransaction(ctx context.Context, clientID uuid.UUID, fn func(ctx context.Context, tx store.BookingTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{st: s.read().clone(), failOn: s.FailOn}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = tx.st
	s.mu.Unlock()
	return nil
}

type memTx struct {
	st     *state
	failOn func(op string) error
}

func (t *memTx) fail(op string) error {
	if t.failOn == nil {
		return nil
	}
	return t.failOn(op)
}

func (t *memTx) GetService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	return lookup(t.st.services, id)
}

func (t *memTx) HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error) {
	return t.st.activeSubscription(clientID, uuid.Nil), nil
}

func (t *memTx) ListBarberBookings(ctx context.Context, q store.BarberBookingQuery) ([]domain.BarberBooking, error) {
	return t.st.barberBookings(q), nil
}

func (t *memTx) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return lookup(t.st.subscriptions, id)
}

func (t *memTx) ListSubscriptionSlots(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Appointment, error) {
	return t.st.slots(subscriptionID), nil
}

func (t *memTx) ListChangeLog(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	return t.st.entries(subscriptionID), nil
}

func (t *memTx) CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if err := t.fail("CreateSubscription"); err != nil {
		return domain.Subscription{}, err
	}
	if err := t.st.checkReferences(sub.ClientID, sub.BarberID, sub.ServiceID); err != nil {
		return domain.Subscription{}, err
	}
	if sub.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Subscription{}, err
		}
		sub.ID = id
	}
	if _, ok := t.st.subscriptions[sub.ID]; ok {
		return domain.Subscription{}, store.ErrConflict
	}
	if sub.Status == domain.SubscriptionStatusActive && t.st.activeSubscription(sub.ClientID, sub.ID) {
		return domain.Subscription{}, store.ErrActiveSubscriptionExists
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	t.st.subscriptions[sub.ID] = sub
	return sub, nil
}

func (t *memTx) UpdateSubscription(ctx context.Context, sub domain.Subscription) error {
	if err := t.fail("UpdateSubscription"); err != nil {
		return err
	}
	cur, ok := t.st.subscriptions[sub.ID]
	if !ok {
		return store.ErrNotFound
	}
	if sub.Status == domain.SubscriptionStatusActive && t.st.activeSubscription(sub.ClientID, sub.ID) {
		return store.ErrActiveSubscriptionExists
	}
	sub.CreatedAt = cur.CreatedAt
	sub.UpdatedAt = time.Now().UTC()
	t.st.subscriptions[sub.ID] = sub
	return nil
}

func (t *memTx) CreateSlot(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if err := t.fail("CreateSlot"); err != nil {
		return domain.Appointment{}, err
	}
	if err := t.st.checkReferences(appt.ClientID, appt.BarberID, appt.ServiceID); err != nil {
		return domain.Appointment{}, err
	}
	if appt.SubscriptionID != nil {
		if _, ok := t.st.subscriptions[*appt.SubscriptionID]; !ok {
			return domain.Appointment{}, store.ErrNotFound
		}
	}
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if _, ok := t.st.appointments[appt.ID]; ok {
		return domain.Appointment{}, store.ErrConflict
	}
	if t.st.slotIndexUsed(appt) {
		return domain.Appointment{}, store.ErrSubscriptionSlotIndexUsed
	}
	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	appt.UpdatedAt = now
	t.st.appointments[appt.ID] = appt
	return appt, nil
}

func (t *memTx) UpdateSlot(ctx context.Context, appt domain.Appointment) error {
	if err := t.fail("UpdateSlot"); err != nil {
		return err
	}
	cur, ok := t.st.appointments[appt.ID]
	if !ok {
		return store.ErrNotFound
	}
	if t.st.slotIndexUsed(appt) {
		return store.ErrSubscriptionSlotIndexUsed
	}
	appt.CreatedAt = cur.CreatedAt
	appt.UpdatedAt = time.Now().UTC()
	t.st.appointments[appt.ID] = appt
	return nil
}

func (t *memTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	if err := t.fail("DeleteSlot"); err != nil {
		return err
	}
	if _, ok := t.st.appointments[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.appointments, id)
	return nil
}

func (t *memTx) AppendChangeLog(ctx context.Context, entry domain.ChangeLogEntry) error {
	if err := t.fail("AppendChangeLog"); err != nil {
		return err
	}
	if _, ok := t.st.subscriptions[entry.SubscriptionID]; !ok {
		return store.ErrNotFound
	}
	if entry.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	t.st.changeLog = append(t.st.changeLog, entry)
	return nil
}

func lookup[T any](m map[uuid.UUID]T, id uuid.UUID) (T, error) {
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, store.ErrNotFound
	}
	return v, nil
}

func (s *state) checkReferences(clientID, barberID, serviceID uuid.UUID) error {
	if _, ok := s.clients[clientID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.barbers[barberID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := s.services[serviceID]; !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *state) activeSubscription(clientID, except uuid.UUID) bool {
	for id, sub := range s.subscriptions {
		if id != except && sub.ClientID == clientID && sub.Status == domain.SubscriptionStatusActive {
			return true
		}
	}
	return false
}

func (s *state) slotIndexUsed(appt domain.Appointment) bool {
	if appt.SubscriptionID == nil || appt.SubscriptionSlotIndex == nil {
		return false
	}
	for id, other := range s.appointments {
		if id == appt.ID || other.SubscriptionID == nil || other.SubscriptionSlotIndex == nil {
			continue
		}
		if *other.SubscriptionID == *appt.SubscriptionID && *other.SubscriptionSlotIndex == *appt.SubscriptionSlotIndex {
			return true
		}
	}
	return false
}

func (s *state) slots(subscriptionID uuid.UUID) []domain.Appointment {
	var out []domain.Appointment
	for _, a := range s.appointments {
		if a.SubscriptionID != nil && *a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SlotIndex() != out[j].SlotIndex() {
			return out[i].SlotIndex() < out[j].SlotIndex()
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func (s *state) barberBookings(q store.BarberBookingQuery) []domain.BarberBooking {
	var out []domain.BarberBooking
	for _, a := range s.appointments {
		if a.BarberID != q.BarberID || a.Date.Before(q.From) || !a.Date.Before(q.To) {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, a.Status) {
			continue
		}
		if slices.Contains(q.Exclude, a.ID) {
			continue
		}
		out = append(out, domain.BarberBooking{
			AppointmentID:          a.ID,
			ClientID:               a.ClientID,
			ClientName:             s.clients[a.ClientID].Name,
			SubscriptionID:         a.SubscriptionID,
			Date:                   a.Date,
			Status:                 a.Status,
			ServiceDurationMinutes: s.services[a.ServiceID].DurationMinutes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (s *state) entries(subscriptionID uuid.UUID) []domain.ChangeLogEntry {
	var out []domain.ChangeLogEntry
	for _, e := range s.changeLog {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out
}
