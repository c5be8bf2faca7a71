package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/store"
)

const (
	constraintOneActivePerClient = "subscriptions_one_active_per_client"
	constraintSlotIndexUnique    = "appointments_subscription_slot_unique"
)

type BookingRepo struct {
	db *bun.DB
}

func NewBookingRepo(db *bun.DB) *BookingRepo {
	return &BookingRepo{db: db}
}

var _ store.BookingStore = (*BookingRepo)(nil)

type bookingTx struct {
	tx bun.Tx
}

var _ store.BookingTx = bookingTx{}

func (r *BookingRepo) GetClient(ctx context.Context, id uuid.UUID) (domain.Client, error) {
	return getByID[domain.Client](ctx, r.db, id)
}

func (r *BookingRepo) GetBarber(ctx context.Context, id uuid.UUID) (domain.Barber, error) {
	return getByID[domain.Barber](ctx, r.db, id)
}

func (r *BookingRepo) GetService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	return getByID[domain.Service](ctx, r.db, id)
}

func (r *BookingRepo) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return getByID[domain.Subscription](ctx, r.db, id)
}

func (r *BookingRepo) HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error) {
	return hasActiveSubscription(ctx, r.db, clientID)
}

func (r *BookingRepo) ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus, endedBefore time.Time) ([]domain.Subscription, error) {
	var rows []domain.Subscription
	err := r.db.NewSelect().
		Model(&rows).
		Where("status = ?", status).
		Where("end_date < ?", endedBefore).
		OrderExpr("end_date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *BookingRepo) ListSubscriptionSlots(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Appointment, error) {
	return listSubscriptionSlots(ctx, r.db, subscriptionID)
}

func (r *BookingRepo) ListChangeLog(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	return listChangeLog(ctx, r.db, subscriptionID)
}

func (r *BookingRepo) ListBarberBookings(ctx context.Context, q store.BarberBookingQuery) ([]domain.BarberBooking, error) {
	return listBarberBookings(ctx, r.db, q)
}

func (r *BookingRepo) InClientTransaction(ctx context.Context, clientID uuid.UUID, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockClient(ctx, tx, clientID); err != nil {
			return err
		}
		return fn(ctx, bookingTx{tx: tx})
	})
}

func lockClient(ctx context.Context, tx bun.Tx, clientID uuid.UUID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", "client:"+clientID.String()).Exec(ctx)
	return err
}

func (r bookingTx) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	var m domain.Subscription
	err := r.tx.NewSelect().
		Model(&m).
		Where("id = ?", id).
		For("UPDATE").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Subscription{}, err
	}
	return m, nil
}

func (r bookingTx) GetService(ctx context.Context, id uuid.UUID) (domain.Service, error) {
	return getByID[domain.Service](ctx, r.tx, id)
}

func (r bookingTx) HasActiveSubscription(ctx context.Context, clientID uuid.UUID) (bool, error) {
	return hasActiveSubscription(ctx, r.tx, clientID)
}

func (r bookingTx) ListBarberBookings(ctx context.Context, q store.BarberBookingQuery) ([]domain.BarberBooking, error) {
	return listBarberBookings(ctx, r.tx, q)
}

func (r bookingTx) ListSubscriptionSlots(ctx context.Context, subscriptionID uuid.UUID) ([]domain.Appointment, error) {
	return listSubscriptionSlots(ctx, r.tx, subscriptionID)
}

func (r bookingTx) ListChangeLog(ctx context.Context, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	return listChangeLog(ctx, r.tx, subscriptionID)
}

func (r bookingTx) CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	m := sub
	if _, err := r.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Subscription{}, mapWriteError(err)
	}
	return m, nil
}

func (r bookingTx) UpdateSubscription(ctx context.Context, sub domain.Subscription) error {
	m := sub
	res, err := r.tx.NewUpdate().
		Model(&m).
		ExcludeColumn("id", "created_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapWriteError(err)
	}
	return expectAffected(res)
}

func (r bookingTx) CreateSlot(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	if _, err := r.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Appointment{}, mapWriteError(err)
	}
	return m, nil
}

func (r bookingTx) UpdateSlot(ctx context.Context, appt domain.Appointment) error {
	m := appt
	res, err := r.tx.NewUpdate().
		Model(&m).
		ExcludeColumn("id", "created_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapWriteError(err)
	}
	return expectAffected(res)
}

func (r bookingTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	res, err := r.tx.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r bookingTx) AppendChangeLog(ctx context.Context, entry domain.ChangeLogEntry) error {
	m := entry
	if _, err := r.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return mapWriteError(err)
	}
	return nil
}

func getByID[T any](ctx context.Context, db bun.IDB, id uuid.UUID) (T, error) {
	var m T
	err := db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, store.ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}

func listSubscriptionSlots(ctx context.Context, db bun.IDB, subscriptionID uuid.UUID) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := db.NewSelect().
		Model(&rows).
		Where("subscription_id = ?", subscriptionID).
		OrderExpr("subscription_slot_index ASC, date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func listChangeLog(ctx context.Context, db bun.IDB, subscriptionID uuid.UUID) ([]domain.ChangeLogEntry, error) {
	var rows []domain.ChangeLogEntry
	err := db.NewSelect().
		Model(&rows).
		Where("subscription_id = ?", subscriptionID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func hasActiveSubscription(ctx context.Context, db bun.IDB, clientID uuid.UUID) (bool, error) {
	return db.NewSelect().
		Model((*domain.Subscription)(nil)).
		Where("client_id = ?", clientID).
		Where("status = ?", domain.SubscriptionStatusActive).
		Exists(ctx)
}

func listBarberBookings(ctx context.Context, db bun.IDB, q store.BarberBookingQuery) ([]domain.BarberBooking, error) {
	var rows []domain.BarberBooking
	sel := db.NewSelect().
		TableExpr("appointments AS a").
		ColumnExpr("a.id, a.client_id, a.subscription_id, a.date, a.status").
		ColumnExpr("c.name AS client_name").
		ColumnExpr("s.duration_minutes AS service_duration_minutes").
		Join("JOIN clients AS c ON c.id = a.client_id").
		Join("JOIN services AS s ON s.id = a.service_id").
		Where("a.barber_id = ?", q.BarberID).
		Where("a.date >= ?", q.From).
		Where("a.date < ?", q.To)
	if len(q.Statuses) > 0 {
		sel = sel.Where("a.status IN (?)", bun.In(q.Statuses))
	}
	if len(q.Exclude) > 0 {
		sel = sel.Where("a.id NOT IN (?)", bun.In(q.Exclude))
	}
	if err := sel.OrderExpr("a.date ASC").Scan(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// mapWriteError turns constraint violations into store sentinels.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case constraintOneActivePerClient:
			return store.ErrActiveSubscriptionExists
		case constraintSlotIndexUnique:
			return store.ErrSubscriptionSlotIndexUsed
		}
		return store.ErrConflict
	case "23503":
		return store.ErrNotFound
	}
	return err
}
