package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/service/scheduling"
	"chairtime/backend/internal/service/subscriptions"
	"chairtime/backend/internal/store"
	"chairtime/backend/migrations"
)

func TestPostgresIntegration_SubscriptionWritesAndConstraints(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("CHAIRTIME_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("CHAIRTIME_TEST_DATABASE_URL not set")
	}

	db, err := Open(context.Background(), databaseURL, PoolConfig{MaxOpenConns: 1}, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "chairtime_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := db.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	// A single pooled connection keeps the session search_path for every query below.
	if _, err := db.NewRaw("SET search_path TO " + schema).Exec(ctx); err != nil {
		t.Fatalf("set search_path: %v", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	client := domain.Client{ID: uuid.New(), Name: "Ana", Phone: "+5511999990000", CreatedAt: time.Now().UTC()}
	barber := domain.Barber{ID: uuid.New(), Name: "Rafa", IsActive: true, CreatedAt: time.Now().UTC()}
	service := domain.Service{ID: uuid.New(), Name: "Cut", DurationMinutes: 30, IsActive: true, CreatedAt: time.Now().UTC()}
	for _, m := range []any{&client, &barber, &service} {
		if _, err := db.NewInsert().Model(m).Exec(ctx); err != nil {
			t.Fatalf("seed %T: %v", m, err)
		}
	}

	repo := NewBookingRepo(db)
	start := time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC)
	newSub := func() domain.Subscription {
		return domain.Subscription{
			ClientID:       client.ID,
			BarberID:       barber.ID,
			ServiceID:      service.ID,
			PlanType:       domain.PlanTypeWeekly,
			StartDate:      start,
			EndDate:        start.AddDate(0, 1, 0),
			DurationMonths: 1,
			TotalSlots:     5,
			Status:         domain.SubscriptionStatusActive,
		}
	}

	var created domain.Subscription
	err = repo.InClientTransaction(ctx, client.ID, func(ctx context.Context, tx store.BookingTx) error {
		sub, err := tx.CreateSubscription(ctx, newSub())
		if err != nil {
			return err
		}
		created = sub
		for i := 0; i < 2; i++ {
			idx := i
			subID := sub.ID
			if _, err := tx.CreateSlot(ctx, domain.Appointment{
				ClientID:              client.ID,
				BarberID:              barber.ID,
				ServiceID:             service.ID,
				SubscriptionID:        &subID,
				SubscriptionSlotIndex: &idx,
				Date:                  start.AddDate(0, 0, 7*i),
				Status:                domain.AppointmentStatusScheduled,
				IsSubscriptionBased:   true,
			}); err != nil {
				return err
			}
		}
		entry, err := domain.NewChangeLogEntry(sub.ID, domain.SubscriptionCreated{New: domain.CreatedValue{
			PlanType: sub.PlanType, StartDate: sub.StartDate, EndDate: sub.EndDate, DurationMonths: 1, TotalSlots: 5,
		}}, "", time.Now())
		if err != nil {
			return err
		}
		return tx.AppendChangeLog(ctx, entry)
	})
	if err != nil {
		t.Fatalf("create tx error: %v", err)
	}

	active, err := repo.HasActiveSubscription(ctx, client.ID)
	if err != nil || !active {
		t.Fatalf("HasActiveSubscription = %v, %v; want true, nil", active, err)
	}

	slots, err := repo.ListSubscriptionSlots(ctx, created.ID)
	if err != nil {
		t.Fatalf("ListSubscriptionSlots error: %v", err)
	}
	if len(slots) != 2 || slots[0].SlotIndex() != 0 || slots[1].SlotIndex() != 1 {
		t.Fatalf("slots = %+v, want indices 0 and 1", slots)
	}

	bookings, err := repo.ListBarberBookings(ctx, store.BarberBookingQuery{
		BarberID: barber.ID,
		Statuses: domain.BlockingStatuses,
		From:     start.Add(-2 * time.Hour),
		To:       start.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("ListBarberBookings error: %v", err)
	}
	if len(bookings) != 1 || bookings[0].ClientName != "Ana" || bookings[0].ServiceDurationMinutes != 30 {
		t.Fatalf("bookings = %+v, want the first slot with client name and duration", bookings)
	}

	err = repo.InClientTransaction(ctx, client.ID, func(ctx context.Context, tx store.BookingTx) error {
		_, err := tx.CreateSubscription(ctx, newSub())
		return err
	})
	if !errors.Is(err, store.ErrActiveSubscriptionExists) {
		t.Fatalf("second active subscription err = %v, want %v", err, store.ErrActiveSubscriptionExists)
	}

	err = repo.InClientTransaction(ctx, client.ID, func(ctx context.Context, tx store.BookingTx) error {
		idx := 0
		subID := created.ID
		_, err := tx.CreateSlot(ctx, domain.Appointment{
			ClientID: client.ID, BarberID: barber.ID, ServiceID: service.ID,
			SubscriptionID: &subID, SubscriptionSlotIndex: &idx,
			Date: start.AddDate(0, 2, 0), Status: domain.AppointmentStatusScheduled, IsSubscriptionBased: true,
		})
		return err
	})
	if !errors.Is(err, store.ErrSubscriptionSlotIndexUsed) {
		t.Fatalf("reused slot index err = %v, want %v", err, store.ErrSubscriptionSlotIndexUsed)
	}

	rollback := errors.New("rollback")
	err = repo.InClientTransaction(ctx, client.ID, func(ctx context.Context, tx store.BookingTx) error {
		sub, err := tx.GetSubscription(ctx, created.ID)
		if err != nil {
			return err
		}
		sub.Status = domain.SubscriptionStatusPaused
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("rollback err = %v, want %v", err, rollback)
	}
	got, err := repo.GetSubscription(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSubscription error: %v", err)
	}
	if got.Status != domain.SubscriptionStatusActive {
		t.Fatalf("status after rollback = %s, want %s", got.Status, domain.SubscriptionStatusActive)
	}

	log, err := repo.ListChangeLog(ctx, created.ID)
	if err != nil {
		t.Fatalf("ListChangeLog error: %v", err)
	}
	if len(log) != 1 || log[0].ChangeType != domain.ChangeTypeCreated {
		t.Fatalf("change log = %+v, want one CREATED entry", log)
	}

	if _, err := repo.GetClient(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetClient(missing) err = %v, want %v", err, store.ErrNotFound)
	}
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

// applyMigrations runs the goose Up sections directly so the test schema does
// not need a goose version table.
func applyMigrations(ctx context.Context, exec rawExecutor) error {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	return nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func TestPostgresIntegration_ConcurrentResumeOnSmallPool(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("CHAIRTIME_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("CHAIRTIME_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := Open(ctx, databaseURL, PoolConfig{MaxOpenConns: 1}, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(admin)
	})

	schema := "chairtime_test_" + randomHex(t, 8)
	if _, err := admin.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	// Every pooled connection gets the schema as a startup parameter.
	db, err := Open(ctx, withSearchPath(t, databaseURL, schema), PoolConfig{MaxOpenConns: 2}, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})
	if err := applyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	client := domain.Client{ID: uuid.New(), Name: "Ana", CreatedAt: time.Now().UTC()}
	barber := domain.Barber{ID: uuid.New(), Name: "Rafa", IsActive: true, CreatedAt: time.Now().UTC()}
	service := domain.Service{ID: uuid.New(), Name: "Cut", DurationMinutes: 30, IsActive: true, CreatedAt: time.Now().UTC()}
	for _, m := range []any{&client, &barber, &service} {
		if _, err := db.NewInsert().Model(m).Exec(ctx); err != nil {
			t.Fatalf("seed %T: %v", m, err)
		}
	}

	repo := NewBookingRepo(db)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := subscriptions.NewService(repo, scheduling.NewDetector(repo),
		subscriptions.WithClock(func() time.Time { return now }),
		subscriptions.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	created, err := svc.Create(ctx, subscriptions.CreateInput{PreviewInput: subscriptions.PreviewInput{
		ClientID:       client.ID,
		BarberID:       barber.ID,
		ServiceID:      service.ID,
		PlanType:       domain.PlanTypeWeekly,
		StartDate:      time.Date(2030, 1, 7, 9, 0, 0, 0, time.UTC),
		DurationMonths: 1,
	}})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	subID := created.Subscription.ID
	if _, err := svc.Pause(ctx, subscriptions.PauseInput{SubscriptionID: subID}); err != nil {
		t.Fatalf("Pause error: %v", err)
	}

	// Both calls fit in the pool only if neither needs a second connection
	// while its transaction is open.
	resumeCtx, resumeCancel := context.WithTimeout(ctx, 10*time.Second)
	defer resumeCancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Resume(resumeCtx, subscriptions.ResumeInput{
				SubscriptionID: subID,
				NewStartDate:   time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC),
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, context.DeadlineExceeded):
			t.Fatalf("resume %d timed out waiting for a connection: %v", i, err)
		case !errors.Is(err, subscriptions.ErrInvalidState):
			t.Fatalf("resume %d error = %v, want nil or %v", i, err, subscriptions.ErrInvalidState)
		}
	}
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want exactly 1 (errors: %v)", succeeded, errs)
	}

	got, err := svc.GetSubscription(ctx, subID)
	if err != nil {
		t.Fatalf("GetSubscription error: %v", err)
	}
	if got.Subscription.Status != domain.SubscriptionStatusActive {
		t.Fatalf("status = %s, want %s", got.Subscription.Status, domain.SubscriptionStatusActive)
	}
	if len(got.Slots) != got.Subscription.TotalSlots {
		t.Fatalf("slots = %d, want %d", len(got.Slots), got.Subscription.TotalSlots)
	}
}

// withSearchPath adds search_path as a connection parameter to a URL or
// keyword/value connection string.
func withSearchPath(t *testing.T, databaseURL, schema string) string {
	t.Helper()
	if !strings.Contains(databaseURL, "://") {
		return databaseURL + " search_path=" + schema
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		t.Fatalf("parse database url: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
