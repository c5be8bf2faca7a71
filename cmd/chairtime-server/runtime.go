package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/uptrace/bun"

	"chairtime/backend/internal/config"
	"chairtime/backend/internal/logging"
	"chairtime/backend/internal/metrics"
	"chairtime/backend/internal/notify"
	"chairtime/backend/internal/service/scheduling"
	"chairtime/backend/internal/service/subscriptions"
	"chairtime/backend/internal/store"
	"chairtime/backend/internal/store/memory"
	"chairtime/backend/internal/store/postgres"
)

var errPostgresRequired = errors.New("this command needs storage.backend=postgres")

// loadRuntime reads configuration and installs the process logger. Until the
// config is known a JSON logger at info level is used.
func loadRuntime() (config.Config, *slog.Logger, error) {
	log := logging.New(os.Stdout, logging.FormatJSON, "info").With(slog.String("service", serviceName))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, log, fmt.Errorf("load config: %w", err)
	}

	log = logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel).With(slog.String("service", serviceName))
	slog.SetDefault(log)
	return cfg, log, nil
}

func openDatabase(ctx context.Context, cfg config.Config, log *slog.Logger) (*bun.DB, error) {
	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:       cfg.DBMaxOpenConns,
		MaxIdleConns:       cfg.DBMaxIdleConns,
		ConnMaxLifetime:    cfg.DBConnMaxLifetime,
		ConnMaxIdleTime:    cfg.DBConnMaxIdleTime,
		SlowQueryThreshold: cfg.DBSlowQuery,
	}, log)
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return db, nil
}

// openStore returns the configured booking store and a func releasing it.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger, migrate bool) (store.BookingStore, func(), error) {
	if cfg.StorageBackend == "memory" {
		log.Warn("using in-memory storage, nothing survives a restart")
		return memory.New(), func() {}, nil
	}

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}
	if migrate {
		if err := postgres.Migrate(ctx, db, log); err != nil {
			closeDB()
			return nil, nil, err
		}
	}
	return postgres.NewBookingRepo(db), closeDB, nil
}

func newPublisher(ctx context.Context, cfg config.Config, log *slog.Logger) (notify.Publisher, error) {
	switch cfg.NotifyBackend {
	case "rabbitmq":
		return notify.NewRabbitMQPublisher(cfg.NotifyRabbitMQURL, cfg.NotifyExchange, log)
	case "redis":
		return notify.NewRedisStreamPublisher(ctx, cfg.NotifyRedisURL, cfg.NotifyRedisStream)
	default:
		return notify.NewNoopPublisher(log), nil
	}
}

func newService(cfg config.Config, st store.BookingStore, log *slog.Logger, m *metrics.Metrics, n subscriptions.Notifier) *subscriptions.Service {
	detector := scheduling.NewDetector(st,
		scheduling.WithWorkers(cfg.ConflictWorkers),
		scheduling.WithLookback(cfg.ConflictLookback),
	)
	return subscriptions.NewService(st, detector,
		subscriptions.WithLogger(log),
		subscriptions.WithMetrics(m),
		subscriptions.WithNotifier(n),
	)
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
