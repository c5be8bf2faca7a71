package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"chairtime/backend/internal/domain"
	"chairtime/backend/internal/metrics"
)

type Config struct {
	// Timeout bounds a single publish.
	Timeout time.Duration
	// BreakerFailures consecutive publish failures open the breaker.
	BreakerFailures uint32
	// BreakerOpenTimeout is how long the breaker drops events before probing
	// the broker again.
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher hands lifecycle events to a Publisher in the background. Delivery
// is fire-and-forget: failures are logged and counted, never returned.
type Dispatcher struct {
	pub     Publisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(pub Publisher, cfg Config, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "notify",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("notification breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Dispatcher{
		pub:     pub,
		breaker: breaker,
		timeout: cfg.Timeout,
		log:     log,
		metrics: m,
	}
}

// Notify schedules delivery of ev and returns immediately. The caller's
// cancellation does not reach the publish.
func (d *Dispatcher) Notify(ctx context.Context, ev domain.LifecycleEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn("notification dropped after shutdown", eventAttrs(ev)...)
		d.metrics.ObserveNotification(string(ev.Kind), metrics.OutcomeDropped)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.deliver(context.WithoutCancel(ctx), ev)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.LifecycleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("encode notification", append(eventAttrs(ev), slog.Any("err", err))...)
		d.metrics.ObserveNotification(string(ev.Kind), metrics.OutcomeError)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err = d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.pub.Publish(ctx, string(ev.Kind), payload)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		d.log.Warn("notification dropped, breaker open", eventAttrs(ev)...)
		d.metrics.ObserveNotification(string(ev.Kind), metrics.OutcomeDropped)
	case err != nil:
		d.log.Warn("publish notification", append(eventAttrs(ev), slog.Any("err", err))...)
		d.metrics.ObserveNotification(string(ev.Kind), metrics.OutcomeError)
	default:
		d.log.Debug("notification published", eventAttrs(ev)...)
		d.metrics.ObserveNotification(string(ev.Kind), metrics.OutcomeOK)
	}
}

// Close stops accepting events, waits for in-flight deliveries (or ctx) and
// closes the publisher.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("notification drain interrupted", slog.Any("err", ctx.Err()))
	}
	return d.pub.Close()
}

func eventAttrs(ev domain.LifecycleEvent) []any {
	return []any{
		slog.String("kind", string(ev.Kind)),
		slog.String("event_id", ev.EventID.String()),
		slog.String("subscription_id", ev.SubscriptionID.String()),
	}
}
