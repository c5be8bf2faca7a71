// Package notify delivers subscription lifecycle events to a message broker.
package notify

import (
	"context"
	"log/slog"
)

// Publisher sends one encoded event under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// NoopPublisher only logs. It is the default when no broker is configured.
type NoopPublisher struct {
	log *slog.Logger
}

func NewNoopPublisher(log *slog.Logger) *NoopPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &NoopPublisher{log: log}
}

func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.log.Debug("noop publish", slog.String("routing_key", routingKey), slog.Int("size", len(payload)))
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}
