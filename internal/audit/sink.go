// Package audit records the activation log. Each successful activation,
// deactivation or code redemption is appended to a sink.
package audit

import (
	"context"
	"log/slog"

	"licensor/pkg/contracts/domain"
)

// Sink is an append-only destination for activation events.
type Sink interface {
	Record(ctx context.Context, event domain.ActivationEvent) error
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]domain.ActivationEvent, error)
	Close(ctx context.Context) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, domain.ActivationEvent) error { return nil }

func (Nop) Recent(context.Context, int) ([]domain.ActivationEvent, error) {
	return []domain.ActivationEvent{}, nil
}

func (Nop) Close(context.Context) error { return nil }

// Logged wraps a sink so failures are logged instead of returned. The
// activation has already been committed when the event is recorded.
type Logged struct {
	Sink   Sink
	Logger *slog.Logger
}

func (l Logged) Record(ctx context.Context, event domain.ActivationEvent) error {
	if err := l.Sink.Record(ctx, event); err != nil {
		l.Logger.ErrorContext(ctx, "activation event not recorded",
			slog.String("action", string(event.Action)),
			slog.String("device_id", event.DeviceID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (l Logged) Recent(ctx context.Context, limit int) ([]domain.ActivationEvent, error) {
	return l.Sink.Recent(ctx, limit)
}

func (l Logged) Close(ctx context.Context) error { return l.Sink.Close(ctx) }
