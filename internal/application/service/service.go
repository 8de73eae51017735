package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/garyjia/approvalflow/internal/domain/apperr"
	"github.com/garyjia/approvalflow/internal/domain/event"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// EventPublisher receives events after the unit of work that produced them
// has committed. dispatcher.Dispatcher satisfies it.
type EventPublisher interface {
	DispatchAsync(ctx context.Context, evt *event.Event)
}

const meterName = "github.com/garyjia/approvalflow/internal/application/service"

// metrics holds the use-case counters. They record through the global meter
// provider, which is a no-op until the host installs one.
type metrics struct {
	decisions metric.Int64Counter
	conflicts metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)

	decisions, err := meter.Int64Counter("approvalflow.decisions",
		metric.WithDescription("Step decisions committed, by decision"))
	if err != nil {
		otel.Handle(err)
	}
	conflicts, err := meter.Int64Counter("approvalflow.conflicts",
		metric.WithDescription("Operations rejected by an optimistic version check, by operation"))
	if err != nil {
		otel.Handle(err)
	}

	return &metrics{decisions: decisions, conflicts: conflicts}
}

func (m *metrics) decided(ctx context.Context, decision string) {
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
	}
}

func (m *metrics) conflicted(ctx context.Context, operation string) {
	if m.conflicts != nil {
		m.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// core is shared by the services: logging, metrics and event publication
type core struct {
	logger    Logger
	publisher EventPublisher
	metrics   *metrics
}

func newCore(publisher EventPublisher, logger Logger) core {
	return core{logger: logger, publisher: publisher, metrics: newMetrics()}
}

// fail logs a failed operation and wraps err with it, keeping the error kind
func (c core) fail(ctx context.Context, op string, err error, keysAndValues ...interface{}) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindConflict {
		c.metrics.conflicted(ctx, op)
	}

	fields := append([]interface{}{"operation", op, "kind", kind.String(), "error", err}, keysAndValues...)
	if kind == apperr.KindInternal {
		c.logger.Error("Operation failed", fields...)
	} else {
		c.logger.Info("Operation refused", fields...)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c core) publish(ctx context.Context, events ...*event.Event) {
	if c.publisher == nil {
		return
	}
	for _, evt := range events {
		c.publisher.DispatchAsync(ctx, evt)
	}
}
