package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-lecture/session"

type instruments struct {
	transitions metric.Int64Counter
	noops       metric.Int64Counter
	stale       metric.Int64Counter
	snapshots   metric.Int64Counter
}

func newInstruments(log *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{}
	var err error
	if inst.transitions, err = meter.Int64Counter("lecture.transitions",
		metric.WithDescription("Effective slide transitions applied")); err != nil {
		log.Warn("failed to create transitions counter", slogError(err))
	}
	if inst.noops, err = meter.Int64Counter("lecture.noop_advances",
		metric.WithDescription("Advance requests clamped at a deck boundary")); err != nil {
		log.Warn("failed to create noop counter", slogError(err))
	}
	if inst.stale, err = meter.Int64Counter("lecture.stale_notifications",
		metric.WithDescription("Change notifications dropped by sequence check")); err != nil {
		log.Warn("failed to create stale counter", slogError(err))
	}
	if inst.snapshots, err = meter.Int64Counter("lecture.snapshots_served",
		metric.WithDescription("Snapshots served to joining participants")); err != nil {
		log.Warn("failed to create snapshot counter", slogError(err))
	}
	return inst
}

func (i *instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if i == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
