package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/srediag/kernel-shm/api"
)

type metrics struct {
	maps      metric.Int64Counter
	unmaps    metric.Int64Counter
	failures  metric.Int64Counter
	reclaimed metric.Int64Counter
	pages     metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var m metrics
	var err error
	if m.maps, err = meter.Int64Counter("shm.map.calls",
		metric.WithDescription("Shared page map requests.")); err != nil {
		return nil, err
	}
	if m.unmaps, err = meter.Int64Counter("shm.unmap.calls",
		metric.WithDescription("Shared page unmap requests.")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("shm.failures",
		metric.WithDescription("Failed map and unmap requests by error kind.")); err != nil {
		return nil, err
	}
	if m.reclaimed, err = meter.Int64Counter("shm.exit.reclaimed",
		metric.WithDescription("Shared pages released by process exit."),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	if m.pages, err = meter.Int64UpDownCounter("shm.pages.mapped",
		metric.WithDescription("Pages currently borrowed through shared mappings."),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) fail(ctx context.Context, op string, err error) {
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", api.Kind(err)),
	))
}
