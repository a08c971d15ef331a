package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/openbmc/acfshell/internal/service"

// Metrics counts script and dump lifecycle events. A nil *Metrics records
// nothing.
type Metrics struct {
	started      metric.Int64Counter
	finished     metric.Int64Counter
	dumpsCreated metric.Int64Counter
	dumpsFailed  metric.Int64Counter
}

// NewMetrics registers the counters on mp, or on the global provider when mp
// is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.started, err = meter.Int64Counter("acfshell.scripts.started",
		metric.WithDescription("Scripts spawned")); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.finished, err = meter.Int64Counter("acfshell.scripts.finished",
		metric.WithDescription("Scripts that reached a terminal state")); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.dumpsCreated, err = meter.Int64Counter("acfshell.dumps.created",
		metric.WithDescription("Dumps requested after a script")); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	if m.dumpsFailed, err = meter.Int64Counter("acfshell.dumps.create_failures",
		metric.WithDescription("Failed dump creation attempts")); err != nil {
		return nil, fmt.Errorf("creating counter: %w", err)
	}
	return &m, nil
}

func (m *Metrics) ScriptStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1)
}

func (m *Metrics) ScriptFinished(ctx context.Context, reason Reason) {
	if m == nil {
		return
	}
	m.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
}

func (m *Metrics) DumpCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.dumpsCreated.Add(ctx, 1)
}

func (m *Metrics) DumpCreateFailed(ctx context.Context, _ error) {
	if m == nil {
		return
	}
	m.dumpsFailed.Add(ctx, 1)
}
