// Package telemetry sets up the OpenTelemetry meter provider.
package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const DefaultInterval = time.Minute

// Setup installs a global meter provider exporting to the configured
// exporter. The returned shutdown flushes and releases it and is safe to call
// more than once.
func Setup(ctx context.Context, opts ...Option) (shutdown func(context.Context) error, err error) {
	options, err := defaultOptions()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(options)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", "acfshell")}
	if options.version != "" {
		attrs = append(attrs, attribute.String("service.version", options.version))
	}
	res := resource.NewSchemaless(attrs...)

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	meterProvider := newMeterProvider(res, options)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)
	return shutdown, nil
}

func defaultOptions() (*options, error) {
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	return &options{
		metricExporter: metricExporter,
		interval:       DefaultInterval,
	}, nil
}

func newMeterProvider(res *resource.Resource, opts *options) *metric.MeterProvider {
	return metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(opts.metricExporter,
			metric.WithInterval(opts.interval))),
		metric.WithResource(res),
	)
}

// NewStdoutExporter writes metrics as JSON to w.
func NewStdoutExporter(w io.Writer) (metric.Exporter, error) {
	return stdoutmetric.New(stdoutmetric.WithWriter(w))
}
