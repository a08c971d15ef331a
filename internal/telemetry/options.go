package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
)

type options struct {
	metricExporter metric.Exporter
	interval       time.Duration
	version        string
}

type Option func(*options)

func WithMetricExporter(exporter metric.Exporter) Option {
	return func(o *options) {
		o.metricExporter = exporter
	}
}

func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}
