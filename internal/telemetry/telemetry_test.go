package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/openbmc/acfshell/internal/telemetry"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	exporter, err := telemetry.NewStdoutExporter(&buf)
	require.NoError(t, err)

	shutdown, err := telemetry.Setup(t.Context(),
		telemetry.WithMetricExporter(exporter),
		telemetry.WithVersion("test"),
	)
	require.NoError(t, err)

	counter, err := otel.Meter("telemetry_test").Int64Counter("acfshell.test.count")
	require.NoError(t, err)
	counter.Add(t.Context(), 3)

	// shutdown flushes the last collection
	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "acfshell.test.count")
	require.Contains(t, buf.String(), "acfshell")
	require.NoError(t, shutdown(context.Background()))
}
