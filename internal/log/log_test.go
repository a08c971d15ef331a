package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/openbmc/acfshell/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true)

	ctx := log.ContextAttrs(t.Context(), slog.String("script_id", "0123456789abcdef"))
	child := log.ContextAttrs(ctx, slog.String("reason", "timeout"))
	logger.DebugContext(child, "cancelled")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "cancelled", rec["msg"])
	require.Equal(t, "0123456789abcdef", rec["script_id"])
	require.Equal(t, "timeout", rec["reason"])

	t.Run("parent untouched", func(t *testing.T) {
		buf.Reset()
		logger.InfoContext(ctx, "parent")
		rec = map[string]any{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		require.NotContains(t, rec, "reason")
	})

	t.Run("debug suppressed", func(t *testing.T) {
		var quiet bytes.Buffer
		log.New(&quiet, false).DebugContext(ctx, "hidden")
		require.Zero(t, quiet.Len())
	})
}
