package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/openbmc/acfshell/internal/model"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
shell:
  root_dir: /run/acf
  interpreter: /bin/sh
  max_active: 2
dump:
  retry_interval: 5s
janitor:
  enabled: false
  schedule: "@daily"
  max_age: 2d
service:
  verbose: true
  log: discard
  bus: session
  metrics: stdout
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/run/acf", cfg.Shell.RootDir)
	require.Equal(t, "/bin/sh", cfg.Shell.Interpreter)
	require.Equal(t, 2, cfg.Shell.MaxActive)
	require.Equal(t, 5*time.Second, cfg.Dump.Interval())
	require.False(t, cfg.Janitor.IsEnabled())
	require.Equal(t, "@daily", cfg.Janitor.Schedule)
	require.Equal(t, 48*time.Hour, cfg.Janitor.Age())
	// not set, default
	require.Equal(t, time.Hour, cfg.Janitor.Every())
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogDiscard, cfg.Service.Log)
	require.Equal(t, model.BusSession, cfg.Service.Bus)
	require.Equal(t, model.MetricsStdout, cfg.Service.Metrics)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(t.Context()), cfg)
	require.Equal(t, "/tmp/acf", cfg.Shell.RootDir)
	require.Equal(t, "/usr/bin/bash", cfg.Shell.Interpreter)
	require.Equal(t, 1, cfg.Shell.MaxActive)
	require.Equal(t, 20*time.Second, cfg.Dump.Interval())
	require.True(t, cfg.Janitor.IsEnabled())
	require.Equal(t, 24*time.Hour, cfg.Janitor.Age())
	require.Equal(t, model.BusSystem, cfg.Service.Bus)
	require.Equal(t, model.MetricsNone, cfg.Service.Metrics)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		path     string
		code     string
	}{
		{"unknown field", "version: 0\nshell:\n  user: root\n", "shell.user", model.CodeUnknownField},
		{"relative root", "version: 0\nshell:\n  root_dir: tmp/acf\n", "shell.root_dir", model.CodeNotAbsolute},
		{"empty interpreter", "version: 0\nshell:\n  interpreter: \"\"\n", "shell.interpreter", model.CodeEmptyValue},
		{"bad enum", "version: 0\nservice:\n  bus: tcp\n", "service.bus", model.CodeInvalidEnum},
		{"zero capacity", "version: 0\nshell:\n  max_active: 0\n", "shell.max_active", model.CodeOutOfRange},
		{"too many", "version: 0\nshell:\n  max_active: 65\n", "shell.max_active", model.CodeOutOfRange},
		{"bad duration", "version: 0\ndump:\n  retry_interval: soon\n", "dump.retry_interval", model.CodeInvalidDuration},
		{"bad max age", "version: 0\njanitor:\n  max_age: 1w\n", "janitor.max_age", model.CodeInvalidDuration},
		{"bad version", "version: 1\n", "version", model.CodeUnsupportedVersion},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			codes := make(map[string]string, len(details))
			for _, d := range details {
				codes[d.Path] = d.Code
				require.True(t, strings.HasPrefix(d.Message, d.Path), d.Message)
			}
			require.Contains(t, codes, tc.path)
			require.Equal(t, tc.code, codes[tc.path])
		})
	}
}

func TestCueErrDetailsEnumValues(t *testing.T) {
	_, err := model.LoadConfig(strings.NewReader("version: 0\nservice:\n  metrics: prometheus\n"))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	require.Len(t, details, 1)
	require.Equal(t, "service.metrics must be one of none, stdout", details[0].Message)
}

func TestLoadConfigDurations(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
	}{
		{"max age overflow", "version: 0\njanitor:\n  max_age: 200000000d\n"},
		{"zero interval", "version: 0\njanitor:\n  interval: 0s\n"},
		{"zero max age", "version: 0\njanitor:\n  max_age: PT0S\n"},
		{"zero retry", "version: 0\ndump:\n  retry_interval: 0m\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}

	t.Run("env", func(t *testing.T) {
		cfg := model.DefaultConfig(t.Context())
		t.Setenv("ACFSHELL_JANITOR_MAX_AGE", "200000000d")
		require.ErrorIs(t, model.ApplyEnv(&cfg), model.ErrInvalidConfig)
	})
}

func TestLoadConfigBadCron(t *testing.T) {
	_, err := model.LoadConfig(strings.NewReader("version: 0\njanitor:\n  schedule: \"* * *\"\n"))
	require.ErrorIs(t, err, model.ErrInvalidConfig)
	require.Empty(t, model.CueErrDetails(err))
}

func TestApplyEnv(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	t.Setenv("ACFSHELL_SHELL_ROOT_DIR", "/var/lib/acf")
	t.Setenv("ACFSHELL_SHELL_MAX_ACTIVE", "3")
	t.Setenv("ACFSHELL_SERVICE_VERBOSE", "true")
	t.Setenv("ACFSHELL_JANITOR_ENABLED", "false")
	t.Setenv("ACFSHELL_DUMP_RETRY_INTERVAL", "PT1M")

	require.NoError(t, model.ApplyEnv(&cfg))
	require.Equal(t, "/var/lib/acf", cfg.Shell.RootDir)
	require.Equal(t, 3, cfg.Shell.MaxActive)
	require.True(t, cfg.Service.Verbose)
	require.False(t, cfg.Janitor.IsEnabled())
	require.Equal(t, time.Minute, cfg.Dump.Interval())
	// untouched
	require.Equal(t, "/usr/bin/bash", cfg.Shell.Interpreter)

	t.Setenv("ACFSHELL_SERVICE_METRICS", "prometheus")
	require.ErrorIs(t, model.ApplyEnv(&cfg), model.ErrInvalidConfig)
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(model.DefaultConfig(t.Context())))
	cfg, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, model.DefaultConfig(t.Context()), cfg)
}
