package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openbmc/acfshell/internal/model"

	"github.com/stretchr/testify/require"
)

// acfshellPath is the binary driven by the integration tests, empty with -short
var acfshellPath string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(m.Run())
	}

	// ACFSHELL_CI points to a prebuilt binary, for example one built with -cover
	if path, ok := os.LookupEnv("ACFSHELL_CI"); ok {
		abs, err := filepath.Abs(path)
		if err != nil {
			slog.Error("can't get abspath for acfshell binary", "error", err)
			os.Exit(1)
		}
		acfshellPath = abs
		os.Exit(m.Run())
	}

	dir, err := os.MkdirTemp("", "acfshell-ci")
	if err != nil {
		slog.Error("can't create build directory", "error", err)
		os.Exit(1)
	}
	acfshellPath = filepath.Join(dir, "acfshell-ci")
	build := exec.Command("go", "build", "-o", acfshellPath, ".")
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		slog.Error("cannot build acfshell binary", "error", err)
		_ = os.RemoveAll(dir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

type env struct {
	home string // HOME and XDG_CONFIG_HOME
	work string // working directory
	vars []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if acfshellPath == "" {
		t.Skip("integration test skipped with -short")
	}
	return &env{
		home: t.TempDir(),
		work: t.TempDir(),
	}
}

func (e *env) userConfig() string {
	return filepath.Join(e.home, "acfshell", "acfshell.yaml")
}

func (e *env) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, acfshellPath, args...)
	cmd.Dir = e.work
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ACFSHELL") {
			continue
		}
		cmd.Env = append(cmd.Env, kv)
	}
	cmd.Env = append(cmd.Env, "HOME="+e.home, "XDG_CONFIG_HOME="+e.home)
	cmd.Env = append(cmd.Env, e.vars...)

	var out, serr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &serr
	err = cmd.Run()
	return out.String(), serr.String(), err
}

func creat(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func load(t *testing.T, path string) model.Config {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	require.NoError(t, err)
	return cfg
}

func TestConfigInit(t *testing.T) {
	e := newEnv(t)

	stdout, stderr, err := e.run(t, "config", "init")
	require.NoError(t, err, stderr)
	require.Equal(t, e.userConfig(), strings.TrimSpace(stdout))
	require.Equal(t, model.DefaultConfig(t.Context()), load(t, e.userConfig()))

	// refuses to overwrite
	creat(t, e.userConfig(), "version: 0\nshell:\n  max_active: 3\n")
	_, stderr, err = e.run(t, "config", "init")
	require.Error(t, err)
	require.Contains(t, stderr, "already exists")
	require.Equal(t, 3, load(t, e.userConfig()).Shell.MaxActive)

	_, stderr, err = e.run(t, "config", "init", "--force")
	require.NoError(t, err, stderr)
	require.Equal(t, model.DefaultConfig(t.Context()), load(t, e.userConfig()))
}

func TestConfigInitPath(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.work, "etc", "acfshell.yaml")

	stdout, stderr, err := e.run(t, "config", "init", path)
	require.NoError(t, err, stderr)
	require.Equal(t, path, strings.TrimSpace(stdout))
	require.Equal(t, model.DefaultConfig(t.Context()), load(t, path))
	require.NoFileExists(t, e.userConfig())
}

func TestConfigLookupOrder(t *testing.T) {
	e := newEnv(t)
	const cfg = "version: 0\n"

	// nothing found, defaults
	stdout, stderr, err := e.run(t, "version")
	require.NoError(t, err, stderr)
	require.NotContains(t, stdout, "config:")

	creat(t, filepath.Join(e.work, "acfshell.yaml"), cfg)
	stdout, stderr, err = e.run(t, "version")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "config:   acfshell.yaml\n")

	creat(t, e.userConfig(), cfg)
	stdout, stderr, err = e.run(t, "version")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "config:   "+e.userConfig()+"\n")

	flagged := filepath.Join(e.work, "flagged.yaml")
	creat(t, flagged, cfg)
	stdout, stderr, err = e.run(t, "--config", flagged, "version")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "config:   "+flagged+"\n")

	fromEnv := filepath.Join(e.work, "env.yaml")
	creat(t, fromEnv, cfg)
	e.vars = append(e.vars, "ACFSHELLCONFIG="+fromEnv)
	stdout, stderr, err = e.run(t, "--config", flagged, "version")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "config:   "+fromEnv+"\n")
}

func TestBadConfig(t *testing.T) {
	e := newEnv(t)

	t.Run("missing file", func(t *testing.T) {
		_, stderr, err := e.run(t, "--config", filepath.Join(e.work, "nope.yaml"), "version")
		require.Error(t, err)
		require.Contains(t, stderr, "opening config file")
	})

	t.Run("invalid value", func(t *testing.T) {
		path := filepath.Join(e.work, "invalid.yaml")
		creat(t, path, "version: 0\nshell:\n  max_active: 0\n")
		_, stderr, err := e.run(t, "--config", path, "version")
		require.Error(t, err)
		require.Contains(t, stderr, model.CodeOutOfRange)
		require.Contains(t, stderr, "shell.max_active")
	})

	t.Run("invalid environment", func(t *testing.T) {
		e := *e
		e.vars = []string{"ACFSHELL_JANITOR_MAX_AGE=200000000d"}
		_, stderr, err := e.run(t, "version")
		require.Error(t, err)
		require.Contains(t, stderr, "applying environment")
	})
}

func TestLogDestination(t *testing.T) {
	e := newEnv(t)
	logPath := filepath.Join(e.work, "acfshell.log")
	config := fmt.Sprintf("version: 0\nservice:\n  verbose: true\n  log: %s\n", logPath)
	creat(t, filepath.Join(e.work, "acfshell.yaml"), config)

	_, stderr, err := e.run(t, "version")
	require.NoError(t, err, stderr)
	require.Empty(t, stderr)
	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"acfshell run"`)

	// --verbose wins over the file
	creat(t, filepath.Join(e.work, "acfshell.yaml"), "version: 0\nservice:\n  log: stderr\n")
	_, stderr, err = e.run(t, "--verbose", "version")
	require.NoError(t, err)
	require.Contains(t, stderr, `"msg":"acfshell run"`)
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	stdout, stderr, err := e.run(t, "version")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "acfshell: ")
	require.Contains(t, stdout, "go:       go")
}

func TestLogWriter(t *testing.T) {
	t.Parallel()
	for _, dest := range []string{model.LogStderr, model.LogStdout, model.LogDiscard, ""} {
		w, closer, err := logWriter(dest)
		require.NoError(t, err)
		require.NotNil(t, w)
		require.Nil(t, closer)
	}
	w, closer, err := logWriter(model.LogDiscard)
	require.NoError(t, err)
	require.Equal(t, io.Discard, w)
	require.Nil(t, closer)

	path := filepath.Join(t.TempDir(), "acfshell.log")
	w, closer, err = logWriter(path)
	require.NoError(t, err)
	_, err = io.WriteString(w, "line\n")
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "line\n", string(b))

	_, _, err = logWriter(filepath.Join(t.TempDir(), "missing", "acfshell.log"))
	require.Error(t, err)
}
