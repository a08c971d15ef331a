package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbmc/acfshell/internal/scriptid"
)

const (
	DefaultRootDir     = "/tmp/acf"
	DefaultInterpreter = "/usr/bin/bash"
	DefaultMaxActive   = 1
)

type Config struct {
	RootDir     string
	Interpreter string
	MaxActive   int
	// TimeoutUnit scales the timeout passed to Start, one second by default.
	TimeoutUnit time.Duration
	Exporter    Exporter
	Dump        DumpStarter
	Metrics     *Metrics
	// OnFinish is called on the loop after every terminal notification.
	OnFinish func(Outcome)
	// Now defaults to time.Now and salts the script ids.
	Now func() time.Time
}

// Shell runs scripts on behalf of remote callers. Active, Start and Cancel
// are safe for concurrent use and are served by Run.
type Shell struct {
	cfg    Config
	loop   *Loop
	runner *ScriptRunner
	reg    *registry
}

func New(cfg Config) *Shell {
	if cfg.RootDir == "" {
		cfg.RootDir = DefaultRootDir
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.TimeoutUnit <= 0 {
		cfg.TimeoutUnit = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	loop := NewLoop()
	return &Shell{
		cfg:  cfg,
		loop: loop,
		runner: NewScriptRunner(loop, RunnerConfig{
			RootDir:     cfg.RootDir,
			Interpreter: cfg.Interpreter,
			Dump:        cfg.Dump,
			Metrics:     cfg.Metrics,
		}),
		reg: newRegistry(cfg.MaxActive),
	}
}

// Run serves the shell until ctx is done. On return every running script is
// killed and every remote object is removed.
func (s *Shell) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "shell started", "root_dir", s.cfg.RootDir, "max_active", s.cfg.MaxActive)
	err := s.loop.Run(ctx)
	// the loop goroutine is gone, the state is ours now
	s.runner.Close()
	s.reg.closeAll()
	slog.InfoContext(ctx, "shell stopped")
	return err
}

// Active returns the ids of the running scripts, oldest first.
func (s *Shell) Active(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.loop.Call(ctx, func() {
		ids = s.reg.ids()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Start runs script and returns its id. The oldest script is evicted when
// the shell is full. timeout is counted in TimeoutUnit, zero means none.
func (s *Shell) Start(ctx context.Context, script string, timeout uint64, dumpNeeded bool) (string, error) {
	var id string
	var startErr error
	err := s.loop.Call(ctx, func() {
		id, startErr = s.start(script, timeout, dumpNeeded)
	})
	if err != nil {
		return "", err
	}
	if startErr != nil {
		return "", startErr
	}
	return id, nil
}

// Cancel stops script id. It returns false when id is not running.
func (s *Shell) Cancel(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.loop.Call(ctx, func() {
		ok = s.runner.CancelScript(id, Cancelled)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Dir is the working directory of script id.
func (s *Shell) Dir(id string) string {
	return s.runner.Dir(id)
}

func (s *Shell) start(script string, timeout uint64, dumpNeeded bool) (string, error) {
	d, err := timeoutDuration(timeout, s.cfg.TimeoutUnit)
	if err != nil {
		return "", err
	}

	s.reg.ensureCapacity(func(old *session) {
		s.runner.CancelScript(old.id, Evicted)
		old.close()
	})

	id, err := scriptid.New(s.cfg.Now(), script)
	if err != nil {
		return "", fmt.Errorf("computing script id: %w", err)
	}
	// exporting would replace the object of the live script
	if s.runner.Running(id) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	sess, err := newSession(s.cfg.Exporter, id, script, d, dumpNeeded, func() bool {
		ok, err := s.Cancel(context.Background(), id)
		return err == nil && ok
	})
	if err != nil {
		return "", err
	}

	err = s.runner.RunScript(id, script, dumpNeeded, s.finished)
	if err != nil {
		sess.close()
		return "", err
	}
	sess.startTimeout(func() {
		s.loop.Post(func() {
			s.runner.CancelScript(id, TimedOut)
		})
	})
	s.reg.add(sess)
	return id, nil
}

// finished is bound to every script at creation.
func (s *Shell) finished(o Outcome) {
	if sess := s.reg.remove(o.ID); sess != nil {
		sess.close()
	}
	attrs := []any{"script_id", o.ID, "reason", o.Reason.String(), "exit_code", o.ExitCode}
	if o.Err != nil {
		attrs = append(attrs, "error", o.Err)
	}
	slog.Info("script done", attrs...)
	if s.cfg.OnFinish != nil {
		s.cfg.OnFinish(o)
	}
}

var errTimeoutTooLong = errors.New("timeout too long")

func timeoutDuration(timeout uint64, unit time.Duration) (time.Duration, error) {
	if timeout == 0 {
		return 0, nil
	}
	limit := uint64(1<<63-1) / uint64(unit)
	if timeout > limit {
		return 0, fmt.Errorf("%w: %d", errTimeoutTooLong, timeout)
	}
	return time.Duration(timeout) * unit, nil
}
