package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openbmc/acfshell/internal/dump"
	"github.com/openbmc/acfshell/internal/executor"
	"github.com/openbmc/acfshell/internal/log"
)

var ErrDuplicateID = errors.New("script id already in use")

// Reason tells why a script reached its terminal state.
type Reason int

const (
	Completed Reason = iota
	Cancelled
	TimedOut
	Evicted
	Aborted
)

func (r Reason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	case Evicted:
		return "evicted"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Outcome is the terminal notification of a script.
type Outcome struct {
	ID       string
	Reason   Reason
	ExitCode int
	Err      error
}

type state int

const (
	stateWriting state = iota
	stateSpawning
	stateRunning
	stateDumpPending
	stateDone
)

func (s state) String() string {
	return [...]string{"writing", "spawning", "running", "dump_pending", "done"}[s]
}

// DumpStarter requests a dump once a script has finished.
type DumpStarter interface {
	Start(ctx context.Context, scriptID string) (dump.Job, error)
}

// notifier fires its callback at most once.
type notifier struct {
	fn    func(Outcome)
	fired bool
}

func (n *notifier) fire(o Outcome) bool {
	if n.fired {
		return false
	}
	n.fired = true
	if n.fn != nil {
		n.fn(o)
	}
	return true
}

type record struct {
	id         string
	dir        string
	proc       *executor.Process
	out        io.WriteCloser
	notify     notifier
	ctx        context.Context
	cancel     context.CancelFunc
	state      state
	dumpNeeded bool
	// cancelled is set once the record left the table before its process
	// was handled
	cancelled bool
}

type RunnerConfig struct {
	RootDir     string
	Interpreter string
	Dump        DumpStarter
	Metrics     *Metrics
}

// ScriptRunner owns the running scripts. Every method must be called on the
// loop; process exits and dump hand-offs are posted back onto it.
type ScriptRunner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	loop    *Loop
	cfg     RunnerConfig
	records map[string]*record
}

func NewScriptRunner(loop *Loop, cfg RunnerConfig) *ScriptRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &ScriptRunner{
		ctx:     ctx,
		cancel:  cancel,
		loop:    loop,
		cfg:     cfg,
		records: make(map[string]*record),
	}
}

// Dir is the working directory of script id.
func (r *ScriptRunner) Dir(id string) string {
	return filepath.Join(r.cfg.RootDir, id)
}

// RunScript writes content to <root>/<id>/<id>.sh and starts the interpreter
// on it, capturing the output to <id>.out. Once it returned nil, notify is
// called exactly once, unless the runner is closed first. On error nothing
// is left behind and notify is never called.
func (r *ScriptRunner) RunScript(id, content string, dumpNeeded bool, notify func(Outcome)) (err error) {
	if _, ok := r.records[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	dir := r.Dir(id)
	if _, err := os.Lstat(dir); err == nil {
		return fmt.Errorf("%w: directory %s exists", ErrDuplicateID, dir)
	}

	ctx, cancel := context.WithCancel(log.ContextAttrs(r.ctx, slog.String("script_id", id)))
	rec := &record{
		id:         id,
		dir:        dir,
		notify:     notifier{fn: notify},
		ctx:        ctx,
		cancel:     cancel,
		state:      stateWriting,
		dumpNeeded: dumpNeeded,
	}
	defer func() {
		if err == nil {
			return
		}
		cancel()
		if rec.out != nil {
			_ = rec.out.Close()
		}
		if rerr := os.RemoveAll(dir); rerr != nil {
			slog.ErrorContext(ctx, "removing script directory failed", "error", rerr)
		}
	}()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating script directory: %w", err)
	}
	scriptPath := filepath.Join(dir, id+".sh")
	if err := os.WriteFile(scriptPath, []byte(content), 0o700); err != nil {
		return fmt.Errorf("writing script: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(dir, id+".out"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	rec.out = out

	rec.state = stateSpawning
	proc, err := executor.Start(ctx, executor.Command{
		Path:   r.cfg.Interpreter,
		Args:   []string{scriptPath},
		Dir:    dir,
		Output: out,
	}, func(e executor.Exit) {
		if !r.loop.Post(func() { r.handleExit(rec, e) }) {
			// the loop is gone, nobody else will close it
			_ = out.Close()
		}
	})
	if err != nil {
		return fmt.Errorf("spawning %s: %w", r.cfg.Interpreter, err)
	}
	rec.proc = proc
	rec.state = stateRunning
	r.records[id] = rec
	r.cfg.Metrics.ScriptStarted(ctx)
	slog.InfoContext(ctx, "script started", "pid", proc.Pid(), "dump_needed", dumpNeeded)
	return nil
}

// CancelScript terminates script id and notifies reason right away. The
// process is reaped later and only its directory is cleaned up then. It
// returns false when id is not running.
func (r *ScriptRunner) CancelScript(id string, reason Reason) bool {
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	slog.InfoContext(rec.ctx, "cancelling script", "reason", reason.String(), "state", rec.state.String())
	rec.cancelled = true
	if rec.proc != nil {
		rec.proc.Terminate()
	}
	r.finish(rec, Outcome{ID: id, Reason: reason, ExitCode: -1})
	return true
}

// Running reports whether id has a live record.
func (r *ScriptRunner) Running(id string) bool {
	_, ok := r.records[id]
	return ok
}

// Close kills every script and forgets them without notifications.
func (r *ScriptRunner) Close() {
	for id, rec := range r.records {
		rec.cancelled = true
		rec.notify.fired = true
		if rec.proc != nil {
			rec.proc.Terminate()
		}
		rec.cancel()
		delete(r.records, id)
	}
	r.cancel()
}

func (r *ScriptRunner) handleExit(rec *record, e executor.Exit) {
	defer func() {
		if p := recover(); p != nil {
			r.abort(rec, e.ExitCode, p)
		}
	}()

	outErr := writeTrailer(rec.out, e)
	if err := rec.out.Close(); err != nil {
		outErr = errors.Join(outErr, fmt.Errorf("closing output file: %w", err))
	}
	slog.InfoContext(rec.ctx, "script finished",
		"exit_code", e.ExitCode,
		"duration", e.Stopped.Sub(e.Started).String(),
		"cancelled", rec.cancelled,
	)

	if rec.cancelled {
		r.removeDir(rec)
		return
	}

	o := Outcome{
		ID:       rec.id,
		Reason:   Completed,
		ExitCode: e.ExitCode,
		Err:      errors.Join(e.Err, e.DrainErr, outErr),
	}
	if !rec.dumpNeeded || r.cfg.Dump == nil {
		if rec.dumpNeeded {
			slog.WarnContext(rec.ctx, "dump requested but no dump service configured")
		}
		r.removeDir(rec)
		r.finish(rec, o)
		return
	}

	rec.state = stateDumpPending
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.loop.Post(func() { r.abort(rec, e.ExitCode, p) })
			}
		}()
		job, err := r.cfg.Dump.Start(rec.ctx, rec.id)
		r.loop.Post(func() { r.handleDump(rec, o, job, err) })
	}()
}

// abort ends a script whose handling panicked. Nothing else will clean up
// after it, so the directory goes too.
func (r *ScriptRunner) abort(rec *record, exitCode int, p any) {
	slog.ErrorContext(rec.ctx, "handling script panicked", "state", rec.state.String(), "panic", p)
	r.removeDir(rec)
	r.finish(rec, Outcome{ID: rec.id, Reason: Aborted, ExitCode: exitCode, Err: fmt.Errorf("panic: %v", p)})
}

func (r *ScriptRunner) handleDump(rec *record, o Outcome, job dump.Job, err error) {
	switch {
	case err != nil && rec.cancelled:
		slog.DebugContext(rec.ctx, "dump not created", "error", err)
		r.removeDir(rec)
	case err != nil:
		slog.ErrorContext(rec.ctx, "dump not created", "error", err)
		r.removeDir(rec)
		o.Err = errors.Join(o.Err, fmt.Errorf("creating dump: %w", err))
		r.finish(rec, o)
	case rec.cancelled:
		// the dump exists and removes the directory when it is done
		slog.DebugContext(rec.ctx, "dump created for a cancelled script", "dump_id", job.ID)
	default:
		slog.InfoContext(rec.ctx, "dump created", "dump_id", job.ID)
		r.finish(rec, o)
	}
}

// finish drops the record and fires its notification.
func (r *ScriptRunner) finish(rec *record, o Outcome) {
	if cur, ok := r.records[rec.id]; ok && cur == rec {
		delete(r.records, rec.id)
	}
	rec.state = stateDone
	rec.cancel()
	if rec.notify.fire(o) {
		r.cfg.Metrics.ScriptFinished(rec.ctx, o.Reason)
	}
}

func (r *ScriptRunner) removeDir(rec *record) {
	if err := os.RemoveAll(rec.dir); err != nil {
		slog.ErrorContext(rec.ctx, "removing script directory failed", "error", err)
		return
	}
	slog.DebugContext(rec.ctx, "script directory removed", "dir", rec.dir)
}

func writeTrailer(w io.Writer, e executor.Exit) error {
	var errs []error
	if e.ExitCode != 0 {
		_, err := fmt.Fprintf(w, "Script execution failed with exit code: %d\n", e.ExitCode)
		errs = append(errs, err)
	}
	if e.DrainErr != nil {
		_, err := fmt.Fprintf(w, "Script output capture failed: %v\n", e.DrainErr)
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("writing output trailer: %w", err)
	}
	return nil
}
