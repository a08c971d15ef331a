// Package executor runs a single child process and captures its output.
//
// A Process is a thin wrapper around os/exec:
//   - the child gets its own process group, so Terminate reaches everything
//     the script started
//   - stdout and stderr are drained concurrently into one io.Writer
//   - the exit is reported once through the onExit callback and Done channel
//
// It knows nothing about scripts, timeouts or dumps.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var ErrNoPath = errors.New("command path is required")

type Command struct {
	Path string
	Args []string
	// Dir is the working directory of the child.
	Dir string
	// Env replaces the environment when not nil.
	Env []string
	// Output receives every byte written to stdout and stderr. Writes are
	// serialized.
	Output io.Writer
}

type Exit struct {
	Path    string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	// ExitCode is -1 when the child was killed by a signal.
	ExitCode int
	Signal   syscall.Signal
	// Err is a wait error which is not a plain non-zero exit.
	Err error
	// DrainErr is the first read error on stdout or stderr.
	DrainErr error
}

// Failed reports whether the child did not exit with status 0.
func (e Exit) Failed() bool {
	return e.ExitCode != 0 || e.Err != nil
}

type Process struct {
	cmd  *exec.Cmd
	pid  int
	exit Exit
	done chan struct{}

	// mx orders Terminate against the reap: once reaped is set the pid may
	// belong to somebody else.
	mx         sync.Mutex
	reaped     bool
	terminated atomic.Bool
}

// Start spawns cmd and returns once the child is running. Spawn errors are
// returned synchronously and nothing is left behind. onExit, when not nil, is
// called from an internal goroutine once the child has been reaped and both
// streams are drained.
func Start(ctx context.Context, proto Command, onExit func(Exit)) (*Process, error) {
	if proto.Path == "" {
		return nil, ErrNoPath
	}
	out := proto.Output
	if out == nil {
		out = io.Discard
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append([]string(nil), proto.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		cmd:  cmd,
		exit: Exit{Path: proto.Path},
		done: make(chan struct{}),
	}

	p.exit.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		// exec closes both pipes when Start fails
		return nil, err
	}
	p.pid = cmd.Process.Pid
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", p.pid)

	sink := &lockedWriter{w: out}
	go p.wait(ctx, sink, stdout, stderr, onExit)
	return p, nil
}

// Pid returns the process id of the child.
func (p *Process) Pid() int {
	return p.pid
}

// Done is closed once the child is reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns the exit information. It is only meaningful after Done is closed.
func (p *Process) Exit() Exit {
	<-p.done
	return p.exit
}

// Terminate kills the child's process group. It does not wait for the
// child to die, and calling it more than once or after the exit is a no-op.
func (p *Process) Terminate() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.reaped || !p.terminated.CompareAndSwap(false, true) {
		return
	}
	err := unix.Kill(-p.pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		// not a group leader any more, fall back to the child itself
		_ = p.cmd.Process.Signal(os.Kill)
	}
}

// Terminated reports whether Terminate sent a signal.
func (p *Process) Terminated() bool {
	return p.terminated.Load()
}

func (p *Process) wait(ctx context.Context, sink io.Writer, stdout, stderr io.Reader, onExit func(Exit)) {
	var g errgroup.Group
	g.Go(func() error { return drain(sink, stdout) })
	g.Go(func() error { return drain(sink, stderr) })
	drainErr := g.Wait()

	// the child stays a zombie until Wait, so its pid and group are still
	// ours while Terminate may run
	p.waitExited()
	p.mx.Lock()
	p.reaped = true
	p.mx.Unlock()

	// pipes must be fully read before Wait closes them
	err := p.cmd.Wait()
	p.exit.Stopped = time.Now().UTC()
	p.exit.State = p.cmd.ProcessState
	p.exit.DrainErr = drainErr
	p.exit.ExitCode = exitCode(p.cmd.ProcessState)
	if ws, ok := waitStatus(p.cmd.ProcessState); ok && ws.Signaled() {
		p.exit.Signal = ws.Signal()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.exit.Err = err
	}

	slog.DebugContext(ctx, "process finished",
		"pid", p.pid,
		"exit_code", p.exit.ExitCode,
		"duration", p.exit.Stopped.Sub(p.exit.Started).String(),
	)
	close(p.done)
	if onExit != nil {
		onExit(p.exit)
	}
}

// waitExited blocks until the child has exited without reaping it.
func (p *Process) waitExited() {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, p.pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// drain copies r into w. A failing read stops the copy and the rest of the
// stream is discarded, so the child never blocks on a full pipe.
func drain(w io.Writer, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				_, _ = io.Copy(io.Discard, r)
				return fmt.Errorf("writing output: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("reading output: %w", err)
		}
	}
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}

func waitStatus(state *os.ProcessState) (syscall.WaitStatus, bool) {
	if state == nil {
		return 0, false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ws, ok
}

type lockedWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.w.Write(b)
}
