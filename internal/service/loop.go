package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrLoopStopped = errors.New("loop stopped")

// Loop runs posted closures one at a time on a single goroutine. State owned
// by the loop is only touched from inside those closures.
type Loop struct {
	mx      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn and never blocks. It returns false when the loop has
// already stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mx.Lock()
	if l.stopped {
		l.mx.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mx.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return. If ctx is done first,
// fn may still run later. A panic inside fn is returned as an error.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	reply := make(chan error, 1)
	ok := l.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				reply <- fmt.Errorf("panic: %v", r)
			}
			close(reply)
		}()
		fn()
	})
	if !ok {
		return ErrLoopStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// fn might have completed just before the loop stopped
		select {
		case err := <-reply:
			return err
		default:
			return ErrLoopStopped
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run executes posted closures until ctx is done. Closures still queued at
// that point are dropped. Run must be called once.
func (l *Loop) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting the loop")
	defer func() {
		l.mx.Lock()
		l.stopped = true
		l.queue = nil
		l.mx.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}

		for {
			if ctx.Err() != nil {
				return nil
			}
			l.mx.Lock()
			if len(l.queue) == 0 {
				l.mx.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mx.Unlock()
			l.run(ctx, fn)
		}
	}
}

func (l *Loop) run(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "recovered a panic on the loop", "panic", r)
		}
	}()
	fn()
}
