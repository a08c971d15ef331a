package service

import (
	"fmt"
	"time"
)

// Exporter publishes the per-script remote object. The returned func
// removes it again.
type Exporter interface {
	ExportScript(id string, cancel func() bool) (func(), error)
}

type session struct {
	id         string
	script     string
	timeout    time.Duration
	dumpNeeded bool
	timer      *time.Timer
	unexport   func()
	closed     bool
}

func newSession(exp Exporter, id, script string, timeout time.Duration, dumpNeeded bool, cancel func() bool) (*session, error) {
	s := &session{
		id:         id,
		script:     script,
		timeout:    timeout,
		dumpNeeded: dumpNeeded,
	}
	if exp != nil {
		unexport, err := exp.ExportScript(id, cancel)
		if err != nil {
			return nil, fmt.Errorf("exporting script object: %w", err)
		}
		s.unexport = unexport
	}
	return s, nil
}

// startTimeout arms the timer once. A zero timeout means none.
func (s *session) startTimeout(onTimeout func()) {
	if s.timeout <= 0 || s.timer != nil || s.closed {
		return
	}
	s.timer = time.AfterFunc(s.timeout, onTimeout)
}

func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.unexport != nil {
		s.unexport()
	}
}
