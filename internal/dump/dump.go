// Package dump asks the dump manager for a BMC dump after a script and
// removes the script directory once the dump reports a terminal status.
package dump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRetryInterval = 20 * time.Second

	statusPrefix     = "xyz.openbmc_project.Common.Progress.OperationStatus."
	StatusInProgress = statusPrefix + "InProgress"
	StatusCompleted  = statusPrefix + "Completed"
	StatusFailed     = statusPrefix + "Failed"
	StatusAborted    = statusPrefix + "Aborted"
)

var (
	ErrInvalidJobPath = errors.New("invalid dump object path")
	ErrClosed         = errors.New("dump coordinator closed")
)

// Service is the external dump manager.
type Service interface {
	// CreateDump starts a new dump and returns its object path.
	CreateDump(ctx context.Context) (string, error)
	// WatchProgress calls fn with every Status change of the dump at jobPath.
	WatchProgress(ctx context.Context, jobPath string, fn func(status string)) (Watch, error)
	// ProgressStatus reads the current Status of the dump at jobPath.
	ProgressStatus(ctx context.Context, jobPath string) (string, error)
}

type Watch interface {
	Close() error
}

// Job is a dump created for a script.
type Job struct {
	ScriptID  string
	ID        string
	Container string
	Path      string
	Created   time.Time
}

type Config struct {
	RetryInterval time.Duration
	// Cleanup removes the working directory of a script.
	Cleanup func(scriptID string) error
	// OnCreate and OnCreateFailure are optional hooks, used for metrics.
	OnCreate        func(ctx context.Context)
	OnCreateFailure func(ctx context.Context, err error)
}

type Coordinator struct {
	svc    Service
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mx      sync.Mutex
	jobs    map[string]*pending
	closing bool
}

type pending struct {
	job   Job
	watch Watch
	done  bool
}

func NewCoordinator(svc Service, cfg Config) *Coordinator {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		svc:    svc,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*pending),
	}
}

// ParseJobPath splits a dump object path into its container path and job id.
func ParseJobPath(p string) (container, id string, err error) {
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || path.Clean(p) != p {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidJobPath, p)
	}
	container, id = path.Split(p)
	container = strings.TrimSuffix(container, "/")
	if id == "" || container == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidJobPath, p)
	}
	return container, id, nil
}

// Start creates a dump for scriptID and watches its progress. Creation is
// retried every RetryInterval until it succeeds or ctx is done. The returned
// Job is tracked until a terminal status arrives, independently of ctx.
func (c *Coordinator) Start(ctx context.Context, scriptID string) (Job, error) {
	var jobPath string
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		p, err := c.svc.CreateDump(ctx)
		if err == nil {
			jobPath = p
			break
		}
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		slog.ErrorContext(ctx, "creating dump failed", "error", err, "retry_in", c.cfg.RetryInterval.String())
		if c.cfg.OnCreateFailure != nil {
			c.cfg.OnCreateFailure(ctx, err)
		}
		t := time.NewTimer(c.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, ctx.Err()
		case <-t.C:
		}
	}

	container, id, err := ParseJobPath(jobPath)
	if err != nil {
		return Job{}, err
	}
	job := Job{
		ScriptID:  scriptID,
		ID:        id,
		Container: container,
		Path:      jobPath,
		Created:   time.Now().UTC(),
	}
	slog.DebugContext(ctx, "dump created", "dump_path", container, "dump_id", id)
	if c.cfg.OnCreate != nil {
		c.cfg.OnCreate(ctx)
	}

	p := &pending{job: job}
	c.mx.Lock()
	if c.closing {
		c.mx.Unlock()
		return job, ErrClosed
	}
	c.jobs[jobPath] = p
	c.mx.Unlock()

	watch, err := c.svc.WatchProgress(c.ctx, jobPath, func(status string) {
		c.handleStatus(jobPath, status)
	})
	if err != nil {
		// nothing will report the end of this dump, so the directory is left
		// to the janitor
		c.mx.Lock()
		delete(c.jobs, jobPath)
		c.mx.Unlock()
		slog.ErrorContext(ctx, "watching dump progress failed", "dump_id", id, "error", err)
		return job, nil
	}

	c.mx.Lock()
	if p.done || c.closing {
		c.mx.Unlock()
		_ = watch.Close()
		return job, nil
	}
	p.watch = watch
	c.mx.Unlock()

	// a dump finishing before the watch was in place would be missed otherwise
	status, err := c.svc.ProgressStatus(ctx, jobPath)
	if err != nil {
		slog.DebugContext(ctx, "reading dump status failed", "dump_id", id, "error", err)
		return job, nil
	}
	c.handleStatus(jobPath, status)
	return job, nil
}

// Pending returns the jobs still waiting for a terminal status.
func (c *Coordinator) Pending() []Job {
	c.mx.Lock()
	defer c.mx.Unlock()
	ret := make([]Job, 0, len(c.jobs))
	for _, p := range c.jobs {
		ret = append(ret, p.job)
	}
	slices.SortFunc(ret, func(a, b Job) int { return a.Created.Compare(b.Created) })
	return ret
}

// Close drops every watch. Directories of unfinished dumps are left in place.
func (c *Coordinator) Close() error {
	c.mx.Lock()
	c.closing = true
	jobs := c.jobs
	c.jobs = make(map[string]*pending)
	c.mx.Unlock()
	c.cancel()

	var errs []error
	for _, p := range jobs {
		if p.watch != nil {
			errs = append(errs, p.watch.Close())
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) handleStatus(jobPath, status string) {
	c.mx.Lock()
	p, ok := c.jobs[jobPath]
	if !ok {
		c.mx.Unlock()
		return
	}
	job := p.job
	ctx := c.ctx
	switch status {
	case StatusCompleted, StatusFailed, StatusAborted:
	default:
		c.mx.Unlock()
		slog.DebugContext(ctx, "dump status changed", "script_id", job.ScriptID, "dump_id", job.ID, "status", status)
		return
	}
	p.done = true
	delete(c.jobs, jobPath)
	watch := p.watch
	c.mx.Unlock()

	if status == StatusCompleted {
		slog.InfoContext(ctx, "dump completed", "script_id", job.ScriptID, "dump_id", job.ID)
	} else {
		slog.WarnContext(ctx, "dump did not complete", "script_id", job.ScriptID, "dump_id", job.ID, "status", status)
	}
	if c.cfg.Cleanup != nil {
		if err := c.cfg.Cleanup(job.ScriptID); err != nil {
			slog.ErrorContext(ctx, "removing script directory failed", "script_id", job.ScriptID, "error", err)
		}
	}
	if watch != nil {
		if err := watch.Close(); err != nil {
			slog.DebugContext(ctx, "closing dump watch failed", "dump_id", job.ID, "error", err)
		}
	}
}
