// Package janitor removes script directories nobody owns any more: scripts
// from an earlier run of the daemon, or dumps that never reported an end.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/openbmc/acfshell/internal/model"
	"github.com/openbmc/acfshell/internal/scriptid"
)

type Config struct {
	Root   string
	MaxAge time.Duration
	// Schedule is a cron expression and takes precedence over Interval.
	Schedule string
	Interval time.Duration
	// Keep returns the ids of the scripts whose directories are still in use.
	Keep func(ctx context.Context) (map[string]struct{}, error)
	Now  func() time.Time
}

type Janitor struct {
	cfg       Config
	scheduler gocron.Scheduler
}

func New(ctx context.Context, cfg Config) (*Janitor, error) {
	if cfg.Root == "" {
		return nil, errors.New("janitor root is empty")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	j := &Janitor{cfg: cfg}

	var job gocron.JobDefinition
	switch {
	case cfg.Schedule != "":
		if _, err := model.ParseCron(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("parsing janitor.schedule: %w", err)
		}
		job = gocron.CronJob(cfg.Schedule, false)
		slog.DebugContext(ctx, "janitor scheduled", "cron", cfg.Schedule)
	case cfg.Interval > 0:
		job = gocron.DurationJob(cfg.Interval)
		slog.DebugContext(ctx, "janitor scheduled", "interval", cfg.Interval.String())
	default:
		return nil, errors.New("both schedule and interval are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			if _, err := j.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "janitor sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	j.scheduler = s
	return j, nil
}

// Run sweeps once, then on schedule until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.Sweep(ctx); err != nil {
		slog.ErrorContext(ctx, "janitor sweep failed", "error", err)
	}
	j.scheduler.Start()
	<-ctx.Done()
	if err := j.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}

// Sweep removes every script directory under Root which is older than
// MaxAge and not kept. It returns the removed ids.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(j.cfg.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", j.cfg.Root, err)
	}

	keep := map[string]struct{}{}
	if j.cfg.Keep != nil {
		keep, err = j.cfg.Keep(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing scripts in use: %w", err)
		}
	}

	deadline := j.cfg.Now().Add(-j.cfg.MaxAge)
	var removed []string
	var errs []error
	for _, e := range entries {
		id := e.Name()
		if !e.IsDir() || !scriptid.Valid(id) {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed meanwhile
			continue
		}
		if info.ModTime().After(deadline) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(j.cfg.Root, id)); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "stale script directory removed", "script_id", id, "modified", info.ModTime())
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}
