package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/openbmc/acfshell/internal/bus"
	"github.com/openbmc/acfshell/internal/dump"
	"github.com/openbmc/acfshell/internal/janitor"
	"github.com/openbmc/acfshell/internal/log"
	"github.com/openbmc/acfshell/internal/model"
	"github.com/openbmc/acfshell/internal/scriptid"
	"github.com/openbmc/acfshell/internal/service"
	"github.com/openbmc/acfshell/internal/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// clientTimeout bounds the calls of the client subcommands.
const clientTimeout = 30 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("acfshell",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	if config.Service.Metrics == model.MetricsStdout {
		shutdown, err := telemetry.Setup(ctx, telemetry.WithVersion(version()))
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.ErrorContext(ctx, "shutting down metrics failed", "error", err)
			}
		}()
	}
	metrics, err := service.NewMetrics(nil)
	if err != nil {
		return err
	}

	root := config.Shell.RootDir
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}

	conn, err := bus.Connect(config.Service.Bus)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	dumps := bus.NewDumpClient(conn)
	defer func() {
		_ = dumps.Close()
	}()
	coord := dump.NewCoordinator(dumps, dump.Config{
		RetryInterval: config.Dump.Interval(),
		Cleanup: func(id string) error {
			return os.RemoveAll(filepath.Join(root, id))
		},
		OnCreate:        metrics.DumpCreated,
		OnCreateFailure: metrics.DumpCreateFailed,
	})
	defer func() {
		if err := coord.Close(); err != nil {
			slog.WarnContext(ctx, "closing dump watches failed", "error", err)
		}
	}()

	srv := bus.NewServer(ctx, conn)
	shell := service.New(service.Config{
		RootDir:     root,
		Interpreter: config.Shell.Interpreter,
		MaxActive:   config.Shell.MaxActive,
		Exporter:    srv,
		Dump:        coord,
		Metrics:     metrics,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return shell.Run(ctx)
	})
	g.Go(func() error {
		return srv.Serve(ctx, shell)
	})

	if config.Janitor.IsEnabled() {
		j, err := janitor.New(ctx, janitor.Config{
			Root:     root,
			MaxAge:   config.Janitor.Age(),
			Schedule: config.Janitor.Schedule,
			Interval: config.Janitor.Every(),
			Keep:     keep(shell, coord),
		})
		if err != nil {
			return fmt.Errorf("initializing janitor: %w", err)
		}
		g.Go(func() error {
			return j.Run(ctx)
		})
	}

	return g.Wait()
}

// keep lists the scripts whose directories the janitor must not touch.
func keep(shell *service.Shell, coord *dump.Coordinator) func(context.Context) (map[string]struct{}, error) {
	return func(ctx context.Context) (map[string]struct{}, error) {
		ids, err := shell.Active(ctx)
		if err != nil {
			return nil, err
		}
		ret := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			ret[id] = struct{}{}
		}
		for _, job := range coord.Pending() {
			ret[job.ScriptID] = struct{}{}
		}
		return ret, nil
	}
}

func doSubmit(cmd *cobra.Command, args []string) error {
	script, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	client, closeFn, err := newClient()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	ok, err := client.Start(ctx, string(script), flagTimeout, flagDump)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("script %s was rejected", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), "accepted")
	return nil
}

func doActive(cmd *cobra.Command, _ []string) error {
	client, closeFn, err := newClient()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	ids, err := client.Active(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func doCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	if !scriptid.Valid(id) {
		return fmt.Errorf("invalid script id %q", id)
	}
	client, closeFn, err := newClient()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()
	ok, err := client.CancelScript(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("script %s is not running", id)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
	return nil
}

func newClient() (*bus.Client, func(), error) {
	conn, err := bus.Connect(config.Service.Bus)
	if err != nil {
		return nil, nil, err
	}
	return bus.NewClient(conn), func() { _ = conn.Close() }, nil
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return info.Main.Version
}
