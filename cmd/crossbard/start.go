package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/crossbard/internal/action"
	"github.com/mattjoyce/crossbard/internal/api"
	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/events"
	"github.com/mattjoyce/crossbard/internal/executor"
	"github.com/mattjoyce/crossbard/internal/lock"
	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/runlog"
	"github.com/mattjoyce/crossbard/internal/scheduler"
	"github.com/mattjoyce/crossbard/internal/storage"
	"github.com/mattjoyce/crossbard/internal/store"
)

const eventBuffer = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("crossbard starting", "version", currentVersionInfo().Version, "config", resolved)

	pidLockPath := pidPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			logger.Error("another instance is running", "pid", held.PID, "path", held.Path)
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, stop := signalContext()
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("crossbard failed", "error", err)
		return 1
	}
	logger.Info("crossbard stopped")
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func pidPath(cfg *config.Config) string {
	if cfg.Service.PIDFile != "" {
		return cfg.Service.PIDFile
	}
	return lock.DefaultPath(cfg.Store.Path)
}

// serve wires the daemon and blocks until ctx is cancelled or a component
// fails. Cancellation is a clean exit.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Store.Path)

	st := store.New(store.NewSQLiteBackend(db), store.Options{RetainRemoved: cfg.Store.RetainRemoved})
	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	runs := runlog.New(db)
	hub := events.NewHub(eventBuffer)
	exec := executor.New(executor.OptionsFromConfig(cfg.Executor, currentVersionInfo().Version))

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.New(exec, st, runs, hub, scheduler.OptionsFromConfig(cfg))
	sched.Start(gctx)
	defer sched.Stop()

	registry := producer.NewRegistry(cfg.Producers.Dirs, producer.OptionsFromConfig(cfg.Producers), nil)
	registry.SetPublisher(hub)
	pass, err := registry.Rediscover(gctx)
	if err != nil {
		return fmt.Errorf("discover producers: %w", err)
	}
	if err := sched.Sync(gctx, pass.Set); err != nil {
		return fmt.Errorf("schedule producers: %w", err)
	}
	registry.SetOnChange(func(producer.Delta) {
		if err := sched.Sync(gctx, registry.Current()); err != nil {
			logger.Error("failed to apply discovery", "error", err)
		}
	})
	logger.Info("producers scheduled",
		"discovered", pass.Set.Len(),
		"enabled", len(pass.Set.Enabled()),
		"skipped", len(pass.Errors),
	)

	if cfg.Producers.Watch {
		watcher := producer.NewWatcher(registry, cfg.Producers.WatchDebounce)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
		logger.Info("watching producer directories", "dirs", cfg.Producers.Dirs)
	}

	if cfg.API.Enabled {
		dispatcher := action.New(action.OptionsFromConfig(cfg.Actions), exec, sched, registry.Get, st, hub)
		server := api.New(api.ConfigFrom(cfg.API), api.Deps{
			Snapshots: st,
			Scheduler: sched,
			Registry:  registry,
			Runs:      runs,
			Actions:   dispatcher,
			Events:    hub,
		}, log.WithComponent("api"))
		g.Go(func() error {
			if err := server.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("crossbard running (press Ctrl+C to stop)")
	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
