package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stasis/stasis/internal/config"
	"github.com/stasis/stasis/internal/daemon"
	"github.com/stasis/stasis/internal/database"
	"github.com/stasis/stasis/internal/logging"
	"github.com/stasis/stasis/internal/media"
	"github.com/stasis/stasis/internal/power"
	"github.com/stasis/stasis/internal/reactor"
	"github.com/stasis/stasis/internal/scheduler"
	"github.com/stasis/stasis/internal/web"
	"github.com/stasis/stasis/pkg/compositor"
	"github.com/stasis/stasis/pkg/detector"
	"github.com/stasis/stasis/pkg/idle"
	"github.com/stasis/stasis/pkg/integrations/process"
)

const shutdownTimeout = 5 * time.Second

// runDaemon starts every backend, runs the reactor until a signal or a stop
// command, then tears everything down in reverse order.
func runDaemon(ctx context.Context, version string) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = slog.LevelDebug
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		logger.Warn("logging to stderr only", "error", err)
	}
	defer logger.Close()

	snap, err := config.Load(configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return withCode(ExitBadConfig, err)
	}
	logger.Info("starting stasis", "version", version, "config", snap.Path)
	logger.Debug("configuration loaded", "settings", snap.String())

	dm := daemon.New(snap.Daemon.PIDFile)
	if err := dm.Acquire(); err != nil {
		return err
	}
	defer dm.RemovePID()

	backend, err := detector.NewIdleBackend(logger.Component("idle"))
	if err != nil {
		logger.Error("no idle facility", "error", err)
		return withCode(ExitNoIdleBackend, err)
	}
	source := idle.NewSource(backend, logger.Component("idle"))
	defer source.Close()

	client, err := detector.NewCompositor(logger.Component("compositor"))
	if err != nil {
		logger.Warn("falling back to process scanning", "error", err)
		client = process.NewClient()
	}
	apps := compositor.Guard(client, logger.Component("compositor"))
	defer apps.Close()

	mpris := media.Connect(snap.Idle.IgnorePlayers, logger.Component("media"))
	defer mpris.Close()

	logind := power.Connect(logger.Component("power"))
	defer logind.Close()

	dispatcher := scheduler.NewShellDispatcher(logger.Component("dispatcher"))
	defer dispatcher.Close()

	control, err := daemon.Listen(snap.Daemon.Socket, logger.Component("control"))
	if err != nil {
		return fmt.Errorf("failed to open control socket: %w", err)
	}
	defer control.Close()

	watcher, err := config.Watch(snap.Path)
	if err != nil {
		logger.Warn("config file will not be watched", "error", err)
	} else {
		defer watcher.Close()
	}

	var (
		history reactor.History
		repo    *database.Repository
	)
	if snap.Daemon.History {
		db, err := database.Connect(snap.Daemon.HistoryPath)
		if err == nil {
			err = db.Initialize()
		}
		if err != nil {
			logger.Warn("history journal disabled", "error", err)
		} else {
			defer db.Close()
			repo = database.NewRepository(db)
			history = repo
		}
	}

	var (
		observer reactor.Observer
		metrics  *web.Metrics
	)
	if snap.Daemon.WebAddr != "" {
		metrics = web.NewMetrics()
		observer = metrics
	}

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	procs := process.NewClient()
	r := reactor.New(reactor.Deps{
		Version:    version,
		Config:     snap,
		Logger:     logger.Component("reactor"),
		Source:     source,
		Backend:    backend,
		Compositor: apps,
		Dispatcher: dispatcher,
		Results:    dispatcher.Results(),
		Media:      mpris,
		Sleep:      logind,
		Supply:     power.NewSupply(power.DefaultSupplyRoot),
		Control:    control.Requests(),
		Hangup:     hangup,
		Watcher:    watcher,
		History:    history,
		Observer:   observer,
		Scheduler: scheduler.Options{
			Logger: logger.Component("scheduler"),
			IsRunning: func(name string) bool {
				return procs.IsRunning(context.Background(), name)
			},
			Backlight: scheduler.NewSysfsBacklight(scheduler.DefaultBacklightRoot),
		},
	})

	if snap.Daemon.WebAddr != "" {
		srv := web.NewServer(snap.Daemon.WebAddr, web.NewHandler(r, repo, metrics, logger.Component("web")), logger.Component("web"))
		if err := srv.Start(); err != nil {
			logger.Warn("status server disabled", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}
	}

	err = r.Run(ctx)
	switch {
	case err == nil:
		logger.Info("stasis stopped")
		return nil
	case errors.Is(err, idle.ErrNoRegistrations):
		logger.Error("no idle thresholds could be registered", "error", err)
		return withCode(ExitNoIdleBackend, err)
	default:
		logger.Error("daemon loop failed", "error", err)
		return err
	}
}
