package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Uninett/zino/internal/config"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/pollfile"
)

// runReloadWatcher re-parses the pollfile on its configured period and
// reconciles the device registry, scheduler, and per-device state for any
// devices that were added, removed, or changed (spec §9 "Hot config
// reload").
func runReloadWatcher(ctx context.Context, c *core, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) error {
	ticker := time.NewTicker(c.cfg.Polling.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reconcilePollfile(c, logger)
		}
	}
}

// runSIGHUP reloads the main configuration file and pollfile on SIGHUP,
// mirroring the teacher's handleSIGHUP (cmd/gobfd/main.go).
func runSIGHUP(ctx context.Context, c *core, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) error {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	defer signal.Stop(sigHUP)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigHUP:
			logger.Info("SIGHUP received, reloading configuration")
			if configPath != "" {
				if newCfg, err := config.Load(configPath); err != nil {
					logger.Error("reload failed, keeping previous configuration", slog.Any("error", err))
				} else {
					logLevel.Set(config.ParseLogLevel(newCfg.Logging.Level))
					c.cfg = newCfg
				}
			}
			reconcilePollfile(c, logger)
		}
	}
}

// reconcilePollfile re-reads the pollfile, swaps the device registry, and
// propagates the diff to every subsystem keyed by device name (spec §9:
// "Added devices get a new job at next tick; removed devices have their
// open events force-closed and their task queue torn down").
func reconcilePollfile(c *core, logger *slog.Logger) {
	next, err := pollfile.ParseFile(c.cfg.Polling.File)
	if err != nil {
		logger.Error("pollfile reload failed, keeping previous registry", slog.Any("error", err))
		return
	}

	diff := c.devices.Reconcile(next)
	if len(diff.Added) == 0 && len(diff.Removed) == 0 && len(diff.Changed) == 0 {
		return
	}
	logger.Info("pollfile reloaded",
		slog.Int("added", len(diff.Added)),
		slog.Int("removed", len(diff.Removed)),
		slog.Int("changed", len(diff.Changed)))

	for _, name := range diff.Removed {
		closeDeviceEvents(c, name, "device removed from pollfile", logger)
		c.states.Delete(name)
		c.pipeline.closeDevice(name)
	}
	for _, name := range diff.Changed {
		c.pipeline.closeDevice(name)
	}

	created, destroyed := c.scheduler.Reconcile(next, c.pipeline.build)
	logger.Debug("scheduler reconciled", slog.Int("created", created), slog.Int("destroyed", destroyed))
}

// closeDeviceEvents force-closes every open event belonging to device
// (spec §9 "removed devices have their open events force-closed").
func closeDeviceEvents(c *core, deviceName, reason string, logger *slog.Logger) {
	for _, ev := range c.events.IterOpen() {
		if ev.Key.Router != deviceName {
			continue
		}
		if err := c.events.Transition(ev.ID, eventstore.StateClosed, reason); err != nil {
			logger.Warn("could not close event for removed device",
				slog.Int64("id", ev.ID), slog.String("device", deviceName), slog.Any("error", err))
		}
	}
}
