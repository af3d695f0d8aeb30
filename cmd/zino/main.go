// Zino daemon -- stateful SNMP network monitor for backbone routers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Uninett/zino/internal/config"
	"github.com/Uninett/zino/internal/eventstore"
	appversion "github.com/Uninett/zino/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags (spec §6 "CLI").
	polldevsPath := flag.String("polldevs", "", "path to polldevs.cf (overrides config file's polling.file)")
	configPath := flag.String("config-file", "", "path to the main TOML configuration file")
	debug := flag.Bool("debug", false, "enable debug logging regardless of configured level")
	stopIn := flag.Duration("stop-in", 0, "stop the daemon after this duration (0 disables, for testing)")
	trapPort := flag.Int("trap-port", 0, "override the configured trap listener port (0 keeps config value)")
	userOverride := flag.String("user", "", "override the configured process user (spec §6 [process] user)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("zino"))
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return 1
	}
	if *polldevsPath != "" {
		cfg.Polling.File = *polldevsPath
	}
	if *trapPort != 0 {
		cfg.SNMP.Trap.Port = *trapPort
	}
	if *userOverride != "" {
		cfg.Process.User = *userOverride
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Logging.Level))
	if *debug {
		logLevel.Set(slog.LevelDebug)
	}
	logger := newLogger(cfg.Logging, logLevel)

	logger.Info("zino starting",
		slog.String("version", appversion.Version),
		slog.String("cmdserver_addr", cfg.CmdServer.ListenAddr),
		slog.String("notifyserver_addr", cfg.NotifyServer.ListenAddr),
	)

	reg := prometheus.NewRegistry()

	c, err := buildCore(cfg, reg, logger)
	if err != nil {
		logger.Error("failed to initialize core", slog.String("error", err.Error()))
		return 1
	}

	if err := runDaemon(c, reg, *configPath, logLevel, *stopIn, logger); err != nil {
		var bindErr bindError
		if errors.As(err, &bindErr) {
			logger.Error("zino exited: listener bind failure", slog.String("error", err.Error()))
			return 2
		}
		logger.Error("zino exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("zino stopped")
	return 0
}

// bindError marks a startup failure as a listener-bind failure, mapped to
// exit code 2 (spec §6 "Exit 0 clean; 1 config error; 2 bind error").
type bindError struct{ err error }

func (e bindError) Error() string { return e.err.Error() }
func (e bindError) Unwrap() error { return e.err }

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	out := os.Stdout
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// runDaemon wires the signal-aware errgroup that runs every long-lived
// subsystem, mirroring the teacher's runServers (cmd/gobfd/main.go).
func runDaemon(c *core, reg *prometheus.Registry, configPath string, logLevel *slog.LevelVar, stopIn time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stopIn > 0 {
		go func() {
			t := time.NewTimer(stopIn)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
				logger.Info("stop-in elapsed, shutting down", slog.Duration("after", stopIn))
				stop()
			}
		}()
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.scheduler.Run(gCtx) })
	g.Go(func() error { return c.persister.Run(gCtx) })
	g.Go(func() error { return runSweep(gCtx, c, logger) })

	if err := c.trapReceiver.Start(gCtx); err != nil {
		return bindError{fmt.Errorf("start trap receiver: %w", err)}
	}
	g.Go(func() error {
		<-gCtx.Done()
		c.trapReceiver.Stop()
		return nil
	})

	cmdErr := make(chan error, 1)
	g.Go(func() error {
		err := c.cmdServer.Run(gCtx)
		cmdErr <- err
		return firstBindErr(err)
	})

	notifyErr := make(chan error, 1)
	g.Go(func() error {
		err := c.notifyServer.Run(gCtx)
		notifyErr <- err
		return firstBindErr(err)
	})

	if c.uptimeAgent != nil {
		g.Go(func() error { return c.uptimeAgent.Run(gCtx) })
	}

	g.Go(func() error { return runReloadWatcher(gCtx, c, configPath, logLevel, logger) })
	g.Go(func() error { return runSIGHUP(gCtx, c, configPath, logLevel, logger) })

	if c.cfg.Metrics.ListenAddr != "" {
		if err := runMetricsServer(gCtx, g, c.cfg.Metrics.ListenAddr, reg, logger); err != nil {
			return bindError{fmt.Errorf("start metrics server: %w", err)}
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// runMetricsServer binds the ambient Prometheus exposition endpoint and
// registers its run/shutdown with g. Not a spec-named component (spec §9
// "ambient stack carried regardless of Non-goals"); it exists solely so this
// process's own health can be scraped, mirroring the teacher's metrics HTTP
// listener in cmd/gobfd/main.go.
func runMetricsServer(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return nil
}

func firstBindErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSweep runs the per-minute archival sweep and the planned-maintenance
// expiry sweep (spec §4.1 "Archival", §4.5 "Expiry").
func runSweep(ctx context.Context, c *core, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := c.events.ArchiveSweep(c.cfg.Archiving.OldEventsDir); err != nil {
				logger.Warn("archive sweep failed", slog.Any("error", err))
			} else if n > 0 {
				logger.Debug("archived closed events", slog.Int("count", n))
			}
			if n := c.pm.ExpirySweep(time.Hour); n > 0 {
				logger.Debug("expired planned maintenances", slog.Int("count", n))
			}
			refreshEventGauges(c)
		}
	}
}

// refreshEventGauges recounts open events per type for the events_open
// gauge.
func refreshEventGauges(c *core) {
	counts := make(map[eventstore.Type]int)
	for _, ev := range c.events.IterOpen() {
		counts[ev.Key.Type]++
	}
	for _, typ := range []eventstore.Type{
		eventstore.TypeReachability,
		eventstore.TypePortstate,
		eventstore.TypeBGP,
		eventstore.TypeBFD,
		eventstore.TypeAlarm,
	} {
		c.metrics.SetEventsOpen(string(typ), counts[typ])
	}
}
