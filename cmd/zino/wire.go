package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Uninett/zino/internal/cmdproto"
	"github.com/Uninett/zino/internal/config"
	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/metrics"
	"github.com/Uninett/zino/internal/notifyproto"
	"github.com/Uninett/zino/internal/persist"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
	"github.com/Uninett/zino/internal/scheduler"
	"github.com/Uninett/zino/internal/secrets"
	"github.com/Uninett/zino/internal/snmp"
	"github.com/Uninett/zino/internal/trap"
	"github.com/Uninett/zino/internal/uptimeagent"
)

// core bundles every subsystem for one daemon lifetime, wired once at
// startup and reconciled in place on reload (spec §5 "one process, every
// subsystem sharing the same device registry and event store").
type core struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	secrets *secrets.File

	devices  *device.Registry
	states   *device.Cache
	events   *eventstore.Store
	pm       *pm.Store
	flap     *flap.Tracker
	notify   *notifyproto.Registry
	pipeline *pipelineBuilder

	scheduler    *scheduler.Scheduler
	trapReceiver *trap.Receiver
	cmdServer    *cmdproto.Server
	notifyServer *notifyproto.Server
	persister    *persist.Persister
	uptimeAgent  *uptimeagent.Agent
}

// buildCore loads the pollfile and secrets, restores any persisted
// snapshot, and wires every subsystem together.
func buildCore(cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) (*core, error) {
	secretsFile, err := secrets.ParseFile(cfg.Authentication.File, logger)
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	devReg, err := pollfile.ParseFile(cfg.Polling.File)
	if err != nil {
		return nil, fmt.Errorf("load pollfile: %w", err)
	}

	doc, err := persist.Load(cfg.Persistence.File)
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}

	collector := metrics.NewCollector(reg)

	c := &core{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		secrets: secretsFile,
		devices: device.NewRegistry(devReg),
		states:  device.NewCache(),
		events:  eventstore.NewStore(doc.LastEventID),
		pm:      pm.NewStore(),
		flap:    flap.NewTracker(flap.DefaultConfig()),
	}

	persistCore := &persist.Core{
		Events:  c.events,
		Devices: c.states,
		PM:      c.pm,
		Flap:    c.flap,
		Addresses: func() map[string]string {
			snap := c.devices.Snapshot()
			addrs := make(map[string]string)
			for _, name := range snap.Names() {
				if d, ok := snap.Get(name); ok && d.Address != "" {
					addrs[d.Address] = name
				}
			}
			return addrs
		},
	}
	persist.Restore(doc, persistCore, logger)

	registerEventMetrics(c.events, collector)

	c.notify = notifyproto.NewRegistry(c.events, cfg.NotifyServer.QueueDepth)
	c.notify.SetDropHook(collector.IncNotifyQueueDrop)

	resolver := scheduler.NewNetResolver(net.DefaultResolver.LookupAddr)

	c.pipeline = newPipelineBuilder(c.states, c.events, c.flap, c.pm, resolver, logger)

	c.scheduler = scheduler.New(logger,
		scheduler.WithTaskHooks(
			func(kind scheduler.TaskKind) { collector.IncTaskRun(string(kind)) },
			func(kind scheduler.TaskKind) { collector.IncTaskFailure(string(kind)) },
		),
		scheduler.WithMisfireGrace(cfg.Scheduler.MisfireGraceTime),
	)
	c.scheduler.Reconcile(c.devices.Snapshot(), c.pipeline.build)

	c.trapReceiver = trap.New(trap.Config{
		ListenAddr:       fmt.Sprintf(":%d", cfg.SNMP.Trap.Port),
		RequireCommunity: cfg.SNMP.Trap.RequireCommunity,
	}, &trap.Deps{
		Registry: registrySnapshotAdapter{registry: c.devices},
		States:   c.states,
		Events:   c.events,
		Flap:     c.flap,
		PM:       c.pm,
		Resolver: resolver,
		Logger:   logger,
		Confirm: func(ctx context.Context, deviceName string) {
			c.scheduler.TriggerNow(ctx, deviceName)
		},
		OnOutcome: collector.IncTrapReceived,
	})

	var cmdSessions, notifySessions atomic.Int64

	c.cmdServer = cmdproto.New(cmdproto.Config{ListenAddr: cfg.CmdServer.ListenAddr}, &cmdproto.Deps{
		Events:  c.events,
		PM:      c.pm,
		Flap:    c.flap,
		Devices: c.devices,
		Secrets: c.secrets,
		Notify:  c.notify,
		Logger:  logger,
		Confirm: func(ctx context.Context, deviceName string) bool {
			return c.scheduler.TriggerNow(ctx, deviceName)
		},
		OnSessionChange: func(delta int) {
			collector.SetProtocolSessions("command", int(cmdSessions.Add(int64(delta))))
		},
	})

	c.notifyServer = notifyproto.New(notifyproto.Config{
		ListenAddr: cfg.NotifyServer.ListenAddr,
		QueueDepth: cfg.NotifyServer.QueueDepth,
		OnSessionChange: func(delta int) {
			collector.SetProtocolSessions("notify", int(notifySessions.Add(int64(delta))))
		},
	}, c.notify, logger)

	c.persister = persist.New(cfg.Persistence.File, persistCore, cfg.Persistence.Period, logger)

	if cfg.SNMP.AgentListenAddr != "" {
		c.uptimeAgent = uptimeagent.New(uptimeagent.Config{ListenAddr: cfg.SNMP.AgentListenAddr}, time.Now(), logger)
	}

	return c, nil
}

// pipelineBuilder implements scheduler.PipelineFunc, dialing (and caching)
// one SNMP session per device — reused across task kinds for that device
// but never shared across devices, matching the scheduler's one-job-per-
// device exclusivity (spec §5).
type pipelineBuilder struct {
	mu      sync.Mutex
	clients map[string]snmp.Client

	states   *device.Cache
	events   *eventstore.Store
	flap     *flap.Tracker
	pm       *pm.Store
	resolver scheduler.Resolver
	logger   *slog.Logger
}

func newPipelineBuilder(states *device.Cache, events *eventstore.Store, flapTracker *flap.Tracker, pmStore *pm.Store, resolver scheduler.Resolver, logger *slog.Logger) *pipelineBuilder {
	return &pipelineBuilder{
		clients:  make(map[string]snmp.Client),
		states:   states,
		events:   events,
		flap:     flapTracker,
		pm:       pmStore,
		resolver: resolver,
		logger:   logger,
	}
}

func (b *pipelineBuilder) build(dev *pollfile.Device) (scheduler.ReachableTask, []scheduler.Task) {
	client := b.clientFor(dev)

	deps := &scheduler.Deps{
		DeviceName: dev.Name,
		Client:     client,
		State:      b.states.GetOrCreate(dev.Name),
		Events:     b.events,
		Flap:       b.flap,
		PM:         b.pm,
		Resolver:   b.resolver,
		Logger:     b.logger,
	}

	return scheduler.Build(deps, dev)
}

// clientFor reuses an existing session unless the device's connection
// parameters changed, in which case the stale session is closed and
// re-dialed.
func (b *pipelineBuilder) clientFor(dev *pollfile.Device) snmp.Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.clients[dev.Name]; ok {
		return existing
	}

	client, err := snmp.Dial(snmp.DeviceParams{
		Address:        dev.Address,
		Community:      dev.Community,
		Version:        dev.SNMPVersion,
		Port:           dev.Port,
		Timeout:        dev.Timeout,
		Retries:        dev.Retries,
		MaxRepetitions: uint32(dev.MaxRepetitions),
	})
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("snmp dial failed, tasks will retry next cycle",
				slog.String("device", dev.Name), slog.Any("error", err))
		}
		return nil
	}

	b.clients[dev.Name] = client
	return client
}

// closeDevice closes and forgets a device's cached SNMP session, called
// when the device is removed or its connection parameters change on
// reload.
func (b *pipelineBuilder) closeDevice(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[name]; ok {
		_ = c.Close()
		delete(b.clients, name)
	}
}

// registerEventMetrics feeds the event-transition counter from the store's
// observer stream, tracking each event's last-seen state to label the
// counter with a from/to pair.
func registerEventMetrics(events *eventstore.Store, collector *metrics.Collector) {
	var mu sync.Mutex
	last := make(map[int64]string)
	events.RegisterObserver(func(ch eventstore.Change) {
		if ch.Kind != eventstore.ChangeState {
			return
		}
		mu.Lock()
		from, ok := last[ch.EventID]
		if !ok {
			from = "none"
		}
		if ch.Value == string(eventstore.StateClosed) {
			delete(last, ch.EventID)
		} else {
			last[ch.EventID] = ch.Value
		}
		mu.Unlock()
		collector.RecordEventTransition(from, ch.Value)
	})
}

// registrySnapshotAdapter adapts *device.Registry to trap.Registry by
// always consulting the current pollfile snapshot.
type registrySnapshotAdapter struct {
	registry *device.Registry
}

func (a registrySnapshotAdapter) ByAddress(addr string) (*pollfile.Device, bool) {
	return a.registry.Snapshot().ByAddress(addr)
}
