// Package persist implements the periodic and shutdown-time state
// snapshot (spec §4.8 "State persister"): the entire in-memory core is
// serialized to a single JSON document via write-tmp/fsync/atomic-rename,
// and reloaded at startup to crash-recover.
//
// The original design forks a child process for copy-on-write snapshotting
// so serialization never stalls the main loop (spec §4.8). Go has no
// fork() primitive; this package gets the same "don't stall the main loop"
// property by taking a brief lock inside each subsystem (Store.Snapshot,
// Cache.Snapshot, pm.Store.List, flap.Tracker.Export already do this and
// return independent copies — the same "never leak a mutable reference
// out of the lock" idiom bfd.Manager.Sessions() uses), then marshaling and
// writing the copies from a dedicated goroutine, outside any lock.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/pm"
)

// Document is the single JSON snapshot document (spec §6 "State snapshot").
type Document struct {
	Events              []*eventstore.Event             `json:"events"`
	Devices             map[string]device.StateSnapshot `json:"devices"`
	PlannedMaintenances []*pm.PM                        `json:"planned_maintenances"`
	Flapping            []flap.Snapshot                 `json:"flapping"`
	Addresses           map[string]string               `json:"addresses"`
	LastEventID         int64                           `json:"last_event_id"`
}

// Save writes doc to path via the crash-safe write sequence: write to
// "<path>.tmp", fsync, then atomically rename over path (spec §4.8 "Write
// sequence").
func Save(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Load reads and unmarshals the snapshot document at path. A missing file
// is not an error — callers should treat it as a cold start with an empty
// Document; unknown JSON fields are ignored for forward compatibility
// (spec §4.8 "On load, unknown fields are ignored").
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return doc, nil
}

// Core bundles the collaborators a Persister dumps on each cycle.
type Core struct {
	Events    *eventstore.Store
	Devices   *device.Cache
	PM        *pm.Store
	Flap      *flap.Tracker
	Addresses func() map[string]string
}

// Dump takes an independent, lock-free-to-marshal copy of every
// subsystem's state (spec §4.8's substitute for the fork-based
// copy-on-write snapshot).
func (c *Core) Dump() *Document {
	addrs := map[string]string{}
	if c.Addresses != nil {
		addrs = c.Addresses()
	}
	return &Document{
		Events:              c.Events.Snapshot(),
		Devices:             c.Devices.Snapshot(),
		PlannedMaintenances: c.PM.List(),
		Flapping:            c.Flap.Export(),
		Addresses:           addrs,
		LastEventID:         c.Events.LastEventID(),
	}
}

// Restore reloads a previously saved Document into fresh eventstore,
// device cache, pm, and flap-tracker instances. It runs dedup-on-load
// (spec §4.1) itself, once every event has been restored.
func Restore(doc *Document, core *Core, logger *slog.Logger) {
	for _, ev := range doc.Events {
		core.Events.RestoreEvent(ev)
	}
	core.Events.DeduplicateOnLoad()

	core.Devices.Restore(doc.Devices)

	for _, p := range doc.PlannedMaintenances {
		if err := core.PM.Restore(p); err != nil && logger != nil {
			logger.Warn("skipping unloadable planned maintenance", slog.Int64("id", p.ID), slog.Any("error", err))
		}
	}

	core.Flap.Import(doc.Flapping)
}

// Persister periodically dumps Core to disk and performs a final dump at
// shutdown (spec §4.8 "Every persistence.period minutes ... and at
// shutdown").
type Persister struct {
	path   string
	core   *Core
	period time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Persister.
type Option func(*Persister)

// WithClock overrides the persister's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Persister) { p.now = now }
}

// New creates a Persister that writes Core's state to path every period.
func New(path string, core *Core, period time.Duration, logger *slog.Logger, opts ...Option) *Persister {
	p := &Persister{path: path, core: core, period: period, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DumpNow performs one immediate save, logging (but not returning) a
// failure so a transient write error never crashes the caller — the
// previous on-disk snapshot is retained and the next cycle retries
// (spec §7 "persistence write failure: log error, retain previous
// snapshot, retry next cycle").
func (p *Persister) DumpNow() {
	if err := Save(p.path, p.core.Dump()); err != nil {
		if p.logger != nil {
			p.logger.Error("persistence write failed", slog.String("path", p.path), slog.Any("error", err))
		}
		return
	}
	if p.logger != nil {
		p.logger.Debug("persistence snapshot written", slog.String("path", p.path))
	}
}

// Run drives DumpNow on Persister's configured period until ctx is
// cancelled, performing one final DumpNow before returning (spec §5
// "Shutdown cancels outstanding jobs, performs a final sync dump, then
// exits").
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.DumpNow()
			return ctx.Err()
		case <-ticker.C:
			p.DumpNow()
		}
	}
}
