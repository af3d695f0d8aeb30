package scheduler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
	"github.com/Uninett/zino/internal/snmp"
)

// Resolver performs the reverse DNS lookup BFDTask runs before a session's
// get_or_create; the resolved hostname is recorded as the event's neighbor
// name, while the event stays keyed by discriminator (spec §4.2 "BFDTask
// ... reverse DNS before get_or_create").
type Resolver interface {
	ReverseLookup(ctx context.Context, addr string) (string, error)
}

// netResolver adapts net.Resolver to Resolver.
type netResolver struct {
	lookup func(ctx context.Context, addr string) ([]string, error)
}

// NewNetResolver wraps a net.Resolver.LookupAddr-shaped function (the
// caller passes (*net.Resolver).LookupAddr or net.DefaultResolver.LookupAddr;
// accepting the function directly keeps this package free of a direct
// net import for something this narrow).
func NewNetResolver(lookup func(ctx context.Context, addr string) ([]string, error)) Resolver {
	return &netResolver{lookup: lookup}
}

func (r *netResolver) ReverseLookup(ctx context.Context, addr string) (string, error) {
	names, err := r.lookup(ctx, addr)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// Deps bundles the per-device collaborators every task needs. One Deps is
// built per device by Build and closed over by every task in that
// device's pipeline.
type Deps struct {
	DeviceName string
	Client     snmp.Client
	State      *device.State
	Events     *eventstore.Store
	Flap       *flap.Tracker
	PM         *pm.Store
	Resolver   Resolver
	Logger     *slog.Logger
}

// Build constructs the full task pipeline for a device, implementing
// PipelineFunc's per-device half (the device itself is supplied by the
// pollfile.Registry at Reconcile time; cfg carries the one field that
// changes the pipeline shape, do_bgp).
func Build(d *Deps, cfg *pollfile.Device) (ReachableTask, []Task) {
	reach := &Reachable{Deps: d}

	rest := []Task{
		&LinkState{Deps: d, IgnorePat: cfg.IgnorePat, WatchPat: cfg.WatchPat},
	}
	if cfg.DoBGP {
		rest = append(rest, &BGPStateMonitor{Deps: d})
	}
	rest = append(rest, &BFD{Deps: d})
	rest = append(rest, &JuniperAlarm{Deps: d})

	return reach, rest
}
