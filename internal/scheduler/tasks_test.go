package scheduler_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
	"github.com/Uninett/zino/internal/scheduler"
	"github.com/Uninett/zino/internal/snmp"
)

const oidSysUpTime = "1.3.6.1.2.1.1.3.0"

func newTaskDeps(client snmp.Client) (*scheduler.Deps, *eventstore.Store, *pm.Store) {
	events := eventstore.NewStore(0)
	pmStore := pm.NewStore()
	return &scheduler.Deps{
		DeviceName: "arkham-sw1",
		Client:     client,
		State:      device.NewState(),
		Events:     events,
		Flap:       flap.NewTracker(flap.DefaultConfig()),
		PM:         pmStore,
	}, events, pmStore
}

func interfaceWalk(fake *snmp.FakeClient, ifindex, descr, alias, oper, admin string) {
	fake.WalkResponses["1.3.6.1.2.1.2.2.1.2"] = []snmp.Varbind{
		{OID: "1.3.6.1.2.1.2.2.1.2." + ifindex, Value: descr},
	}
	fake.WalkResponses["1.3.6.1.2.1.31.1.1.1.18"] = []snmp.Varbind{
		{OID: "1.3.6.1.2.1.31.1.1.1.18." + ifindex, Value: alias},
	}
	fake.WalkResponses["1.3.6.1.2.1.2.2.1.8"] = []snmp.Varbind{
		{OID: "1.3.6.1.2.1.2.2.1.8." + ifindex, Value: oper},
	}
	fake.WalkResponses["1.3.6.1.2.1.2.2.1.7"] = []snmp.Varbind{
		{OID: "1.3.6.1.2.1.2.2.1.7." + ifindex, Value: admin},
	}
}

func TestLinkStateOpensPortstateEventOnTransition(t *testing.T) {
	t.Parallel()

	fake := snmp.NewFakeClient()
	deps, events, _ := newTaskDeps(fake)
	task := &scheduler.LinkState{Deps: deps}
	dev := &pollfile.Device{Name: "arkham-sw1", Address: "10.0.0.1"}

	// First walk discovers the interface; no event for a newly seen port.
	interfaceWalk(fake, "150", "ge-1/0/10", "uplink to core", "1", "1")
	if err := task.Run(context.Background(), dev, true); err != nil {
		t.Fatalf("Run() discovery: %v", err)
	}
	if got := len(events.IterOpen()); got != 0 {
		t.Fatalf("open events after discovery = %d, want 0", got)
	}

	// Second walk sees the port down.
	interfaceWalk(fake, "150", "ge-1/0/10", "uplink to core", "2", "1")
	if err := task.Run(context.Background(), dev, true); err != nil {
		t.Fatalf("Run() transition: %v", err)
	}

	key := eventstore.Key{Router: "arkham-sw1", Subindex: "150", Type: eventstore.TypePortstate}
	ev, found := events.GetByKey(key)
	if !found {
		t.Fatal("expected a portstate event after the up->down transition")
	}
	if ev.Portstate.Port != "ge-1/0/10" {
		t.Errorf("Port = %q, want ge-1/0/10", ev.Portstate.Port)
	}
	if ev.Portstate.PortState != "down" {
		t.Errorf("PortState = %q, want down", ev.Portstate.PortState)
	}
	if ev.State != eventstore.StateOpen {
		t.Errorf("State = %q, want open", ev.State)
	}
}

func TestLinkStateCreatesIgnoredEventUnderPlannedMaintenance(t *testing.T) {
	t.Parallel()

	fake := snmp.NewFakeClient()
	deps, events, pmStore := newTaskDeps(fake)
	task := &scheduler.LinkState{Deps: deps}
	dev := &pollfile.Device{Name: "arkham-sw1", Address: "10.0.0.1"}

	now := time.Now()
	p, err := pmStore.Add(now.Add(-time.Hour), now.Add(time.Hour), pm.TargetPortstate, pm.MatchIntfRegexp, "arkham-sw1", "ge-1/0/10")
	if err != nil {
		t.Fatalf("PM Add: %v", err)
	}

	interfaceWalk(fake, "150", "ge-1/0/10", "uplink to core", "1", "1")
	if err := task.Run(context.Background(), dev, true); err != nil {
		t.Fatalf("Run() discovery: %v", err)
	}
	interfaceWalk(fake, "150", "ge-1/0/10", "uplink to core", "2", "1")
	if err := task.Run(context.Background(), dev, true); err != nil {
		t.Fatalf("Run() transition: %v", err)
	}

	key := eventstore.Key{Router: "arkham-sw1", Subindex: "150", Type: eventstore.TypePortstate}
	ev, found := events.GetByKey(key)
	if !found {
		t.Fatal("expected a portstate event")
	}
	if ev.State != eventstore.StateIgnored {
		t.Errorf("State = %q, want ignored while under planned maintenance", ev.State)
	}

	foundLog := false
	for _, e := range ev.Log {
		if strings.Contains(e.Text, "planned maintenance") && strings.Contains(e.Text, "1") {
			foundLog = true
		}
	}
	if !foundLog {
		t.Errorf("log %v does not cite planned maintenance %d", ev.Log, p.ID)
	}
}

func TestReachableRaisesEventOnlyAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	fake := snmp.NewFakeClient()
	deps, events, _ := newTaskDeps(fake)
	task := &scheduler.Reachable{Deps: deps}
	dev := &pollfile.Device{Name: "arkham-sw1", Address: "10.0.0.1"}

	fake.GetErr = errors.New("timeout")

	key := eventstore.Key{Router: "arkham-sw1", Type: eventstore.TypeReachability}

	if ok, _ := task.Probe(context.Background(), dev); ok {
		t.Fatal("Probe() = true, want false on timeout")
	}
	if _, found := events.GetByKey(key); found {
		t.Fatal("reachability event raised after a single failure, want none below threshold")
	}

	if ok, _ := task.Probe(context.Background(), dev); ok {
		t.Fatal("Probe() = true, want false on timeout")
	}
	ev, found := events.GetByKey(key)
	if !found {
		t.Fatal("expected a reachability event after two consecutive failures")
	}
	if ev.State != eventstore.StateOpen {
		t.Errorf("State = %q, want open", ev.State)
	}

	// Recovery closes the reachability event and resets the counter.
	fake.GetErr = nil
	fake.GetResponses[oidSysUpTime] = []snmp.Varbind{{OID: oidSysUpTime, Value: 12345}}
	if ok, err := task.Probe(context.Background(), dev); !ok || err != nil {
		t.Fatalf("Probe() after recovery = (%v, %v), want (true, nil)", ok, err)
	}
	if _, found := events.GetByKey(key); found {
		t.Error("reachability event still open after recovery, want closed")
	}

	got, _ := events.Get(ev.ID)
	if got.State != eventstore.StateClosed {
		t.Errorf("recovered event State = %q, want closed", got.State)
	}
}
