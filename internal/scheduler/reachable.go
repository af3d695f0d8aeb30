package scheduler

import (
	"context"
	"fmt"

	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
)

// defaultFailureThreshold is how many consecutive probe failures it takes
// before a reachability event is raised (spec §4.2: "On consecutive
// failures (count configurable, default 2), creates a reachability
// event") — a single lost datagram is not an outage.
const defaultFailureThreshold = 2

// Reachable probes whether a device responds to SNMP at all, gating every
// other task in the device's cycle (spec §4.2 "ReachableTask").
type Reachable struct {
	*Deps

	// FailureThreshold overrides defaultFailureThreshold when positive.
	FailureThreshold int

	failures int
}

func (t *Reachable) Kind() TaskKind { return TaskReachable }

// Run is a no-op; the scheduler only calls Probe for the gating task.
func (t *Reachable) Run(ctx context.Context, dev *pollfile.Device, reachable bool) error {
	return nil
}

func (t *Reachable) threshold() int {
	if t.FailureThreshold > 0 {
		return t.FailureThreshold
	}
	return defaultFailureThreshold
}

func (t *Reachable) Probe(ctx context.Context, dev *pollfile.Device) (bool, error) {
	_, err := t.Client.Get([]string{oidSysUpTime})
	ok := err == nil
	t.State.SetReachable(ok)

	key := eventstore.Key{Router: t.DeviceName, Type: eventstore.TypeReachability}

	if !ok {
		t.failures++
		if t.failures < t.threshold() {
			return false, err
		}
		ev, created := t.Events.GetOrCreate(key)
		ev.PollAddr = dev.Address
		ev.Priority = dev.Priority
		ev.LastEvent = "device not responding to SNMP"

		pmMatch, underPM := t.PM.MatchFirst(pm.TargetDevice, pm.Candidate{Device: t.DeviceName})
		if underPM {
			ev.LastEvent = ev.LastEvent + " (under planned maintenance)"
			if created {
				ev.State = eventstore.StateIgnored
			}
		}
		if cerr := t.Events.Commit(ev); cerr != nil {
			return false, cerr
		}
		if underPM {
			_ = t.Events.AppendLog(ev.ID, fmt.Sprintf("planned maintenance %d active", pmMatch.ID))
		}
		return false, err
	}

	t.failures = 0
	if ev, found := t.Events.GetByKey(key); found {
		if cerr := t.Events.Close(ev.ID, "device reachable again"); cerr != nil {
			return true, cerr
		}
	}
	return true, nil
}
