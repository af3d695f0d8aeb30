package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
)

// LinkState walks the interface table and opens and updates portstate
// events on oper-state transitions, honoring watchpat/ignorepat and
// feeding the flap tracker (spec §4.2 "LinkStateTask").
type LinkState struct {
	*Deps
	IgnorePat *regexp.Regexp
	WatchPat  *regexp.Regexp
}

func (t *LinkState) Kind() TaskKind { return TaskLinkState }

func (t *LinkState) Run(ctx context.Context, dev *pollfile.Device, reachable bool) error {
	if !reachable {
		return nil
	}

	descrVbs, err := t.Client.BulkWalkAll(oidIfDescr)
	if err != nil {
		return fmt.Errorf("linkstate walk ifDescr: %w", err)
	}
	aliasVbs, err := t.Client.BulkWalkAll(oidIfAlias)
	if err != nil {
		return fmt.Errorf("linkstate walk ifAlias: %w", err)
	}
	operVbs, err := t.Client.BulkWalkAll(oidIfOperStatus)
	if err != nil {
		return fmt.Errorf("linkstate walk ifOperStatus: %w", err)
	}
	adminVbs, err := t.Client.BulkWalkAll(oidIfAdminStatus)
	if err != nil {
		return fmt.Errorf("linkstate walk ifAdminStatus: %w", err)
	}

	descrs := indexTable(descrVbs, oidIfDescr)
	aliases := indexTable(aliasVbs, oidIfAlias)
	opers := indexTable(operVbs, oidIfOperStatus)
	admins := indexTable(adminVbs, oidIfAdminStatus)

	for _, ifindex := range ascendingIntKeys(opers) {
		idx := strconv.Itoa(ifindex)
		descr := descrs[idx]
		alias := aliases[idx]

		if t.IgnorePat != nil && (t.IgnorePat.MatchString(descr) || t.IgnorePat.MatchString(alias)) {
			continue
		}
		if t.WatchPat != nil && !(t.WatchPat.MatchString(descr) || t.WatchPat.MatchString(alias)) {
			continue
		}

		operState := operStateName(opers[idx])
		adminState := operStateName(admins[idx])
		prev, hadPrev := t.State.Interface(ifindex)
		cur := device.InterfaceState{IfDescr: descr, IfAlias: alias, OperState: operState, AdminState: adminState}
		t.State.SetInterface(ifindex, cur)

		if !hadPrev || (prev.OperState == operState && prev.AdminState == adminState) {
			continue
		}

		t.handleTransition(dev, ifindex, descr, alias, operState)
	}

	return nil
}

func (t *LinkState) handleTransition(dev *pollfile.Device, ifindex int, descr, alias, operState string) {
	isDown := operState == "down"
	flapResult := t.Flap.RecordTransition(flap.Key{Device: t.DeviceName, IfIndex: ifindex}, isDown)

	key := eventstore.Key{Router: t.DeviceName, Subindex: strconv.Itoa(ifindex), Type: eventstore.TypePortstate}
	ev, created := t.Events.GetOrCreate(key)
	priorState := ev.State
	ev.PollAddr = dev.Address
	ev.Priority = dev.Priority
	ev.Portstate.Port = descr
	ev.Portstate.Descr = alias
	ev.Portstate.PortState = operState
	ev.Portstate.Flaps = flapResult.FlapCount
	ev.Portstate.FlapState = string(flapResult.FlapState)
	ev.Portstate.ACDown = flapResult.ACDown
	ev.LastEvent = fmt.Sprintf("port %s changed state to %s", descr, operState)

	pmMatch, underPM := t.PM.MatchFirst(pm.TargetPortstate, pm.Candidate{Device: t.DeviceName, PortAlias: alias, IfDescr: descr})
	if underPM {
		ev.LastEvent = fmt.Sprintf("%s (under planned maintenance %d)", ev.LastEvent, pmMatch.ID)
		if created {
			ev.State = eventstore.StateIgnored
		}
	}

	if err := t.Events.Commit(ev); err != nil {
		if t.Logger != nil {
			t.Logger.Warn("commit portstate event failed", "device", t.DeviceName, "ifindex", ifindex, "error", err)
		}
		return
	}

	if underPM {
		_ = t.Events.AppendLog(ev.ID, fmt.Sprintf("planned maintenance %d active", pmMatch.ID))
	}

	if created {
		return
	}

	// An event the operator deferred to waiting stays there on a renewed
	// down transition; confirm-wait is reachable from both working and
	// waiting once the port comes back up.
	switch {
	case operState == "down" && (priorState == eventstore.StateOpen || priorState == eventstore.StateConfirmWait):
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "port down")
	case operState == "up" && (priorState == eventstore.StateWorking || priorState == eventstore.StateWaiting):
		_ = t.Events.Transition(ev.ID, eventstore.StateConfirmWait, "port up, awaiting confirmation")
	case operState == "up" && priorState == eventstore.StateOpen:
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "port flapped up before leaving open")
	}
}
