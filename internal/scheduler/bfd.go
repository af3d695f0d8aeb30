package scheduler

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/pollfile"
)

// BFD walks the BFD session table and opens and updates bfd events keyed by
// session discriminator. On a state change the peer address is
// reverse-resolved to a hostname before get_or_create, and the name is
// stored on the event as its neighbor name (spec §4.2 "BFDTask").
type BFD struct {
	*Deps
}

func (t *BFD) Kind() TaskKind { return TaskBFD }

func (t *BFD) Run(ctx context.Context, dev *pollfile.Device, reachable bool) error {
	if !reachable {
		return nil
	}

	stateVbs, err := t.Client.BulkWalkAll(oidBfdSessState)
	if err != nil {
		return fmt.Errorf("bfd walk session state: %w", err)
	}
	addrVbs, err := t.Client.BulkWalkAll(oidBfdSessAddr)
	if err != nil {
		return fmt.Errorf("bfd walk session addr: %w", err)
	}

	states := indexTable(stateVbs, oidBfdSessState)
	addrs := indexTable(addrVbs, oidBfdSessAddr)

	for _, idx := range ascendingKeys(states) {
		newState := bfdStateName(states[idx])
		addr := addrs[idx]

		discr, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			continue
		}

		prev, hadPrev := t.State.BFDSession(uint32(discr))
		cur := device.BFDSessionState{State: newState, Addr: addr, Discr: uint32(discr)}
		t.State.SetBFDSession(uint32(discr), cur)

		if !hadPrev || prev.State == newState {
			continue
		}

		neighName := addr
		if t.Resolver != nil {
			if name, err := t.Resolver.ReverseLookup(ctx, addr); err == nil && name != "" {
				neighName = name
			}
		}

		t.handleTransition(dev, uint32(discr), addr, neighName, newState)
	}

	return nil
}

func (t *BFD) handleTransition(dev *pollfile.Device, discr uint32, addr, neighName, newState string) {
	key := eventstore.Key{Router: t.DeviceName, Subindex: strconv.FormatUint(uint64(discr), 10), Type: eventstore.TypeBFD}
	ev, created := t.Events.GetOrCreate(key)
	priorState := ev.State
	ev.PollAddr = dev.Address
	ev.Priority = dev.Priority
	ev.BFD.Addr = addr
	ev.BFD.Discr = discr
	ev.BFD.BFDState = newState
	ev.BFD.NeighRDNS = neighName
	ev.LastEvent = fmt.Sprintf("bfd session to %s transitioned to %s", neighName, newState)

	if err := t.Events.Commit(ev); err != nil {
		if t.Logger != nil {
			t.Logger.Warn("commit bfd event failed", "device", t.DeviceName, "discr", discr, "error", err)
		}
		return
	}

	if created {
		return
	}

	// An event the operator deferred to waiting stays there on a renewed
	// down transition; confirm-wait is reachable from both working and
	// waiting once the session comes back up.
	switch {
	case newState != "up" && (priorState == eventstore.StateOpen || priorState == eventstore.StateConfirmWait):
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "bfd session down")
	case newState == "up" && (priorState == eventstore.StateWorking || priorState == eventstore.StateWaiting):
		_ = t.Events.Transition(ev.ID, eventstore.StateConfirmWait, "bfd session up, awaiting confirmation")
	case newState == "up" && priorState == eventstore.StateOpen:
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "bfd session flapped before leaving open")
	}
}
