package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/pollfile"
)

// BGPStateMonitor walks the BGP peer table (RFC 4273, or the Juniper
// jnxBgpM2 table when the device's sysObjectID identifies it as Juniper)
// and opens and updates bgp events on established/backward-transition
// changes (spec §4.2 "BGPStateMonitorTask").
type BGPStateMonitor struct {
	*Deps
}

func (t *BGPStateMonitor) Kind() TaskKind { return TaskBGP }

func (t *BGPStateMonitor) Run(ctx context.Context, dev *pollfile.Device, reachable bool) error {
	if !reachable {
		return nil
	}

	root := oidBgpPeerState
	if t.State.IsJuniper {
		root = oidJnxBgpM2PeerState
	}

	stateVbs, err := t.Client.BulkWalkAll(root)
	if err != nil {
		return fmt.Errorf("bgp walk peer state: %w", err)
	}
	adminVbs, err := t.Client.BulkWalkAll(oidBgpPeerAdminState)
	if err != nil {
		return fmt.Errorf("bgp walk admin state: %w", err)
	}
	asVbs, err := t.Client.BulkWalkAll(oidBgpPeerRemoteAS)
	if err != nil {
		return fmt.Errorf("bgp walk remote-as: %w", err)
	}
	upVbs, err := t.Client.BulkWalkAll(oidBgpPeerUpTime)
	if err != nil {
		return fmt.Errorf("bgp walk uptime: %w", err)
	}

	states := indexTable(stateVbs, root)
	admins := indexTable(adminVbs, oidBgpPeerAdminState)
	ases := indexTable(asVbs, oidBgpPeerRemoteAS)
	uptimes := indexTable(upVbs, oidBgpPeerUpTime)

	for _, peerAddr := range ascendingKeys(states) {
		newState := bgpStateName(states[peerAddr])
		adminState := bgpAdminStateName(admins[peerAddr])

		var remoteAS uint32
		if n, err := strconv.ParseUint(ases[peerAddr], 10, 32); err == nil {
			remoteAS = uint32(n)
		}
		var uptime uint32
		if n, err := strconv.ParseUint(uptimes[peerAddr], 10, 32); err == nil {
			uptime = uint32(n)
		}

		prev, hadPrev := t.State.BGPPeer(peerAddr)
		cur := device.BGPPeerState{
			OperState:  newState,
			AdminState: adminState,
			RemoteAddr: peerAddr,
			RemoteAS:   remoteAS,
			Uptime:     uptime,
		}
		t.State.SetBGPPeer(peerAddr, cur)

		if !hadPrev || (prev.OperState == newState && prev.AdminState == adminState) {
			continue
		}

		t.handleTransition(dev, peerAddr, newState, ases[peerAddr], uptimes[peerAddr])
	}

	return nil
}

func (t *BGPStateMonitor) handleTransition(dev *pollfile.Device, peerAddr, newState, remoteAS, uptime string) {
	key := eventstore.Key{Router: t.DeviceName, Subindex: peerAddr, Type: eventstore.TypeBGP}
	ev, created := t.Events.GetOrCreate(key)
	priorState := ev.State
	ev.PollAddr = dev.Address
	ev.Priority = dev.Priority
	ev.BGP.RemoteAddr = peerAddr
	ev.BGP.BGPOS = newState
	ev.BGP.BGPAS = remoteAS
	if n, err := strconv.ParseUint(remoteAS, 10, 32); err == nil {
		ev.BGP.RemoteAS = uint32(n)
	}
	if centis, err := strconv.Atoi(uptime); err == nil {
		ev.BGP.PeerUptime = time.Duration(centis) * 10 * time.Millisecond
	}
	ev.LastEvent = fmt.Sprintf("bgp peer %s transitioned to %s", peerAddr, newState)

	if err := t.Events.Commit(ev); err != nil {
		if t.Logger != nil {
			t.Logger.Warn("commit bgp event failed", "device", t.DeviceName, "peer", peerAddr, "error", err)
		}
		return
	}

	if created {
		return
	}

	// An event the operator deferred to waiting stays there on a renewed
	// bad transition; confirm-wait is reachable from both working and
	// waiting once the session re-establishes.
	switch {
	case newState != "established" && (priorState == eventstore.StateOpen || priorState == eventstore.StateConfirmWait):
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "bgp session down")
	case newState == "established" && (priorState == eventstore.StateWorking || priorState == eventstore.StateWaiting):
		_ = t.Events.Transition(ev.ID, eventstore.StateConfirmWait, "bgp session re-established, awaiting confirmation")
	case newState == "established" && priorState == eventstore.StateOpen:
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "bgp session flapped before leaving open")
	}
}
