// Package trap implements the UDP SNMP trap receiver: source-IP-to-device
// matching, the community filter, and the trap-OID dispatch table that
// updates cached state and schedules a confirming poll rather than acting
// on trap contents alone (spec §4.4 "Trap receiver").
//
// Grounded on the retrieval pack's trapreceiver (vpbank/snmp_collector,
// referenced via other_examples): gosnmp.TrapListener as the UDP engine,
// OnNewTrap callback, Listening()/Close() readiness handshake.
package trap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
)

// Resolver performs the reverse DNS lookup BFD traps need before logging a
// neighbor name, matching scheduler.Resolver's shape (spec §4.2 "reverse
// DNS ... to avoid racing trap handlers" — here the trap path itself is
// one of the racers being avoided for, so it resolves too).
type Resolver interface {
	ReverseLookup(ctx context.Context, addr string) (string, error)
}

// Registry is the slice of *pollfile.Registry this package needs: looking
// up a device by its configured SNMP source address.
type Registry interface {
	ByAddress(addr string) (*pollfile.Device, bool)
}

// Config controls the trap listener (spec §6 "[snmp] trap.port,
// trap.require_community").
type Config struct {
	ListenAddr       string
	RequireCommunity []string
}

// Deps bundles the collaborators the dispatch table mutates.
type Deps struct {
	Registry Registry
	States   *device.Cache
	Events   *eventstore.Store
	Flap     *flap.Tracker
	PM       *pm.Store
	Resolver Resolver
	Logger   *slog.Logger

	// Confirm schedules a confirming poll for device (spec §4.4
	// "schedule a confirming single-interface poll"); wired to
	// scheduler.Scheduler.TriggerNow.
	Confirm func(ctx context.Context, device string)

	// OnOutcome, if set, is called once per inbound trap with a short
	// outcome tag ("dispatched", "unknown_source", "bad_community",
	// "ignored") for metrics.
	OnOutcome func(outcome string)
}

// Receiver wraps gosnmp's TrapListener with the dispatch table.
type Receiver struct {
	cfg      Config
	deps     *Deps
	listener *gosnmp.TrapListener
	doneCh   chan struct{}
}

// New creates a Receiver. Call Start to begin listening.
func New(cfg Config, deps *Deps) *Receiver {
	return &Receiver{cfg: cfg, deps: deps, doneCh: make(chan struct{})}
}

// Start binds the UDP socket and begins dispatching traps. It blocks until
// the listener is ready to receive or ctx is cancelled.
func (r *Receiver) Start(ctx context.Context) error {
	tl := gosnmp.NewTrapListener()
	tl.Params = gosnmp.Default
	tl.OnNewTrap = r.handle

	errCh := make(chan error, 1)
	go func() {
		defer close(r.doneCh)
		errCh <- tl.Listen(r.cfg.ListenAddr)
	}()

	select {
	case <-tl.Listening():
		r.listener = tl
		if r.deps.Logger != nil {
			r.deps.Logger.Info("trap receiver listening", slog.String("addr", r.cfg.ListenAddr))
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("trap listen %s: %w", r.cfg.ListenAddr, err)
	case <-ctx.Done():
		tl.Close()
		return ctx.Err()
	}
}

// Stop closes the underlying socket and waits for the listen goroutine to
// exit.
func (r *Receiver) Stop() {
	if r.listener != nil {
		r.listener.Close()
	}
	<-r.doneCh
}

func (r *Receiver) handle(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	outcome := r.dispatch(context.Background(), pkt, addr)
	if r.deps.OnOutcome != nil {
		r.deps.OnOutcome(outcome)
	}
}

func (r *Receiver) dispatch(ctx context.Context, pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) string {
	ip := addr.IP.String()

	dev, ok := r.deps.Registry.ByAddress(ip)
	if !ok {
		r.logDebug("trap from unknown source", "addr", ip)
		return "unknown_source"
	}

	if !communityAllowed(pkt.Community, r.cfg.RequireCommunity) {
		r.logDebug("trap rejected: community not allowed", "device", dev.Name, "addr", ip)
		return "bad_community"
	}

	trapOID, ok := findVarbind(pkt.Variables, oidSnmpTrapOID)
	if !ok {
		r.logDebug("trap missing snmpTrapOID varbind", "device", dev.Name)
		return "ignored"
	}

	switch trapOID {
	case oidLinkDown:
		r.handleLinkState(ctx, dev, pkt.Variables, "down")
	case oidLinkUp:
		r.handleLinkState(ctx, dev, pkt.Variables, "up")
	case oidBgpEstablished:
		r.handleBGP(ctx, dev, pkt.Variables, "established")
	case oidBgpBackwardTransition:
		r.handleBGP(ctx, dev, pkt.Variables, "idle")
	case oidJnxBgpM2Established:
		r.handleBGP(ctx, dev, pkt.Variables, "established")
	case oidJnxBgpM2BackwardTransition:
		r.handleBGP(ctx, dev, pkt.Variables, "idle")
	case oidBfdSessUp:
		r.handleBFD(ctx, dev, pkt.Variables, "up")
	case oidBfdSessDown:
		r.handleBFD(ctx, dev, pkt.Variables, "down")
	case oidCiscoConfigManEvent:
		r.handleCustomLog(dev, "cisco configuration change detected")
	case oidCiscoReload:
		r.handleCustomLog(dev, "device reload detected")
	case oidOspfIfConfigError:
		r.handleCustomLog(dev, "OSPF interface configuration error")
	default:
		r.logDebug("unhandled trap OID", "device", dev.Name, "oid", trapOID)
		return "ignored"
	}
	return "dispatched"
}

func communityAllowed(community string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if c == community {
			return true
		}
	}
	return false
}

// handleLinkState updates the interface cache and flap tracker, annotates
// an already-open portstate event if one exists, and always schedules a
// confirming poll — it never itself opens a new event (spec §4.4 "The
// trap handler does not itself create/close events from trap contents
// alone ... the confirming poll does").
func (r *Receiver) handleLinkState(ctx context.Context, dev *pollfile.Device, vbs []gosnmp.SnmpPDU, newState string) {
	idxStr, ok := findVarbind(vbs, oidIfIndex)
	if !ok {
		r.scheduleConfirm(ctx, dev.Name)
		return
	}
	ifindex, err := strconv.Atoi(idxStr)
	if err != nil {
		r.scheduleConfirm(ctx, dev.Name)
		return
	}

	st := r.deps.States.GetOrCreate(dev.Name)
	prev, _ := st.Interface(ifindex)
	prev.OperState = newState
	st.SetInterface(ifindex, prev)

	result := r.deps.Flap.RecordTransition(flap.Key{Device: dev.Name, IfIndex: ifindex}, newState == "down")

	key := eventstore.Key{Router: dev.Name, Subindex: strconv.Itoa(ifindex), Type: eventstore.TypePortstate}
	if ev, found := r.deps.Events.GetByKey(key); found {
		_ = r.deps.Events.AppendLog(ev.ID, fmt.Sprintf("trap: link-%s, flap count %d", newState, result.FlapCount))
	}

	r.scheduleConfirm(ctx, dev.Name)
}

func (r *Receiver) handleBGP(ctx context.Context, dev *pollfile.Device, vbs []gosnmp.SnmpPDU, newState string) {
	peerAddr, _ := findVarbind(vbs, oidBgpPeerRemoteAddr)
	if peerAddr == "" {
		// bgpPeerState varbinds are instanced by the peer's address; fall
		// back to extracting it from the OID suffix.
		for _, vb := range vbs {
			name := strings.TrimPrefix(vb.Name, ".")
			if strings.HasPrefix(name, oidBgpPeerState+".") {
				peerAddr = strings.TrimPrefix(name, oidBgpPeerState+".")
				break
			}
		}
	}

	if peerAddr != "" {
		key := eventstore.Key{Router: dev.Name, Subindex: peerAddr, Type: eventstore.TypeBGP}
		if ev, found := r.deps.Events.GetByKey(key); found {
			_ = r.deps.Events.AppendLog(ev.ID, fmt.Sprintf("trap: bgp peer transitioned toward %s", newState))
		}
	}

	r.scheduleConfirm(ctx, dev.Name)
}

func (r *Receiver) handleBFD(ctx context.Context, dev *pollfile.Device, vbs []gosnmp.SnmpPDU, newState string) {
	discrStr, _ := findVarbind(vbs, oidBfdSessIndex)

	if discrStr != "" {
		key := eventstore.Key{Router: dev.Name, Subindex: discrStr, Type: eventstore.TypeBFD}
		if ev, found := r.deps.Events.GetByKey(key); found {
			note := fmt.Sprintf("trap: bfd session transitioned to %s", newState)
			if r.deps.Resolver != nil && ev.BFD != nil && ev.BFD.Addr != "" {
				if name, err := r.deps.Resolver.ReverseLookup(ctx, ev.BFD.Addr); err == nil && name != "" {
					note = fmt.Sprintf("%s (%s)", note, name)
				}
			}
			_ = r.deps.Events.AppendLog(ev.ID, note)
		}
	}

	r.scheduleConfirm(ctx, dev.Name)
}

// handleCustomLog appends free-form commentary to the device's
// reachability event if one is open, otherwise just logs (spec §4.4
// "Custom log text into device/event as appropriate").
func (r *Receiver) handleCustomLog(dev *pollfile.Device, text string) {
	key := eventstore.Key{Router: dev.Name, Type: eventstore.TypeReachability}
	if ev, found := r.deps.Events.GetByKey(key); found {
		_ = r.deps.Events.AppendLog(ev.ID, text)
		return
	}
	r.logDebug(text, "device", dev.Name)
}

func (r *Receiver) scheduleConfirm(ctx context.Context, deviceName string) {
	if r.deps.Confirm != nil {
		r.deps.Confirm(ctx, deviceName)
	}
}

func (r *Receiver) logDebug(msg string, args ...any) {
	if r.deps.Logger != nil {
		r.deps.Logger.Debug(msg, args...)
	}
}

// findVarbind returns the value of the varbind named oid, accepting both
// the bare column OID and an instanced one (ifIndex.7 and friends — agents
// always send the instanced form).
func findVarbind(vbs []gosnmp.SnmpPDU, oid string) (string, bool) {
	for _, vb := range vbs {
		name := strings.TrimPrefix(vb.Name, ".")
		if name == oid || strings.HasPrefix(name, oid+".") {
			return fmt.Sprint(vb.Value), true
		}
	}
	return "", false
}
