// Package legacyattrs translates an eventstore.Event into the ordered,
// hyphenated legacy attribute names the command protocol's GETATTRS
// response uses (spec §9 Design Notes: "Legacy field names with hyphens
// are applied at the protocol boundary, not in the in-memory model").
package legacyattrs

import (
	"strconv"
	"time"

	"github.com/Uninett/zino/internal/eventstore"
)

// KV is one ordered key/value pair in legacy GETATTRS output.
type KV struct {
	Key   string
	Value string
}

// For returns ev's attributes as an ordered list of legacy KV pairs.
// Integer timedeltas are rendered as whole seconds (spec §4.6 "GETATTRS").
func For(ev *eventstore.Event) []KV {
	out := []KV{
		{"id", strconv.FormatInt(ev.ID, 10)},
		{"router", ev.Key.Router},
		{"type", string(ev.Key.Type)},
		{"state", string(ev.State)},
		{"opened", formatTime(ev.Opened)},
		{"updated", formatTime(ev.Updated)},
	}
	if ev.Closed != nil {
		out = append(out, KV{"closed", formatTime(*ev.Closed)})
	}
	out = append(out,
		KV{"priority", strconv.Itoa(ev.Priority)},
		KV{"polladdr", ev.PollAddr},
		KV{"lastevent", ev.LastEvent},
	)

	switch ev.Key.Type {
	case eventstore.TypePortstate:
		out = append(out, portstateAttrs(ev)...)
	case eventstore.TypeBGP:
		out = append(out, bgpAttrs(ev)...)
	case eventstore.TypeBFD:
		out = append(out, bfdAttrs(ev)...)
	case eventstore.TypeAlarm:
		out = append(out, alarmAttrs(ev)...)
	}

	return out
}

func portstateAttrs(ev *eventstore.Event) []KV {
	f := ev.Portstate
	if f == nil {
		return nil
	}
	return []KV{
		{"ifindex", ev.Key.Subindex},
		{"port", f.Port},
		{"descr", f.Descr},
		{"portstate", f.PortState},
		{"flaps", strconv.Itoa(f.Flaps)},
		{"flapstate", f.FlapState},
		{"ac-down", strconv.FormatInt(int64(f.ACDown.Seconds()), 10)},
	}
}

func bgpAttrs(ev *eventstore.Event) []KV {
	f := ev.BGP
	if f == nil {
		return nil
	}
	return []KV{
		{"remote-as", strconv.FormatUint(uint64(f.RemoteAS), 10)},
		{"remote-addr", f.RemoteAddr},
		{"peer-uptime", strconv.FormatInt(int64(f.PeerUptime.Seconds()), 10)},
		{"bgpos", f.BGPOS},
		{"bgpas", f.BGPAS},
	}
}

func bfdAttrs(ev *eventstore.Event) []KV {
	f := ev.BFD
	if f == nil {
		return nil
	}
	return []KV{
		{"bfdaddr", f.Addr},
		{"bfddiscr", strconv.FormatUint(uint64(f.Discr), 10)},
		{"bfdstate", f.BFDState},
		{"neigh-rdns", f.NeighRDNS},
	}
}

func alarmAttrs(ev *eventstore.Event) []KV {
	f := ev.Alarm
	if f == nil {
		return nil
	}
	return []KV{
		{"alarm-type", f.AlarmType},
		{"alarm-count", strconv.Itoa(f.AlarmCount)},
	}
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
