package eventstore

// diffAttrs returns the names of every attribute that differs between prev
// and next, excluding State/History/Log/Updated (state changes go through
// Transition, not Commit; History/Log are their own change kinds). Used to
// decide whether a Commit produces a notification at all (spec §4.1: "only
// if the diff is non-empty is an observer notification emitted") and, per
// attribute, to emit one "attr" notify line per changed name (spec §8
// invariant 5).
func diffAttrs(prev, next *Event) []string {
	var changed []string

	if prev == nil {
		return changed
	}

	if prev.Priority != next.Priority {
		changed = append(changed, "priority")
	}
	if prev.PollAddr != next.PollAddr {
		changed = append(changed, "polladdr")
	}
	if prev.LastEvent != next.LastEvent {
		changed = append(changed, "lastevent")
	}

	switch next.Key.Type {
	case TypePortstate:
		changed = append(changed, diffPortstate(prev.Portstate, next.Portstate)...)
	case TypeBGP:
		changed = append(changed, diffBGP(prev.BGP, next.BGP)...)
	case TypeBFD:
		changed = append(changed, diffBFD(prev.BFD, next.BFD)...)
	case TypeAlarm:
		changed = append(changed, diffAlarm(prev.Alarm, next.Alarm)...)
	}

	return changed
}

func diffPortstate(prev, next *PortstateFields) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.Port != next.Port {
		changed = append(changed, "port")
	}
	if prev.Descr != next.Descr {
		changed = append(changed, "descr")
	}
	if prev.PortState != next.PortState {
		changed = append(changed, "portstate")
	}
	if prev.Flaps != next.Flaps {
		changed = append(changed, "flaps")
	}
	if prev.FlapState != next.FlapState {
		changed = append(changed, "flapstate")
	}
	if prev.ACDown != next.ACDown {
		changed = append(changed, "ac-down")
	}
	return changed
}

func diffBGP(prev, next *BGPFields) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.RemoteAS != next.RemoteAS {
		changed = append(changed, "remote-as")
	}
	if prev.RemoteAddr != next.RemoteAddr {
		changed = append(changed, "remote-addr")
	}
	if prev.PeerUptime != next.PeerUptime {
		changed = append(changed, "peer-uptime")
	}
	if prev.BGPOS != next.BGPOS {
		changed = append(changed, "bgpos")
	}
	if prev.BGPAS != next.BGPAS {
		changed = append(changed, "bgpas")
	}
	return changed
}

func diffBFD(prev, next *BFDFields) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.Addr != next.Addr {
		changed = append(changed, "bfdaddr")
	}
	if prev.Discr != next.Discr {
		changed = append(changed, "bfddiscr")
	}
	if prev.BFDState != next.BFDState {
		changed = append(changed, "bfdstate")
	}
	if prev.NeighRDNS != next.NeighRDNS {
		changed = append(changed, "neigh-rdns")
	}
	return changed
}

func diffAlarm(prev, next *AlarmFields) []string {
	if prev == nil || next == nil {
		return nil
	}
	var changed []string
	if prev.AlarmType != next.AlarmType {
		changed = append(changed, "alarm-type")
	}
	if prev.AlarmCount != next.AlarmCount {
		changed = append(changed, "alarm-count")
	}
	return changed
}
