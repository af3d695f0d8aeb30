package scheduler

// Well-known OID roots used by the polling tasks (spec §4.2). Column OIDs
// are walked; scalar OIDs are GET-ed.
const (
	oidSysUpTime   = "1.3.6.1.2.1.1.3.0"
	oidSysObjectID = "1.3.6.1.2.1.1.2.0"

	oidIfDescr       = "1.3.6.1.2.1.2.2.1.2"
	oidIfAdminStatus = "1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus  = "1.3.6.1.2.1.2.2.1.8"
	oidIfAlias       = "1.3.6.1.2.1.31.1.1.1.18"

	oidBgpPeerState      = "1.3.6.1.2.1.15.3.1.2"
	oidBgpPeerAdminState = "1.3.6.1.2.1.15.3.1.3"
	oidBgpPeerRemoteAS   = "1.3.6.1.2.1.15.3.1.9"
	oidBgpPeerUpTime     = "1.3.6.1.2.1.15.3.1.16"

	// jnxBgpM2PeerState, used when a device's sysObjectID identifies it as
	// Juniper (spec §4.2 "BGPStateMonitorTask ... Juniper jnxBgpM2 variant").
	oidJnxBgpM2PeerState = "1.3.6.1.4.1.2636.5.1.1.2.1.1.1.2"

	oidBfdSessState = "1.3.6.1.2.1.10.246.1.2.1.3"
	oidBfdSessAddr  = "1.3.6.1.2.1.10.246.1.2.1.4"

	// Juniper enterprise alarm table roots (spec §4.2 "JuniperAlarmTask").
	oidJnxRedAlarmCount    = "1.3.6.1.4.1.2636.3.4.2.3.0"
	oidJnxYellowAlarmCount = "1.3.6.1.4.1.2636.3.4.2.4.0"

	juniperSysObjectIDPrefix = ".1.3.6.1.4.1.2636."
	ciscoSysObjectIDPrefix   = ".1.3.6.1.4.1.9."

	operStatusUp   = "1"
	operStatusDown = "2"
)

func operStateName(code string) string {
	switch code {
	case operStatusUp:
		return "up"
	case operStatusDown:
		return "down"
	default:
		return "unknown"
	}
}

func bgpStateName(code string) string {
	// RFC 4273 bgpPeerState: 1 idle, 2 connect, 3 active, 4 opensent,
	// 5 openconfirm, 6 established.
	switch code {
	case "6":
		return "established"
	case "1":
		return "idle"
	default:
		return "connecting"
	}
}

func bgpAdminStateName(code string) string {
	// RFC 4273 bgpPeerAdminStatus: 1 stop, 2 start.
	switch code {
	case "2":
		return "running"
	case "1":
		return "halted"
	default:
		return "unknown"
	}
}

func bfdStateName(code string) string {
	// RFC 9314 bfdSessState: 1 adminDown, 2 down, 3 init, 4 up.
	switch code {
	case "4":
		return "up"
	case "1":
		return "adminDown"
	case "3":
		return "init"
	default:
		return "down"
	}
}
