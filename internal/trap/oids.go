package trap

// Well-known trap OIDs dispatched per spec §4.4's table. Column OIDs
// inside a trap's varbind list are matched the same way
// internal/scheduler's indexTable matches polled columns.
const (
	oidSnmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"

	oidLinkDown = "1.3.6.1.6.3.1.1.5.3"
	oidLinkUp   = "1.3.6.1.6.3.1.1.5.4"

	oidBgpEstablished        = "1.3.6.1.2.1.15.7.1"
	oidBgpBackwardTransition = "1.3.6.1.2.1.15.7.2"

	// Juniper jnxBgpM2 notifications (spec §4.4 "Juniper jnxBgpM2*").
	oidJnxBgpM2Established        = "1.3.6.1.4.1.2636.5.1.1.2.6.0.1"
	oidJnxBgpM2BackwardTransition = "1.3.6.1.4.1.2636.5.1.1.2.6.0.2"

	// IETF BFD-STD-MIB notifications (RFC 9314).
	oidBfdSessUp   = "1.3.6.1.2.1.10.246.0.1"
	oidBfdSessDown = "1.3.6.1.2.1.10.246.0.2"

	oidCiscoConfigManEvent = "1.3.6.1.4.1.9.9.43.2.0.1"
	oidCiscoReload         = "1.3.6.1.4.1.9.9.41.2.0.1"
	oidOspfIfConfigError   = "1.3.6.1.2.1.14.16.2.1"

	// varbind columns carried alongside linkUp/linkDown.
	oidIfIndex = "1.3.6.1.2.1.2.2.1.1"

	// varbind columns carried alongside bgpEstablished/bgpBackwardTransition.
	oidBgpPeerRemoteAddr = "1.3.6.1.2.1.15.3.1.7"
	oidBgpPeerState      = "1.3.6.1.2.1.15.3.1.2"

	// varbind columns carried alongside bfdSessUp/bfdSessDown.
	oidBfdSessIndex = "1.3.6.1.2.1.10.246.1.2.1.1"
	oidBfdSessState = "1.3.6.1.2.1.10.246.1.2.1.3"
)
