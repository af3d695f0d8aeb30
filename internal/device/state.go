package device

import "sync"

// InterfaceState mirrors one row of the interface table (spec §3).
type InterfaceState struct {
	IfDescr        string
	IfAlias        string
	OperState      string
	AdminState     string
	LastChangeTick uint32
}

// BGPPeerState mirrors one row of the BGP peer table (spec §3).
type BGPPeerState struct {
	AdminState string
	OperState  string
	RemoteAS   uint32
	RemoteAddr string
	Uptime     uint32
}

// BFDSessionState mirrors one row of the BFD session table (spec §3).
type BFDSessionState struct {
	State    string
	Addr     string
	AddrType string
	Discr    uint32
}

// Alarms holds Juniper red/yellow alarm counts.
type Alarms struct {
	Red    int
	Yellow int
}

// State is the per-device observation cache (spec §3 "DeviceState").
// It is mutated only by task runs and trap handlers, which already run
// one-at-a-time per device by construction of the scheduler (spec §5); the
// mutex exists only to make snapshot reads (persistence, protocol queries)
// safe from a different goroutine.
type State struct {
	mu sync.RWMutex

	ReachableInLastRun bool
	Interfaces         map[int]InterfaceState
	BGPPeers           map[string]BGPPeerState
	BFDSessions        map[uint32]BFDSessionState
	Alarms             Alarms
	IsJuniper          bool
	IsCisco            bool
}

// NewState creates an empty DeviceState.
func NewState() *State {
	return &State{
		Interfaces:  make(map[int]InterfaceState),
		BGPPeers:    make(map[string]BGPPeerState),
		BFDSessions: make(map[uint32]BFDSessionState),
	}
}

// SetReachable records the outcome of a reachability probe.
func (s *State) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReachableInLastRun = ok
}

// Reachable reports the last-observed reachability.
func (s *State) Reachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ReachableInLastRun
}

// SetInterface records or updates an interface row.
func (s *State) SetInterface(ifindex int, v InterfaceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Interfaces[ifindex] = v
}

// Interface returns the cached interface row, if any.
func (s *State) Interface(ifindex int) (InterfaceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Interfaces[ifindex]
	return v, ok
}

// SetBGPPeer records or updates a BGP peer row.
func (s *State) SetBGPPeer(peerID string, v BGPPeerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BGPPeers[peerID] = v
}

// BGPPeer returns the cached BGP peer row, if any.
func (s *State) BGPPeer(peerID string) (BGPPeerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.BGPPeers[peerID]
	return v, ok
}

// SetBFDSession records or updates a BFD session row.
func (s *State) SetBFDSession(discr uint32, v BFDSessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BFDSessions[discr] = v
}

// BFDSession returns the cached BFD session row, if any.
func (s *State) BFDSession(discr uint32) (BFDSessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.BFDSessions[discr]
	return v, ok
}

// SetAlarms records the current red/yellow alarm counts.
func (s *State) SetAlarms(a Alarms) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Alarms = a
}

// GetAlarms returns the cached alarm counts.
func (s *State) GetAlarms() Alarms {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Alarms
}

// StateSnapshot is a plain-data copy of State, safe to marshal (spec §4.8
// "the entire in-memory core ... is serialized to JSON").
type StateSnapshot struct {
	ReachableInLastRun bool
	Interfaces         map[int]InterfaceState
	BGPPeers           map[string]BGPPeerState
	BFDSessions        map[uint32]BFDSessionState
	Alarms             Alarms
	IsJuniper          bool
	IsCisco            bool
}

// Snapshot returns a deep copy of s's data for persistence.
func (s *State) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ifaces := make(map[int]InterfaceState, len(s.Interfaces))
	for k, v := range s.Interfaces {
		ifaces[k] = v
	}
	peers := make(map[string]BGPPeerState, len(s.BGPPeers))
	for k, v := range s.BGPPeers {
		peers[k] = v
	}
	sessions := make(map[uint32]BFDSessionState, len(s.BFDSessions))
	for k, v := range s.BFDSessions {
		sessions[k] = v
	}

	return StateSnapshot{
		ReachableInLastRun: s.ReachableInLastRun,
		Interfaces:         ifaces,
		BGPPeers:           peers,
		BFDSessions:        sessions,
		Alarms:             s.Alarms,
		IsJuniper:          s.IsJuniper,
		IsCisco:            s.IsCisco,
	}
}

// restoreState builds a State from a previously captured snapshot.
func restoreState(snap StateSnapshot) *State {
	s := NewState()
	s.ReachableInLastRun = snap.ReachableInLastRun
	if snap.Interfaces != nil {
		s.Interfaces = snap.Interfaces
	}
	if snap.BGPPeers != nil {
		s.BGPPeers = snap.BGPPeers
	}
	if snap.BFDSessions != nil {
		s.BFDSessions = snap.BFDSessions
	}
	s.Alarms = snap.Alarms
	s.IsJuniper = snap.IsJuniper
	s.IsCisco = snap.IsCisco
	return s
}

// Cache is the registry of per-device State, created by GetOrCreate on
// first use (when a device's task pipeline is built, or a trap arrives for
// it) and destroyed when the device is removed (spec §3).
type Cache struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewCache creates an empty device-state cache.
func NewCache() *Cache {
	return &Cache{states: make(map[string]*State)}
}

// GetOrCreate returns the State for a device, creating it if absent.
func (c *Cache) GetOrCreate(name string) *State {
	c.mu.RLock()
	s, ok := c.states[name]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[name]; ok {
		return s
	}
	s = NewState()
	c.states[name] = s
	return s
}

// Get returns the State for a device, if it exists.
func (c *Cache) Get(name string) (*State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[name]
	return s, ok
}

// Delete removes a device's cached state (called when the device is
// removed from the registry).
func (c *Cache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, name)
}

// Snapshot returns a deep copy of every device's cached state, keyed by
// device name, for inclusion in the persistence snapshot (spec §4.8).
func (c *Cache) Snapshot() map[string]StateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StateSnapshot, len(c.states))
	for name, s := range c.states {
		out[name] = s.Snapshot()
	}
	return out
}

// Restore sets the state of every device named in a persistence snapshot,
// replacing any existing entry for that name; devices not in the snapshot
// keep their current state. Called only during startup load, before the cache
// is exposed to tasks or protocol handlers.
func (c *Cache) Restore(snaps map[string]StateSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, snap := range snaps {
		c.states[name] = restoreState(snap)
	}
}
