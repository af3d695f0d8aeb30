package eventstore

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store errors.
var (
	ErrNotFound          = errors.New("event not found")
	ErrIllegalTransition = errors.New("illegal event state transition")
	ErrStaleCommit       = errors.New("commit is stale: event was mutated concurrently")
)

// ChangeKind is the category of a notify-protocol update (spec §4.7).
type ChangeKind string

// Recognized change kinds.
const (
	ChangeState     ChangeKind = "state"
	ChangeAttr      ChangeKind = "attr"
	ChangeLog       ChangeKind = "log"
	ChangeHistory   ChangeKind = "history"
	ChangeScavenged ChangeKind = "scavenged"
)

// Change is one observable event mutation, delivered synchronously to every
// registered observer before the triggering call returns (spec §5:
// "Observers are invoked synchronously on the committing task's stack, in
// registration order, before commit returns").
type Change struct {
	EventID int64
	Kind    ChangeKind
	Value   string
}

// Observer receives every Change. Implementations must not block — the
// notify-protocol layer is expected to queue asynchronously itself (see
// internal/notifyproto).
type Observer func(Change)

// keyLocks serializes mutations per natural key, matching the spec's "the
// store serializes mutations on a per-key basis" (§4.1) without forcing a
// single global lock for unrelated devices.
type keyLocks struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[Key]*sync.Mutex)}
}

func (k *keyLocks) lock(key Key) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Store is the indexed event collection (spec §4.1 "Event store").
type Store struct {
	mu sync.RWMutex

	events      map[int64]*Event
	byKey       map[Key]int64
	closedByKey map[Key]int64

	nextID int64

	keyLocks *keyLocks

	obsMu     sync.Mutex
	observers []Observer

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store. lastEventID seeds the monotonic id
// counter (spec §8 invariant 2: "last_event_id is non-decreasing across
// restarts") — pass the value restored from the persistence snapshot, or 0
// on a clean start.
func NewStore(lastEventID int64, opts ...Option) *Store {
	s := &Store{
		events:      make(map[int64]*Event),
		byKey:       make(map[Key]int64),
		closedByKey: make(map[Key]int64),
		nextID:      lastEventID,
		keyLocks:    newKeyLocks(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterObserver adds an observer invoked on every Change, in registration
// order.
func (s *Store) RegisterObserver(obs Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, obs)
}

func (s *Store) notify(c Change) {
	s.obsMu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.obsMu.Unlock()
	for _, o := range obs {
		o(c)
	}
}

// LastEventID returns the highest id allocated so far.
func (s *Store) LastEventID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// GetOrCreate returns the single open event for key if one exists;
// otherwise it allocates a new embryonic event (not yet indexed) and
// returns it along with created=true. Concurrent calls for the same key
// yield the same id (spec §8 invariant, "Concurrent get_or_create for the
// same key must yield the same id").
//
// The caller must eventually call Commit with the returned event (or a
// mutated copy of it) to make a newly-created embryonic event visible to
// other callers.
func (s *Store) GetOrCreate(key Key) (*Event, bool) {
	unlock := s.keyLocks.lock(key)
	defer unlock()

	s.mu.RLock()
	if id, ok := s.byKey[key]; ok {
		ev := s.events[id].Clone()
		s.mu.RUnlock()
		return ev, false
	}
	s.mu.RUnlock()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	closedID, hadClosed := s.closedByKey[key]
	s.mu.Unlock()

	now := s.now()
	ev := &Event{
		ID:      id,
		Key:     key,
		State:   StateEmbryonic,
		Opened:  now,
		Updated: now,
	}
	// A recently-closed event for the same key gets a back-reference on
	// the fresh event rather than being resurrected (spec §4.1).
	if hadClosed {
		ev.appendLog(now, fmt.Sprintf("reopened; see closed event %d", closedID))
	}
	switch key.Type {
	case TypePortstate:
		ev.Portstate = &PortstateFields{FlapState: "stable"}
	case TypeBGP:
		ev.BGP = &BGPFields{}
	case TypeBFD:
		ev.BFD = &BFDFields{}
	case TypeAlarm:
		ev.Alarm = &AlarmFields{}
	}

	s.notify(Change{EventID: id, Kind: ChangeState, Value: string(StateEmbryonic)})

	return ev, true
}

// Commit finalizes attribute changes on ev. If ev is a freshly-created
// embryonic event (not yet indexed), Commit indexes it and transitions it
// to open — or to ignored, when the creator pre-set that state because an
// active planned maintenance suppresses it (spec §4.5: "the event is
// created in ignored state instead of open") — firing a "state"
// notification, a history entry, and one "attr" notification per non-empty
// initial field. If ev already exists,
// Commit diffs its attributes against the stored copy and, if non-empty,
// applies the update and fires one "attr" notification per changed
// attribute name. Commit never changes State for an already-committed
// event — use Transition for lifecycle changes.
func (s *Store) Commit(ev *Event) error {
	unlock := s.keyLocks.lock(ev.Key)
	defer unlock()

	s.mu.Lock()
	stored, exists := s.events[ev.ID]
	s.mu.Unlock()

	now := s.now()

	if !exists {
		next := ev.Clone()
		if next.State != StateIgnored {
			next.State = StateOpen
		}
		next.Updated = now
		next.appendHistory(now, transitionHistoryText(StateEmbryonic, next.State))

		s.mu.Lock()
		s.events[next.ID] = next
		s.byKey[next.Key] = next.ID
		s.mu.Unlock()

		s.notify(Change{EventID: next.ID, Kind: ChangeState, Value: string(next.State)})
		base := &Event{Key: next.Key, Portstate: &PortstateFields{}, BGP: &BGPFields{}, BFD: &BFDFields{}, Alarm: &AlarmFields{}}
		for _, attr := range diffAttrs(base, next) {
			s.notify(Change{EventID: next.ID, Kind: ChangeAttr, Value: attr})
		}
		return nil
	}

	changed := diffAttrs(stored, ev)
	if len(changed) == 0 {
		return nil
	}

	next := ev.Clone()
	next.State = stored.State // Commit never mutates lifecycle state.
	next.Updated = now

	s.mu.Lock()
	s.events[next.ID] = next
	s.mu.Unlock()

	for _, attr := range changed {
		s.notify(Change{EventID: next.ID, Kind: ChangeAttr, Value: attr})
	}
	return nil
}

// Checkout returns a mutable deep copy of the event by id, for protocol
// handlers and tasks that need to read-modify-commit.
func (s *Store) Checkout(id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("checkout %d: %w", id, ErrNotFound)
	}
	return ev.Clone(), nil
}

// Get returns a read-only copy of the event by id.
func (s *Store) Get(id int64) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

// GetByKey returns the open event for a natural key, if any.
func (s *Store) GetByKey(key Key) (*Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	return s.events[id].Clone(), true
}

// AppendLog appends a log line (not a history entry) to an event, e.g. for
// flap-tracker or trap commentary that doesn't constitute a state change.
func (s *Store) AppendLog(id int64, text string) error {
	unlock := s.lockByID(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("append log %d: %w", id, ErrNotFound)
	}
	ev.appendLog(s.now(), text)
	s.notify(Change{EventID: id, Kind: ChangeLog, Value: "log"})
	return nil
}

// AppendHistory appends a free-form history entry (e.g. ADDHIST) without
// changing State.
func (s *Store) AppendHistory(id int64, text string) error {
	unlock := s.lockByID(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("append history %d: %w", id, ErrNotFound)
	}
	ev.appendHistory(s.now(), text)
	s.notify(Change{EventID: id, Kind: ChangeHistory, Value: "history"})
	return nil
}

// lockByID resolves the key for an already-known id and locks it.
func (s *Store) lockByID(id int64) func() {
	s.mu.RLock()
	ev, ok := s.events[id]
	s.mu.RUnlock()
	if !ok {
		return func() {}
	}
	return s.keyLocks.lock(ev.Key)
}

// Transition moves an event to a new lifecycle state, validating the
// transition against the FSM table, appending exactly one history entry,
// and firing a "state" notification (spec §3, §8 invariant 4).
func (s *Store) Transition(id int64, to State, reason string) error {
	s.mu.RLock()
	ev, ok := s.events[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transition %d: %w", id, ErrNotFound)
	}

	unlock := s.keyLocks.lock(ev.Key)
	defer unlock()

	s.mu.Lock()
	ev, ok = s.events[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("transition %d: %w", id, ErrNotFound)
	}

	if !CanTransition(ev.State, to) {
		s.mu.Unlock()
		return fmt.Errorf("transition %d from %s to %s: %w", id, ev.State, to, ErrIllegalTransition)
	}

	now := s.now()
	next := ev.Clone()
	from := next.State
	next.State = to
	next.Updated = now
	text := transitionHistoryText(from, to)
	if reason != "" {
		text = fmt.Sprintf("%s (%s)", text, reason)
	}
	next.appendHistory(now, text)

	if to == StateClosed {
		closedAt := now
		next.Closed = &closedAt
		delete(s.byKey, ev.Key)
		s.closedByKey[ev.Key] = id
	}

	s.events[id] = next
	s.mu.Unlock()

	s.notify(Change{EventID: id, Kind: ChangeState, Value: string(to)})
	return nil
}

// Close is a convenience wrapper for Transition(id, StateClosed, reason).
func (s *Store) Close(id int64, reason string) error {
	return s.Transition(id, StateClosed, reason)
}

// IterOpen returns copies of every non-closed event, ifindex/id-ascending
// is the caller's responsibility where order matters (spec §4.2 "Tie-
// breaks").
func (s *Store) IterOpen() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.byKey))
	for _, id := range s.byKey {
		out = append(out, s.events[id].Clone())
	}
	return out
}

// Snapshot returns copies of every event currently held in memory — open
// and recently-closed alike — for inclusion in the persistence snapshot
// (spec §4.8). Archived (evicted) events are not included; they live on
// disk under the archive directory.
func (s *Store) Snapshot() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	return out
}

// RestoreEvent inserts an event loaded verbatim from a persistence snapshot
// or archive file, bypassing the normal embryonic->open commit path. Used
// only during startup load, before the store is exposed to tasks or
// protocol handlers. Callers should follow a batch of RestoreEvent calls
// with DeduplicateOnLoad.
func (s *Store) RestoreEvent(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.ID] = ev.Clone()
	if ev.State == StateClosed {
		s.closedByKey[ev.Key] = ev.ID
	} else {
		s.byKey[ev.Key] = ev.ID
	}
	if ev.ID > s.nextID {
		s.nextID = ev.ID
	}
}
