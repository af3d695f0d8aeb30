package eventstore_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Uninett/zino/internal/eventstore"
)

func portstateKey(router string, ifindex int) eventstore.Key {
	return eventstore.Key{Router: router, Subindex: "150", Type: eventstore.TypePortstate}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("arkham-sw1", 150)

	ev1, created1 := s.GetOrCreate(key)
	if !created1 {
		t.Fatal("first GetOrCreate: created = false, want true")
	}
	if err := s.Commit(ev1); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	ev2, created2 := s.GetOrCreate(key)
	if created2 {
		t.Fatal("second GetOrCreate: created = true, want false")
	}
	if ev2.ID != ev1.ID {
		t.Errorf("GetOrCreate id = %d, want %d (dedup by key)", ev2.ID, ev1.ID)
	}
}

func TestGetOrCreateConcurrentSameID(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("arkham-sw1", 150)

	const n = 20
	ids := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ev, _ := s.GetOrCreate(key)
			_ = s.Commit(ev)
			got, _ := s.GetByKey(key)
			ids[i] = got.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("ids[%d] = %d, want %d (all concurrent callers must observe the same id)", i, ids[i], ids[0])
		}
	}
}

func TestCommitTransitionsEmbryonicToOpen(t *testing.T) {
	t.Parallel()

	var changes []eventstore.Change
	s := eventstore.NewStore(0)
	s.RegisterObserver(func(c eventstore.Change) { changes = append(changes, c) })

	key := portstateKey("arkham-sw1", 150)
	ev, _ := s.GetOrCreate(key)
	ev.Portstate.PortState = "down"
	ev.Portstate.Port = "ge-1/0/10"

	if err := s.Commit(ev); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, ok := s.GetByKey(key)
	if !ok {
		t.Fatal("GetByKey() not found after commit")
	}
	if got.State != eventstore.StateOpen {
		t.Errorf("State = %q, want %q", got.State, eventstore.StateOpen)
	}
	if len(got.History) != 1 || got.History[0].Text != "state change embryonic -> open" {
		t.Errorf("History = %v, want one embryonic->open entry", got.History)
	}

	if len(changes) < 2 || changes[0].Kind != eventstore.ChangeState || changes[0].Value != "embryonic" {
		t.Fatalf("changes = %+v, want embryonic first", changes)
	}
}

func TestTransitionValidation(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("arkham-sw1", 150)
	ev, _ := s.GetOrCreate(key)
	_ = s.Commit(ev)
	got, _ := s.GetByKey(key)

	if err := s.Transition(got.ID, eventstore.StateWorking, ""); err != nil {
		t.Fatalf("Transition(open->working) error = %v", err)
	}
	if err := s.Close(got.ID, "fixed"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := s.Transition(got.ID, eventstore.StateOpen, ""); err == nil {
		t.Fatal("Transition(closed->open) error = nil, want ErrIllegalTransition")
	}
}

func TestCloseFinality(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("arkham-sw1", 150)
	ev, _ := s.GetOrCreate(key)
	_ = s.Commit(ev)
	got, _ := s.GetByKey(key)

	if err := s.Close(got.ID, "done"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	open := s.IterOpen()
	for _, e := range open {
		if e.ID == got.ID {
			t.Fatal("closed event still present in IterOpen()")
		}
	}

	for _, to := range []eventstore.State{eventstore.StateOpen, eventstore.StateWorking, eventstore.StateWaiting, eventstore.StateIgnored, eventstore.StateConfirmWait} {
		if err := s.Transition(got.ID, to, ""); err == nil {
			t.Errorf("Transition(closed -> %s) succeeded, want error", to)
		}
	}
}

func TestArchiveSweepEvictsOldClosed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := eventstore.NewStore(0, eventstore.WithClock(clock))

	key := portstateKey("arkham-sw1", 150)
	ev, _ := s.GetOrCreate(key)
	_ = s.Commit(ev)
	got, _ := s.GetByKey(key)
	_ = s.Close(got.ID, "done")

	now = now.Add(9 * time.Hour)

	dir := t.TempDir()
	n, err := s.ArchiveSweep(dir)
	if err != nil {
		t.Fatalf("ArchiveSweep() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ArchiveSweep() archived %d, want 1", n)
	}

	if _, ok := s.Get(got.ID); ok {
		t.Error("Get() found archived event, want evicted")
	}
}

func TestDeduplicateOnLoad(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("arkham-sw1", 150)
	now := time.Now()

	older := &eventstore.Event{ID: 1, Key: key, State: eventstore.StateOpen, Opened: now.Add(-time.Hour), Updated: now.Add(-time.Hour), Portstate: &eventstore.PortstateFields{}}
	newer := &eventstore.Event{ID: 2, Key: key, State: eventstore.StateWorking, Opened: now, Updated: now, Portstate: &eventstore.PortstateFields{}}

	s.RestoreEvent(older)
	s.RestoreEvent(newer)

	s.DeduplicateOnLoad()

	open := s.IterOpen()
	if len(open) != 1 {
		t.Fatalf("IterOpen() len = %d, want 1", len(open))
	}
	if open[0].ID != older.ID {
		t.Errorf("surviving event id = %d, want %d (oldest-opened)", open[0].ID, older.ID)
	}

	closedEv, ok := s.Get(newer.ID)
	if !ok {
		t.Fatal("Get(newer) not found")
	}
	if closedEv.State != eventstore.StateClosed {
		t.Errorf("newer event state = %q, want closed", closedEv.State)
	}
}

func TestCommitHonorsIgnoredInitialState(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("blaafjell-gw2", 150)

	ev, created := s.GetOrCreate(key)
	if !created {
		t.Fatal("GetOrCreate() created = false, want true")
	}
	ev.State = eventstore.StateIgnored
	if err := s.Commit(ev); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, found := s.GetByKey(key)
	if !found {
		t.Fatal("expected committed event to be indexed")
	}
	if got.State != eventstore.StateIgnored {
		t.Errorf("State = %q, want ignored", got.State)
	}
	if len(got.History) != 1 {
		t.Fatalf("History length = %d, want 1", len(got.History))
	}

	// An ignored event still participates in the normal lifecycle.
	if err := s.Transition(got.ID, eventstore.StateClosed, ""); err != nil {
		t.Errorf("Transition(ignored -> closed): %v", err)
	}
}

func TestGetOrCreateBackReferencesRecentlyClosed(t *testing.T) {
	t.Parallel()

	s := eventstore.NewStore(0)
	key := portstateKey("arkham-sw1", 150)

	first, _ := s.GetOrCreate(key)
	if err := s.Commit(first); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(first.ID, "operator"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, created := s.GetOrCreate(key)
	if !created {
		t.Fatal("GetOrCreate() after close created = false, want a fresh event")
	}
	if second.ID == first.ID {
		t.Fatal("fresh event reused the closed event's id")
	}
	if len(second.Log) == 0 || !strings.Contains(second.Log[0].Text, "see closed event") {
		t.Errorf("fresh event log = %v, want a back-reference to the closed event", second.Log)
	}

	// The closed event itself is untouched.
	old, _ := s.Get(first.ID)
	if old.State != eventstore.StateClosed {
		t.Errorf("closed event State = %q, want closed", old.State)
	}
}
