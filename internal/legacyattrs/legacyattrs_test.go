package legacyattrs_test

import (
	"testing"
	"time"

	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/legacyattrs"
)

func TestForPortstateHasHyphenatedACDown(t *testing.T) {
	t.Parallel()

	ev := &eventstore.Event{
		ID:      1,
		Key:     eventstore.Key{Router: "arkham-sw1", Subindex: "150", Type: eventstore.TypePortstate},
		State:   eventstore.StateOpen,
		Opened:  time.Unix(1000, 0),
		Updated: time.Unix(1000, 0),
		Portstate: &eventstore.PortstateFields{
			Port:      "ge-1/0/10",
			PortState: "down",
			ACDown:    90 * time.Second,
		},
	}

	kvs := legacyattrs.For(ev)

	want := map[string]string{
		"id":      "1",
		"router":  "arkham-sw1",
		"ifindex": "150",
		"ac-down": "90",
		"port":    "ge-1/0/10",
	}
	got := map[string]string{}
	for _, kv := range kvs {
		got[kv.Key] = kv.Value
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attr %q = %q, want %q", k, got[k], v)
		}
	}
}

func TestForOmitsClosedWhenNotClosed(t *testing.T) {
	t.Parallel()

	ev := &eventstore.Event{
		Key:   eventstore.Key{Router: "r1", Type: eventstore.TypeReachability},
		State: eventstore.StateOpen,
	}
	for _, kv := range legacyattrs.For(ev) {
		if kv.Key == "closed" {
			t.Fatal("closed attribute present on a non-closed event")
		}
	}
}
