package pollfile_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Uninett/zino/internal/pollfile"
)

const sample = `
name: default
community: public
snmpversion: v2c
interval: 5

name: arkham-sw1
address: 10.0.0.1
watchpat: ge-.*
priority: 50

name: auroralane-gw1
address: 10.0.0.2
do_bgp: yes
`

func TestParseBasic(t *testing.T) {
	t.Parallel()

	reg, err := pollfile.Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	d, ok := reg.Get("arkham-sw1")
	if !ok {
		t.Fatal("Get(arkham-sw1) not found")
	}
	if d.Address != "10.0.0.1" {
		t.Errorf("Address = %q, want 10.0.0.1", d.Address)
	}
	if d.Community != "public" {
		t.Errorf("Community = %q, want public (inherited from default)", d.Community)
	}
	if d.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m (inherited)", d.Interval)
	}
	if d.Priority != 50 {
		t.Errorf("Priority = %d, want 50", d.Priority)
	}
	if d.WatchPat == nil || !d.WatchPat.MatchString("ge-1/0/10") {
		t.Error("WatchPat did not compile or match expected string")
	}

	bgp, ok := reg.Get("auroralane-gw1")
	if !ok {
		t.Fatal("Get(auroralane-gw1) not found")
	}
	if !bgp.DoBGP {
		t.Error("DoBGP = false, want true")
	}
}

func TestParseMissingName(t *testing.T) {
	t.Parallel()

	_, err := pollfile.Parse(strings.NewReader("name: default\n\naddress: 10.0.0.1\n"))
	if err == nil {
		t.Fatal("Parse() error = nil, want ErrMissingName")
	}
}

func TestParseDuplicateName(t *testing.T) {
	t.Parallel()

	input := "name: default\n\nname: dup1\naddress: 1.1.1.1\n\nname: dup1\naddress: 2.2.2.2\n"
	_, err := pollfile.Parse(strings.NewReader(input))
	if err == nil {
		t.Fatal("Parse() error = nil, want ErrDuplicateName")
	}
}

func TestParseUnknownKey(t *testing.T) {
	t.Parallel()

	input := "name: default\n\nname: dev1\nbogus: 1\n"
	_, err := pollfile.Parse(strings.NewReader(input))
	if err == nil {
		t.Fatal("Parse() error = nil, want ErrUnknownKey")
	}
	var perr *pollfile.ParseError
	if !strings.Contains(err.Error(), "line") {
		t.Errorf("error %v should cite a line number", err)
	}
	_ = perr
}

func TestParseEmptyFile(t *testing.T) {
	t.Parallel()

	reg, err := pollfile.Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}
