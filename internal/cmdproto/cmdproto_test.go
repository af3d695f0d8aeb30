package cmdproto

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/pollfile"
	"github.com/Uninett/zino/internal/secrets"
)

// testClient drives one end of an in-memory net.Pipe against a freshly
// created session, reading/writing the line protocol directly (no real TCP
// listener needed).
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestSession(t *testing.T, deps *Deps) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	s := newSession(serverConn, deps)
	go s.serve(context.Background())

	tc := &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
	t.Cleanup(func() { clientConn.Close() })
	return tc
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// readMultiline reads lines until the terminating ".".
func (c *testClient) readMultiline() []string {
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

func testDeps(t *testing.T) *Deps {
	t.Helper()
	secretsFile, err := secrets.Parse(strings.NewReader("user1 password123\n"))
	if err != nil {
		t.Fatalf("secrets.Parse: %v", err)
	}
	reg := pollfile.NewRegistry([]*pollfile.Device{
		{Name: "arkham-sw1", Address: "192.0.2.1", Community: "public"},
	})
	return &Deps{
		Events:  eventstore.NewStore(0),
		PM:      pm.NewStore(),
		Flap:    flap.NewTracker(flap.DefaultConfig()),
		Devices: device.NewRegistry(reg),
		Secrets: secretsFile,
	}
}

func authenticate(c *testClient, challenge, user, password string) {
	sum := sha1.Sum([]byte(challenge + " " + password))
	c.send("USER " + user + " " + hex.EncodeToString(sum[:]))
}

func helloChallenge(c *testClient) string {
	line := c.readLine()
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "200" {
		c.t.Fatalf("unexpected greeting: %q", line)
	}
	return fields[1]
}

func TestAuthSucceedsWithCorrectResponse(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	challenge := helloChallenge(c)

	authenticate(c, challenge, "user1", "password123")
	got := c.readLine()
	if !strings.HasPrefix(got, "200 ") {
		t.Fatalf("USER response = %q, want 200 ok", got)
	}
}

func TestAuthFailsWithWrongResponse(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	_ = helloChallenge(c)

	c.send("USER user1 0000000000000000000000000000000000000000")
	got := c.readLine()
	if !strings.HasPrefix(got, "500 ") {
		t.Fatalf("USER response = %q, want 500", got)
	}
}

func TestAuthFailsForUnknownUser(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	challenge := helloChallenge(c)

	authenticate(c, challenge, "nosuchuser", "whatever")
	got := c.readLine()
	if !strings.HasPrefix(got, "500 ") {
		t.Fatalf("USER response = %q, want 500 for unknown user", got)
	}
}

func TestUnauthenticatedCommandRejected(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	_ = helloChallenge(c)

	c.send("CASEIDS")
	got := c.readLine()
	if !strings.Contains(got, "not authenticated") {
		t.Fatalf("CASEIDS before auth = %q, want 'not authenticated'", got)
	}
}

func TestCaseIDsAndSetState(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	ev, _ := deps.Events.GetOrCreate(eventstore.Key{Router: "arkham-sw1", Subindex: "150", Type: eventstore.TypePortstate})
	if err := deps.Events.Commit(ev); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	c := newTestSession(t, deps)
	challenge := helloChallenge(c)
	authenticate(c, challenge, "user1", "password123")
	_ = c.readLine() // USER ok

	c.send("CASEIDS")
	header := c.readLine()
	if !strings.HasPrefix(header, "300 ") {
		t.Fatalf("CASEIDS header = %q, want 300", header)
	}
	ids := c.readMultiline()
	if len(ids) != 1 || ids[0] != "1" {
		t.Fatalf("CASEIDS ids = %v, want [1]", ids)
	}

	c.send("SETSTATE 1 working")
	got := c.readLine()
	if !strings.HasPrefix(got, "200 ") {
		t.Fatalf("SETSTATE = %q, want 200", got)
	}

	c.send("SETSTATE 1 closed")
	got = c.readLine()
	if !strings.HasPrefix(got, "200 ") {
		t.Fatalf("SETSTATE closed = %q, want 200", got)
	}

	c.send("CASEIDS")
	_ = c.readLine()
	ids = c.readMultiline()
	if len(ids) != 0 {
		t.Fatalf("CASEIDS after close = %v, want empty", ids)
	}
}

func TestSetStateRejectsIllegalTransitionFromClosed(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	ev, _ := deps.Events.GetOrCreate(eventstore.Key{Router: "arkham-sw1", Subindex: "150", Type: eventstore.TypePortstate})
	_ = deps.Events.Commit(ev)
	_ = deps.Events.Close(1, "test")

	c := newTestSession(t, deps)
	challenge := helloChallenge(c)
	authenticate(c, challenge, "user1", "password123")
	_ = c.readLine()

	c.send("SETSTATE 1 open")
	got := c.readLine()
	if !strings.HasPrefix(got, "500 ") {
		t.Fatalf("SETSTATE from closed = %q, want 500", got)
	}
}

func TestGetAttrsUnknownID(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	challenge := helloChallenge(c)
	authenticate(c, challenge, "user1", "password123")
	_ = c.readLine()

	c.send("GETATTRS 999")
	got := c.readLine()
	if !strings.HasPrefix(got, "500 ") {
		t.Fatalf("GETATTRS unknown id = %q, want 500", got)
	}
}

func TestPMAddListCancel(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	challenge := helloChallenge(c)
	authenticate(c, challenge, "user1", "password123")
	_ = c.readLine()

	start := time.Now().Add(-time.Hour).Unix()
	end := time.Now().Add(time.Hour).Unix()
	c.send("PM ADD " + itoa(start) + " " + itoa(end) + " device exact arkham-sw1")
	got := c.readLine()
	if !strings.HasPrefix(got, "200 1") {
		t.Fatalf("PM ADD = %q, want 200 1", got)
	}

	c.send("PM LIST")
	header := c.readLine()
	if !strings.HasPrefix(header, "300 ") {
		t.Fatalf("PM LIST header = %q, want 300", header)
	}
	lines := c.readMultiline()
	if len(lines) != 1 {
		t.Fatalf("PM LIST = %v, want 1 entry", lines)
	}

	c.send("PM CANCEL 1")
	got = c.readLine()
	if !strings.HasPrefix(got, "200 ") {
		t.Fatalf("PM CANCEL = %q, want 200", got)
	}

	c.send("PM CANCEL 1")
	got = c.readLine()
	if !strings.HasPrefix(got, "500 ") {
		t.Fatalf("PM CANCEL twice = %q, want 500", got)
	}
}

func TestClearFlapResetsCountersOnly(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	key := eventstore.Key{Router: "arkham-sw1", Subindex: "150", Type: eventstore.TypePortstate}
	ev, _ := deps.Events.GetOrCreate(key)
	_ = deps.Events.Commit(ev)

	fkey := flap.Key{Device: "arkham-sw1", IfIndex: 150}
	for i := 0; i < 4; i++ {
		deps.Flap.RecordTransition(fkey, i%2 == 0)
	}
	state, _ := deps.Flap.State(fkey)
	if state != flap.Flapping {
		t.Fatalf("flap state before clear = %v, want flapping", state)
	}

	c := newTestSession(t, deps)
	challenge := helloChallenge(c)
	authenticate(c, challenge, "user1", "password123")
	_ = c.readLine()

	c.send("CLEARFLAP arkham-sw1 150")
	got := c.readLine()
	if !strings.HasPrefix(got, "200 ") {
		t.Fatalf("CLEARFLAP = %q, want 200", got)
	}

	state, count := deps.Flap.State(fkey)
	if state != flap.Stable || count != 0 {
		t.Fatalf("flap state after clear = (%v, %d), want (stable, 0)", state, count)
	}

	stored, found := deps.Events.Get(1)
	if !found || stored.State == eventstore.StateClosed {
		t.Fatalf("CLEARFLAP must not close the event")
	}
}

func TestQuitClosesSession(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	_ = helloChallenge(c)

	c.send("QUIT")
	got := c.readLine()
	if !strings.HasPrefix(got, "205 ") {
		t.Fatalf("QUIT = %q, want 205 Bye", got)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestChallengeIsOneShot(t *testing.T) {
	t.Parallel()

	deps := testDeps(t)
	c := newTestSession(t, deps)
	challenge := helloChallenge(c)

	c.send("USER user1 0000000000000000000000000000000000000000")
	if got := c.readLine(); !strings.HasPrefix(got, "500") {
		t.Fatalf("first USER response = %q, want 500", got)
	}

	// A second attempt on the same connection is rejected even with the
	// correct response; the client must reconnect for a fresh challenge.
	authenticate(c, challenge, "user1", "password123")
	if got := c.readLine(); !strings.HasPrefix(got, "500") {
		t.Fatalf("second USER response = %q, want 500 (challenge spent)", got)
	}
}
