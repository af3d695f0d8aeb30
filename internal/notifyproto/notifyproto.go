// Package notifyproto implements the notify channel (spec §4.7 "Notify
// protocol"): a TCP listener that hands out a one-shot nonce per
// connection, waits for the paired command session to tie itself in via
// NTIE, and then streams one line per event change until the connection
// drops. Queued changes are bounded per session; a slow reader has its
// oldest backlog dropped rather than stalling the event store's
// observer fan-out (spec §5 "a slow client cannot block the scheduler").
//
// Grounded on the teacher's RunDispatch (internal/bfd/manager.go): a
// bounded mailbox with non-blocking send, drop-and-warn on overflow,
// adapted here into a per-client bounded mailbox plus an explicit
// "scavenged" marker line rather than a silent log warning, since the
// spec makes the drop visible to the remote client.
package notifyproto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/Uninett/zino/internal/eventstore"
)

// Config controls the notify listener (spec §6 "notifyserver").
type Config struct {
	ListenAddr string
	QueueDepth int

	// OnSessionChange, if set, is called with +1 when a connection is
	// accepted and -1 when it ends, for the session gauge.
	OnSessionChange func(delta int)
}

// Session is one tied notify connection's bounded outbound mailbox.
type Session struct {
	nonce string

	mu      sync.Mutex
	queue   []eventstore.Change
	dropped int
	depth   int
	closed  bool
	onDrop  func()

	notifyCh chan struct{}
}

func newSession(nonce string, depth int) *Session {
	if depth <= 0 {
		depth = 1
	}
	return &Session{nonce: nonce, depth: depth, notifyCh: make(chan struct{}, 1)}
}

// push enqueues a change, dropping the oldest queued entry and counting it
// toward the next scavenged marker if the session's mailbox is full.
func (s *Session) push(c eventstore.Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var dropHook func()
	if len(s.queue) >= s.depth {
		s.queue = s.queue[1:]
		s.dropped++
		dropHook = s.onDrop
	}
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	if dropHook != nil {
		dropHook()
	}

	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// drain returns every queued change since the last drain and the number of
// entries dropped for overflow in that window, resetting both.
func (s *Session) drain() ([]eventstore.Change, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	dropped := s.dropped
	s.dropped = 0
	return q, dropped
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Session) setDropHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrop = fn
}

// Registry tracks notify sessions from nonce issuance through NTIE binding
// and fans out eventstore changes to every bound session (spec §4.7).
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Session
	bound   map[string]*Session
	depth   int
	onDrop  func()
}

// SetDropHook installs a callback invoked once per change dropped from a
// full session queue, for the queue-drop counter.
func (r *Registry) SetDropHook(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDrop = fn
	for _, s := range r.pending {
		s.setDropHook(fn)
	}
	for _, s := range r.bound {
		s.setDropHook(fn)
	}
}

// NewRegistry creates a Registry and subscribes it to events as an
// observer (spec §5: "Observers are invoked synchronously ... in
// registration order").
func NewRegistry(events *eventstore.Store, depth int) *Registry {
	r := &Registry{
		pending: make(map[string]*Session),
		bound:   make(map[string]*Session),
		depth:   depth,
	}
	events.RegisterObserver(r.dispatch)
	return r
}

func (r *Registry) dispatch(c eventstore.Change) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.bound))
	for _, s := range r.bound {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.push(c)
	}
}

// NewSession issues a fresh nonce and registers a pending (untied) session
// for it.
func (r *Registry) NewSession() (*Session, string) {
	nonce := randomNonce()
	s := newSession(nonce, r.depth)

	r.mu.Lock()
	s.onDrop = r.onDrop
	r.pending[nonce] = s
	r.mu.Unlock()

	return s, nonce
}

// Bind ties a pending session to the command protocol's NTIE, moving it
// from pending into the set of sessions that receive broadcast changes.
// Returns false if nonce is unknown (already bound or never issued) — the
// command protocol reports that as a 500.
func (r *Registry) Bind(nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.pending[nonce]
	if !ok {
		return false
	}
	delete(r.pending, nonce)
	r.bound[nonce] = s
	return true
}

// Forget removes a session from both maps, called when its TCP connection
// closes (spec §4.7: "On session drop, queued messages are discarded; no
// replay").
func (r *Registry) Forget(nonce string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, nonce)
	if s, ok := r.bound[nonce]; ok {
		s.close()
		delete(r.bound, nonce)
	}
}

func randomNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("notifyproto: read random nonce: %v", err))
	}
	return hex.EncodeToString(b)
}

// Server accepts notify connections and streams change lines to each tied
// session (spec §4.7).
type Server struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
}

// New creates a Server backed by registry.
func New(cfg Config, registry *Registry, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, registry: registry, logger: logger}
}

// Run accepts connections until ctx is cancelled.
func (srv *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("notify listen %s: %w", srv.cfg.ListenAddr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if srv.logger != nil {
		srv.logger.Info("notify server listening", slog.String("addr", srv.cfg.ListenAddr))
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("notify accept: %w", err)
		}
		go srv.handleConn(ctx, conn)
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if srv.cfg.OnSessionChange != nil {
		srv.cfg.OnSessionChange(1)
		defer srv.cfg.OnSessionChange(-1)
	}

	sess, nonce := srv.registry.NewSession()
	defer srv.registry.Forget(nonce)

	if _, err := conn.Write([]byte(nonce + "\r\n")); err != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The notify protocol expects no further input from the client; any
	// read (including EOF on close) tells us the peer is gone.
	go func() {
		one := make([]byte, 1)
		_, _ = conn.Read(one)
		cancel()
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-sess.notifyCh:
			changes, dropped := sess.drain()
			if dropped > 0 {
				if _, err := conn.Write([]byte(formatScavenged(dropped))); err != nil {
					return
				}
			}
			for _, c := range changes {
				if _, err := conn.Write([]byte(formatChange(c))); err != nil {
					return
				}
			}
		}
	}
}

func formatChange(c eventstore.Change) string {
	return fmt.Sprintf("%d %s %s\r\n", c.EventID, c.Kind, c.Value)
}

func formatScavenged(dropped int) string {
	return fmt.Sprintf("0 %s %d\r\n", eventstore.ChangeScavenged, dropped)
}
