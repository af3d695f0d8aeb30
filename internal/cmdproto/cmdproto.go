// Package cmdproto implements the legacy line-oriented command protocol
// (spec §4.6 "Command protocol"): challenge-response auth, single- and
// multi-line response framing with dot-stuffing, and the full operator
// command set (event queries/mutations, planned maintenance, on-demand
// polling, notify-session tie-in).
//
// Grounded on the teacher's server boundary idiom (internal/server/server.go
// mapManagerError): sentinel domain errors are translated to protocol
// response codes at the edge, never leaking internal error types into the
// wire format.
package cmdproto

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/notifyproto"
	"github.com/Uninett/zino/internal/pm"
	"github.com/Uninett/zino/internal/secrets"
)

// Config controls the command listener (spec §6 "cmdserver").
type Config struct {
	ListenAddr string
}

// Deps bundles every collaborator command handlers touch.
type Deps struct {
	Events  *eventstore.Store
	PM      *pm.Store
	Flap    *flap.Tracker
	Devices *device.Registry
	Secrets *secrets.File
	Notify  *notifyproto.Registry
	Logger  *slog.Logger

	// Confirm triggers an immediate out-of-band poll for POLLRTR/POLLINTF
	// (spec §4.6); wired to scheduler.Scheduler.TriggerNow.
	Confirm func(ctx context.Context, device string) bool

	// OnSessionChange, if set, is called with +1 when a connection is
	// accepted and -1 when it ends, for the session gauge.
	OnSessionChange func(delta int)
}

// Server accepts command connections (spec §4.6).
type Server struct {
	cfg  Config
	deps *Deps
}

// New creates a Server.
func New(cfg Config, deps *Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Run accepts connections until ctx is cancelled, serving each on its own
// goroutine.
func (srv *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("cmd listen %s: %w", srv.cfg.ListenAddr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if srv.deps.Logger != nil {
		srv.deps.Logger.Info("command server listening", slog.String("addr", srv.cfg.ListenAddr))
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("cmd accept: %w", err)
		}
		go func() {
			if srv.deps.OnSessionChange != nil {
				srv.deps.OnSessionChange(1)
				defer srv.deps.OnSessionChange(-1)
			}
			newSession(conn, srv.deps).serve(ctx)
		}()
	}
}
