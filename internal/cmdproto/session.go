package cmdproto

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
)

// session is one command-protocol connection's state (spec §4.6).
type session struct {
	conn          net.Conn
	w             *writer
	r             *reader
	deps          *Deps
	challenge     string
	challengeUsed bool
	authenticated bool
	username      string
	notifyNonce   string
}

func newSession(conn net.Conn, deps *Deps) *session {
	return &session{
		conn:      conn,
		w:         &writer{conn: conn},
		r:         newReader(conn),
		deps:      deps,
		challenge: newChallenge(),
	}
}

// preAuthAllowed reports whether verb may run before USER succeeds (spec
// §4.6: "only USER, HELP, QUIT, VERSION are accepted").
func preAuthAllowed(verb string) bool {
	switch verb {
	case "USER", "HELP", "QUIT", "VERSION":
		return true
	default:
		return false
	}
}

func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()
	defer func() {
		if s.notifyNonce != "" && s.deps.Notify != nil {
			s.deps.Notify.Forget(s.notifyNonce)
		}
	}()

	if err := s.w.status(codeOK, fmt.Sprintf("%s Hello, there", s.challenge)); err != nil {
		return
	}

	for ctx.Err() == nil {
		line, err := s.r.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		verb, args := splitCommand(line)
		if verb == "" {
			continue
		}

		if !s.authenticated && !preAuthAllowed(verb) {
			if err := s.w.status(codeError, "not authenticated"); err != nil {
				return
			}
			continue
		}

		if quit := s.dispatch(ctx, verb, args); quit {
			return
		}
	}
}

// authenticate validates a USER response against the session's one-shot
// challenge (spec §4.6 "Authentication").
func (s *session) authenticate(user, response string) bool {
	password, ok := s.deps.Secrets.Password(user)
	if !ok {
		password = ""
	}
	expected := sha1Hex(s.challenge + " " + password)
	return ok && response == expected
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// readDataLines reads lines until one containing only "." is seen,
// unstuffing each (spec §8 "un-stuffing on receive for ADDHIST input").
func (s *session) readDataLines() ([]string, error) {
	var lines []string
	for {
		line, err := s.r.readLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, unstuff(line))
	}
}
