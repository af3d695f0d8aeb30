package cmdproto

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Response codes (spec §4.6).
const (
	codeOK         = 200
	codeMultiline  = 300
	codeError      = 500
	codeAuthNeeded = 600
)

// newChallenge returns a fresh 40-hex-character random string (spec §4.6
// "a fresh 40-hex-character random string").
func newChallenge() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("cmdproto: read random challenge: %v", err))
	}
	return hex.EncodeToString(b)
}

// writer wraps a net.Conn with the protocol's line and multi-line framing.
type writer struct {
	conn net.Conn
}

func (w *writer) status(code int, text string) error {
	_, err := fmt.Fprintf(w.conn, "%d %s\r\n", code, text)
	return err
}

// multiline writes a 3xx header, the dot-stuffed data lines, and the
// terminating "." line (spec §4.6 "terminated by a line containing only
// .").
func (w *writer) multiline(header string, lines []string) error {
	if err := w.status(codeMultiline, header); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintf(w.conn, "%s\r\n", stuff(line)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w.conn, ".\r\n")
	return err
}

// stuff prefixes a line beginning with "." with an extra "." so it cannot
// be mistaken for the terminator (spec §8 "enforce dot-stuffing on
// send").
func stuff(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}

// unstuff reverses stuff for an incoming data line.
func unstuff(line string) string {
	if strings.HasPrefix(line, "..") {
		return line[1:]
	}
	return line
}

// reader reads CRLF-terminated request lines, decoding UTF-8 and falling
// back to Latin-1 on decode error (spec §4.6).
type reader struct {
	br *bufio.Reader
}

func newReader(conn net.Conn) *reader {
	return &reader{br: bufio.NewReader(conn)}
}

// readLine reads one line, stripping the trailing CR/LF.
func (r *reader) readLine() (string, error) {
	raw, err := r.br.ReadString('\n')
	if err != nil && raw == "" {
		return "", err
	}
	raw = strings.TrimRight(raw, "\r\n")

	if utf8.ValidString(raw) {
		return raw, nil
	}
	return decodeLatin1(raw), nil
}

func decodeLatin1(raw string) string {
	decoded, err := charmap.ISO8859_1.NewDecoder().String(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// splitCommand splits a request line into its uppercased verb and
// remaining arguments, preserving argument case (spec §4.6 "Commands are
// case-insensitive; arguments preserve case").
func splitCommand(line string) (verb string, args []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}
