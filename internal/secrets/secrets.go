// Package secrets parses the legacy secrets file used by the command
// protocol's challenge-response authentication (spec §6 "Secrets file").
package secrets

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// File holds the parsed user -> password table. Passwords are stored
// cleartext, matching the legacy format (spec §4.6: "Passwords are stored
// cleartext in the secrets file").
type File struct {
	passwords map[string]string
}

// Password returns the password for user and whether the user is known.
func (f *File) Password(user string) (string, bool) {
	p, ok := f.passwords[user]
	return p, ok
}

// Parse reads a secrets file from r: one "user<SP>password" pair per line,
// "#" comments and blank lines ignored.
func Parse(r io.Reader) (*File, error) {
	f := &File{passwords: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.SplitN(trimmed, " ", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("secrets line %d: expected \"user password\"", lineNo)
		}
		f.passwords[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	return f, nil
}

// ParseFile opens and parses the secrets file at path, logging a warning if
// its permissions allow other users to read it.
func ParseFile(path string, logger *slog.Logger) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secrets file %s: %w", path, err)
	}
	if info.Mode()&fs.ModePerm&0o044 != 0 {
		logger.Warn("secrets file is readable by group or other", slog.String("path", path), slog.String("mode", info.Mode().Perm().String()))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open secrets file %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}
