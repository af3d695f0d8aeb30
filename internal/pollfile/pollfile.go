// Package pollfile parses the legacy polldevs.cf device registry format
// (spec §6 "Pollfile") into a Registry of Device definitions.
//
// The format is not koanf-shaped: blocks separated by blank lines, each a
// sequence of "key: value" lines. The first block, keyed by "default",
// supplies defaults inherited by subsequent device blocks.
package pollfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse errors.
var (
	ErrMissingName    = errors.New("device block missing required \"name\" key")
	ErrDuplicateName  = errors.New("duplicate device name")
	ErrUnknownKey     = errors.New("unknown pollfile key")
	ErrBadValue       = errors.New("malformed pollfile value")
	ErrNoDefaultBlock = errors.New("pollfile must begin with a \"default\" block")
)

// ParseError reports a pollfile syntax error with the offending line number.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pollfile line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Device is a single device entry from the pollfile (spec §3 "Device").
type Device struct {
	Name           string
	Address        string
	Community      string
	SNMPVersion    string // "v1" or "v2c"
	Port           int
	Timeout        time.Duration
	Retries        int
	Interval       time.Duration
	Priority       int
	Domain         string
	Statistics     bool
	DoBGP          bool
	IgnorePat      *regexp.Regexp
	WatchPat       *regexp.Regexp
	MaxRepetitions int
}

// rawFields mirrors Device but holds un-compiled regex strings, used while
// building a block before defaults are applied.
type rawFields struct {
	Name           string
	Address        string
	Community      string
	SNMPVersion    string
	Port           int
	Timeout        time.Duration
	Retries        int
	Interval       time.Duration
	Priority       int
	Domain         string
	Statistics     bool
	DoBGP          bool
	IgnorePat      string
	WatchPat       string
	MaxRepetitions int
	set            map[string]bool
}

func newRawFields() *rawFields {
	return &rawFields{set: make(map[string]bool)}
}

// defaultRaw seeds a rawFields with the engine-level defaults applied before
// the pollfile's own "default" block is merged in.
func defaultRaw() *rawFields {
	r := newRawFields()
	r.SNMPVersion = "v2c"
	r.Port = 161
	r.Timeout = 5 * time.Second
	r.Retries = 3
	r.Interval = 5 * time.Minute
	r.Priority = 100
	r.Statistics = true
	r.DoBGP = false
	r.MaxRepetitions = 10
	return r
}

// Registry is an immutable, atomically-swappable snapshot of the device
// set (spec §5 "The pollfile watcher ... swaps the device registry
// atomically").
type Registry struct {
	devices map[string]*Device
	order   []string
	byAddr  map[string]string
}

// NewRegistry builds a Registry from a slice of devices.
func NewRegistry(devices []*Device) *Registry {
	r := &Registry{
		devices: make(map[string]*Device, len(devices)),
		byAddr:  make(map[string]string, len(devices)),
	}
	for _, d := range devices {
		r.devices[d.Name] = d
		r.order = append(r.order, d.Name)
		if d.Address != "" {
			r.byAddr[d.Address] = d.Name
		}
	}
	return r
}

// Get returns the device by name.
func (r *Registry) Get(name string) (*Device, bool) {
	d, ok := r.devices[name]
	return d, ok
}

// ByAddress returns the device whose configured address matches addr,
// used to match an inbound trap's source IP to a device (spec §4.4 "Each
// inbound PDU is matched to a device by source IP (reverse lookup via the
// device registry)").
func (r *Registry) ByAddress(addr string) (*Device, bool) {
	name, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	return r.Get(name)
}

// Names returns device names in pollfile order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of devices in the registry.
func (r *Registry) Len() int { return len(r.devices) }

// Parse reads a pollfile from r and returns a Registry. Parse errors cite
// the offending line number and do not mutate any existing registry — the
// caller decides whether to swap it in.
func Parse(r io.Reader) (*Registry, error) {
	scanner := bufio.NewScanner(r)

	var blocks [][]rawLine
	var cur []rawLine
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(cur) > 0 {
				blocks = append(blocks, cur)
				cur = nil
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		cur = append(cur, rawLine{no: lineNo, text: trimmed})
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pollfile: %w", err)
	}

	if len(blocks) == 0 {
		return NewRegistry(nil), nil
	}

	defaults := defaultRaw()
	startIdx := 0
	if blockIsDefault(blocks[0]) {
		if err := applyBlock(defaults, blocks[0]); err != nil {
			return nil, err
		}
		startIdx = 1
	} else {
		return nil, &ParseError{Line: blocks[0][0].no, Err: ErrNoDefaultBlock}
	}

	seen := make(map[string]bool)
	var devices []*Device
	for _, block := range blocks[startIdx:] {
		fields := cloneRaw(defaults)
		if err := applyBlock(fields, block); err != nil {
			return nil, err
		}
		if fields.Name == "" {
			return nil, &ParseError{Line: block[0].no, Err: ErrMissingName}
		}
		if seen[fields.Name] {
			return nil, &ParseError{Line: block[0].no, Err: fmt.Errorf("%w: %s", ErrDuplicateName, fields.Name)}
		}
		seen[fields.Name] = true

		d, err := compile(fields, block[0].no)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return NewRegistry(devices), nil
}

// ParseFile opens and parses the pollfile at path.
func ParseFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pollfile %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

type rawLine struct {
	no   int
	text string
}

func blockIsDefault(block []rawLine) bool {
	for _, l := range block {
		k, v, err := splitKV(l)
		if err == nil && k == "name" && v == "default" {
			return true
		}
	}
	return false
}

func splitKV(l rawLine) (key, val string, err error) {
	idx := strings.Index(l.text, ":")
	if idx < 0 {
		return "", "", &ParseError{Line: l.no, Err: ErrBadValue}
	}
	key = strings.TrimSpace(l.text[:idx])
	val = strings.TrimSpace(l.text[idx+1:])
	return strings.ToLower(key), val, nil
}

func cloneRaw(src *rawFields) *rawFields {
	c := *src
	c.set = make(map[string]bool, len(src.set))
	for k := range src.set {
		c.set[k] = true
	}
	return &c
}

func applyBlock(f *rawFields, block []rawLine) error {
	for _, l := range block {
		key, val, err := splitKV(l)
		if err != nil {
			return err
		}
		if key == "name" && val == "default" {
			continue
		}
		if err := applyKey(f, key, val, l.no); err != nil {
			return err
		}
	}
	return nil
}

func applyKey(f *rawFields, key, val string, line int) error {
	f.set[key] = true
	switch key {
	case "name":
		f.Name = val
	case "address":
		f.Address = val
	case "community":
		f.Community = val
	case "snmpversion":
		if val != "v1" && val != "v2c" {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: snmpversion must be v1 or v2c, got %q", ErrBadValue, val)}
		}
		f.SNMPVersion = val
	case "port":
		n, err := strconv.Atoi(val)
		if err != nil {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: port: %v", ErrBadValue, err)}
		}
		f.Port = n
	case "timeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: timeout: %v", ErrBadValue, err)}
		}
		f.Timeout = time.Duration(n) * time.Second
	case "retries":
		n, err := strconv.Atoi(val)
		if err != nil {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: retries: %v", ErrBadValue, err)}
		}
		f.Retries = n
	case "interval":
		n, err := strconv.Atoi(val)
		if err != nil {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: interval: %v", ErrBadValue, err)}
		}
		f.Interval = time.Duration(n) * time.Minute
	case "priority":
		n, err := strconv.Atoi(val)
		if err != nil {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: priority: %v", ErrBadValue, err)}
		}
		f.Priority = n
	case "domain":
		f.Domain = val
	case "statistics":
		b, err := parseYesNo(val)
		if err != nil {
			return &ParseError{Line: line, Err: err}
		}
		f.Statistics = b
	case "do_bgp":
		b, err := parseYesNo(val)
		if err != nil {
			return &ParseError{Line: line, Err: err}
		}
		f.DoBGP = b
	case "ignorepat":
		f.IgnorePat = val
	case "watchpat":
		f.WatchPat = val
	case "max-repetitions":
		n, err := strconv.Atoi(val)
		if err != nil {
			return &ParseError{Line: line, Err: fmt.Errorf("%w: max-repetitions: %v", ErrBadValue, err)}
		}
		f.MaxRepetitions = n
	default:
		return &ParseError{Line: line, Err: fmt.Errorf("%w: %q", ErrUnknownKey, key)}
	}
	return nil
}

func parseYesNo(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected yes/no, got %q", ErrBadValue, val)
	}
}

func compile(f *rawFields, line int) (*Device, error) {
	d := &Device{
		Name:           f.Name,
		Address:        f.Address,
		Community:      f.Community,
		SNMPVersion:    f.SNMPVersion,
		Port:           f.Port,
		Timeout:        f.Timeout,
		Retries:        f.Retries,
		Interval:       f.Interval,
		Priority:       f.Priority,
		Domain:         f.Domain,
		Statistics:     f.Statistics,
		DoBGP:          f.DoBGP,
		MaxRepetitions: f.MaxRepetitions,
	}
	if f.IgnorePat != "" {
		re, err := regexp.Compile(f.IgnorePat)
		if err != nil {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("%w: ignorepat: %v", ErrBadValue, err)}
		}
		d.IgnorePat = re
	}
	if f.WatchPat != "" {
		re, err := regexp.Compile(f.WatchPat)
		if err != nil {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("%w: watchpat: %v", ErrBadValue, err)}
		}
		d.WatchPat = re
	}
	return d, nil
}
