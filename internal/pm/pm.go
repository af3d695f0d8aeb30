// Package pm implements planned-maintenance rules: time-bounded matchers
// that suppress or annotate matching events (spec §3 "PlannedMaintenance",
// §4.5 "Planned maintenance").
package pm

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// MatchType selects how MatchExpression is compared against a candidate.
type MatchType string

// Recognized match types.
const (
	MatchExact      MatchType = "exact"
	MatchStr        MatchType = "str"
	MatchRegexp     MatchType = "regexp"
	MatchIntfRegexp MatchType = "intf-regexp"
)

// TargetType selects what kind of event a PM rule applies to.
type TargetType string

// Recognized target types.
const (
	TargetPortstate TargetType = "portstate"
	TargetDevice    TargetType = "device"
)

// Errors.
var (
	ErrNotFound          = errors.New("planned maintenance not found")
	ErrInvalidMatchType  = errors.New("invalid match type")
	ErrInvalidTargetType = errors.New("invalid target type")
	ErrBadRegexp         = errors.New("invalid regular expression")
	ErrExactNeedsDevice  = errors.New("exact match type is only valid for device-target PMs")
)

// Entry is one log line attached to a PM.
type Entry struct {
	Timestamp time.Time
	Text      string
}

// PM is one planned-maintenance rule (spec §3).
type PM struct {
	ID          int64
	Start       time.Time
	End         time.Time
	MatchType   MatchType
	MatchExpr   string
	MatchDevice string
	TargetType  TargetType
	Log         []Entry

	compiled *regexp.Regexp
}

// Active reports whether the PM is in effect at t (spec §3: "Active iff
// start ≤ now < end").
func (p *PM) Active(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Candidate is what a PM rule is matched against for one event.
type Candidate struct {
	Device    string
	PortAlias string // ifalias, for portstate PMs
	IfDescr   string // ifdescr, for intf-regexp portstate PMs
}

// Matches reports whether the PM matches candidate, per spec §4.5's
// match-type semantics.
func (p *PM) Matches(target TargetType, c Candidate) bool {
	if p.TargetType != target {
		return false
	}
	switch p.MatchType {
	case MatchExact:
		return target == TargetDevice && c.Device == p.MatchExpr
	case MatchStr:
		if strings.Contains(c.Device, p.MatchExpr) {
			return true
		}
		return target == TargetPortstate && strings.Contains(c.PortAlias, p.MatchExpr)
	case MatchRegexp:
		if p.compiled == nil {
			return false
		}
		if p.compiled.MatchString(c.Device) {
			return true
		}
		return target == TargetPortstate && p.compiled.MatchString(c.PortAlias)
	case MatchIntfRegexp:
		if target != TargetPortstate || p.compiled == nil || c.Device != p.MatchDevice {
			return false
		}
		return p.compiled.MatchString(c.IfDescr)
	default:
		return false
	}
}

// Store is the id-indexed PM registry.
type Store struct {
	mu     sync.RWMutex
	pms    map[int64]*PM
	nextID int64
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty PM store.
func NewStore(opts ...Option) *Store {
	s := &Store{pms: make(map[int64]*PM), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates and inserts a new PM, assigning it the next id (spec §4.6
// "PM ADD").
func (s *Store) Add(start, end time.Time, target TargetType, matchType MatchType, device, expr string) (*PM, error) {
	if target != TargetPortstate && target != TargetDevice {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTargetType, target)
	}
	if matchType != MatchExact && matchType != MatchStr && matchType != MatchRegexp && matchType != MatchIntfRegexp {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMatchType, matchType)
	}
	if matchType == MatchExact && target != TargetDevice {
		return nil, ErrExactNeedsDevice
	}

	p := &PM{
		Start:       start,
		End:         end,
		MatchType:   matchType,
		MatchExpr:   expr,
		MatchDevice: device,
		TargetType:  target,
	}

	if matchType == MatchRegexp || matchType == MatchIntfRegexp {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRegexp, err)
		}
		p.compiled = re
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	s.pms[p.ID] = p
	return p, nil
}

// Restore inserts a PM loaded verbatim from a persistence snapshot,
// recompiling its regexp if its match type requires one and bumping the
// id counter so freshly-added PMs never collide with a restored id. Used
// only during startup load.
func (s *Store) Restore(p *PM) error {
	if p.MatchType == MatchRegexp || p.MatchType == MatchIntfRegexp {
		re, err := regexp.Compile(p.MatchExpr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadRegexp, err)
		}
		p.compiled = re
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pms[p.ID] = p
	if p.ID > s.nextID {
		s.nextID = p.ID
	}
	return nil
}

// Cancel removes a PM by id (spec §4.6 "PM CANCEL").
func (s *Store) Cancel(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pms[id]; !ok {
		return fmt.Errorf("cancel %d: %w", id, ErrNotFound)
	}
	delete(s.pms, id)
	return nil
}

// Get returns a PM by id.
func (s *Store) Get(id int64) (*PM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pms[id]
	return p, ok
}

// List returns independent copies of all PMs in id-ascending order (spec
// §4.5: "active PMs are evaluated in id-ascending order").
func (s *Store) List() []*PM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PM, 0, len(s.pms))
	for _, p := range s.pms {
		c := *p
		c.Log = append([]Entry(nil), p.Log...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddLog appends a log line to a PM (spec §4.6 "PM ADDLOG").
func (s *Store) AddLog(id int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pms[id]
	if !ok {
		return fmt.Errorf("addlog %d: %w", id, ErrNotFound)
	}
	p.Log = append(p.Log, Entry{Timestamp: s.now(), Text: text})
	return nil
}

// MatchFirst evaluates every active PM in id-ascending order against
// target/candidate and returns the first match, if any (spec §4.5 "On each
// event commit, active PMs are evaluated in id-ascending order").
func (s *Store) MatchFirst(target TargetType, c Candidate) (*PM, bool) {
	now := s.now()
	for _, p := range s.List() {
		if !p.Active(now) {
			continue
		}
		if p.Matches(target, c) {
			return p, true
		}
	}
	return nil, false
}

// ExpirySweep removes PMs whose End + grace has passed (spec §4.5
// "Expiry: PMs self-remove end_time + 1h after end").
func (s *Store) ExpirySweep(grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, p := range s.pms {
		if now.After(p.End.Add(grace)) {
			delete(s.pms, id)
			removed++
		}
	}
	return removed
}
