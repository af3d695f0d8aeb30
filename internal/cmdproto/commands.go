package cmdproto

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/flap"
	"github.com/Uninett/zino/internal/legacyattrs"
	"github.com/Uninett/zino/internal/pm"
	appversion "github.com/Uninett/zino/internal/version"
)

// dispatch runs one authenticated (or pre-auth) command, returning true if
// the session should close (QUIT). Errors are mapped to the legacy 3-digit
// codes at this boundary, never leaking internal error types onto the wire
// (spec §4.6, grounded on the teacher's mapManagerError idiom).
func (s *session) dispatch(ctx context.Context, verb string, args []string) bool {
	switch verb {
	case "USER":
		s.cmdUser(args)
	case "HELP":
		s.cmdHelp(args)
	case "VERSION":
		_ = s.w.status(codeOK, "zino "+versionString())
	case "QUIT":
		_ = s.w.status(205, "Bye")
		return true
	case "CASEIDS":
		s.cmdCaseIDs()
	case "GETATTRS":
		s.cmdGetAttrs(args)
	case "GETHIST":
		s.cmdGetHist(args)
	case "GETLOG":
		s.cmdGetLog(args)
	case "SETSTATE":
		s.cmdSetState(args)
	case "ADDHIST":
		s.cmdAddHist(args)
	case "COMMUNITY":
		s.cmdCommunity(args)
	case "PM":
		s.cmdPM(args)
	case "POLLRTR":
		s.cmdPollRtr(ctx, args)
	case "POLLINTF":
		s.cmdPollIntf(ctx, args)
	case "NTIE":
		s.cmdNtie(args)
	case "CLEARFLAP":
		s.cmdClearFlap(args)
	default:
		_ = s.w.status(codeError, "Syntax error")
	}
	return false
}

func versionString() string {
	return appversion.Version
}

func (s *session) cmdUser(args []string) {
	if len(args) != 2 {
		_ = s.w.status(codeError, "Syntax error: USER <name> <response>")
		return
	}
	// The challenge is one-shot: a second USER on the same connection is
	// rejected whether or not the first attempt succeeded (spec §4.6).
	if s.challengeUsed {
		_ = s.w.status(codeError, "challenge already used, reconnect")
		return
	}
	s.challengeUsed = true
	user, response := args[0], args[1]
	if s.authenticate(user, response) {
		s.authenticated = true
		s.username = user
		_ = s.w.status(codeOK, "ok")
		return
	}
	_ = s.w.status(codeError, "Authentication failed")
}

func (s *session) cmdHelp(args []string) {
	lines := []string{
		"USER name response           -- authenticate",
		"CASEIDS                      -- list open case ids",
		"GETATTRS id                  -- get case attributes",
		"GETHIST id                   -- get case history",
		"GETLOG id                    -- get case log",
		"SETSTATE id state            -- change case state",
		"ADDHIST id                   -- append a history entry (dot-terminated)",
		"COMMUNITY router             -- get a device's SNMP community",
		"PM ...                       -- planned maintenance, see PM HELP",
		"POLLRTR router                -- poll a router now",
		"POLLINTF router ifindex       -- poll one interface now",
		"NTIE nonce                   -- bind this session to a notify session",
		"CLEARFLAP router ifindex     -- clear flap counters for an interface",
		"VERSION                      -- print server version",
		"QUIT                         -- close the connection",
	}
	_ = s.w.multiline("help follows", lines)
}

func (s *session) cmdCaseIDs() {
	open := s.deps.Events.IterOpen()
	ids := make([]int64, 0, len(open))
	for _, ev := range open {
		ids = append(ids, ev.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, strconv.FormatInt(id, 10))
	}
	_ = s.w.multiline("caseids follow", lines)
}

func (s *session) cmdGetAttrs(args []string) {
	id, ok := s.parseEventID(args)
	if !ok {
		return
	}
	ev, found := s.deps.Events.Get(id)
	if !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such case %d", id))
		return
	}
	lines := make([]string, 0)
	for _, kv := range legacyattrs.For(ev) {
		lines = append(lines, fmt.Sprintf("%s: %s", kv.Key, kv.Value))
	}
	_ = s.w.multiline(fmt.Sprintf("attributes for %d follow", id), lines)
}

func (s *session) cmdGetHist(args []string) {
	id, ok := s.parseEventID(args)
	if !ok {
		return
	}
	ev, found := s.deps.Events.Get(id)
	if !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such case %d", id))
		return
	}
	_ = s.w.multiline(fmt.Sprintf("history for %d follows", id), formatEntries(ev.History))
}

func (s *session) cmdGetLog(args []string) {
	id, ok := s.parseEventID(args)
	if !ok {
		return
	}
	ev, found := s.deps.Events.Get(id)
	if !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such case %d", id))
		return
	}
	_ = s.w.multiline(fmt.Sprintf("log for %d follows", id), formatEntries(ev.Log))
}

func formatEntries(entries []eventstore.Entry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%d %s", e.Timestamp.Unix(), e.Text))
	}
	return lines
}

func (s *session) cmdSetState(args []string) {
	if len(args) != 2 {
		_ = s.w.status(codeError, "Syntax error: SETSTATE id state")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_ = s.w.status(codeError, "bad case id")
		return
	}
	newState := eventstore.State(strings.ToLower(args[1]))
	if !eventstore.ValidStates[newState] {
		_ = s.w.status(codeError, fmt.Sprintf("unknown state %q", args[1]))
		return
	}
	reason := ""
	if s.username != "" {
		reason = s.username
	}
	if err := s.deps.Events.Transition(id, newState, reason); err != nil {
		_ = s.w.status(codeError, err.Error())
		return
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) cmdAddHist(args []string) {
	id, ok := s.parseEventID(args)
	if !ok {
		return
	}
	if _, found := s.deps.Events.Get(id); !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such case %d", id))
		return
	}
	if err := s.w.status(codeMultiline, "please supply history lines, end with ."); err != nil {
		return
	}
	lines, err := s.readDataLines()
	if err != nil {
		return
	}
	text := strings.Join(lines, "\n")
	if err := s.deps.Events.AppendHistory(id, text); err != nil {
		_ = s.w.status(codeError, err.Error())
		return
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) cmdCommunity(args []string) {
	if len(args) != 1 {
		_ = s.w.status(codeError, "Syntax error: COMMUNITY router")
		return
	}
	dev, ok := s.deps.Devices.Snapshot().Get(args[0])
	if !ok {
		_ = s.w.status(codeError, fmt.Sprintf("no such router %q", args[0]))
		return
	}
	_ = s.w.status(codeOK, dev.Community)
}

func (s *session) cmdPollRtr(ctx context.Context, args []string) {
	if len(args) != 1 {
		_ = s.w.status(codeError, "Syntax error: POLLRTR router")
		return
	}
	if s.deps.Confirm == nil || !s.deps.Confirm(ctx, args[0]) {
		_ = s.w.status(codeError, fmt.Sprintf("no such router %q", args[0]))
		return
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) cmdPollIntf(ctx context.Context, args []string) {
	if len(args) != 2 {
		_ = s.w.status(codeError, "Syntax error: POLLINTF router ifindex")
		return
	}
	if _, err := strconv.Atoi(args[1]); err != nil {
		_ = s.w.status(codeError, "bad ifindex")
		return
	}
	if s.deps.Confirm == nil || !s.deps.Confirm(ctx, args[0]) {
		_ = s.w.status(codeError, fmt.Sprintf("no such router %q", args[0]))
		return
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) cmdNtie(args []string) {
	if len(args) != 1 {
		_ = s.w.status(codeError, "Syntax error: NTIE nonce")
		return
	}
	if s.deps.Notify == nil || !s.deps.Notify.Bind(args[0]) {
		_ = s.w.status(codeError, "unknown or already bound nonce")
		return
	}
	s.notifyNonce = args[0]
	_ = s.w.status(codeOK, "ok")
}

// cmdClearFlap resets flap tracking for a (router, ifindex) and, per spec
// §9 Open Question (b), only sets the portstate event's flapstate back to
// "stable" and its flaps count to 0 -- it never mutates the event's
// lifecycle State.
func (s *session) cmdClearFlap(args []string) {
	if len(args) != 2 {
		_ = s.w.status(codeError, "Syntax error: CLEARFLAP router ifindex")
		return
	}
	ifindex, err := strconv.Atoi(args[1])
	if err != nil {
		_ = s.w.status(codeError, "bad ifindex")
		return
	}

	s.deps.Flap.Clear(flap.Key{Device: args[0], IfIndex: ifindex})

	key := eventstore.Key{Router: args[0], Subindex: args[1], Type: eventstore.TypePortstate}
	if ev, found := s.deps.Events.GetByKey(key); found && ev.Portstate != nil {
		ev.Portstate.FlapState = "stable"
		ev.Portstate.Flaps = 0
		_ = s.deps.Events.Commit(ev)
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) parseEventID(args []string) (int64, bool) {
	if len(args) != 1 {
		_ = s.w.status(codeError, "Syntax error: expected a case id")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_ = s.w.status(codeError, "bad case id")
		return 0, false
	}
	return id, true
}

// -------------------------------------------------------------------------
// PM sub-protocol (spec §4.6 "PM ADD, PM LIST, PM CANCEL ...").
// -------------------------------------------------------------------------

func (s *session) cmdPM(args []string) {
	if len(args) == 0 {
		_ = s.w.status(codeError, "Syntax error: PM subcommand")
		return
	}
	sub := strings.ToUpper(args[0])
	rest := args[1:]

	switch sub {
	case "ADD":
		s.pmAdd(rest)
	case "LIST":
		s.pmList()
	case "CANCEL":
		s.pmCancel(rest)
	case "DETAILS":
		s.pmDetails(rest)
	case "MATCHING":
		s.pmMatching(rest)
	case "ADDLOG":
		s.pmAddLog(rest)
	case "LOG":
		s.pmLog(rest)
	case "HELP":
		s.pmHelp()
	default:
		_ = s.w.status(codeError, fmt.Sprintf("unknown PM subcommand %q", args[0]))
	}
}

func (s *session) pmHelp() {
	lines := []string{
		"PM ADD start end target matchtype device [expr]",
		"PM LIST",
		"PM CANCEL id",
		"PM DETAILS id",
		"PM MATCHING id",
		"PM ADDLOG id",
		"PM LOG id",
	}
	_ = s.w.multiline("pm help follows", lines)
}

func (s *session) pmAdd(args []string) {
	if len(args) < 5 {
		_ = s.w.status(codeError, "Syntax error: PM ADD start end target matchtype device [expr]")
		return
	}
	startSec, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_ = s.w.status(codeError, "bad start time")
		return
	}
	endSec, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		_ = s.w.status(codeError, "bad end time")
		return
	}
	target := pm.TargetType(strings.ToLower(args[2]))
	matchType := pm.MatchType(strings.ToLower(args[3]))
	device := args[4]
	expr := ""
	if len(args) > 5 {
		expr = strings.Join(args[5:], " ")
	}

	p, err := s.deps.PM.Add(time.Unix(startSec, 0).UTC(), time.Unix(endSec, 0).UTC(), target, matchType, device, expr)
	if err != nil {
		_ = s.w.status(codeError, err.Error())
		return
	}
	_ = s.w.status(codeOK, strconv.FormatInt(p.ID, 10))
}

func (s *session) pmList() {
	lines := make([]string, 0)
	for _, p := range s.deps.PM.List() {
		lines = append(lines, formatPMSummary(p))
	}
	_ = s.w.multiline("pm list follows", lines)
}

func formatPMSummary(p *pm.PM) string {
	return fmt.Sprintf("%d %d %d %s %s %s", p.ID, p.Start.Unix(), p.End.Unix(), p.TargetType, p.MatchType, p.MatchDevice)
}

func (s *session) pmCancel(args []string) {
	id, ok := s.parsePMID(args)
	if !ok {
		return
	}
	if err := s.deps.PM.Cancel(id); err != nil {
		_ = s.w.status(codeError, err.Error())
		return
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) pmDetails(args []string) {
	id, ok := s.parsePMID(args)
	if !ok {
		return
	}
	p, found := s.deps.PM.Get(id)
	if !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such pm %d", id))
		return
	}
	lines := []string{
		fmt.Sprintf("id: %d", p.ID),
		fmt.Sprintf("start: %d", p.Start.Unix()),
		fmt.Sprintf("end: %d", p.End.Unix()),
		fmt.Sprintf("type: %s", p.TargetType),
		fmt.Sprintf("match_type: %s", p.MatchType),
		fmt.Sprintf("match_device: %s", p.MatchDevice),
		fmt.Sprintf("match_expr: %s", p.MatchExpr),
	}
	_ = s.w.multiline(fmt.Sprintf("pm details for %d follow", id), lines)
}

// pmMatching lists ids of currently-open events this PM rule would match,
// mirroring how §4.5 evaluates a PM against event commits.
func (s *session) pmMatching(args []string) {
	id, ok := s.parsePMID(args)
	if !ok {
		return
	}
	p, found := s.deps.PM.Get(id)
	if !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such pm %d", id))
		return
	}

	lines := make([]string, 0)
	for _, ev := range s.deps.Events.IterOpen() {
		cand := pm.Candidate{Device: ev.Key.Router}
		target := pm.TargetDevice
		if ev.Key.Type == eventstore.TypePortstate {
			target = pm.TargetPortstate
			if ev.Portstate != nil {
				cand.PortAlias = ev.Portstate.Descr
				cand.IfDescr = ev.Portstate.Port
			}
		}
		if p.Matches(target, cand) {
			lines = append(lines, strconv.FormatInt(ev.ID, 10))
		}
	}
	_ = s.w.multiline(fmt.Sprintf("cases matching pm %d follow", id), lines)
}

func (s *session) pmAddLog(args []string) {
	id, ok := s.parsePMID(args)
	if !ok {
		return
	}
	if _, found := s.deps.PM.Get(id); !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such pm %d", id))
		return
	}
	if err := s.w.status(codeMultiline, "please supply log lines, end with ."); err != nil {
		return
	}
	lines, err := s.readDataLines()
	if err != nil {
		return
	}
	text := strings.Join(lines, "\n")
	if err := s.deps.PM.AddLog(id, text); err != nil {
		_ = s.w.status(codeError, err.Error())
		return
	}
	_ = s.w.status(codeOK, "ok")
}

func (s *session) pmLog(args []string) {
	id, ok := s.parsePMID(args)
	if !ok {
		return
	}
	p, found := s.deps.PM.Get(id)
	if !found {
		_ = s.w.status(codeError, fmt.Sprintf("no such pm %d", id))
		return
	}
	lines := make([]string, 0, len(p.Log))
	for _, e := range p.Log {
		lines = append(lines, fmt.Sprintf("%d %s", e.Timestamp.Unix(), e.Text))
	}
	_ = s.w.multiline(fmt.Sprintf("log for pm %d follows", id), lines)
}

func (s *session) parsePMID(args []string) (int64, bool) {
	if len(args) != 1 {
		_ = s.w.status(codeError, "Syntax error: expected a pm id")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		_ = s.w.status(codeError, "bad pm id")
		return 0, false
	}
	return id, true
}
