package eventstore

import "fmt"

// stateTransition is a from->to pair, used as a map key exactly as
// bfd.fsm's stateEvent does for its transition table.
type stateTransition struct {
	from State
	to   State
}

// allowedTransitions enumerates every legal operator/engine-driven state
// change (spec §3 "Event state machine"). Transitions not present here are
// illegal and return ErrIllegalTransition.
//
//nolint:gochecknoglobals
var allowedTransitions = map[stateTransition]bool{
	{StateEmbryonic, StateOpen}: true,

	{StateOpen, StateWorking}: true,
	{StateOpen, StateWaiting}: true,
	{StateOpen, StateIgnored}: true,
	{StateOpen, StateClosed}:  true,

	{StateWorking, StateWaiting}:     true,
	{StateWorking, StateIgnored}:     true,
	{StateWorking, StateConfirmWait}: true,
	{StateWorking, StateClosed}:      true,

	{StateWaiting, StateWorking}:     true,
	{StateWaiting, StateIgnored}:     true,
	{StateWaiting, StateConfirmWait}: true,
	{StateWaiting, StateClosed}:      true,

	{StateIgnored, StateWorking}: true,
	{StateIgnored, StateWaiting}: true,
	{StateIgnored, StateClosed}:  true,

	{StateConfirmWait, StateWorking}: true,
	{StateConfirmWait, StateWaiting}: true,
	{StateConfirmWait, StateClosed}:  true,
}

// CanTransition reports whether moving from "from" to "to" is legal.
// closed is always terminal (spec §3: "closed is terminal (no reopening
// via protocol)").
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	return allowedTransitions[stateTransition{from, to}]
}

// ValidStates lists every state recognized by SETSTATE (spec §4.6).
var ValidStates = map[State]bool{
	StateOpen:        true,
	StateWorking:     true,
	StateWaiting:     true,
	StateConfirmWait: true,
	StateIgnored:     true,
	StateClosed:      true,
}

func transitionHistoryText(from, to State) string {
	return fmt.Sprintf("state change %s -> %s", from, to)
}
