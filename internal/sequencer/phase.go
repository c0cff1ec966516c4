// Package sequencer holds the phase state machine of one reading:
// Idle, Fetching, Dealing, Revealing, Interpreting, then Complete or Error.
package sequencer

// Phase is the current stage of a reading.
type Phase int

const (
	Idle Phase = iota
	Fetching
	Dealing
	Revealing
	Interpreting
	Complete
	Error
)

var phaseNames = [...]string{"idle", "fetching", "dealing", "revealing", "interpreting", "complete", "error"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports whether no further transition but a reset is possible.
func (p Phase) Terminal() bool { return p == Complete || p == Error }

// Event drives a phase transition.
type Event int

const (
	EvFetch Event = iota
	EvFetched
	EvFetchFailed
	EvDealt
	EvRevealed
	EvStreamDone
	EvStreamFailed
)

// Next is the transition table. It reports false for events that are not
// valid in phase p; Reset is not an event and is handled by the Sequencer.
func Next(p Phase, ev Event) (Phase, bool) {
	switch {
	case p == Idle && ev == EvFetch:
		return Fetching, true
	case p == Fetching && ev == EvFetched:
		return Dealing, true
	case p == Fetching && ev == EvFetchFailed:
		return Error, true
	case p == Dealing && ev == EvDealt:
		return Revealing, true
	case p == Revealing && ev == EvRevealed:
		return Interpreting, true
	case p == Interpreting && ev == EvStreamDone:
		return Complete, true
	case p == Interpreting && ev == EvStreamFailed:
		return Error, true
	}
	return p, false
}
