package sequencer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oscarpark0/tarotmancer-frontend-sub000/internal/domain"
)

var (
	// ErrStale is returned for callbacks issued for an abandoned reading.
	ErrStale = errors.New("sequencer: stale epoch")
	// ErrBadTransition is returned for events the current phase rejects.
	ErrBadTransition = errors.New("sequencer: invalid transition")
)

// Transition describes one phase change.
type Transition struct {
	Epoch uint64
	From  Phase
	To    Phase
	Err   error
}

// CardStep says which per-card animation finished.
type CardStep int

const (
	CardDealt CardStep = iota
	CardRevealed
)

// CardEvent reports a single card finishing its deal or reveal.
type CardEvent struct {
	Epoch uint64
	Index int
	Step  CardStep
}

// Observer is the view adapter. Calls are made outside the sequencer lock,
// in the order the state changed.
type Observer interface {
	OnPhase(t Transition)
	OnCard(ev CardEvent)
	OnText(epoch uint64, chunk string)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	Phase func(Transition)
	Card  func(CardEvent)
	Text  func(epoch uint64, chunk string)
}

func (o ObserverFuncs) OnPhase(t Transition) {
	if o.Phase != nil {
		o.Phase(t)
	}
}

func (o ObserverFuncs) OnCard(ev CardEvent) {
	if o.Card != nil {
		o.Card(ev)
	}
}

func (o ObserverFuncs) OnText(epoch uint64, chunk string) {
	if o.Text != nil {
		o.Text(epoch, chunk)
	}
}

// Snapshot is a copy of the sequencer state.
type Snapshot struct {
	Epoch    uint64
	Phase    Phase
	Spread   domain.Spread
	Dealt    []bool
	Revealed []bool
	Text     string
	Err      error
}

// Sequencer owns the phase of the current reading. Every method that
// advances state takes the epoch of the reading it belongs to; calls for
// any other epoch are rejected with ErrStale and change nothing.
type Sequencer struct {
	mu        sync.Mutex
	epoch     uint64
	phase     Phase
	spread    domain.Spread
	dealt     []bool
	revealed  []bool
	nDealt    int
	nRevealed int
	text      strings.Builder
	err       error
	observers []Observer
}

func New(observers ...Observer) *Sequencer {
	return &Sequencer{observers: observers}
}

// Observe adds an observer.
func (s *Sequencer) Observe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Sequencer) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Current reports whether epoch is the reading the sequencer is tracking.
func (s *Sequencer) Current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch == s.epoch
}

func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Epoch:    s.epoch,
		Phase:    s.phase,
		Spread:   s.spread,
		Dealt:    append([]bool(nil), s.dealt...),
		Revealed: append([]bool(nil), s.revealed...),
		Text:     s.text.String(),
		Err:      s.err,
	}
}

// Reset abandons the current reading and starts tracking epoch from Idle.
// Epochs only move forward; an older or equal epoch is ignored.
func (s *Sequencer) Reset(epoch uint64) bool {
	s.mu.Lock()
	if epoch <= s.epoch {
		s.mu.Unlock()
		return false
	}
	from := s.phase
	s.epoch = epoch
	s.phase = Idle
	s.spread = domain.Spread{}
	s.dealt, s.revealed = nil, nil
	s.nDealt, s.nRevealed = 0, 0
	s.text.Reset()
	s.err = nil
	obs := s.observers
	s.mu.Unlock()

	notifyPhase(obs, Transition{Epoch: epoch, From: from, To: Idle})
	return true
}

// Begin moves Idle to Fetching.
func (s *Sequencer) Begin(epoch uint64) error {
	return s.fire(epoch, EvFetch, nil)
}

// Fetched moves Fetching to Dealing with the spread whose cards will now be
// dealt one by one.
func (s *Sequencer) Fetched(epoch uint64, spread domain.Spread) error {
	if len(spread.Positions) == 0 {
		return fmt.Errorf("%w: empty spread", ErrBadTransition)
	}
	return s.fire(epoch, EvFetched, func() {
		s.spread = spread
		s.dealt = make([]bool, len(spread.Positions))
		s.revealed = make([]bool, len(spread.Positions))
	})
}

// FetchFailed moves Fetching to Error.
func (s *Sequencer) FetchFailed(epoch uint64, err error) error {
	return s.fire(epoch, EvFetchFailed, func() { s.err = err })
}

// CardDealt records that the deal animation of one card finished. The phase
// moves on to Revealing once every card has been dealt; repeated signals for
// the same card count once.
func (s *Sequencer) CardDealt(epoch uint64, index int) error {
	return s.card(epoch, index, CardDealt)
}

// CardRevealed records that one card has been turned over. Once every card
// is revealed the phase moves to Interpreting and the spread summary to be
// interpreted is returned with ok set.
func (s *Sequencer) CardRevealed(epoch uint64, index int) (summary string, ok bool, err error) {
	if err := s.card(epoch, index, CardRevealed); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.phase != Interpreting || s.nRevealed != len(s.revealed) {
		return "", false, nil
	}
	return s.spread.Summary(), true, nil
}

func (s *Sequencer) card(epoch uint64, index int, step CardStep) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return ErrStale
	}
	want, marks, count := Dealing, s.dealt, &s.nDealt
	ev := EvDealt
	if step == CardRevealed {
		want, marks, count = Revealing, s.revealed, &s.nRevealed
		ev = EvRevealed
	}
	if s.phase != want {
		s.mu.Unlock()
		return fmt.Errorf("%w: card %d %s during %s", ErrBadTransition, index, stepName(step), s.phase)
	}
	if index < 0 || index >= len(marks) {
		s.mu.Unlock()
		return fmt.Errorf("%w: card index %d out of range", ErrBadTransition, index)
	}
	if marks[index] {
		s.mu.Unlock()
		return nil
	}
	marks[index] = true
	*count++

	var tr *Transition
	if *count == len(marks) {
		to, _ := Next(s.phase, ev)
		tr = &Transition{Epoch: epoch, From: s.phase, To: to}
		s.phase = to
	}
	obs := s.observers
	s.mu.Unlock()

	for _, o := range obs {
		o.OnCard(CardEvent{Epoch: epoch, Index: index, Step: step})
	}
	if tr != nil {
		notifyPhase(obs, *tr)
	}
	return nil
}

// AppendText adds an interpretation chunk. Only valid while Interpreting.
func (s *Sequencer) AppendText(epoch uint64, chunk string) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return ErrStale
	}
	if s.phase != Interpreting {
		s.mu.Unlock()
		return fmt.Errorf("%w: text during %s", ErrBadTransition, s.phase)
	}
	s.text.WriteString(chunk)
	obs := s.observers
	s.mu.Unlock()

	for _, o := range obs {
		o.OnText(epoch, chunk)
	}
	return nil
}

// StreamDone moves Interpreting to Complete.
func (s *Sequencer) StreamDone(epoch uint64) error {
	return s.fire(epoch, EvStreamDone, nil)
}

// StreamFailed moves Interpreting to Error. Text received so far is kept.
func (s *Sequencer) StreamFailed(epoch uint64, err error) error {
	return s.fire(epoch, EvStreamFailed, func() { s.err = err })
}

// Fail drives the current reading to Error from whichever phase it is in,
// for failures outside the normal fetch and stream paths.
func (s *Sequencer) Fail(epoch uint64, err error) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return ErrStale
	}
	if s.phase.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: fail during %s", ErrBadTransition, s.phase)
	}
	tr := Transition{Epoch: epoch, From: s.phase, To: Error, Err: err}
	s.phase, s.err = Error, err
	obs := s.observers
	s.mu.Unlock()

	notifyPhase(obs, tr)
	return nil
}

func (s *Sequencer) fire(epoch uint64, ev Event, apply func()) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return ErrStale
	}
	to, ok := Next(s.phase, ev)
	if !ok {
		from := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w: event %d in %s", ErrBadTransition, ev, from)
	}
	if apply != nil {
		apply()
	}
	tr := Transition{Epoch: epoch, From: s.phase, To: to, Err: s.err}
	s.phase = to
	obs := s.observers
	s.mu.Unlock()

	notifyPhase(obs, tr)
	return nil
}

func notifyPhase(obs []Observer, tr Transition) {
	for _, o := range obs {
		o.OnPhase(tr)
	}
}

func stepName(step CardStep) string {
	if step == CardRevealed {
		return "revealed"
	}
	return "dealt"
}
