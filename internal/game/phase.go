package game

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrInvalidTransition is returned when a requested transition is not a
// defined edge of the phase graph or is missing payload the target
// phase requires. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid phase transition")

// TransitionRequest describes one attempted phase transition. From is
// the phase the caller believes is current; a defined edge whose From
// does not match the authoritative phase is treated as a stale command
// and applied as a no-op rather than an error.
type TransitionRequest struct {
	From Phase
	To   Phase

	// Question is required when entering accepting_answers.
	Question *Question

	// HasCorrectAnswer drives the showing_correct_answer branch: true
	// lands on showing_results, false on all_incorrect.
	HasCorrectAnswer bool

	// PrizeValue is added to the carryover when the round resolves to
	// all_incorrect.
	PrizeValue int64

	// Results optionally attaches final standings when entering
	// showing_results.
	Results []Standing
}

// edges is the set of legal transitions. The phase graph loops back to
// ready_for_next after each question cycle.
var edges = map[Phase][]Phase{
	PhaseReadyForNext:         {PhaseAcceptingAnswers},
	PhaseAcceptingAnswers:     {PhaseShowingDistribution},
	PhaseShowingDistribution:  {PhaseShowingCorrectAnswer},
	PhaseShowingCorrectAnswer: {PhaseShowingResults, PhaseAllIncorrect},
	PhaseShowingResults:       {PhaseReadyForNext},
	PhaseAllIncorrect:         {PhaseAllRevived, PhaseReadyForNext},
	PhaseAllRevived:           {PhaseReadyForNext},
}

func edgeDefined(from, to Phase) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Apply computes the state that results from applying req to current.
// It never mutates current.
//
// Validation policy: an undefined edge or missing payload fails with
// ErrInvalidTransition and returns current unchanged. A defined edge
// whose From phase does not match the authoritative current phase is a
// stale command from a host that lost a race; it is silently dropped
// and current is returned with no error.
func Apply(current GameState, req TransitionRequest, now time.Time) (GameState, error) {
	if !edgeDefined(req.From, req.To) {
		return current, fmt.Errorf("%w: %s -> %s is not a defined edge", ErrInvalidTransition, req.From, req.To)
	}
	if req.From != current.CurrentPhase {
		log.Debug().
			Str("requested_from", string(req.From)).
			Str("requested_to", string(req.To)).
			Str("current_phase", string(current.CurrentPhase)).
			Msg("stale transition command dropped")
		return current, nil
	}

	next := current
	switch req.To {
	case PhaseAcceptingAnswers:
		if req.Question == nil {
			return current, fmt.Errorf("%w: accepting_answers requires a question", ErrInvalidTransition)
		}
		if err := req.Question.Validate(); err != nil {
			return current, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		q := *req.Question
		next.CurrentQuestion = &q
		next.IsGongActive = false
		next.Results = nil

	case PhaseShowingDistribution, PhaseShowingCorrectAnswer:
		// Question snapshot is retained unchanged; the reveal is a flag
		// carried by the phase itself.

	case PhaseShowingResults:
		if !req.HasCorrectAnswer {
			return current, fmt.Errorf("%w: showing_results requires at least one correct response", ErrInvalidTransition)
		}
		next.Results = req.Results

	case PhaseAllIncorrect:
		if req.HasCorrectAnswer {
			return current, fmt.Errorf("%w: all_incorrect requires zero correct responses", ErrInvalidTransition)
		}
		if req.PrizeValue < 0 {
			return current, fmt.Errorf("%w: negative prize value %d", ErrInvalidTransition, req.PrizeValue)
		}
		next.PrizeCarryover += req.PrizeValue

	case PhaseAllRevived:
		// Elimination bookkeeping is owned by an external collaborator;
		// only the display phase flips here.

	case PhaseReadyForNext:
		next.CurrentQuestion = nil
		next.Results = nil
	}

	next.CurrentPhase = req.To
	next.LastUpdate = monotonic(current.LastUpdate, now)
	return next, nil
}

// SetGong flips the advisory attention signal. It is settable from any
// phase and never causes a phase transition.
func SetGong(current GameState, active bool, now time.Time) GameState {
	next := current
	next.IsGongActive = active
	next.LastUpdate = monotonic(current.LastUpdate, now)
	return next
}

// monotonic keeps LastUpdate non-decreasing even when the wall clock
// steps backwards between writes.
func monotonic(last, now time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}

// Machine wraps a GameState with the transition rules for callers that
// hold the state locally, such as display clients mirroring the shared
// document and tests. The coordination server applies transitions
// through Apply directly against store snapshots instead.
type Machine struct {
	mu    sync.Mutex
	state GameState
	clock clockwork.Clock
}

// NewMachine returns a machine in the ready_for_next idle state.
func NewMachine(clock clockwork.Clock) *Machine {
	return &Machine{
		state: NewGameState(clock.Now()),
		clock: clock,
	}
}

// NewMachineFromState returns a machine seeded from an existing
// snapshot, for clients that attach mid-game.
func NewMachineFromState(state GameState, clock clockwork.Clock) *Machine {
	return &Machine{state: state, clock: clock}
}

// State returns the current snapshot.
func (m *Machine) State() GameState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition applies req against the machine's state.
func (m *Machine) Transition(req TransitionRequest) (GameState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := Apply(m.state, req, m.clock.Now())
	if err != nil {
		return m.state, err
	}
	m.state = next
	return next, nil
}

// StartQuestion begins a question cycle: ready_for_next -> accepting_answers.
func (m *Machine) StartQuestion(q *Question) (GameState, error) {
	return m.Transition(TransitionRequest{
		From:     PhaseReadyForNext,
		To:       PhaseAcceptingAnswers,
		Question: q,
	})
}

// CloseAnswers freezes answer collection: accepting_answers -> showing_distribution.
// Triggered by deadline expiry or host override.
func (m *Machine) CloseAnswers() (GameState, error) {
	return m.Transition(TransitionRequest{
		From: PhaseAcceptingAnswers,
		To:   PhaseShowingDistribution,
	})
}

// RevealAnswer reveals the correct choice: showing_distribution -> showing_correct_answer.
func (m *Machine) RevealAnswer() (GameState, error) {
	return m.Transition(TransitionRequest{
		From: PhaseShowingDistribution,
		To:   PhaseShowingCorrectAnswer,
	})
}

// Resolve branches on whether the tally recorded at least one correct
// response at the moment the host resolves the round. Late-arriving
// answers cannot flip the outcome afterwards.
func (m *Machine) Resolve(hasCorrect bool, prizeValue int64, results []Standing) (GameState, error) {
	to := PhaseShowingResults
	if !hasCorrect {
		to = PhaseAllIncorrect
	}
	return m.Transition(TransitionRequest{
		From:             PhaseShowingCorrectAnswer,
		To:               to,
		HasCorrectAnswer: hasCorrect,
		PrizeValue:       prizeValue,
		Results:          results,
	})
}

// Revive reinstates eliminated guests: all_incorrect -> all_revived.
func (m *Machine) Revive() (GameState, error) {
	return m.Transition(TransitionRequest{
		From: PhaseAllIncorrect,
		To:   PhaseAllRevived,
	})
}

// FinishResults closes the question cycle from whichever display phase
// the round ended in, clearing the question snapshot.
func (m *Machine) FinishResults() (GameState, error) {
	m.mu.Lock()
	from := m.state.CurrentPhase
	m.mu.Unlock()
	return m.Transition(TransitionRequest{
		From: from,
		To:   PhaseReadyForNext,
	})
}

// SetGong flips the gong flag without a phase transition.
func (m *Machine) SetGong(active bool) GameState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = SetGong(m.state, active, m.clock.Now())
	return m.state
}

// Reset returns the machine to a fresh game: idle phase, no question,
// gong off and the prize carryover zeroed.
func (m *Machine) Reset() GameState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = NewGameState(m.clock.Now())
	return m.state
}
