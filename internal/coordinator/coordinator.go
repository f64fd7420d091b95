// Package coordinator applies host commands to the shared GameState
// document and relays committed changes onto the event backbone. It
// holds no game truth of its own: every decision is made against the
// store's current snapshot and persisted with a compare-and-set write,
// so the server stays stateless and horizontally restartable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/events"
	"github.com/tisayama/allstars-sub003/internal/game"
	"github.com/tisayama/allstars-sub003/internal/store"
	"github.com/tisayama/allstars-sub003/internal/tally"
)

// Publisher writes events to the ordered backbone.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// PrizeLadder resolves the prize value of a question number. Used as a
// fallback when a resolve command carries no explicit prize.
type PrizeLadder interface {
	PrizeFor(questionNumber int) int64
}

// Coordinator drives one game instance.
type Coordinator struct {
	gameID    string
	store     store.Store
	publisher Publisher
	agg       *tally.Aggregator
	clock     clockwork.Clock
	prizes    PrizeLadder

	timerMu           sync.Mutex
	deadlineTimer     clockwork.Timer
	scheduledDeadline time.Time

	tallyMu  sync.Mutex
	tallyQID string
}

// Option tunes a Coordinator.
type Option func(*Coordinator)

// WithPrizeLadder supplies the configured prize ladder.
func WithPrizeLadder(ladder PrizeLadder) Option {
	return func(c *Coordinator) { c.prizes = ladder }
}

// New returns a coordinator for gameID.
func New(gameID string, st store.Store, publisher Publisher, clock clockwork.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		gameID:    gameID,
		store:     st,
		publisher: publisher,
		agg:       tally.NewAggregator(st),
		clock:     clock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run watches the GameState document and reacts to every committed
// change until ctx is cancelled: publishing events, arming the
// question deadline timer and keeping the live tally flowing.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.store.EnsureGame(ctx, c.gameID, game.NewGameState(c.clock.Now())); err != nil {
		return fmt.Errorf("ensure game: %w", err)
	}

	watch, err := c.store.WatchGameState(ctx, c.gameID)
	if err != nil {
		return fmt.Errorf("watch game state: %w", err)
	}

	log.Info().Str("game_id", c.gameID).Msg("coordinator started")

	var prev *game.GameState
	for {
		select {
		case <-ctx.Done():
			c.cancelDeadline()
			c.stopTally()
			log.Info().Str("game_id", c.gameID).Msg("coordinator stopped")
			return nil
		case snapshot, ok := <-watch:
			if !ok {
				c.cancelDeadline()
				c.stopTally()
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("game state watch ended unexpectedly")
			}
			c.onSnapshot(ctx, prev, snapshot)
			s := snapshot
			prev = &s
		}
	}
}

// onSnapshot publishes the events a committed change implies and
// adjusts the deadline timer and tally subscription.
func (c *Coordinator) onSnapshot(ctx context.Context, prev *game.GameState, st game.GameState) {
	phaseChanged := prev == nil || prev.CurrentPhase != st.CurrentPhase

	if phaseChanged {
		c.publish(ctx, c.phaseEventID(st), events.TypeGamePhaseChanged, events.GamePhaseChangedPayload{
			NewPhase: st.CurrentPhase,
			State:    st,
		})

		if st.CurrentPhase == game.PhaseAcceptingAnswers && st.CurrentQuestion != nil {
			c.publish(ctx, c.phaseEventID(st)+"-sq", events.TypeStartQuestion, events.StartQuestionPayload{
				Question:   *st.CurrentQuestion,
				ServerTime: c.clock.Now(),
			})
		}
	}

	if st.IsGongActive && (prev == nil || !prev.IsGongActive) {
		c.publish(ctx, fmt.Sprintf("%s-gong-%d", c.gameID, st.LastUpdate.UnixMilli()), events.TypeGongActivated, nil)
	}

	if st.CurrentPhase == game.PhaseAcceptingAnswers && st.CurrentQuestion != nil {
		c.armDeadline(ctx, st.CurrentQuestion.Deadline)
	} else {
		c.cancelDeadline()
	}

	if st.CurrentPhase.QuestionBearing() && st.CurrentQuestion != nil {
		c.ensureTally(ctx, st.CurrentQuestion.QuestionID)
	} else {
		c.stopTally()
	}
}

// phaseEventID is deterministic so that JetStream deduplication drops
// the copies published by other coordinator instances watching the
// same document.
func (c *Coordinator) phaseEventID(st game.GameState) string {
	return fmt.Sprintf("%s-%s-%d", c.gameID, st.CurrentPhase, st.LastUpdate.UnixMilli())
}

func (c *Coordinator) publish(ctx context.Context, id string, typ events.Type, payload any) {
	event, err := events.Marshal(id, c.gameID, typ, c.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("marshal game event")
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		log.Error().Err(err).Str("event_type", string(typ)).Msg("publish game event")
	}
}

// HandleHostCommand validates and applies one host command against the
// current snapshot. Stale commands (phase moved on) are dropped
// silently; undefined edges and missing payload report
// game.ErrInvalidTransition.
func (c *Coordinator) HandleHostCommand(ctx context.Context, subjectID string, cmd events.HostCommandPayload) error {
	log.Info().
		Str("game_id", c.gameID).
		Str("subject_id", subjectID).
		Str("command", cmd.Command).
		Msg("handling host command")

	state, err := c.store.LoadGameState(ctx, c.gameID)
	if err != nil {
		return fmt.Errorf("load game state: %w", err)
	}

	switch cmd.Command {
	case events.CommandSetGong:
		if cmd.GongActive == nil {
			return fmt.Errorf("%w: set_gong requires gong_active", game.ErrInvalidTransition)
		}
		next := game.SetGong(state, *cmd.GongActive, c.clock.Now())
		return c.commit(ctx, state, next)

	case events.CommandResetGame:
		return c.commit(ctx, state, game.NewGameState(c.clock.Now()))
	}

	req, err := c.buildTransition(ctx, state, cmd)
	if err != nil {
		return err
	}

	next, err := game.Apply(state, req, c.clock.Now())
	if err != nil {
		return err
	}
	return c.commit(ctx, state, next)
}

// buildTransition maps a command name to its phase edge.
func (c *Coordinator) buildTransition(ctx context.Context, state game.GameState, cmd events.HostCommandPayload) (game.TransitionRequest, error) {
	switch cmd.Command {
	case events.CommandStartQuestion:
		return game.TransitionRequest{
			From:     game.PhaseReadyForNext,
			To:       game.PhaseAcceptingAnswers,
			Question: cmd.Question,
		}, nil

	case events.CommandCloseAnswers:
		return game.TransitionRequest{
			From: game.PhaseAcceptingAnswers,
			To:   game.PhaseShowingDistribution,
		}, nil

	case events.CommandRevealAnswer:
		return game.TransitionRequest{
			From: game.PhaseShowingDistribution,
			To:   game.PhaseShowingCorrectAnswer,
		}, nil

	case events.CommandResolve:
		if state.CurrentQuestion == nil {
			return game.TransitionRequest{}, fmt.Errorf("%w: resolve requires a question in play", game.ErrInvalidTransition)
		}
		// The branch is evaluated here, at transition time, from the
		// live submission snapshot. Answers arriving after the commit
		// cannot flip the outcome.
		hasCorrect, err := c.agg.HasCorrect(ctx, state.CurrentQuestion.QuestionID, state.CurrentQuestion.CorrectAnswer)
		if err != nil {
			return game.TransitionRequest{}, fmt.Errorf("evaluate correct responses: %w", err)
		}
		to := game.PhaseShowingResults
		if !hasCorrect {
			to = game.PhaseAllIncorrect
		}
		prize := cmd.PrizeValue
		if prize == 0 && c.prizes != nil {
			prize = c.prizes.PrizeFor(state.CurrentQuestion.QuestionNumber)
		}
		return game.TransitionRequest{
			From:             game.PhaseShowingCorrectAnswer,
			To:               to,
			HasCorrectAnswer: hasCorrect,
			PrizeValue:       prize,
		}, nil

	case events.CommandRevive:
		return game.TransitionRequest{
			From: game.PhaseAllIncorrect,
			To:   game.PhaseAllRevived,
		}, nil

	case events.CommandFinishResults:
		return game.TransitionRequest{
			From: state.CurrentPhase,
			To:   game.PhaseReadyForNext,
		}, nil

	default:
		return game.TransitionRequest{}, fmt.Errorf("%w: unknown command %q", game.ErrInvalidTransition, cmd.Command)
	}
}

// commit CAS-writes next unless the transition was a no-op. A lost
// race is logged and dropped, matching the stale-command policy.
func (c *Coordinator) commit(ctx context.Context, current, next game.GameState) error {
	if next.CurrentPhase == current.CurrentPhase && next.LastUpdate.Equal(current.LastUpdate) {
		// Apply dropped a stale command; nothing to persist.
		return nil
	}
	err := c.store.CommitTransition(ctx, c.gameID, current.CurrentPhase, next)
	if errors.Is(err, store.ErrConflict) {
		log.Info().
			Str("game_id", c.gameID).
			Str("expected_phase", string(current.CurrentPhase)).
			Msg("transition lost the write race; dropped")
		return nil
	}
	return err
}

// SubmitAnswer forwards a participant submission to the store.
func (c *Coordinator) SubmitAnswer(ctx context.Context, a game.Answer) error {
	return c.store.SubmitAnswer(ctx, a)
}
