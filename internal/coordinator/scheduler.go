package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/events"
	"github.com/tisayama/allstars-sub003/internal/game"
	"github.com/tisayama/allstars-sub003/internal/store"
)

// armDeadline schedules the automatic close of answer collection when
// the question deadline expires. Re-arming for the same deadline is a
// no-op; a different deadline replaces the previous timer.
func (c *Coordinator) armDeadline(ctx context.Context, deadline time.Time) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.deadlineTimer != nil && c.scheduledDeadline.Equal(deadline) {
		return
	}
	c.replaceTimerLocked(nil)

	duration := deadline.Sub(c.clock.Now())
	if duration < 0 {
		duration = 0
	}
	timer := c.clock.NewTimer(duration)
	c.deadlineTimer = timer
	c.scheduledDeadline = deadline

	go func() {
		select {
		case <-timer.Chan():
			c.timerMu.Lock()
			if c.deadlineTimer == timer {
				c.deadlineTimer = nil
			}
			c.timerMu.Unlock()
			c.closeOnDeadline(ctx, deadline)
		case <-ctx.Done():
			stopAndDrainTimer(timer)
		}
	}()

	log.Debug().
		Str("game_id", c.gameID).
		Time("deadline", deadline).
		Dur("duration", duration).
		Msg("question deadline timer armed")
}

// cancelDeadline drops any pending deadline timer.
func (c *Coordinator) cancelDeadline() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.replaceTimerLocked(nil)
}

func (c *Coordinator) replaceTimerLocked(next clockwork.Timer) {
	if c.deadlineTimer != nil {
		stopAndDrainTimer(c.deadlineTimer)
	}
	c.deadlineTimer = next
	c.scheduledDeadline = time.Time{}
}

// stopAndDrainTimer safely stops a timer and drains its channel,
// following the time.Timer.Stop documentation pattern.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

// closeOnDeadline applies the same transition a host override would.
// The deadline check re-reads the snapshot: if the host already closed
// the round or started a different question, this fires into a no-op
// or a lost CAS race and is dropped.
func (c *Coordinator) closeOnDeadline(ctx context.Context, deadline time.Time) {
	state, err := c.store.LoadGameState(ctx, c.gameID)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("game_id", c.gameID).Msg("load state on deadline expiry")
		}
		return
	}
	if state.CurrentPhase != game.PhaseAcceptingAnswers || state.CurrentQuestion == nil {
		return
	}
	if !state.CurrentQuestion.Deadline.Equal(deadline) {
		// A newer question replaced the one this timer was armed for.
		return
	}

	log.Info().
		Str("game_id", c.gameID).
		Str("question_id", state.CurrentQuestion.QuestionID).
		Msg("question deadline expired; freezing answers")

	next, err := game.Apply(state, game.TransitionRequest{
		From: game.PhaseAcceptingAnswers,
		To:   game.PhaseShowingDistribution,
	}, c.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("game_id", c.gameID).Msg("deadline close transition")
		return
	}

	err = c.store.CommitTransition(ctx, c.gameID, state.CurrentPhase, next)
	if err != nil && !errors.Is(err, store.ErrConflict) && ctx.Err() == nil {
		log.Error().Err(err).Str("game_id", c.gameID).Msg("commit deadline close")
	}
}

// ensureTally keeps one live tally subscription matching the question
// in play, republishing every recomputed count onto the backbone.
func (c *Coordinator) ensureTally(ctx context.Context, questionID string) {
	c.tallyMu.Lock()
	defer c.tallyMu.Unlock()

	if c.tallyQID == questionID {
		return
	}
	c.tallyQID = questionID

	counts := c.agg.Subscribe(questionID)
	go func() {
		seq := 0
		for tallyCounts := range counts {
			seq++
			c.publish(ctx, c.tallyEventID(questionID, seq), events.TypeTallyUpdated, events.TallyUpdatedPayload{
				QuestionID: questionID,
				Counts:     tallyCounts,
			})
		}
	}()
}

// stopTally tears down the current tally subscription, if any.
func (c *Coordinator) stopTally() {
	c.tallyMu.Lock()
	defer c.tallyMu.Unlock()

	if c.tallyQID == "" {
		return
	}
	c.tallyQID = ""
	c.agg.Unsubscribe()
}

func (c *Coordinator) tallyEventID(questionID string, seq int) string {
	return fmt.Sprintf("%s-tally-%s-%d", c.gameID, questionID, seq)
}
