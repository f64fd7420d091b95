// Package tally streams live per-choice answer counts for the question
// in play. Counts are always rebuilt from the full submission snapshot
// rather than updated incrementally, so edits, deletes and out-of-order
// delivery can never make the tally drift.
package tally

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/game"
	"github.com/tisayama/allstars-sub003/internal/store"
)

// Aggregator subscribes to one question's raw answer collection at a
// time and produces AnswerCounts on every change.
type Aggregator struct {
	answers store.AnswerStore

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	questionID string
}

// NewAggregator returns an aggregator reading from answers.
func NewAggregator(answers store.AnswerStore) *Aggregator {
	return &Aggregator{answers: answers}
}

// Subscribe starts streaming counts for questionID. The previous
// subscription, if any, is torn down first; there is never an overlap.
// An empty questionID only tears down and returns a nil stream (idle).
// The stream yields an empty tally immediately, then a recomputed tally
// on every collection change, and closes on Unsubscribe or the next
// Subscribe call.
func (a *Aggregator) Subscribe(questionID string) <-chan game.AnswerCounts {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.teardownLocked()
	if questionID == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.questionID = questionID

	out := make(chan game.AnswerCounts, 16)
	go a.run(ctx, questionID, out, a.done)
	return out
}

// Unsubscribe stops the current stream. Safe to call when idle.
func (a *Aggregator) Unsubscribe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked()
}

func (a *Aggregator) teardownLocked() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil
	a.questionID = ""
}

func (a *Aggregator) run(ctx context.Context, questionID string, out chan<- game.AnswerCounts, done chan struct{}) {
	defer close(done)
	defer close(out)

	notify, watchErr := a.answers.WatchAnswers(ctx, questionID)

	// First emission is always the empty tally so displays render
	// immediately, before the first change notification arrives. The
	// watch is registered first: once a consumer sees this emission,
	// every later collection change is guaranteed to be observed.
	if !emit(ctx, out, game.AnswerCounts{}) {
		return
	}

	if watchErr != nil {
		// A stalled tally must never block phase rendering; stay on the
		// empty tally instead of propagating.
		log.Error().Err(watchErr).Str("question_id", questionID).Msg("answer watch failed; tally stays empty")
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
			counts := a.recompute(ctx, questionID)
			if !emit(ctx, out, counts) {
				return
			}
		}
	}
}

// recompute rebuilds the tally from the full current snapshot. A read
// error degrades to an empty tally.
func (a *Aggregator) recompute(ctx context.Context, questionID string) game.AnswerCounts {
	submissions, err := a.answers.Answers(ctx, questionID)
	if err != nil {
		log.Error().Err(err).Str("question_id", questionID).Msg("tally recompute failed; yielding empty tally")
		return game.AnswerCounts{}
	}

	counts := make(game.AnswerCounts, 4)
	for _, s := range submissions {
		counts[s.Choice]++
	}
	return counts
}

// HasCorrect reports whether at least one submission matches the
// correct answer, evaluated from the full current snapshot. The phase
// machine's showing_correct_answer branch resolves on this.
func (a *Aggregator) HasCorrect(ctx context.Context, questionID, correctAnswer string) (bool, error) {
	submissions, err := a.answers.Answers(ctx, questionID)
	if err != nil {
		return false, err
	}
	for _, s := range submissions {
		if s.Choice == correctAnswer {
			return true, nil
		}
	}
	return false, nil
}

func emit(ctx context.Context, out chan<- game.AnswerCounts, counts game.AnswerCounts) bool {
	select {
	case out <- counts:
		return true
	case <-ctx.Done():
		return false
	}
}
