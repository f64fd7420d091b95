package tally

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tisayama/allstars-sub003/internal/game"
	"github.com/tisayama/allstars-sub003/internal/store"
)

func submit(t *testing.T, st store.AnswerStore, questionID, guestID, choice string) game.Answer {
	t.Helper()
	a := game.Answer{
		AnswerID:    uuid.New().String(),
		QuestionID:  questionID,
		GuestID:     guestID,
		Choice:      choice,
		SubmittedAt: time.Now(),
	}
	if err := st.SubmitAnswer(context.Background(), a); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	return a
}

// awaitCounts reads the stream until the expected tally appears.
// Intermediate tallies are legal: notifications coalesce, so the stream
// may surface any prefix of the submission sequence first.
func awaitCounts(t *testing.T, ch <-chan game.AnswerCounts, want game.AnswerCounts) {
	t.Helper()
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case counts, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed before reaching %v", want)
			}
			if reflect.DeepEqual(counts, want) {
				return
			}
		case <-deadline.C:
			t.Fatalf("timed out waiting for tally %v", want)
		}
	}
}

func TestTallyRecomputesOnSubmission(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)
	defer agg.Unsubscribe()

	ch := agg.Subscribe("q1")
	awaitCounts(t, ch, game.AnswerCounts{})

	submit(t, st, "q1", "guest-1", "A")
	submit(t, st, "q1", "guest-2", "A")
	submit(t, st, "q1", "guest-3", "B")

	awaitCounts(t, ch, game.AnswerCounts{"A": 2, "B": 1})
}

func TestTallyReflectsDeletion(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)
	defer agg.Unsubscribe()

	ch := agg.Subscribe("q1")
	awaitCounts(t, ch, game.AnswerCounts{})

	voided := submit(t, st, "q1", "guest-1", "A")
	submit(t, st, "q1", "guest-2", "A")
	submit(t, st, "q1", "guest-3", "B")
	awaitCounts(t, ch, game.AnswerCounts{"A": 2, "B": 1})

	if err := st.DeleteAnswer(context.Background(), "q1", voided.AnswerID); err != nil {
		t.Fatalf("DeleteAnswer: %v", err)
	}
	awaitCounts(t, ch, game.AnswerCounts{"A": 1, "B": 1})
}

func TestTallyIgnoresOtherQuestions(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)
	defer agg.Unsubscribe()

	ch := agg.Subscribe("q1")
	awaitCounts(t, ch, game.AnswerCounts{})

	submit(t, st, "q2", "guest-1", "A")
	submit(t, st, "q1", "guest-2", "B")

	awaitCounts(t, ch, game.AnswerCounts{"B": 1})
}

func TestSubscribeSwitchesQuestions(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)
	defer agg.Unsubscribe()

	first := agg.Subscribe("q1")
	awaitCounts(t, first, game.AnswerCounts{})

	second := agg.Subscribe("q2")

	// The q1 stream is torn down before q2 starts; it must be closed.
	for range first {
	}

	awaitCounts(t, second, game.AnswerCounts{})
	submit(t, st, "q2", "guest-1", "C")
	awaitCounts(t, second, game.AnswerCounts{"C": 1})
}

func TestSubscribeEmptyQuestionGoesIdle(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)

	ch := agg.Subscribe("q1")
	awaitCounts(t, ch, game.AnswerCounts{})

	if idle := agg.Subscribe(""); idle != nil {
		t.Fatal("idle subscribe returned a stream")
	}
	for range ch {
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)

	agg.Unsubscribe()

	ch := agg.Subscribe("q1")
	awaitCounts(t, ch, game.AnswerCounts{})
	agg.Unsubscribe()
	agg.Unsubscribe()

	for range ch {
	}
}

type brokenAnswerStore struct {
	store.AnswerStore
}

func (brokenAnswerStore) WatchAnswers(context.Context, string) (<-chan struct{}, error) {
	return nil, errors.New("change stream unavailable")
}

func TestWatchFailureDegradesToEmptyTally(t *testing.T) {
	agg := NewAggregator(brokenAnswerStore{store.NewMemoryStore()})
	defer agg.Unsubscribe()

	ch := agg.Subscribe("q1")

	// The empty tally still arrives so phase rendering is not blocked.
	awaitCounts(t, ch, game.AnswerCounts{})

	select {
	case counts, ok := <-ch:
		if ok {
			t.Fatalf("unexpected tally %v after watch failure", counts)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHasCorrect(t *testing.T) {
	st := store.NewMemoryStore()
	agg := NewAggregator(st)

	got, err := agg.HasCorrect(context.Background(), "q1", "Mars")
	if err != nil || got {
		t.Fatalf("HasCorrect on empty collection = (%v, %v), want (false, nil)", got, err)
	}

	submit(t, st, "q1", "guest-1", "Venus")
	got, err = agg.HasCorrect(context.Background(), "q1", "Mars")
	if err != nil || got {
		t.Fatalf("HasCorrect with only wrong answers = (%v, %v), want (false, nil)", got, err)
	}

	submit(t, st, "q1", "guest-2", "Mars")
	got, err = agg.HasCorrect(context.Background(), "q1", "Mars")
	if err != nil || !got {
		t.Fatalf("HasCorrect with a correct answer = (%v, %v), want (true, nil)", got, err)
	}
}
