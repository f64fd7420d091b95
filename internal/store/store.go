// Package store provides access to the shared document store holding
// the single GameState document per game and the raw answer
// submissions per question. All game truth lives here; the
// coordination server itself stays stateless.
package store

import (
	"context"
	"errors"

	"github.com/tisayama/allstars-sub003/internal/game"
)

// ErrConflict is returned when a compare-and-set write loses the race:
// the document's phase no longer matches the expected phase.
var ErrConflict = errors.New("game state changed concurrently")

// ErrNotFound is returned when the requested document does not exist.
var ErrNotFound = errors.New("document not found")

// GameStore persists and watches the GameState document.
type GameStore interface {
	// EnsureGame creates the game document in its idle state if it does
	// not exist yet.
	EnsureGame(ctx context.Context, gameID string, initial game.GameState) error

	// LoadGameState returns the current snapshot.
	LoadGameState(ctx context.Context, gameID string) (game.GameState, error)

	// CommitTransition writes next if and only if the stored document is
	// still in expectedPhase. A lost race returns ErrConflict and leaves
	// the document untouched; this is the at-most-one-writer guard
	// serializing concurrent host commands.
	CommitTransition(ctx context.Context, gameID string, expectedPhase game.Phase, next game.GameState) error

	// WatchGameState delivers a full snapshot on every committed change,
	// in commit order, until ctx is cancelled.
	WatchGameState(ctx context.Context, gameID string) (<-chan game.GameState, error)
}

// AnswerStore persists and watches raw answer submissions, one logical
// collection per question.
type AnswerStore interface {
	SubmitAnswer(ctx context.Context, a game.Answer) error

	// Answers returns the full current collection snapshot for the
	// question. Tallies are always rebuilt from this, never maintained
	// incrementally.
	Answers(ctx context.Context, questionID string) ([]game.Answer, error)

	// DeleteAnswer removes one submission, e.g. when an operator voids
	// a duplicate tap.
	DeleteAnswer(ctx context.Context, questionID, answerID string) error

	// WatchAnswers signals on every change to the question's collection
	// until ctx is cancelled. Receivers re-read the full snapshot.
	WatchAnswers(ctx context.Context, questionID string) (<-chan struct{}, error)
}

// Store combines both document-store surfaces.
type Store interface {
	GameStore
	AnswerStore
}
