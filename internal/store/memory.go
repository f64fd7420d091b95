package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/tisayama/allstars-sub003/internal/game"
)

// MemoryStore is an in-memory Store with the same notify semantics as
// the Mongo implementation. It backs tests and single-process local
// runs.
type MemoryStore struct {
	mu sync.Mutex

	games        map[string]game.GameState
	gameWatchers map[string][]chan game.GameState

	answers        map[string][]game.Answer
	answerWatchers map[string][]chan struct{}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:          make(map[string]game.GameState),
		gameWatchers:   make(map[string][]chan game.GameState),
		answers:        make(map[string][]game.Answer),
		answerWatchers: make(map[string][]chan struct{}),
	}
}

func (s *MemoryStore) EnsureGame(_ context.Context, gameID string, initial game.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.games[gameID]; !ok {
		s.games[gameID] = initial
	}
	return nil
}

func (s *MemoryStore) LoadGameState(_ context.Context, gameID string) (game.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.games[gameID]
	if !ok {
		return game.GameState{}, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	return st, nil
}

func (s *MemoryStore) CommitTransition(_ context.Context, gameID string, expectedPhase game.Phase, next game.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	if current.CurrentPhase != expectedPhase {
		return fmt.Errorf("commit %s from %s: %w", gameID, expectedPhase, ErrConflict)
	}
	s.games[gameID] = next
	s.notifyGameLocked(gameID, next)
	return nil
}

func (s *MemoryStore) WatchGameState(ctx context.Context, gameID string) (<-chan game.GameState, error) {
	ch := make(chan game.GameState, 16)

	s.mu.Lock()
	s.gameWatchers[gameID] = append(s.gameWatchers[gameID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.gameWatchers[gameID]
		for i, w := range watchers {
			if w == ch {
				s.gameWatchers[gameID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

func (s *MemoryStore) notifyGameLocked(gameID string, st game.GameState) {
	for _, w := range s.gameWatchers[gameID] {
		select {
		case w <- st:
		default:
			// Watcher is not keeping up; it will catch up on the next
			// commit since every delivery is a full snapshot.
		}
	}
}

func (s *MemoryStore) SubmitAnswer(_ context.Context, a game.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[a.QuestionID] = append(s.answers[a.QuestionID], a)
	s.notifyAnswersLocked(a.QuestionID)
	return nil
}

func (s *MemoryStore) Answers(_ context.Context, questionID string) ([]game.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]game.Answer, len(s.answers[questionID]))
	copy(out, s.answers[questionID])
	return out, nil
}

func (s *MemoryStore) DeleteAnswer(_ context.Context, questionID, answerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.answers[questionID]
	for i, a := range list {
		if a.AnswerID == answerID {
			s.answers[questionID] = append(list[:i], list[i+1:]...)
			s.notifyAnswersLocked(questionID)
			return nil
		}
	}
	return fmt.Errorf("answer %s/%s: %w", questionID, answerID, ErrNotFound)
}

func (s *MemoryStore) WatchAnswers(ctx context.Context, questionID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.answerWatchers[questionID] = append(s.answerWatchers[questionID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.answerWatchers[questionID]
		for i, w := range watchers {
			if w == ch {
				s.answerWatchers[questionID] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				break
			}
		}
	}()

	return ch, nil
}

func (s *MemoryStore) notifyAnswersLocked(questionID string) {
	for _, w := range s.answerWatchers[questionID] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
