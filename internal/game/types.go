package game

import (
	"fmt"
	"time"
)

// Phase is one discrete stage of a question cycle. Every connected
// display client renders according to the current phase.
type Phase string

const (
	PhaseReadyForNext         Phase = "ready_for_next"
	PhaseAcceptingAnswers     Phase = "accepting_answers"
	PhaseShowingDistribution  Phase = "showing_distribution"
	PhaseShowingCorrectAnswer Phase = "showing_correct_answer"
	PhaseShowingResults       Phase = "showing_results"
	PhaseAllIncorrect         Phase = "all_incorrect"
	PhaseAllRevived           Phase = "all_revived"
)

// QuestionBearing reports whether the phase carries a question snapshot.
// The ready_for_next idle phase is the only one that does not.
func (p Phase) QuestionBearing() bool {
	return p != PhaseReadyForNext
}

// Period identifies the game segment a question belongs to.
type Period string

const (
	PeriodFirstHalf  Period = "first_half"
	PeriodSecondHalf Period = "second_half"
	PeriodOvertime   Period = "overtime"
)

// Choice is one selectable answer option.
type Choice struct {
	Index int    `json:"index" bson:"index"`
	Text  string `json:"text" bson:"text"`
}

// Question is an immutable snapshot of the question in play. It is
// created when a question phase begins and discarded when the cycle
// returns to ready_for_next.
type Question struct {
	QuestionID     string    `json:"question_id" bson:"question_id"`
	QuestionText   string    `json:"question_text" bson:"question_text"`
	QuestionNumber int       `json:"question_number" bson:"question_number"`
	Period         Period    `json:"period" bson:"period"`
	Choices        []Choice  `json:"choices" bson:"choices"`
	CorrectAnswer  string    `json:"correct_answer" bson:"correct_answer"`
	Deadline       time.Time `json:"deadline" bson:"deadline"`
	Type           string    `json:"type" bson:"type"`
	SkipAttributes []string  `json:"skip_attributes,omitempty" bson:"skip_attributes,omitempty"`
}

// Validate checks that the question is fully specified: choice indices
// must be unique and contiguous from 0 and the correct answer must be
// one of the choices.
func (q *Question) Validate() error {
	if q.QuestionID == "" {
		return fmt.Errorf("question id is empty")
	}
	if q.QuestionText == "" {
		return fmt.Errorf("question text is empty")
	}
	if len(q.Choices) < 2 {
		return fmt.Errorf("question %s has %d choices, need at least 2", q.QuestionID, len(q.Choices))
	}
	correctFound := false
	for i, c := range q.Choices {
		if c.Index != i {
			return fmt.Errorf("question %s choice indices not contiguous: got %d at position %d", q.QuestionID, c.Index, i)
		}
		if c.Text == q.CorrectAnswer {
			correctFound = true
		}
	}
	if !correctFound {
		return fmt.Errorf("question %s correct answer %q is not among choices", q.QuestionID, q.CorrectAnswer)
	}
	if q.Deadline.IsZero() {
		return fmt.Errorf("question %s has no deadline", q.QuestionID)
	}
	return nil
}

// Standing is one row of the final results board.
type Standing struct {
	GuestID   string `json:"guest_id" bson:"guest_id"`
	GuestName string `json:"guest_name" bson:"guest_name"`
	Rank      int    `json:"rank" bson:"rank"`
	Score     int64  `json:"score" bson:"score"`
}

// GameState is the single shared document every client observes.
// It is mutated only through phase transitions (see Apply) and read
// by all clients.
type GameState struct {
	CurrentPhase    Phase      `json:"current_phase" bson:"current_phase"`
	CurrentQuestion *Question  `json:"current_question,omitempty" bson:"current_question,omitempty"`
	IsGongActive    bool       `json:"is_gong_active" bson:"is_gong_active"`
	Results         []Standing `json:"results,omitempty" bson:"results,omitempty"`
	PrizeCarryover  int64      `json:"prize_carryover" bson:"prize_carryover"`
	LastUpdate      time.Time  `json:"last_update" bson:"last_update"`
}

// NewGameState returns the idle state of a fresh game.
func NewGameState(now time.Time) GameState {
	return GameState{
		CurrentPhase: PhaseReadyForNext,
		LastUpdate:   now,
	}
}

// Answer is one raw answer submission for a question.
type Answer struct {
	AnswerID    string    `json:"answer_id" bson:"answer_id"`
	QuestionID  string    `json:"question_id" bson:"question_id"`
	GuestID     string    `json:"guest_id" bson:"guest_id"`
	Choice      string    `json:"choice" bson:"choice"`
	SubmittedAt time.Time `json:"submitted_at" bson:"submitted_at"`
	// ResponseTimeMs is the fairness-normalized elapsed time between the
	// question start and the guest's tap, after clock-offset correction.
	ResponseTimeMs int64 `json:"response_time_ms" bson:"response_time_ms"`
}

// AnswerCounts maps choice text to the number of submissions for it,
// scoped to one question.
type AnswerCounts map[string]int
