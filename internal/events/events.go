package events

import (
	"encoding/json"
	"time"

	"github.com/tisayama/allstars-sub003/internal/game"
)

// Event is the envelope carried on the realtime channel and on the
// JetStream backbone between the store watcher and gateway instances.
type Event struct {
	ID        string          `json:"id"`
	GameID    string          `json:"game_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Type identifies the kind of event.
type Type string

// Server-to-client events delivered to authenticated room members.
const (
	TypeAuthSuccess      Type = "AUTH_SUCCESS"
	TypeAuthFailed       Type = "AUTH_FAILED"
	TypeGongActivated    Type = "GONG_ACTIVATED"
	TypeStartQuestion    Type = "START_QUESTION"
	TypeGamePhaseChanged Type = "GAME_PHASE_CHANGED"
	TypeTallyUpdated     Type = "TALLY_UPDATED"
)

// Client-to-server events.
const (
	TypeAuthenticate Type = "authenticate"
	TypeHostCommand  Type = "host_command"
	TypeSubmitAnswer Type = "submit_answer"
)

// AuthenticatePayload carries the signed credential for the required
// post-connect handshake.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload confirms room membership.
type AuthSuccessPayload struct {
	UserID string `json:"userId"`
}

// AuthFailedPayload reports a rejected handshake. Reason never reveals
// which part of the credential failed.
type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

// StartQuestionPayload announces a new question cycle. ServerTime lets
// clients cross-check their clock offset against the deadline.
type StartQuestionPayload struct {
	Question   game.Question `json:"question"`
	ServerTime time.Time     `json:"server_time"`
}

// GamePhaseChangedPayload announces a committed phase transition with
// the full state snapshot it produced.
type GamePhaseChangedPayload struct {
	NewPhase game.Phase     `json:"new_phase"`
	State    game.GameState `json:"state"`
}

// TallyUpdatedPayload streams live per-choice counts for the question
// in play.
type TallyUpdatedPayload struct {
	QuestionID string            `json:"question_id"`
	Counts     game.AnswerCounts `json:"counts"`
}

// HostCommandPayload is a host-issued phase command.
type HostCommandPayload struct {
	Command    string         `json:"command"`
	Question   *game.Question `json:"question,omitempty"`
	PrizeValue int64          `json:"prize_value,omitempty"`
	GongActive *bool          `json:"gong_active,omitempty"`
}

// Host command names accepted on the host channel.
const (
	CommandStartQuestion = "start_question"
	CommandCloseAnswers  = "close_answers"
	CommandRevealAnswer  = "reveal_answer"
	CommandResolve       = "resolve"
	CommandRevive        = "revive"
	CommandFinishResults = "finish_results"
	CommandSetGong       = "set_gong"
	CommandResetGame     = "reset_game"
)

// SubmitAnswerPayload is a participant answer tap.
type SubmitAnswerPayload struct {
	QuestionID     string `json:"question_id"`
	GuestID        string `json:"guest_id"`
	Choice         string `json:"choice"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// Marshal wraps a payload in an envelope with a fresh timestamp.
func Marshal(id, gameID string, typ Type, ts time.Time, payload any) (*Event, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Event{
		ID:        id,
		GameID:    gameID,
		Type:      typ,
		Timestamp: ts,
		Data:      data,
	}, nil
}
