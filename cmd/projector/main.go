// Command projector is a reference display client: it exchanges the
// service key for a credential, synchronizes its clock against the
// server, connects the realtime channel and logs what a projector
// screen would render.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/clocksync"
	"github.com/tisayama/allstars-sub003/internal/credentials"
	"github.com/tisayama/allstars-sub003/internal/events"
	"github.com/tisayama/allstars-sub003/internal/realtime"
	"github.com/tisayama/allstars-sub003/internal/session"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("no .env file loaded")
	}

	serverURL := getEnv("QUIZ_SERVER_URL", "http://localhost:8080")
	wsURL := getEnv("QUIZ_WS_URL", "ws://localhost:8080") + "/ws/projector"
	serviceKey := os.Getenv("QUIZ_SERVICE_KEY")
	if serviceKey == "" {
		log.Fatal().Msg("QUIZ_SERVICE_KEY environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// Clock sync first: countdown rendering is meaningless without a
	// trusted offset.
	engine := clocksync.NewEngine(clocksync.NewHTTPPinger(serverURL))
	sync, err := engine.Synchronize(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("clock sync failed; timing-sensitive display disabled")
	}
	log.Info().
		Int64("offset_ms", sync.ClockOffset).
		Dur("min_rtt", sync.MinRTT).
		Int("ping_count", sync.PingCount).
		Bool("degraded", sync.Degraded).
		Msg("clock synchronized")

	source := func(ctx context.Context) (credentials.Credential, error) {
		return issueCredential(ctx, serverURL, serviceKey)
	}

	channel := realtime.NewChannel(realtime.DefaultConfig(wsURL), source, clock)
	defer channel.Close()

	channel.On(events.TypeGamePhaseChanged, func(event *events.Event) {
		var payload events.GamePhaseChangedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		entry := log.Info().
			Str("phase", string(payload.NewPhase)).
			Int64("prize_carryover", payload.State.PrizeCarryover)
		if q := payload.State.CurrentQuestion; q != nil {
			remaining := q.Deadline.Sub(clocksync.ApplyOffset(clock.Now(), sync.ClockOffset))
			entry = entry.Str("question_id", q.QuestionID).Dur("time_remaining", remaining)
		}
		entry.Msg("phase changed")
	})

	channel.On(events.TypeStartQuestion, func(event *events.Event) {
		var payload events.StartQuestionPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		log.Info().
			Str("question_id", payload.Question.QuestionID).
			Str("text", payload.Question.QuestionText).
			Time("deadline", payload.Question.Deadline).
			Msg("question started")
	})

	channel.On(events.TypeTallyUpdated, func(event *events.Event) {
		var payload events.TallyUpdatedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		log.Info().
			Str("question_id", payload.QuestionID).
			Interface("counts", payload.Counts).
			Msg("tally updated")
	})

	channel.On(events.TypeGongActivated, func(event *events.Event) {
		log.Info().Msg("gong activated")
	})

	if err := channel.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect channel")
	}

	// Persist the confirmed identity so a restart within the session TTL
	// is observably the same projector.
	sessions := session.NewStore(getEnv("QUIZ_SESSION_FILE", ".projector-session.json"), clock)
	if previous, ok := sessions.Load("projector"); ok && previous.SubjectID != channel.SubjectID() {
		log.Info().Str("previous_subject", previous.SubjectID).Msg("session rotated")
	}
	if err := sessions.Save("projector", session.Session{SubjectID: channel.SubjectID(), Role: "projector"}); err != nil {
		log.Warn().Err(err).Msg("failed to persist session")
	}

	// Disconnected indicator: poll the status the way a render layer
	// would bind to it.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("projector shutting down")
			return
		case <-ticker.C:
			status := channel.Status()
			if !status.Connected || !status.Authenticated {
				log.Warn().
					Bool("connected", status.Connected).
					Bool("authenticated", status.Authenticated).
					Msg("DISCONNECTED")
			}
		}
	}
}

// issueCredential calls the credential issuance endpoint.
func issueCredential(ctx context.Context, serverURL, serviceKey string) (credentials.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/auth/token?role=projector", bytes.NewReader(nil))
	if err != nil {
		return credentials.Credential{}, err
	}
	req.Header.Set("X-API-Key", serviceKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return credentials.Credential{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
		UID       string `json:"uid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return credentials.Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	return credentials.Credential{
		Token:     body.Token,
		ExpiresAt: time.UnixMilli(body.ExpiresAt),
		SubjectID: body.UID,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
