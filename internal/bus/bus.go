// Package bus carries committed game events from the store watcher to
// every gateway instance over a NATS JetStream stream. One subject per
// game keeps delivery ordered per game, which is what lets all room
// members observe phase transitions in commit order even when the
// coordination server runs more than one instance.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/tisayama/allstars-sub003/internal/events"
)

// Config holds JetStream connection and consumer settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	SubjectPrefix string
	MaxDeliver    int
	AckWait       time.Duration
	MaxAckPending int
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the base JetStream configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		StreamName:    "QUIZ_EVENTS",
		ConsumerName:  "quiz-gateway",
		SubjectPrefix: "quiz.events",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Bus wraps one NATS connection used for both publishing and consuming.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config Config
}

// Connect dials NATS and ensures the event stream exists.
func Connect(ctx context.Context, config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     config.StreamName,
		Subjects: []string{config.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", config.StreamName, err)
	}

	return &Bus{nc: nc, js: js, config: config}, nil
}

// Close drains and closes the NATS connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Publish writes one event to the game's subject.
func (b *Bus) Publish(ctx context.Context, event *events.Event) error {
	subject := fmt.Sprintf("%s.%s", b.config.SubjectPrefix, event.GameID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	// Message IDs deduplicate events when several coordinator instances
	// watch the same document.
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.ID, subject, err)
	}

	log.Debug().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("subject", subject).
		Msg("event published")
	return nil
}

// Handler processes one consumed event.
type Handler = func(ctx context.Context, event *events.Event)

// Consume runs a durable consumer over the event stream, invoking
// handler for every event in order, until ctx is cancelled.
func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	stream, err := b.js.Stream(ctx, b.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", b.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          b.config.ConsumerName,
		Durable:       b.config.ConsumerName,
		Description:   "quiz gateway broadcast consumer",
		FilterSubject: b.config.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    b.config.MaxDeliver,
		AckWait:       b.config.AckWait,
		MaxAckPending: b.config.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", b.config.ConsumerName, err)
	}

	log.Info().
		Str("consumer", b.config.ConsumerName).
		Str("stream", b.config.StreamName).
		Msg("event consumer started")

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("unmarshal event envelope")
			// Poison message; acknowledge so it is not redelivered.
			_ = msg.Ack()
			return
		}

		handler(ctx, &event)

		if err := msg.Ack(); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("failed to ACK event")
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}
