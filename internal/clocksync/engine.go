// Package clocksync measures the offset between a client clock and the
// server clock so answer timing can be compared fairly across guests
// regardless of individual clock skew.
package clocksync

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrSyncFailure is returned when every ping attempt failed. No partial
// result is produced; callers must not trust any offset and should
// suppress timing-sensitive UI.
var ErrSyncFailure = errors.New("clock sync failed: no ping attempt succeeded")

// Pinger performs one exchange with the server time-echo endpoint.
// It sends the client's local send time and returns the server-observed
// instant at receipt, both in epoch milliseconds.
type Pinger interface {
	Ping(ctx context.Context, clientSendTimeMs int64) (serverTimeMs int64, err error)
}

// ClockSyncResult is the outcome of one synchronization run. It is held
// in client memory only and recomputed per session.
type ClockSyncResult struct {
	// ClockOffset is server-minus-estimated-client in signed
	// milliseconds. Adding it to a local timestamp approximates the
	// server clock.
	ClockOffset int64
	MinRTT      time.Duration
	PingCount   int
	// Degraded is set when fewer than the target number of pings
	// succeeded and the offset estimate carries extra uncertainty.
	Degraded  bool
	Timestamp time.Time
}

// Engine issues ping attempts and derives the clock offset.
type Engine struct {
	pinger      Pinger
	clock       clockwork.Clock
	maxAttempts int
	target      int
	pingTimeout time.Duration
	warnOffset  time.Duration
}

// Option tunes an Engine.
type Option func(*Engine)

// WithClock substitutes the local clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPingTimeout bounds each individual ping attempt. A timed-out ping
// counts as a failed attempt, not a fatal error.
func WithPingTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pingTimeout = d }
}

// NewEngine returns an engine with the base policy: up to 10 sequential
// attempts, stopping once 5 succeed.
func NewEngine(pinger Pinger, opts ...Option) *Engine {
	e := &Engine{
		pinger:      pinger,
		clock:       clockwork.NewRealClock(),
		maxAttempts: 10,
		target:      5,
		pingTimeout: 3 * time.Second,
		warnOffset:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Synchronize runs the ping sequence and returns the offset belonging
// to the attempt with minimum RTT. The lowest-latency exchange gives
// the least-uncertain estimate; an average would be biased by attempts
// over asymmetric or congested paths. Ties keep the first-seen attempt.
func (e *Engine) Synchronize(ctx context.Context) (ClockSyncResult, error) {
	var (
		bestRTT    time.Duration
		bestOffset int64
		successes  int
	)

	for attempt := 0; attempt < e.maxAttempts && successes < e.target; attempt++ {
		if ctx.Err() != nil {
			break
		}

		sendAt := e.clock.Now()
		pingCtx, cancel := context.WithTimeout(ctx, e.pingTimeout)
		serverTimeMs, err := e.pinger.Ping(pingCtx, sendAt.UnixMilli())
		cancel()
		receiveAt := e.clock.Now()

		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt+1).Msg("clock sync ping failed")
			continue
		}

		rtt := receiveAt.Sub(sendAt)
		// Assumes symmetric latency: the server observed its clock
		// halfway through the round trip.
		estimatedServerAtReceive := receiveAt.UnixMilli() - rtt.Milliseconds()/2
		offset := serverTimeMs - estimatedServerAtReceive

		if successes == 0 || rtt < bestRTT {
			bestRTT = rtt
			bestOffset = offset
		}
		successes++
	}

	if successes == 0 {
		return ClockSyncResult{}, ErrSyncFailure
	}

	result := ClockSyncResult{
		ClockOffset: bestOffset,
		MinRTT:      bestRTT,
		PingCount:   successes,
		Degraded:    successes < e.target,
		Timestamp:   e.clock.Now(),
	}

	if abs := result.ClockOffset; abs > e.warnOffset.Milliseconds() || abs < -e.warnOffset.Milliseconds() {
		log.Warn().
			Int64("offset_ms", result.ClockOffset).
			Dur("min_rtt", result.MinRTT).
			Msg("clock offset unusually large; network path may degrade timing fairness")
	}
	if result.Degraded {
		log.Warn().
			Int("ping_count", result.PingCount).
			Msg("clock sync completed with degraded accuracy")
	}

	return result, nil
}

// ApplyOffset converts a local timestamp to its server-equivalent.
func ApplyOffset(clientTime time.Time, offsetMs int64) time.Time {
	return clientTime.Add(time.Duration(offsetMs) * time.Millisecond)
}

// ResponseTime returns the fairness-normalized elapsed time between the
// question start (server clock) and an answer tap (client clock),
// usable for tie-breaking and scoring.
func ResponseTime(questionStartServerTime, answerTapClientTime time.Time, offsetMs int64) time.Duration {
	return ApplyOffset(answerTapClientTime, offsetMs).Sub(questionStartServerTime)
}
