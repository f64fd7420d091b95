// Package credentials exchanges a pre-shared service key for a
// short-lived signed identity credential scoped to one client role.
package credentials

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrUnauthorized is returned when the presented service key does not
// match the configured key. The message never reveals which part of
// the comparison failed.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotConfigured is returned when the broker has no service key
// configured. This is a deployment defect, surfaced to callers as an
// internal error rather than an authorization failure.
var ErrNotConfigured = errors.New("credential broker is not configured with a service key")

// ErrTokenIssuance is returned when the identity authority failed to
// mint a credential, e.g. a transient outage or rate limit. Distinct
// from ErrUnauthorized: the caller's key was valid.
var ErrTokenIssuance = errors.New("identity authority failed to issue token")

// TokenTTL is the fixed validity window of issued credentials.
const TokenTTL = time.Hour

// Credential is a signed identity token with its expiry and subject.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	SubjectID string
}

// Authority mints signed credentials. The production implementation
// signs locally; a remote identity service can stand in behind the
// same interface.
type Authority interface {
	MintToken(ctx context.Context, subjectID, role string, ttl time.Duration) (string, error)
}

// Broker validates service keys and issues role-scoped credentials.
type Broker struct {
	serviceKey string
	authority  Authority
	clock      clockwork.Clock
}

// NewBroker returns a broker using the given pre-shared service key.
// An empty key leaves the broker unconfigured; every issue attempt
// then fails with ErrNotConfigured.
func NewBroker(serviceKey string, authority Authority, clock clockwork.Clock) *Broker {
	return &Broker{
		serviceKey: serviceKey,
		authority:  authority,
		clock:      clock,
	}
}

// IssueToken exchanges serviceKey for a credential scoped to role.
// The subject identifier is fresh on every call; two immediate calls
// never share one.
func (b *Broker) IssueToken(ctx context.Context, serviceKey, role string) (Credential, error) {
	if b.serviceKey == "" {
		log.Error().Msg("token issue attempted against unconfigured broker")
		return Credential{}, ErrNotConfigured
	}

	// Exact byte match, case-sensitive, no normalization.
	if subtle.ConstantTimeCompare([]byte(serviceKey), []byte(b.serviceKey)) != 1 {
		return Credential{}, ErrUnauthorized
	}

	subjectID := fmt.Sprintf("%s-%s", role, uuid.New().String())

	token, err := b.authority.MintToken(ctx, subjectID, role, TokenTTL)
	if err != nil {
		log.Error().Err(err).Str("role", role).Msg("identity authority mint failed")
		return Credential{}, fmt.Errorf("%w: %v", ErrTokenIssuance, err)
	}

	cred := Credential{
		Token:     token,
		ExpiresAt: b.clock.Now().Add(TokenTTL),
		SubjectID: subjectID,
	}

	log.Info().
		Str("subject_id", subjectID).
		Str("role", role).
		Time("expires_at", cred.ExpiresAt).
		Msg("credential issued")
	return cred, nil
}
