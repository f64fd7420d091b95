package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type failingAuthority struct{}

func (failingAuthority) MintToken(context.Context, string, string, time.Duration) (string, error) {
	return "", errors.New("identity service unavailable")
}

func newTestBroker(serviceKey string) (*Broker, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 19, 0, 0, 0, time.UTC))
	authority := NewHMACAuthority("signing-secret", clock)
	return NewBroker(serviceKey, authority, clock), clock
}

func TestIssueTokenFreshSubjectPerCall(t *testing.T) {
	broker, clock := newTestBroker("service-key")

	first, err := broker.IssueToken(context.Background(), "service-key", "projector")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	second, err := broker.IssueToken(context.Background(), "service-key", "projector")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if first.SubjectID == second.SubjectID {
		t.Fatalf("consecutive issues shared subject %s", first.SubjectID)
	}
	if !strings.HasPrefix(first.SubjectID, "projector-") {
		t.Fatalf("subject %s missing role prefix", first.SubjectID)
	}
	if want := clock.Now().Add(TokenTTL); !first.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", first.ExpiresAt, want)
	}
}

func TestIssueTokenKeyComparisonIsExact(t *testing.T) {
	broker, _ := newTestBroker("Service-Key")

	tests := []struct {
		name string
		key  string
	}{
		{"wrong_case", "service-key"},
		{"trailing_space", "Service-Key "},
		{"empty", ""},
		{"prefix_only", "Service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.IssueToken(context.Background(), tt.key, "host")
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestIssueTokenUnconfiguredBroker(t *testing.T) {
	broker, _ := newTestBroker("")

	// Even a matching empty key must not succeed.
	_, err := broker.IssueToken(context.Background(), "", "host")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestIssueTokenAuthorityFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := NewBroker("service-key", failingAuthority{}, clock)

	_, err := broker.IssueToken(context.Background(), "service-key", "host")
	if !errors.Is(err, ErrTokenIssuance) {
		t.Fatalf("err = %v, want ErrTokenIssuance", err)
	}
}

func TestHMACAuthorityMintAndVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	authority := NewHMACAuthority("signing-secret", clock)

	token, err := authority.MintToken(context.Background(), "host-abc", "host", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	subject, role, err := authority.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "host-abc" || role != "host" {
		t.Fatalf("verified claims = (%s, %s), want (host-abc, host)", subject, role)
	}
}

func TestHMACAuthorityRejectsTamperedToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	authority := NewHMACAuthority("signing-secret", clock)

	token, err := authority.MintToken(context.Background(), "guest-1", "participant", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"flipped_payload_byte", "x" + token[1:]},
		{"no_signature", strings.Split(token, ".")[0]},
		{"foreign_secret", mustMint(t, NewHMACAuthority("other-secret", clock))},
		{"garbage", "not-a-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := authority.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestHMACAuthorityRejectsExpiredToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	authority := NewHMACAuthority("signing-secret", clock)

	token, err := authority.MintToken(context.Background(), "guest-1", "participant", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	clock.Advance(time.Hour + time.Second)
	if _, _, err := authority.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken for expired token", err)
	}
}

func mustMint(t *testing.T, authority *HMACAuthority) string {
	t.Helper()
	token, err := authority.MintToken(context.Background(), "guest-1", "participant", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	return token
}
