package credentials

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrInvalidToken is returned by Verify for malformed, forged or
// expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// claims is the signed body of a locally minted token.
type claims struct {
	SubjectID string `json:"sub"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

// HMACAuthority mints and verifies HMAC-SHA256 signed tokens with a
// shared signing secret. It serves as both the broker's authority and
// the gateway's verifier in single-trust-domain deployments.
type HMACAuthority struct {
	secret []byte
	clock  clockwork.Clock
}

// NewHMACAuthority returns an authority signing with secret.
func NewHMACAuthority(secret string, clock clockwork.Clock) *HMACAuthority {
	return &HMACAuthority{secret: []byte(secret), clock: clock}
}

func (a *HMACAuthority) MintToken(_ context.Context, subjectID, role string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("authority has no signing secret")
	}

	body, err := json.Marshal(claims{
		SubjectID: subjectID,
		Role:      role,
		ExpiresAt: a.clock.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + a.sign(payload), nil
}

// Verify checks the signature and expiry and returns the subject and
// role the token was minted for.
func (a *HMACAuthority) Verify(token string) (subjectID, role string, err error) {
	payload, sig, found := strings.Cut(token, ".")
	if !found {
		return "", "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(a.sign(payload)), []byte(sig)) {
		return "", "", ErrInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(body, &c); err != nil {
		return "", "", ErrInvalidToken
	}
	if a.clock.Now().UnixMilli() >= c.ExpiresAt {
		return "", "", fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return c.SubjectID, c.Role, nil
}

func (a *HMACAuthority) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HTTPAuthority mints tokens through a remote identity service, for
// deployments where signing is delegated.
type HTTPAuthority struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthority returns a client for the identity service at
// baseURL.
func NewHTTPAuthority(baseURL string) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPAuthority) MintToken(ctx context.Context, subjectID, role string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]any{
		"sub":     subjectID,
		"role":    role,
		"ttl_sec": int(ttl.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("marshal mint request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/mint", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create mint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode mint response: %w", err)
	}
	return out.Token, nil
}
