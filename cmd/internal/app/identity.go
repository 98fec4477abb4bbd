package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"neighborly/cmd/internal/realtime"
)

// Identity verification errors.
var (
	ErrTokenInvalid   = errors.New("identity: invalid token")
	ErrHMACKeyMissing = errors.New("identity: NBR_IDENTITY_HMAC_KEY missing")
	ErrHMACKeyShort   = errors.New("identity: NBR_IDENTITY_HMAC_KEY too short")
)

const identityHMACKeyMinBytes = 32

// HMACVerifier verifies bearer tokens of the form "<user_id>.<hex signature>"
// where the signature is HMAC-SHA256 over the user id. It stands in for the
// platform's real identity service; the boundary is the interface, not the
// token format.
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier constructs a verifier with a raw key.
// Key length is measured in bytes (the key is used as raw bytes).
func NewHMACVerifier(key []byte) (*HMACVerifier, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < identityHMACKeyMinBytes {
		return nil, ErrHMACKeyShort
	}
	return &HMACVerifier{key: key}, nil
}

// Verify resolves a token into a verified user id.
func (v *HMACVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return "", ErrTokenInvalid
	}

	userID, sig := token[:i], token[i+1:]
	want := v.sign(userID)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", ErrTokenInvalid
	}
	return userID, nil
}

// MintToken issues a token for userID. Exposed for local tooling and tests.
func (v *HMACVerifier) MintToken(userID string) string {
	return userID + "." + v.sign(userID)
}

func (v *HMACVerifier) sign(userID string) string {
	m := hmac.New(sha256.New, v.key)
	m.Write([]byte(userID))
	return hex.EncodeToString(m.Sum(nil))
}

// devVerifier treats the token itself as the user id. Dev/test only: it is
// refused when the identity HMAC policy is enforced.
type devVerifier struct{}

func (devVerifier) Verify(_ context.Context, token string) (string, error) {
	userID := strings.TrimSpace(token)
	if userID == "" {
		return "", ErrTokenInvalid
	}
	return userID, nil
}

// VerifierFromConfig builds the identity boundary for this runtime.
//
// Fail-fast is intentional: silently falling back to the pass-through
// verifier under an enforced policy is unacceptable.
func VerifierFromConfig(cfg Config, log *slog.Logger) (realtime.IdentityVerifier, error) {
	key := strings.TrimSpace(EnvString("NBR_IDENTITY_HMAC_KEY", ""))

	if key == "" {
		if cfg.RequireIdentityHMAC {
			return nil, fmt.Errorf("identity policy: NBR_REQUIRE_IDENTITY_HMAC=true but %w", ErrHMACKeyMissing)
		}
		log.Warn("identity.dev_verifier", "note", "tokens are trusted as user ids; set NBR_IDENTITY_HMAC_KEY")
		return devVerifier{}, nil
	}

	v, err := NewHMACVerifier([]byte(key))
	if err != nil {
		if cfg.RequireIdentityHMAC {
			return nil, fmt.Errorf("identity policy: %w (min %d bytes)", err, identityHMACKeyMinBytes)
		}
		return nil, err
	}
	return v, nil
}
