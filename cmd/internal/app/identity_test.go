package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHMACVerifier_RoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewHMACVerifier([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token := v.MintToken("user-123")
	userID, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("user id: got=%q", userID)
	}

	// User ids containing dots survive (signature split is on the LAST dot).
	token = v.MintToken("org.unit.user")
	userID, err = v.Verify(context.Background(), token)
	if err != nil || userID != "org.unit.user" {
		t.Fatalf("dotted id: got=%q err=%v", userID, err)
	}
}

func TestHMACVerifier_RejectsTampering(t *testing.T) {
	t.Parallel()

	v, _ := NewHMACVerifier([]byte(strings.Repeat("k", 32)))

	cases := []string{
		"",
		"no-signature",
		"user-123.deadbeef",
		v.MintToken("user-123") + "0",
		strings.Replace(v.MintToken("user-123"), "user-123", "user-456", 1),
		".onlysig",
		"user-123.",
	}
	for _, token := range cases {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token=%q err=%v want invalid", token, err)
		}
	}
}

func TestNewHMACVerifier_KeyPolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewHMACVerifier(nil); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("nil key: %v", err)
	}
	if _, err := NewHMACVerifier([]byte("short")); !errors.Is(err, ErrHMACKeyShort) {
		t.Fatalf("short key: %v", err)
	}
}

func TestVerifierFromConfig(t *testing.T) {
	t.Setenv("NBR_IDENTITY_HMAC_KEY", "")

	// No key, policy relaxed: dev pass-through.
	v, err := VerifierFromConfig(Config{}, testLogger())
	if err != nil {
		t.Fatalf("dev verifier: %v", err)
	}
	userID, err := v.Verify(context.Background(), "alice")
	if err != nil || userID != "alice" {
		t.Fatalf("dev verify: got=%q err=%v", userID, err)
	}

	// No key, policy enforced: refused.
	if _, err := VerifierFromConfig(Config{RequireIdentityHMAC: true}, testLogger()); err == nil {
		t.Fatalf("expected failure without key under policy")
	}

	// Key present: HMAC verifier.
	t.Setenv("NBR_IDENTITY_HMAC_KEY", strings.Repeat("k", 32))
	v, err = VerifierFromConfig(Config{RequireIdentityHMAC: true}, testLogger())
	if err != nil {
		t.Fatalf("hmac verifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), "alice"); err == nil {
		t.Fatalf("bare user id accepted by hmac verifier")
	}
}
