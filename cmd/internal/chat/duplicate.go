package chat

import (
	"log/slog"
	"sync"
	"time"
)

// Duplicate-attempt detector defaults.
const (
	// Attempts with the same key inside this window are rejected.
	dupWindow = 10 * time.Second
	// Entries older than this are eligible for opportunistic eviction.
	dupHorizon = 5 * time.Minute
	// Eviction runs only once the map grows past this size (best-effort bound).
	dupEvictThreshold = 4096

	// Shared-prefix length used as the fingerprint of the message text.
	dupPrefixChars = 32
)

type dupKey struct {
	userID string
	roomID string
	prefix string
}

type dupEntry struct {
	at     time.Time
	source string
}

// DuplicateDetector recognizes the same logical message being resubmitted
// through a second ingress path within a short window, before persistence.
//
// This is a heuristic safety net, not a correctness guarantee: two genuinely
// distinct messages with identical leading text from the same author inside
// the window are rejected too. The trade-off deliberately favors
// anti-duplication over permissiveness.
type DuplicateDetector struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[dupKey]dupEntry

	window    time.Duration
	horizon   time.Duration
	threshold int
}

// NewDuplicateDetector constructs a detector with the standard window/horizon.
func NewDuplicateDetector(log *slog.Logger) *DuplicateDetector {
	return &DuplicateDetector{
		log:       log,
		entries:   make(map[dupKey]dupEntry),
		window:    dupWindow,
		horizon:   dupHorizon,
		threshold: dupEvictThreshold,
	}
}

// Check records an attempt and reports whether it duplicates a recent one.
// On a duplicate it returns the source tag of the original attempt for
// diagnostics; the new attempt is NOT recorded in that case.
func (d *DuplicateDetector) Check(userID, roomID, text, source string, now time.Time) (priorSource string, duplicate bool) {
	key := dupKey{userID: userID, roomID: roomID, prefix: textPrefix(text, dupPrefixChars)}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[key]; ok && now.Sub(e.at) < d.window {
		return e.source, true
	}

	d.entries[key] = dupEntry{at: now, source: source}

	// Opportunistic eviction: one pass, only past the size threshold.
	// Best-effort bound, never a separate goroutine or a second lock.
	if len(d.entries) > d.threshold {
		cut := now.Add(-d.horizon)
		for k, e := range d.entries {
			if e.at.Before(cut) {
				delete(d.entries, k)
			}
		}
		if d.log != nil {
			d.log.Debug("chat.dup.evict", "remaining", len(d.entries))
		}
	}
	return "", false
}

// Len reports the current number of tracked attempts.
func (d *DuplicateDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func textPrefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
