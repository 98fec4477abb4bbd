// Package ids provides ID primitives (ULID) used across the server.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID returns a new ULID string, falling back to the zero-entropy form
// only if the system entropy source fails. Callers that need the error should
// use NewULID.
func MustULID(now time.Time) string {
	s, err := NewULID(now)
	if err != nil {
		return ulid.ULID{}.String()
	}
	return s
}
