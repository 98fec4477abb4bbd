package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	s, err := NewULID(time.Now())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(s) != 26 {
		t.Fatalf("length=%d want 26: %q", len(s), s)
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		t.Fatalf("not a valid ULID: %v", err)
	}

	// A zero time means "now", not the zero timestamp.
	s, err = NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID zero time: %v", err)
	}
	id, err := ulid.ParseStrict(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Time() == 0 {
		t.Fatalf("zero timestamp for zero input time")
	}
}

func TestULIDOrdering(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	earlier := MustULID(base)
	later := MustULID(base.Add(time.Second))
	if !(earlier < later) {
		t.Fatalf("ids not time ordered: %q vs %q", earlier, later)
	}
}

func TestMustULIDUnique(t *testing.T) {
	t.Parallel()

	now := time.Now()
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		s := MustULID(now)
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate id: %q", s)
		}
		seen[s] = struct{}{}
	}
}
