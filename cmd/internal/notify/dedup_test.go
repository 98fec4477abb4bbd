package notify

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestMemoryDedupCache_TTL(t *testing.T) {
	t.Parallel()

	c := NewMemoryDedupCache(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, seen, err := c.Seen(ctx, "m1", "u1", now); err != nil || seen {
		t.Fatalf("empty cache: seen=%v err=%v", seen, err)
	}

	if err := c.Put(ctx, "m1", "u1", "realtime", now); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, seen, err := c.Seen(ctx, "m1", "u1", now.Add(59*time.Minute))
	if err != nil || !seen {
		t.Fatalf("inside ttl: seen=%v err=%v", seen, err)
	}
	if rec.Source != "realtime" || !rec.At.Equal(now) {
		t.Fatalf("record: %+v", rec)
	}

	// Pair key is (message, user); other pairs are independent.
	if _, seen, _ := c.Seen(ctx, "m1", "u2", now); seen {
		t.Fatalf("other user seen")
	}
	if _, seen, _ := c.Seen(ctx, "m2", "u1", now); seen {
		t.Fatalf("other message seen")
	}

	// On and past the TTL boundary the record is gone—and lazily evicted.
	if _, seen, _ := c.Seen(ctx, "m1", "u1", now.Add(DedupTTL)); seen {
		t.Fatalf("expired record reported seen")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("lazy eviction left %d records", got)
	}
}

func TestMemoryDedupCache_SweepExpired(t *testing.T) {
	t.Parallel()

	c := NewMemoryDedupCache(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = c.Put(ctx, "old", "u1", "api", now.Add(-2*time.Hour))
	_ = c.Put(ctx, "fresh", "u1", "api", now)

	removed := c.sweepExpired(now)
	if removed != 1 {
		t.Fatalf("removed: got=%d want=1", removed)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("remaining: got=%d want=1", got)
	}
	if _, seen, _ := c.Seen(ctx, "fresh", "u1", now); !seen {
		t.Fatalf("fresh record swept")
	}
}

func TestParseRedisRecord(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := parseRedisRecord("realtime|" + strconv.FormatInt(at.UnixMilli(), 10))
	if rec.Source != "realtime" || !rec.At.Equal(at) {
		t.Fatalf("round trip: %+v", rec)
	}

	// Malformed values degrade to a source-only record instead of erroring.
	if rec := parseRedisRecord("justsource"); rec.Source != "justsource" || !rec.At.IsZero() {
		t.Fatalf("no separator: %+v", rec)
	}
	if rec := parseRedisRecord("api|notanumber"); rec.Source != "api" || !rec.At.IsZero() {
		t.Fatalf("bad timestamp: %+v", rec)
	}
}
