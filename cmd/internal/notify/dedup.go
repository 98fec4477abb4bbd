// Package notify contains Neighborly's notification fan-out and its
// at-most-once delivery dedup cache.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dedup cache defaults.
const (
	// DedupTTL is how long a (message, user) pair counts as "already delivered".
	DedupTTL = 1 * time.Hour
	// SweepInterval is the cadence of the background sweep bounding memory
	// independent of lookup traffic.
	SweepInterval = 30 * time.Minute
)

// Record is one delivery record in the dedup cache.
type Record struct {
	At     time.Time
	Source string
}

// DedupCache tracks delivered (message, user) pairs for a bounded TTL window.
//
// Requirements:
//   - Seen must evict expired records lazily at read time, not relying solely
//     on the background sweep.
//   - Records are ephemeral; nothing here is durable storage.
//
// The in-memory implementation is correct for a single-process deployment
// only. Multi-instance deployments must use the Redis implementation, whose
// store gives shared visibility of records across processes.
type DedupCache interface {
	// Seen returns the live (non-expired) record for the pair, if any.
	Seen(ctx context.Context, messageID, userID string, now time.Time) (Record, bool, error)
	// Put writes a delivery record with the current timestamp and source tag.
	Put(ctx context.Context, messageID, userID, source string, now time.Time) error
}

// MemoryDedupCache is the single-process DedupCache.
type MemoryDedupCache struct {
	log *slog.Logger

	mu      sync.Mutex
	records map[string]Record

	ttl   time.Duration
	sweep time.Duration
}

// NewMemoryDedupCache constructs an in-memory cache with the standard TTL.
func NewMemoryDedupCache(log *slog.Logger) *MemoryDedupCache {
	return &MemoryDedupCache{
		log:     log,
		records: make(map[string]Record),
		ttl:     DedupTTL,
		sweep:   SweepInterval,
	}
}

// Seen reports a live record for (messageID, userID). Expired records are
// deleted on the way out.
func (c *MemoryDedupCache) Seen(_ context.Context, messageID, userID string, now time.Time) (Record, bool, error) {
	key := dedupKey(messageID, userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if now.Sub(rec.At) >= c.ttl {
		delete(c.records, key)
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Put records a delivery.
func (c *MemoryDedupCache) Put(_ context.Context, messageID, userID, source string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[dedupKey(messageID, userID)] = Record{At: now, Source: source}
	return nil
}

// Len reports the number of live records (including not-yet-swept expired ones).
func (c *MemoryDedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Start runs the background sweep until ctx is done. It should be launched
// in its own goroutine.
func (c *MemoryDedupCache) Start(ctx context.Context) {
	t := time.NewTicker(c.sweep)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			removed := c.sweepExpired(now.UTC())
			if removed > 0 && c.log != nil {
				c.log.Debug("notify.dedup.sweep", "removed", removed, "remaining", c.Len())
			}
		}
	}
}

func (c *MemoryDedupCache) sweepExpired(now time.Time) int {
	cut := now.Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, rec := range c.records {
		if rec.At.Before(cut) {
			delete(c.records, key)
			removed++
		}
	}
	return removed
}

func dedupKey(messageID, userID string) string {
	return messageID + "|" + userID
}
