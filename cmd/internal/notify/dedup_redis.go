package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupCache is the multi-instance DedupCache. Records live in Redis
// with a server-side TTL, so expiry needs no sweep and all processes share
// one view of delivered pairs.
//
// Put uses SET NX so concurrent processes racing on the same pair keep at
// most one record; the loser's write is a no-op.
type RedisDedupCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDedupCache constructs a Redis-backed cache with the standard TTL.
func NewRedisDedupCache(rdb *redis.Client) (*RedisDedupCache, error) {
	if rdb == nil {
		return nil, errors.New("notify: nil redis client")
	}
	return &RedisDedupCache{rdb: rdb, ttl: DedupTTL}, nil
}

// Seen reports a live record for (messageID, userID). Expiry is handled by
// the Redis key TTL.
func (c *RedisDedupCache) Seen(ctx context.Context, messageID, userID string, _ time.Time) (Record, bool, error) {
	val, err := c.rdb.Get(ctx, redisDedupKey(messageID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return parseRedisRecord(val), true, nil
}

// Put records a delivery unless a record already exists.
func (c *RedisDedupCache) Put(ctx context.Context, messageID, userID, source string, now time.Time) error {
	val := source + "|" + strconv.FormatInt(now.UnixMilli(), 10)
	return c.rdb.SetNX(ctx, redisDedupKey(messageID, userID), val, c.ttl).Err()
}

func redisDedupKey(messageID, userID string) string {
	return "neighborly:notify:dedup:" + messageID + ":" + userID
}

func parseRedisRecord(val string) Record {
	source, rest, ok := strings.Cut(val, "|")
	if !ok {
		return Record{Source: val}
	}
	ms, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return Record{Source: source}
	}
	return Record{Source: source, At: time.UnixMilli(ms).UTC()}
}
