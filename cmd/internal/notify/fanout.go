package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"neighborly/cmd/internal/chat"
	"neighborly/cmd/internal/metrics"
)

const (
	// Bounded concurrency for external push dispatch.
	dispatchConcurrency = 8
	// Per-recipient dispatch timeout; a slow relay must not stall the pipeline.
	dispatchTimeout = 5 * time.Second

	pushBodyMaxChars = 120
)

// LivePusher delivers a realtime notification to every live connection a
// user currently holds, regardless of room join state.
type LivePusher interface {
	PushMessage(userID string, msg chat.Message) bool
}

// Deliverer is the notification fan-out service. It implements chat.Notifier.
//
// Delivery per recipient: dedup lookup, realtime push to live handles,
// external push dispatch, then a dedup record. Steps are not one atomic
// transaction; the at-most-once guarantee holds per process with the memory
// cache, and across processes with the Redis cache.
type Deliverer struct {
	log   *slog.Logger
	cache DedupCache
	live  LivePusher
	push  PushDispatcher
}

// NewDeliverer constructs the fan-out service.
func NewDeliverer(log *slog.Logger, cache DedupCache, live LivePusher, push PushDispatcher) *Deliverer {
	return &Deliverer{log: log, cache: cache, live: live, push: push}
}

// Deliver notifies each recipient of msg at most once within the dedup TTL.
// The author is already excluded from recipients by the caller. Deliver never
// returns an error: dispatch failures are logged and swallowed.
func (d *Deliverer) Deliver(ctx context.Context, msg chat.Message, recipients []string, source string) {
	if len(recipients) == 0 {
		return
	}
	now := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)

	for _, userID := range recipients {
		g.Go(func() error {
			d.deliverOne(gctx, msg, userID, source, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Deliverer) deliverOne(ctx context.Context, msg chat.Message, userID, source string, now time.Time) {
	rec, seen, err := d.cache.Seen(ctx, msg.ID, userID, now)
	if err != nil {
		// Cache trouble must not lose notifications; deliver and log.
		d.log.Warn("notify.dedup.lookup_fail", "message_id", msg.ID, "user_id", userID, "err", err)
	}
	if seen {
		metrics.NotificationsSuppressed.Inc()
		d.log.Info("notify.deliver.skip_duplicate",
			"message_id", msg.ID, "user_id", userID,
			"source", source, "delivered_via", rec.Source,
			"delivered_ago_ms", now.Sub(rec.At).Milliseconds())
		return
	}

	liveHit := false
	if d.live != nil {
		liveHit = d.live.PushMessage(userID, msg)
	}

	if d.push != nil {
		pushCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		err := d.push.Dispatch(pushCtx, userID, PushNote{
			Title:     "New message",
			Body:      truncateRunes(msg.Text, pushBodyMaxChars),
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
		})
		cancel()
		if err != nil {
			// Fire-and-forget: the sender never learns about dispatch failures.
			d.log.Warn("notify.push.dispatch_fail", "message_id", msg.ID, "user_id", userID, "err", err)
		}
	}

	if err := d.cache.Put(ctx, msg.ID, userID, source, now); err != nil {
		d.log.Warn("notify.dedup.record_fail", "message_id", msg.ID, "user_id", userID, "err", err)
	}

	metrics.NotificationsDelivered.Inc()
	d.log.Info("notify.deliver.ok",
		"message_id", msg.ID, "user_id", userID, "source", source, "live", liveHit)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
