package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// KindLabels maps room kinds to the rollup category names reported in unread
// summaries. The grouping is caller-supplied configuration; the aggregator
// simply groups whatever qualifying rows it finds.
type KindLabels map[RoomKind]string

// DefaultKindLabels matches the client contract.
func DefaultKindLabels() KindLabels {
	return KindLabels{
		RoomKindEvent:     "EVENT",
		RoomKindCommunity: "COMMUNITY",
	}
}

// UnreadSummary is the combined unread view for one user.
type UnreadSummary struct {
	// Rooms maps room id to its unread count (zero-count rooms omitted).
	Rooms map[string]int64 `json:"rooms"`
	// Kinds rolls counts up per category label.
	Kinds map[string]int64 `json:"kinds"`
	// Total across all rooms.
	Total int64 `json:"total"`
}

// UnreadAggregator computes unread counts across both read-tracking styles
// and applies read acknowledgements. Event rooms use a timestamp cursor,
// community rooms use per-message read flags; both query shapes are
// preserved and each aggregation is one batched query per style.
type UnreadAggregator struct {
	log    *slog.Logger
	store  Store
	labels KindLabels
}

// NewUnreadAggregator constructs the aggregator. Nil labels fall back to
// DefaultKindLabels.
func NewUnreadAggregator(log *slog.Logger, store Store, labels KindLabels) *UnreadAggregator {
	if labels == nil {
		labels = DefaultKindLabels()
	}
	return &UnreadAggregator{log: log, store: store, labels: labels}
}

// Summary returns per-room unread counts plus kind rollups for a user.
func (a *UnreadAggregator) Summary(ctx context.Context, userID string) (UnreadSummary, error) {
	const op = "chat.UnreadSummary"

	cursor, err := a.store.UnreadByCursor(ctx, userID)
	if err != nil {
		return UnreadSummary{}, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}
	flags, err := a.store.UnreadByFlags(ctx, userID)
	if err != nil {
		return UnreadSummary{}, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}

	out := UnreadSummary{
		Rooms: make(map[string]int64, len(cursor)+len(flags)),
		Kinds: make(map[string]int64, len(a.labels)),
	}
	a.merge(&out, RoomKindEvent, cursor)
	a.merge(&out, RoomKindCommunity, flags)
	return out, nil
}

// ByKind returns per-room unread counts for a single room kind.
func (a *UnreadAggregator) ByKind(ctx context.Context, userID string, kind RoomKind) (map[string]int64, error) {
	const op = "chat.UnreadByKind"

	var (
		counts map[string]int64
		err    error
	)
	switch kind {
	case RoomKindEvent:
		counts, err = a.store.UnreadByCursor(ctx, userID)
	case RoomKindCommunity:
		counts, err = a.store.UnreadByFlags(ctx, userID)
	default:
		return nil, OpError{Op: op, Kind: ErrValidation, Msg: "unknown room kind"}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}
	return counts, nil
}

// MarkRead acknowledges everything currently readable in the room, routing by
// the room kind's read-tracking style. Only members may mark a room read.
func (a *UnreadAggregator) MarkRead(ctx context.Context, userID, roomID string) error {
	const op = "chat.MarkRead"
	now := time.Now().UTC()

	room, err := a.store.GetRoom(ctx, roomID)
	if err != nil {
		if IsNotFound(err) {
			return err
		}
		return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}

	ok, err := a.store.CanAccess(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}
	if !ok {
		return OpError{Op: op, Kind: ErrPermissionDenied, Msg: "not a member"}
	}

	switch room.Kind {
	case RoomKindCommunity:
		err = a.store.MarkReadFlags(ctx, userID, roomID, now)
	default:
		err = a.store.MarkReadCursor(ctx, userID, roomID, now)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}

	a.log.Info("unread.mark_read", "user_id", userID, "room_id", roomID, "room_kind", room.Kind)
	return nil
}

// RoomUnread returns the unread count for a single room, routed by the room
// kind's read-tracking style.
func (a *UnreadAggregator) RoomUnread(ctx context.Context, userID, roomID string) (int64, RoomKind, error) {
	const op = "chat.RoomUnread"

	room, err := a.store.GetRoom(ctx, roomID)
	if err != nil {
		if IsNotFound(err) {
			return 0, "", err
		}
		return 0, "", fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}

	var n int64
	switch room.Kind {
	case RoomKindCommunity:
		n, err = a.store.FlagUnread(ctx, userID, roomID)
	default:
		n, err = a.store.CursorUnread(ctx, userID, roomID)
	}
	if err != nil {
		return 0, room.Kind, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}
	return n, room.Kind, nil
}

func (a *UnreadAggregator) merge(dst *UnreadSummary, kind RoomKind, counts map[string]int64) {
	label := a.labels[kind]
	if label == "" {
		label = string(kind)
	}
	for roomID, n := range counts {
		if n <= 0 {
			continue
		}
		dst.Rooms[roomID] = n
		dst.Kinds[label] += n
		dst.Total += n
	}
}
