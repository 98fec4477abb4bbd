// Package chat contains Neighborly's message pipeline, membership gate,
// unread aggregation, and message persistence primitives.
package chat

import (
	"context"
	"time"
)

// RoomKind distinguishes the two chat surfaces.
type RoomKind string

const (
	// RoomKindEvent is a per-event room. Read tracking is cursor style.
	RoomKindEvent RoomKind = "event"
	// RoomKindCommunity is a per-community room. Read tracking is per-message flags.
	RoomKindCommunity RoomKind = "community"
)

// Valid reports whether k is a known room kind.
func (k RoomKind) Valid() bool {
	return k == RoomKindEvent || k == RoomKindCommunity
}

// Room is the persisted room representation this core reads.
// Rooms are created and destroyed by the CRUD layer.
type Room struct {
	ID        string
	Kind      RoomKind
	CreatorID string
	Title     string
	CreatedAt time.Time
}

// Message is the canonical persisted chat message.
type Message struct {
	ID          string
	RoomID      string
	AuthorID    string
	Text        string
	ReplyTo     string
	IsDeleted   bool
	IsModerated bool
	CreatedAt   time.Time
}

// Visible reports whether the message may be broadcast or counted.
func (m Message) Visible() bool {
	return !m.IsDeleted && m.IsModerated
}

// MembershipStore defines the authorization boundary for room membership.
//
// Requirements:
//   - Must reflect the latest committed state (no caching layer); membership
//     changes take effect immediately for moderation reasons.
//   - Unknown room or non-member returns (false, nil), not an error.
type MembershipStore interface {
	CanAccess(ctx context.Context, userID, roomID string) (bool, error)
}

// Store persists and queries rooms, messages, and read tracking.
//
// Requirements:
//   - InsertMessage is transactional: either the row exists afterwards or an
//     error is returned (no partial state).
//   - Unread queries exclude deleted and unmoderated messages and the asking
//     user's own messages, and are batched per style (no N+1 per room).
type Store interface {
	MembershipStore

	GetRoom(ctx context.Context, roomID string) (Room, error)
	RoomMemberIDs(ctx context.Context, roomID string) ([]string, error)

	InsertMessage(ctx context.Context, msg Message) error
	ListRoomMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)

	// Cursor style (event rooms): a single (user, room) -> read_at marker.
	MarkReadCursor(ctx context.Context, userID, roomID string, at time.Time) error
	UnreadByCursor(ctx context.Context, userID string) (map[string]int64, error)
	CursorUnread(ctx context.Context, userID, roomID string) (int64, error)

	// Flag style (community rooms): explicit per-message read records.
	MarkReadFlags(ctx context.Context, userID, roomID string, at time.Time) error
	UnreadByFlags(ctx context.Context, userID string) (map[string]int64, error)
	FlagUnread(ctx context.Context, userID, roomID string) (int64, error)

	Close() error
}

// ListMessagesInput describes a history window request.
// Paging is newest-first by message id (ULIDs order by creation time).
type ListMessagesInput struct {
	RoomID   string
	BeforeID string
	Limit    int
}

// ListMessagesResult contains the retrieved history window.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}
