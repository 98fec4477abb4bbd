package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"neighborly/cmd/internal/ids"
	"neighborly/cmd/internal/metrics"
)

// Ingress source tags. Diagnostics only: the pipeline never branches on the
// source beyond the duplicate-attempt detector's reporting.
const (
	SourceRealtime = "realtime"
	SourceAPI      = "api"
	SourceLegacy   = "legacy"
)

// Notifier fans a persisted visible message out to its recipients.
// The author is already excluded from recipients. Implementations own
// dedup and delivery; their failures never surface to the sender.
type Notifier interface {
	Deliver(ctx context.Context, msg Message, recipients []string, source string)
}

// Broadcaster pushes realtime events to live connections.
type Broadcaster interface {
	// BroadcastMessage fans a new visible message out to sockets joined to its room.
	BroadcastMessage(msg Message)
	// Online reports whether the user has at least one live connection.
	Online(userID string) bool
	// PushUnread delivers a fresh unread count for one room to a user's connections.
	PushUnread(userID, roomID string, kind RoomKind, unread int64)
}

// CreateMessageInput carries one message-creation attempt.
type CreateMessageInput struct {
	UserID  string
	RoomID  string
	Text    string
	ReplyTo string
	// Source identifies the ingress path, for diagnostics only.
	Source string
}

// Pipeline is the single authoritative message-creation path. Every ingress —
// realtime gateway, REST endpoint, legacy flat endpoint — routes through
// CreateMessage; this is the invariant that fixes the historical
// duplicate-notification defect.
type Pipeline struct {
	log    *slog.Logger
	store  Store
	policy Policy
	dup    *DuplicateDetector

	notifier    Notifier
	broadcaster Broadcaster
}

// NewPipeline constructs the message pipeline.
func NewPipeline(log *slog.Logger, store Store, policy Policy, notifier Notifier, broadcaster Broadcaster) *Pipeline {
	return &Pipeline{
		log:         log,
		store:       store,
		policy:      policy,
		dup:         NewDuplicateDetector(log),
		notifier:    notifier,
		broadcaster: broadcaster,
	}
}

// Policy returns the active chat policy.
func (p *Pipeline) Policy() Policy { return p.policy }

// CreateMessage validates, persists, and returns a chat message.
//
// Order of gates:
//  1. text validation (cheapest, needs no I/O)
//  2. room existence
//  3. policy (chat enabled for the room kind; policy trumps membership)
//  4. membership
//  5. duplicate-attempt detector (before persistence; duplicates create no row)
//
// Fan-out and broadcast happen strictly after the persistence call returns
// success, and only for visible messages. Their failures are logged, never
// propagated: senders learn whether their message persisted, not whether
// notification delivery worked.
func (p *Pipeline) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	const op = "chat.CreateMessage"
	now := time.Now().UTC()

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "empty text"}
	}
	if max := p.policy.MaxMessageChars; max > 0 && len([]rune(text)) > max {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: fmt.Sprintf("text too long: max=%d chars", max)}
	}

	room, err := p.store.GetRoom(ctx, in.RoomID)
	if err != nil {
		if IsNotFound(err) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}

	if !p.policy.ChatEnabled(room.Kind) {
		return Message{}, OpError{Op: op, Kind: ErrPermissionDenied, Msg: "chat disabled for " + string(room.Kind) + " rooms"}
	}

	ok, err := p.store.CanAccess(ctx, in.UserID, in.RoomID)
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}
	if !ok {
		return Message{}, OpError{Op: op, Kind: ErrPermissionDenied, Msg: "not a member"}
	}

	if prior, dup := p.dup.Check(in.UserID, in.RoomID, text, in.Source, now); dup {
		metrics.DuplicateSubmissions.WithLabelValues(in.Source).Inc()
		p.log.Warn("pipeline.create.duplicate",
			"user_id", in.UserID, "room_id", in.RoomID, "source", in.Source, "prior_source", prior)
		return Message{}, OpError{Op: op, Kind: ErrDuplicateSubmission, Msg: "first submitted via " + prior}
	}

	msg := Message{
		ID:          ids.MustULID(now),
		RoomID:      room.ID,
		AuthorID:    in.UserID,
		Text:        text,
		ReplyTo:     strings.TrimSpace(in.ReplyTo),
		IsDeleted:   false,
		IsModerated: !p.policy.ModerationRequired(room.Kind),
		CreatedAt:   now,
	}

	if err := p.store.InsertMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("%s: %w: %v", op, ErrUpstream, err)
	}

	metrics.MessagesCreated.WithLabelValues(in.Source, string(room.Kind)).Inc()
	p.log.Info("pipeline.create.ok",
		"message_id", msg.ID, "room_id", room.ID, "room_kind", room.Kind,
		"source", in.Source, "moderated", msg.IsModerated)

	if msg.Visible() {
		p.fanOut(ctx, room, msg, in.Source)
	}

	return msg, nil
}

// fanOut resolves recipients, triggers notification delivery, broadcasts to
// live room sockets, and pushes unread updates to online recipients.
// The message is already committed; nothing here may fail the creation.
func (p *Pipeline) fanOut(ctx context.Context, room Room, msg Message, source string) {
	members, err := p.store.RoomMemberIDs(ctx, room.ID)
	if err != nil {
		p.log.Error("pipeline.fanout.members_fail", "room_id", room.ID, "message_id", msg.ID, "err", err)
		return
	}

	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != msg.AuthorID {
			recipients = append(recipients, id)
		}
	}

	if p.notifier != nil {
		p.notifier.Deliver(ctx, msg, recipients, source)
	}
	if p.broadcaster == nil {
		return
	}

	p.broadcaster.BroadcastMessage(msg)

	for _, userID := range recipients {
		if !p.broadcaster.Online(userID) {
			continue
		}
		unread, err := p.roomUnread(ctx, userID, room)
		if err != nil {
			p.log.Warn("pipeline.unread_push.count_fail", "user_id", userID, "room_id", room.ID, "err", err)
			continue
		}
		p.broadcaster.PushUnread(userID, room.ID, room.Kind, unread)
	}
}

// roomUnread routes the per-room count by the room kind's read-tracking style.
func (p *Pipeline) roomUnread(ctx context.Context, userID string, room Room) (int64, error) {
	switch room.Kind {
	case RoomKindCommunity:
		return p.store.FlagUnread(ctx, userID, room.ID)
	default:
		return p.store.CursorUnread(ctx, userID, room.ID)
	}
}
