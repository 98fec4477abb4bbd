package realtime

import (
	"encoding/json"
	"log/slog"

	"neighborly/cmd/internal/chat"

	v1 "neighborly/shared/contracts/realtime/v1"
)

// Bridge adapts the in-memory hub and registry to the domain layer's
// outbound interfaces: it is the chat.Broadcaster used by the message
// pipeline and the notify.LivePusher used by the fan-out service.
type Bridge struct {
	log      *slog.Logger
	hub      *Hub
	registry *Registry
}

// NewBridge constructs the adapter.
func NewBridge(log *slog.Logger, hub *Hub, registry *Registry) *Bridge {
	return &Bridge{log: log, hub: hub, registry: registry}
}

// BroadcastMessage fans a new visible message out to the sockets currently
// joined to its room. Called by the pipeline strictly after the persistence
// commit.
func (b *Bridge) BroadcastMessage(msg chat.Message) {
	room := b.hub.Room(msg.RoomID)
	if room == nil {
		return
	}
	room.Broadcast(newEnvelope(v1.TypeMessageNew, marshalMessageNew(msg)))
}

// Online reports whether the user holds at least one live handle.
func (b *Bridge) Online(userID string) bool {
	return b.registry.Online(userID)
}

// PushUnread delivers a fresh unread count for one room to all of a user's
// live handles.
func (b *Bridge) PushUnread(userID, roomID string, kind chat.RoomKind, unread int64) {
	payload, _ := json.Marshal(v1.UnreadUpdatePayload{
		RoomID: roomID,
		Kind:   string(kind),
		Unread: unread,
	})
	b.registry.PushToUser(userID, newEnvelope(v1.TypeUnreadUpdate, payload))
}

// PushMessage delivers a message_new envelope to every live handle of a
// user, regardless of room join state. Used by the notification fan-out so
// connected users see new messages even with the room closed.
func (b *Bridge) PushMessage(userID string, msg chat.Message) bool {
	return b.registry.PushToUser(userID, newEnvelope(v1.TypeMessageNew, marshalMessageNew(msg)))
}

func marshalMessageNew(msg chat.Message) json.RawMessage {
	payload, _ := json.Marshal(v1.MessageNewPayload{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		AuthorID:  msg.AuthorID,
		Text:      msg.Text,
		ReplyTo:   msg.ReplyTo,
		CreatedAt: msg.CreatedAt,
	})
	return payload
}
