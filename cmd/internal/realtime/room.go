package realtime

import (
	"log/slog"
	"sync"

	v1 "neighborly/shared/contracts/realtime/v1"
)

// Room is an in-memory broadcast group for one chat room's live sockets.
// Membership here is join state of connections, distinct from the persistent
// room membership the gate authorizes against.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log  *slog.Logger
	ID   string
	Kind string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a broadcast group.
func NewRoom(log *slog.Logger, id, kind string) *Room {
	return &Room{
		log:     log,
		ID:      id,
		Kind:    kind,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the broadcast group.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a client from the broadcast group. Unlike the teardown path,
// leaving a room does not shut the client down; it may stay joined elsewhere.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID)
	}
}

func (r *Room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Broadcast fanouts an envelope to all joined sockets.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(env v1.Envelope) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
		}
	}
}
