package realtime

import (
	"log/slog"
	"sync"
)

// Hub owns in-memory room broadcast groups and provides stable room handles.
// It is intentionally minimal: persistence lives behind chat.Store.
//
// Joins and leaves go through the hub so that a group emptied by the last
// leave is dropped under the same lock a concurrent join would take. Rooms
// therefore live in the map only while at least one socket is joined.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// JoinRoom adds the client to roomID's broadcast group, creating the group
// on first join, and returns its handle.
func (h *Hub) JoinRoom(roomID, kind string, client *Client) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = NewRoom(h.log, roomID, kind)
		h.rooms[roomID] = r
	}
	r.Join(client)
	return r
}

// LeaveRoom removes the session from roomID's broadcast group and drops the
// group once its last member is gone.
func (h *Hub) LeaveRoom(roomID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	r.Leave(sessionID)
	if r.empty() {
		delete(h.rooms, roomID)
	}
}

// Room returns the broadcast group for roomID if one exists.
func (h *Hub) Room(roomID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

// LeaveAll removes a session from every broadcast group it joined and drops
// the groups it emptied. Used on connection teardown.
func (h *Hub) LeaveAll(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, r := range h.rooms {
		r.Leave(sessionID)
		if r.empty() {
			delete(h.rooms, id)
		}
	}
}
