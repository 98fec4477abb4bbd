package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

const memMaxMessagesPerRoom = 10_000

// InMemoryStore is a dev/test fallback when DB is not configured.
// It implements the full Store contract, plus fixture helpers (AddRoom,
// AddMember, SetDeleted, SetModerated) for dev seeding and unit tests.
type InMemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]Room
	members map[string]map[string]struct{} // roomID -> userIDs
	msgs    map[string][]Message           // roomID -> append order
	msgRoom map[string]string              // messageID -> roomID
	markers map[string]time.Time           // userID|roomID -> read_at
	reads   map[string]map[string]struct{} // messageID -> userIDs that read it
}

// NewInMemoryStore constructs an empty in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms:   make(map[string]Room),
		members: make(map[string]map[string]struct{}),
		msgs:    make(map[string][]Message),
		msgRoom: make(map[string]string),
		markers: make(map[string]time.Time),
		reads:   make(map[string]map[string]struct{}),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- fixture helpers (dev seeding and tests) ----

// AddRoom registers a room.
func (s *InMemoryStore) AddRoom(room Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	s.rooms[room.ID] = room
	if s.members[room.ID] == nil {
		s.members[room.ID] = make(map[string]struct{})
	}
}

// AddMember adds userID to a room's membership set.
func (s *InMemoryStore) AddMember(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[roomID] == nil {
		s.members[roomID] = make(map[string]struct{})
	}
	s.members[roomID][userID] = struct{}{}
}

// RemoveMember drops userID from a room's membership set.
func (s *InMemoryStore) RemoveMember(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[roomID], userID)
}

// SetDeleted flips a message's soft-delete flag.
func (s *InMemoryStore) SetDeleted(messageID string, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateMessage(messageID, func(m *Message) { m.IsDeleted = deleted })
}

// SetModerated flips a message's moderation-approval flag.
func (s *InMemoryStore) SetModerated(messageID string, moderated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateMessage(messageID, func(m *Message) { m.IsModerated = moderated })
}

// updateMessage must be called with mu held.
func (s *InMemoryStore) updateMessage(messageID string, fn func(*Message)) {
	roomID, ok := s.msgRoom[messageID]
	if !ok {
		return
	}
	list := s.msgs[roomID]
	for i := range list {
		if list[i].ID == messageID {
			fn(&list[i])
			return
		}
	}
}

// ---- Store ----

// CanAccess reports whether userID is a member of roomID.
// Unknown room or non-member returns (false, nil).
func (s *InMemoryStore) CanAccess(ctx context.Context, userID, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[roomID][userID]
	return ok, nil
}

// GetRoom returns the room or ErrNotFound.
func (s *InMemoryStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return Room{}, OpError{Op: "chat.GetRoom", Kind: ErrNotFound, Msg: "room"}
	}
	return room, nil
}

// RoomMemberIDs returns the room's member user ids in stable order.
func (s *InMemoryStore) RoomMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.members[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// InsertMessage appends a message to its room.
func (s *InMemoryStore) InsertMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomID]; !ok {
		return OpError{Op: "chat.InsertMessage", Kind: ErrNotFound, Msg: "room"}
	}

	s.msgs[msg.RoomID] = append(s.msgs[msg.RoomID], msg)
	s.msgRoom[msg.ID] = msg.RoomID

	// Bound memory to avoid unbounded growth in dev.
	if list := s.msgs[msg.RoomID]; len(list) > memMaxMessagesPerRoom {
		drop := list[:len(list)-memMaxMessagesPerRoom]
		for _, d := range drop {
			delete(s.msgRoom, d.ID)
			delete(s.reads, d.ID)
		}
		s.msgs[msg.RoomID] = list[len(list)-memMaxMessagesPerRoom:]
	}
	return nil
}

// ListRoomMessages returns visible messages newest-first with BeforeID paging.
func (s *InMemoryStore) ListRoomMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	var snap []Message
	for _, m := range s.msgs[in.RoomID] {
		if m.Visible() {
			snap = append(snap, m)
		}
	}
	s.mu.Unlock()

	// Newest first; ULIDs sort lexicographically by creation time.
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID > snap[j].ID })

	start := 0
	if in.BeforeID != "" {
		start = sort.Search(len(snap), func(i int) bool { return snap[i].ID < in.BeforeID })
	}
	if start >= len(snap) {
		return ListMessagesResult{}, nil
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// ---- cursor style (event rooms) ----

// MarkReadCursor advances the (user, room) read marker. The marker never
// moves backwards.
func (s *InMemoryStore) MarkReadCursor(ctx context.Context, userID, roomID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + roomID
	if prev, ok := s.markers[key]; ok && prev.After(at) {
		return nil
	}
	s.markers[key] = at
	return nil
}

// UnreadByCursor counts qualifying messages newer than each room's marker,
// across all event rooms the user belongs to, in one pass.
func (s *InMemoryStore) UnreadByCursor(ctx context.Context, userID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for roomID, room := range s.rooms {
		if room.Kind != RoomKindEvent {
			continue
		}
		if _, ok := s.members[roomID][userID]; !ok {
			continue
		}
		if n := s.cursorUnreadLocked(userID, roomID); n > 0 {
			out[roomID] = n
		}
	}
	return out, nil
}

// CursorUnread counts qualifying messages newer than the marker for one room.
func (s *InMemoryStore) CursorUnread(ctx context.Context, userID, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorUnreadLocked(userID, roomID), nil
}

// cursorUnreadLocked must be called with mu held.
func (s *InMemoryStore) cursorUnreadLocked(userID, roomID string) int64 {
	marker, hasMarker := s.markers[userID+"|"+roomID]
	var n int64
	for _, m := range s.msgs[roomID] {
		if !m.Visible() || m.AuthorID == userID {
			continue
		}
		if hasMarker && !m.CreatedAt.After(marker) {
			continue
		}
		n++
	}
	return n
}

// ---- flag style (community rooms) ----

// MarkReadFlags records a read for every qualifying message in the room.
func (s *InMemoryStore) MarkReadFlags(ctx context.Context, userID, roomID string, _ time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs[roomID] {
		if !m.Visible() || m.AuthorID == userID {
			continue
		}
		if s.reads[m.ID] == nil {
			s.reads[m.ID] = make(map[string]struct{})
		}
		s.reads[m.ID][userID] = struct{}{}
	}
	return nil
}

// UnreadByFlags counts qualifying messages lacking a read record, grouped
// by room, across all community rooms the user belongs to.
func (s *InMemoryStore) UnreadByFlags(ctx context.Context, userID string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)
	for roomID, room := range s.rooms {
		if room.Kind != RoomKindCommunity {
			continue
		}
		if _, ok := s.members[roomID][userID]; !ok {
			continue
		}
		if n := s.flagUnreadLocked(userID, roomID); n > 0 {
			out[roomID] = n
		}
	}
	return out, nil
}

// FlagUnread counts qualifying messages lacking a read record for one room.
func (s *InMemoryStore) FlagUnread(ctx context.Context, userID, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagUnreadLocked(userID, roomID), nil
}

// flagUnreadLocked must be called with mu held.
func (s *InMemoryStore) flagUnreadLocked(userID, roomID string) int64 {
	var n int64
	for _, m := range s.msgs[roomID] {
		if !m.Visible() || m.AuthorID == userID {
			continue
		}
		if _, read := s.reads[m.ID][userID]; read {
			continue
		}
		n++
	}
	return n
}
