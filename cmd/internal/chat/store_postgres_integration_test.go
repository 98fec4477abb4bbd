package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"neighborly/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when NBR_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_MembershipGate_NoCaching(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	roomID := "it-room-" + randHex(8)
	mustInsertRoom(t, pool, schema, roomID, RoomKindEvent)
	mustInsertMember(t, pool, schema, roomID, "user-a")

	ok, err := store.CanAccess(ctx, "user-a", roomID)
	if err != nil {
		t.Fatalf("access member: %v", err)
	}
	if !ok {
		t.Fatalf("access member: expected true")
	}

	ok, err = store.CanAccess(ctx, "user-b", roomID)
	if err != nil {
		t.Fatalf("access non-member: %v", err)
	}
	if ok {
		t.Fatalf("access non-member: expected false")
	}

	// Removal must take effect on the very next check.
	if _, err := pool.Exec(ctx,
		`DELETE FROM `+pgIdent(schema, "room_members")+` WHERE room_id = $1 AND user_id = $2`,
		roomID, "user-a",
	); err != nil {
		t.Fatalf("remove member: %v", err)
	}

	ok, err = store.CanAccess(ctx, "user-a", roomID)
	if err != nil {
		t.Fatalf("access removed member: %v", err)
	}
	if ok {
		t.Fatalf("access removed member: expected false immediately after removal")
	}
}

func TestPostgresStore_History_Order_BeforeID_HasMore(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	roomID := "it-history-" + randHex(8)
	mustInsertRoom(t, pool, schema, roomID, RoomKindEvent)

	// Insert 3 visible messages plus one deleted and one unmoderated.
	var msgIDs []string
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		m := Message{
			ID:          ids.MustULID(base.Add(time.Duration(i) * time.Second)),
			RoomID:      roomID,
			AuthorID:    "user-a",
			Text:        fmt.Sprintf("m%d", i),
			IsModerated: true,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		msgIDs = append(msgIDs, m.ID)
	}
	hidden := []Message{
		{ID: ids.MustULID(base.Add(10 * time.Second)), RoomID: roomID, AuthorID: "user-a", Text: "deleted", IsDeleted: true, IsModerated: true, CreatedAt: base.Add(10 * time.Second)},
		{ID: ids.MustULID(base.Add(11 * time.Second)), RoomID: roomID, AuthorID: "user-a", Text: "pending", IsModerated: false, CreatedAt: base.Add(11 * time.Second)},
	}
	for _, m := range hidden {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert hidden: %v", err)
		}
	}

	// limit=2 -> newest two, HasMore=true.
	out1, err := store.ListRoomMessages(ctx, ListMessagesInput{RoomID: roomID, Limit: 2})
	if err != nil {
		t.Fatalf("list 1: %v", err)
	}
	if !out1.HasMore {
		t.Fatalf("list 1: expected HasMore=true")
	}
	if len(out1.Messages) != 2 {
		t.Fatalf("list 1: expected 2 messages got=%d", len(out1.Messages))
	}
	if out1.Messages[0].ID != msgIDs[2] || out1.Messages[1].ID != msgIDs[1] {
		t.Fatalf("list 1: wrong order: got=[%s %s]", out1.Messages[0].ID, out1.Messages[1].ID)
	}

	// Page 2 via BeforeID.
	out2, err := store.ListRoomMessages(ctx, ListMessagesInput{RoomID: roomID, BeforeID: out1.Messages[1].ID, Limit: 2})
	if err != nil {
		t.Fatalf("list 2: %v", err)
	}
	if out2.HasMore {
		t.Fatalf("list 2: expected HasMore=false")
	}
	if len(out2.Messages) != 1 || out2.Messages[0].ID != msgIDs[0] {
		t.Fatalf("list 2: expected oldest message only")
	}
}

func TestPostgresStore_Unread_CursorAndFlags_Batched(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)

	store := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventRoom := "it-ev-" + randHex(8)
	communityRoom := "it-co-" + randHex(8)
	mustInsertRoom(t, pool, schema, eventRoom, RoomKindEvent)
	mustInsertRoom(t, pool, schema, communityRoom, RoomKindCommunity)
	mustInsertMember(t, pool, schema, eventRoom, "reader")
	mustInsertMember(t, pool, schema, communityRoom, "reader")

	base := time.Now().UTC().Add(-time.Minute)
	insert := func(roomID, author string, i int) Message {
		t.Helper()
		at := base.Add(time.Duration(i) * time.Second)
		m := Message{
			ID:          ids.MustULID(at),
			RoomID:      roomID,
			AuthorID:    author,
			Text:        fmt.Sprintf("n%d", i),
			IsModerated: true,
			CreatedAt:   at,
		}
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
		return m
	}

	insert(eventRoom, "writer", 0)
	insert(eventRoom, "writer", 1)
	insert(eventRoom, "reader", 2) // own message, never counted
	insert(communityRoom, "writer", 3)
	insert(communityRoom, "writer", 4)
	insert(communityRoom, "writer", 5)

	byCursor, err := store.UnreadByCursor(ctx, "reader")
	if err != nil {
		t.Fatalf("unread by cursor: %v", err)
	}
	if byCursor[eventRoom] != 2 {
		t.Fatalf("cursor count: got=%d want=2", byCursor[eventRoom])
	}

	byFlags, err := store.UnreadByFlags(ctx, "reader")
	if err != nil {
		t.Fatalf("unread by flags: %v", err)
	}
	if byFlags[communityRoom] != 3 {
		t.Fatalf("flag count: got=%d want=3", byFlags[communityRoom])
	}

	// Acknowledge both rooms; every count must drop to zero.
	now := time.Now().UTC()
	if err := store.MarkReadCursor(ctx, "reader", eventRoom, now); err != nil {
		t.Fatalf("mark cursor: %v", err)
	}
	if err := store.MarkReadFlags(ctx, "reader", communityRoom, now); err != nil {
		t.Fatalf("mark flags: %v", err)
	}

	n, err := store.CursorUnread(ctx, "reader", eventRoom)
	if err != nil || n != 0 {
		t.Fatalf("cursor unread after mark: n=%d err=%v", n, err)
	}
	n, err = store.FlagUnread(ctx, "reader", communityRoom)
	if err != nil || n != 0 {
		t.Fatalf("flag unread after mark: n=%d err=%v", n, err)
	}

	// New traffic after the acknowledgement counts again.
	insert(communityRoom, "writer", 90)
	n, err = store.FlagUnread(ctx, "reader", communityRoom)
	if err != nil || n != 1 {
		t.Fatalf("flag unread after new message: n=%d err=%v", n, err)
	}

	// Cursor markers never move backwards.
	if err := store.MarkReadCursor(ctx, "reader", eventRoom, now.Add(-time.Hour)); err != nil {
		t.Fatalf("mark cursor backwards: %v", err)
	}
	n, err = store.CursorUnread(ctx, "reader", eventRoom)
	if err != nil || n != 0 {
		t.Fatalf("cursor unread after stale mark: n=%d err=%v", n, err)
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("NBR_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: NBR_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse NBR_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "neighborly_it_" + strings.ToLower(randHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	rooms := pgIdent(schema, "rooms")
	members := pgIdent(schema, "room_members")
	messages := pgIdent(schema, "messages")
	markers := pgIdent(schema, "read_markers")
	reads := pgIdent(schema, "message_reads")

	// Minimal schema required by PostgresStore.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  kind       TEXT NOT NULL CHECK (kind IN ('event', 'community')),
  creator_id TEXT NOT NULL DEFAULT '',
  title      TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  room_id  TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id  TEXT NOT NULL,
  added_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT PRIMARY KEY,
  room_id      TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  author_id    TEXT NOT NULL,
  text         TEXT NOT NULL,
  reply_to_id  TEXT,
  is_deleted   BOOLEAN NOT NULL DEFAULT FALSE,
  is_moderated BOOLEAN NOT NULL DEFAULT TRUE,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= 4096)
);

CREATE INDEX IF NOT EXISTS idx_messages_room_id_desc
  ON %s (room_id, id DESC);

CREATE TABLE IF NOT EXISTS %s (
  user_id TEXT NOT NULL,
  room_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  read_at TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (user_id, room_id)
);

CREATE TABLE IF NOT EXISTS %s (
  message_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  user_id    TEXT NOT NULL,
  read_at    TIMESTAMPTZ NOT NULL,

  PRIMARY KEY (message_id, user_id)
);
`, rooms, members, rooms, messages, rooms, messages, markers, rooms, reads, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func mustInsertRoom(t *testing.T, pool *pgxpool.Pool, schema, roomID string, kind RoomKind) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "rooms")+` (id, kind, creator_id, title) VALUES ($1, $2, 'creator', 'it room')`,
		roomID, string(kind),
	); err != nil {
		t.Fatalf("insert room: %v", err)
	}
}

func mustInsertMember(t *testing.T, pool *pgxpool.Pool, schema, roomID, userID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "room_members")+` (room_id, user_id) VALUES ($1, $2)`,
		roomID, userID,
	); err != nil {
		t.Fatalf("insert member: %v", err)
	}
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
