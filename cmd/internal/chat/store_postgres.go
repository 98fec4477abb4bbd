package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// The membership check reads committed state on every call (no cache);
// membership changes take effect immediately.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "neighborly").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "neighborly",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CanAccess reports membership of userID in roomID against committed state.
func (s *PostgresStore) CanAccess(ctx context.Context, userID, roomID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil store")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "room_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRoom fetches a room row, returning ErrNotFound for a missing id.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	if s == nil || s.pool == nil {
		return Room{}, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	rooms := pgIdent(s.schema, "rooms")

	var room Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, creator_id, title, created_at FROM `+rooms+` WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.Kind, &room.CreatorID, &room.Title, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, OpError{Op: "chat.GetRoom", Kind: ErrNotFound, Msg: "room"}
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// RoomMemberIDs returns member user ids for a room ordered by user id.
func (s *PostgresStore) RoomMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := pgIdent(s.schema, "room_members")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE room_id = $1 ORDER BY user_id ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertMessage writes one message row. The insert either commits fully or
// returns an error; there is no partial state.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if msg.ID == "" || msg.RoomID == "" || msg.AuthorID == "" {
		return errors.New("chat: invalid message input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	var replyTo *string
	if msg.ReplyTo != "" {
		replyTo = &msg.ReplyTo
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, room_id, author_id, text, reply_to_id, is_deleted, is_moderated, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.RoomID, msg.AuthorID, msg.Text, replyTo, msg.IsDeleted, msg.IsModerated, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRoomMessages returns visible messages newest-first with BeforeID paging.
func (s *PostgresStore) ListRoomMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if s == nil || s.pool == nil {
		return ListMessagesResult{}, errors.New("chat: nil store")
	}
	if in.RoomID == "" {
		return ListMessagesResult{}, errors.New("missing room_id")
	}
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
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.BeforeID == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, author_id, text, COALESCE(reply_to_id, ''), is_deleted, is_moderated, created_at
			   FROM `+messages+`
			  WHERE room_id = $1 AND NOT is_deleted AND is_moderated
			  ORDER BY id DESC
			  LIMIT $2`,
			in.RoomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, author_id, text, COALESCE(reply_to_id, ''), is_deleted, is_moderated, created_at
			   FROM `+messages+`
			  WHERE room_id = $1 AND id < $2 AND NOT is_deleted AND is_moderated
			  ORDER BY id DESC
			  LIMIT $3`,
			in.RoomID, in.BeforeID, fetch,
		)
	}
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Text, &m.ReplyTo, &m.IsDeleted, &m.IsModerated, &m.CreatedAt); err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// ---- cursor style (event rooms) ----

// MarkReadCursor upserts the (user, room) read marker, never moving it backwards.
func (s *PostgresStore) MarkReadCursor(ctx context.Context, userID, roomID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	markers := pgIdent(s.schema, "read_markers")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+markers+` (user_id, room_id, read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, room_id)
		 DO UPDATE SET read_at = GREATEST(`+markers+`.read_at, EXCLUDED.read_at)`,
		userID, roomID, at,
	)
	return err
}

// UnreadByCursor counts qualifying messages newer than each event room's
// marker for all rooms the user belongs to, in a single grouped query.
func (s *PostgresStore) UnreadByCursor(ctx context.Context, userID string) (map[string]int64, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")
	markers := pgIdent(s.schema, "read_markers")

	rows, err := s.pool.Query(ctx,
		`SELECT m.room_id, COUNT(*)
		   FROM `+messages+` m
		   JOIN `+rooms+` r ON r.id = m.room_id AND r.kind = 'event'
		   JOIN `+members+` rm ON rm.room_id = m.room_id AND rm.user_id = $1
		   LEFT JOIN `+markers+` k ON k.room_id = m.room_id AND k.user_id = $1
		  WHERE NOT m.is_deleted AND m.is_moderated AND m.author_id <> $1
		    AND (k.read_at IS NULL OR m.created_at > k.read_at)
		  GROUP BY m.room_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRoomCounts(rows)
}

// CursorUnread counts qualifying messages newer than the marker for one room.
func (s *PostgresStore) CursorUnread(ctx context.Context, userID, roomID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")
	markers := pgIdent(s.schema, "read_markers")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+messages+` m
		   LEFT JOIN `+markers+` k ON k.room_id = m.room_id AND k.user_id = $1
		  WHERE m.room_id = $2
		    AND NOT m.is_deleted AND m.is_moderated AND m.author_id <> $1
		    AND (k.read_at IS NULL OR m.created_at > k.read_at)`,
		userID, roomID,
	).Scan(&n)
	return n, err
}

// ---- flag style (community rooms) ----

// MarkReadFlags records a read row for every qualifying message in the room.
func (s *PostgresStore) MarkReadFlags(ctx context.Context, userID, roomID string, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+reads+` (message_id, user_id, read_at)
		 SELECT m.id, $1, $3
		   FROM `+messages+` m
		  WHERE m.room_id = $2
		    AND NOT m.is_deleted AND m.is_moderated AND m.author_id <> $1
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		userID, roomID, at,
	)
	return err
}

// UnreadByFlags counts qualifying messages lacking a read record, grouped by
// room, for all community rooms the user belongs to, in a single query.
func (s *PostgresStore) UnreadByFlags(ctx context.Context, userID string) (map[string]int64, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := pgIdent(s.schema, "messages")
	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")
	reads := pgIdent(s.schema, "message_reads")

	rows, err := s.pool.Query(ctx,
		`SELECT m.room_id, COUNT(*)
		   FROM `+messages+` m
		   JOIN `+rooms+` r ON r.id = m.room_id AND r.kind = 'community'
		   JOIN `+members+` rm ON rm.room_id = m.room_id AND rm.user_id = $1
		   LEFT JOIN `+reads+` mr ON mr.message_id = m.id AND mr.user_id = $1
		  WHERE NOT m.is_deleted AND m.is_moderated AND m.author_id <> $1
		    AND mr.message_id IS NULL
		  GROUP BY m.room_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRoomCounts(rows)
}

// FlagUnread counts qualifying messages lacking a read record for one room.
func (s *PostgresStore) FlagUnread(ctx context.Context, userID, roomID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := pgIdent(s.schema, "messages")
	reads := pgIdent(s.schema, "message_reads")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		   FROM `+messages+` m
		   LEFT JOIN `+reads+` mr ON mr.message_id = m.id AND mr.user_id = $1
		  WHERE m.room_id = $2
		    AND NOT m.is_deleted AND m.is_moderated AND m.author_id <> $1
		    AND mr.message_id IS NULL`,
		userID, roomID,
	).Scan(&n)
	return n, err
}

func scanRoomCounts(rows pgx.Rows) (map[string]int64, error) {
	out := make(map[string]int64)
	for rows.Next() {
		var (
			roomID string
			n      int64
		)
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, err
		}
		out[roomID] = n
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
