package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id   TEXT PRIMARY KEY,
    username  TEXT NOT NULL,
    last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_rooms (
    room_id    TEXT PRIMARY KEY,
    user1_id   TEXT NOT NULL,
    user2_id   TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
    id           BIGSERIAL PRIMARY KEY,
    room_id      TEXT NOT NULL REFERENCES chat_rooms(room_id),
    sender_id    TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    message      TEXT NOT NULL,
    is_read      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages (recipient_id) WHERE is_read = FALSE;
`

// Postgres implements Conversations on database/sql. The caller owns the
// *sql.DB (opened with otelsql in the gateway so queries are traced).
type Postgres struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	unreadStmt *sql.Stmt
}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	insertStmt, err := db.Prepare(
		"INSERT INTO messages (room_id, sender_id, recipient_id, message) VALUES ($1, $2, $3, $4) RETURNING id, created_at")
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	unreadStmt, err := db.Prepare(
		"SELECT COUNT(*) FROM messages WHERE recipient_id = $1 AND is_read = FALSE")
	if err != nil {
		return nil, fmt.Errorf("prepare unread count: %w", err)
	}
	return &Postgres{db: db, insertStmt: insertStmt, unreadStmt: unreadStmt}, nil
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.insertStmt.Close()
	p.unreadStmt.Close()
	return nil
}

func (p *Postgres) UpsertUser(ctx context.Context, userID, username string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, last_seen) VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username, last_seen = NOW()`,
		userID, username)
	if err != nil {
		return fmt.Errorf("%w: upsert user: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) EnsureRoom(ctx context.Context, roomID, user1ID, user2ID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO chat_rooms (room_id, user1_id, user2_id) VALUES ($1, $2, $3)
		 ON CONFLICT (room_id) DO NOTHING`,
		roomID, user1ID, user2ID)
	if err != nil {
		return fmt.Errorf("%w: ensure room: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) SaveMessage(ctx context.Context, roomID, senderID, recipientID, body string) (Message, error) {
	m := Message{
		RoomID:      roomID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
	}
	err := p.insertStmt.QueryRowContext(ctx, roomID, senderID, recipientID, body).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("%w: save message: %v", ErrUnavailable, err)
	}
	return m, nil
}

func (p *Postgres) History(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.recipient_id, m.message, m.is_read, m.created_at,
		        COALESCE(u.username, m.sender_id)
		 FROM messages m
		 LEFT JOIN users u ON m.sender_id = u.user_id
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Query is newest-first for the limit; clients want oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *Postgres) MarkRead(ctx context.Context, roomID, readerID string) error {
	_, err := p.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE room_id = $1 AND recipient_id = $2 AND is_read = FALSE",
		roomID, readerID)
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *Postgres) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	if err := p.unreadStmt.QueryRowContext(ctx, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: unread count: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (p *Postgres) Delete(ctx context.Context, messageID int64, senderID string) (Message, bool, error) {
	var m Message
	err := p.db.QueryRowContext(ctx,
		`DELETE FROM messages WHERE id = $1 AND sender_id = $2
		 RETURNING id, room_id, sender_id, recipient_id, message, is_read, created_at`,
		messageID, senderID).
		Scan(&m.ID, &m.RoomID, &m.SenderID, &m.RecipientID, &m.Body, &m.IsRead, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("%w: delete message: %v", ErrUnavailable, err)
	}
	return m, true, nil
}

func (p *Postgres) Search(ctx context.Context, userID, term string) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT m.id, m.room_id, m.sender_id, m.recipient_id, m.message, m.is_read, m.created_at,
		        COALESCE(u.username, m.sender_id)
		 FROM messages m
		 LEFT JOIN users u ON m.sender_id = u.user_id
		 JOIN chat_rooms cr ON m.room_id = cr.room_id
		 WHERE (cr.user1_id = $1 OR cr.user2_id = $1) AND m.message ILIKE $2
		 ORDER BY m.created_at DESC
		 LIMIT 50`,
		userID, "%"+term+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (p *Postgres) RoomsFor(ctx context.Context, userID string) ([]RoomSummary, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT cr.room_id, cr.user1_id, cr.user2_id,
		        COALESCE(u1.username, cr.user1_id), COALESCE(u2.username, cr.user2_id),
		        m.message, m.created_at, m.sender_id
		 FROM chat_rooms cr
		 LEFT JOIN users u1 ON cr.user1_id = u1.user_id
		 LEFT JOIN users u2 ON cr.user2_id = u2.user_id
		 LEFT JOIN LATERAL (
		     SELECT message, created_at, sender_id
		     FROM messages
		     WHERE room_id = cr.room_id
		     ORDER BY created_at DESC
		     LIMIT 1
		 ) m ON TRUE
		 WHERE cr.user1_id = $1 OR cr.user2_id = $1
		 ORDER BY m.created_at DESC NULLS LAST`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("%w: rooms for user: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var summaries []RoomSummary
	for rows.Next() {
		var s RoomSummary
		var lastMessage, lastSender sql.NullString
		var lastTime sql.NullTime
		if err := rows.Scan(&s.RoomID, &s.User1ID, &s.User2ID, &s.User1Name, &s.User2Name,
			&lastMessage, &lastTime, &lastSender); err != nil {
			return nil, fmt.Errorf("%w: scan room summary: %v", ErrUnavailable, err)
		}
		if lastMessage.Valid {
			s.LastMessage = lastMessage.String
		}
		if lastTime.Valid {
			t := lastTime.Time
			s.LastMessageTime = &t
		}
		if lastSender.Valid {
			s.LastSenderID = lastSender.String
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rooms for user: %v", ErrUnavailable, err)
	}
	return summaries, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.RecipientID, &m.Body, &m.IsRead,
			&m.CreatedAt, &m.SenderName); err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", ErrUnavailable, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrUnavailable, err)
	}
	return messages, nil
}
