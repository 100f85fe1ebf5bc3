package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Chat mirrors spec.md §3's Chat entity.
type Chat struct {
	ID             string
	DisplayName    string
	LastActivityTS int64
}

// Message mirrors spec.md §3's Message entity. Primary key is
// (MsgID, ChatID).
type Message struct {
	MsgID      string
	ChatID     string
	SenderID   string
	SenderName string
	Body       string
	TS         int64
	FromSelf   bool
}

// ChatCursor mirrors spec.md §3's ChatCursor entity.
type ChatCursor struct {
	ChatID        string
	LastSeenTS    int64
	LastSeenMsgID string
}

// ChatStore persists Chat, Message, and ChatCursor rows.
type ChatStore struct {
	db *sql.DB
}

// UpsertChat creates a chat on first sighting or updates its display
// name and last-activity timestamp. Chats are never destroyed, per
// spec.md §3.
func (s *ChatStore) UpsertChat(ctx context.Context, chatID, displayName string, lastActivityTS int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, display_name, last_activity_ts) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			last_activity_ts = MAX(chats.last_activity_ts, excluded.last_activity_ts)
	`, chatID, displayName, lastActivityTS)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// InsertMessages persists a batch of messages in one transaction,
// matching spec.md §4.1's "all multi-row writes are wrapped in a
// single transaction" rule. Duplicate (msg_id, chat_id) pairs are
// ignored (idempotent re-ingestion).
func (s *ChatStore) InsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (msg_id, chat_id, sender_id, sender_name, body, ts, from_self)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id, chat_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		fromSelf := 0
		if m.FromSelf {
			fromSelf = 1
		}
		if _, err := stmt.ExecContext(ctx, m.MsgID, m.ChatID, m.SenderID, m.SenderName, m.Body, m.TS, fromSelf); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// MessagesSince runs the exact cursor query from spec.md §4.1: ties
// are broken by numeric message id to tolerate millisecond-collision
// timestamps. Bot-originated messages (from_self=1) are excluded.
func (s *ChatStore) MessagesSince(ctx context.Context, chatID string, sinceTS int64, sinceMsgID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_id, chat_id, sender_id, sender_name, body, ts, from_self
		FROM messages
		WHERE chat_id = ? AND from_self = 0
		  AND (ts > ? OR (ts = ? AND CAST(msg_id AS INTEGER) > CAST(? AS INTEGER)))
		ORDER BY ts, CAST(msg_id AS INTEGER)
		LIMIT ?
	`, chatID, sinceTS, sinceTS, sinceMsgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var fromSelf int
		if err := rows.Scan(&m.MsgID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Body, &m.TS, &fromSelf); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.FromSelf = fromSelf != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCursor returns the chat's current cursor, or the zero cursor if
// none exists yet.
func (s *ChatStore) GetCursor(ctx context.Context, chatID string) (ChatCursor, error) {
	var c ChatCursor
	c.ChatID = chatID
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seen_ts, last_seen_msg_id FROM chat_cursors WHERE chat_id = ?
	`, chatID).Scan(&c.LastSeenTS, &c.LastSeenMsgID)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("get cursor: %w", err)
	}
	return c, nil
}

// AdvanceCursor moves the chat's cursor to (ts, msgID) if and only if
// that pair is strictly greater than the stored one under the
// (ts, numeric-id) total order — enforcing the monotonicity invariant
// of spec.md §8 ("after processing any batch, (last_seen_ts,
// last_seen_msg_id) is >= any element in the batch").
func (s *ChatStore) AdvanceCursor(ctx context.Context, chatID string, ts int64, msgID string) error {
	cur, err := s.GetCursor(ctx, chatID)
	if err != nil {
		return err
	}
	if !cursorLess(cur.LastSeenTS, cur.LastSeenMsgID, ts, msgID) {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_cursors (chat_id, last_seen_ts, last_seen_msg_id) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_seen_ts = excluded.last_seen_ts, last_seen_msg_id = excluded.last_seen_msg_id
	`, chatID, ts, msgID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// AdvanceCursorToLatest advances the cursor to the latest of a
// processed batch in a single call, used by the ingestion pipeline
// after C12 hygiene has filtered the batch.
func (s *ChatStore) AdvanceCursorToLatest(ctx context.Context, chatID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	best := msgs[0]
	for _, m := range msgs[1:] {
		if cursorLess(best.TS, best.MsgID, m.TS, m.MsgID) {
			best = m
		}
	}
	return s.AdvanceCursor(ctx, chatID, best.TS, best.MsgID)
}

// cursorLess reports whether (ts1, id1) sorts strictly before
// (ts2, id2) under the (timestamp, numeric-id) total order.
func cursorLess(ts1 int64, id1 string, ts2 int64, id2 string) bool {
	if ts1 != ts2 {
		return ts1 < ts2
	}
	return numericID(id1) < numericID(id2)
}

// numericID parses a message id as an integer for tie-breaking,
// treating non-numeric ids as 0 so malformed ids never panic.
func numericID(id string) int64 {
	var n int64
	for _, r := range id {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
