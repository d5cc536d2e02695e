package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on conversation + id).
// A recalled message never becomes un-recalled and keeps its placeholder
// content; empty fields in m do not overwrite what is already archived.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation, id, client_id, room_id, sender_id, recipient_id, sender_name, content, timestamp, recalled, recalled_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation, id) DO UPDATE SET
			client_id = CASE WHEN excluded.client_id != '' THEN excluded.client_id ELSE messages.client_id END,
			sender_id = CASE WHEN excluded.sender_id != 0 THEN excluded.sender_id ELSE messages.sender_id END,
			sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
			content = CASE WHEN messages.recalled = 1 AND excluded.recalled = 0 THEN messages.content
				WHEN excluded.content != '' THEN excluded.content ELSE messages.content END,
			timestamp = CASE WHEN excluded.timestamp != 0 THEN excluded.timestamp ELSE messages.timestamp END,
			recalled = MAX(messages.recalled, excluded.recalled),
			recalled_by = CASE WHEN excluded.recalled_by != '' THEN excluded.recalled_by ELSE messages.recalled_by END,
			updated_at = excluded.updated_at`,
		m.Conversation, m.ID, m.ClientID, m.RoomID, m.SenderID, m.RecipientID, m.SenderName, m.Content, m.Timestamp, m.Recalled, m.RecalledBy, now)
	return err
}

// MarkRecalled flags an archived message as recalled and replaces its text
// with placeholder. It reports false when the message is not archived.
func (db *DB) MarkRecalled(conversation string, id int64, by, placeholder string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET recalled = 1, recalled_by = ?, content = ?, updated_at = ?
		WHERE conversation = ? AND id = ?`,
		by, placeholder, time.Now().UnixMilli(), conversation, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns one archived message, or nil if absent.
func (db *DB) GetMessage(conversation string, id int64) (*Message, error) {
	row := db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages WHERE conversation = ? AND id = ?`, conversation, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversation string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversation, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ListRoomMessages pages through a room transcript.
func (db *DB) ListRoomMessages(roomID, beforeTs int64, limit int) ([]Message, error) {
	return db.ListMessages(RoomConversation(roomID), beforeTs, limit)
}

// ListPrivateMessages pages through the transcript with peer.
func (db *DB) ListPrivateMessages(peerID, beforeTs int64, limit int) ([]Message, error) {
	return db.ListMessages(PrivateConversation(peerID), beforeTs, limit)
}

// SearchMessages finds non-recalled messages whose content contains query,
// optionally within one conversation.
func (db *DB) SearchMessages(query, conversation string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE recalled = 0 AND content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversation != "" {
		q += " AND conversation = ?"
		args = append(args, conversation)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

const messageColumns = `conversation, id, client_id, room_id, sender_id, recipient_id, sender_name, content, timestamp, recalled, recalled_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var m Message
	err := s.Scan(&m.Conversation, &m.ID, &m.ClientID, &m.RoomID, &m.SenderID, &m.RecipientID,
		&m.SenderName, &m.Content, &m.Timestamp, &m.Recalled, &m.RecalledBy)
	return m, err
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
