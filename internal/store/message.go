package store

import (
	"database/sql"
	"fmt"
	"time"
)

// suspectWindow bounds the "suspiciously recent" timestamp heuristic: a
// stored timestamp within this window of now is treated as an optimistic
// placeholder and may be corrected by an authoritative archive timestamp.
const suspectWindow = 5 * time.Second

// saveMessageSQL inserts a message or merges a duplicate by msg_id. Updates
// are only-improving: status may upgrade pending -> sent but never the
// reverse, and the timestamp is only replaced when the stored one sits
// inside the suspect window while the incoming one does not. The two
// trailing parameters are the suspect cutoff (now - suspectWindow).
const saveMessageSQL = `
	INSERT INTO messages (msg_id, peer_jid, body, from_me, status, temp_id, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(msg_id) DO UPDATE SET
		body = excluded.body,
		from_me = excluded.from_me,
		status = CASE WHEN messages.status = 'pending' AND excluded.status = 'sent' THEN 'sent' ELSE messages.status END,
		temp_id = CASE WHEN messages.temp_id != '' THEN messages.temp_id ELSE excluded.temp_id END,
		timestamp = CASE WHEN messages.timestamp >= ? AND excluded.timestamp < ? THEN excluded.timestamp ELSE messages.timestamp END`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func saveMessage(e execer, m *Message, now time.Time) error {
	status := m.Status
	if status == "" {
		status = StatusSent
	}
	cutoff := now.Add(-suspectWindow).UnixMilli()
	_, err := e.Exec(saveMessageSQL,
		m.MsgID, m.PeerJID, m.Body, m.FromMe, status, m.TempID, m.Timestamp, now.UnixMilli(),
		cutoff, cutoff)
	return err
}

// SaveMessage inserts or merges a single message (idempotent on msg_id).
func (db *DB) SaveMessage(m *Message) error {
	return wrap("save message", saveMessage(db.DB, m, time.Now()))
}

// SaveMessages inserts or merges a batch of messages in one transaction.
// Re-ingesting an identical batch leaves the store unchanged.
func (db *DB) SaveMessages(msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for i := range msgs {
		if err := saveMessage(tx, &msgs[i], now); err != nil {
			return wrap(fmt.Sprintf("save message %q", msgs[i].MsgID), err)
		}
	}
	return wrap("commit", tx.Commit())
}

// ReplaceConversationMessages deletes all prior messages for a peer and
// inserts the new set as one atomic unit. A failure anywhere rolls the
// transaction back, leaving the prior set intact. Pending messages survive
// the clear, since an in-flight optimistic echo is not in the server archive
// yet, but after the refill any echo matched by a delivered row (same
// direction and body, timestamps within the suspect window) is dropped:
// that row is the echo's server copy, arrived under its real id.
func (db *DB) ReplaceConversationMessages(peerJID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE peer_jid = ? AND status != ?`,
		peerJID, StatusPending); err != nil {
		return wrap("clear conversation messages", err)
	}
	now := time.Now()
	for i := range msgs {
		if err := saveMessage(tx, &msgs[i], now); err != nil {
			return wrap(fmt.Sprintf("refill message %q", msgs[i].MsgID), err)
		}
	}
	if _, err := tx.Exec(`
		DELETE FROM messages WHERE peer_jid = ? AND status = ?
		AND EXISTS (
			SELECT 1 FROM messages d
			WHERE d.peer_jid = messages.peer_jid AND d.status != ?
			AND d.from_me = messages.from_me AND d.body = messages.body
			AND ABS(d.timestamp - messages.timestamp) <= ?)`,
		peerJID, StatusPending, StatusPending, suspectWindow.Milliseconds()); err != nil {
		return wrap("resolve pending echoes", err)
	}
	return wrap("commit", tx.Commit())
}

// FindDeliveredEcho locates the delivered archive copy of an optimistic
// outgoing echo: same peer, same body, sent by us, timestamps within the
// suspect window. Returns nil when no such copy exists.
func (db *DB) FindDeliveredEcho(peerJID, body string, ts int64) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, msg_id, peer_jid, body, from_me, status, temp_id, timestamp
		FROM messages
		WHERE peer_jid = ? AND body = ? AND from_me = 1 AND status != ?
		AND ABS(timestamp - ?) <= ?
		ORDER BY ABS(timestamp - ?) LIMIT 1`,
		peerJID, body, StatusPending, ts, suspectWindow.Milliseconds(), ts).
		Scan(&m.ID, &m.MsgID, &m.PeerJID, &m.Body, &m.FromMe, &m.Status, &m.TempID, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("find delivered echo", err)
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(peerJID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, msg_id, peer_jid, body, from_me, status, temp_id, timestamp
		FROM messages
		WHERE peer_jid = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, peerJID, beforeTs, limit)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.PeerJID, &m.Body, &m.FromMe, &m.Status, &m.TempID, &m.Timestamp); err != nil {
			return nil, wrap("scan message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, wrap("list messages", rows.Err())
}

// GetMessage returns a message by its server id, or nil.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, msg_id, peer_jid, body, from_me, status, temp_id, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.MsgID, &m.PeerJID, &m.Body, &m.FromMe, &m.Status, &m.TempID, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return &m, nil
}

// ConfirmPending resolves an optimistic message to its server-assigned id
// and upgrades it to sent. If the server copy was already ingested by a
// concurrent resync, the placeholder is dropped instead.
func (db *DB) ConfirmPending(tempID, serverMsgID string) error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE msg_id = ?`, serverMsgID).Scan(&exists)
	if err != nil {
		return wrap("confirm pending", err)
	}
	if exists > 0 {
		if _, err := tx.Exec(`DELETE FROM messages WHERE temp_id = ? AND status = ?`, tempID, StatusPending); err != nil {
			return wrap("drop placeholder", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE messages SET msg_id = ?, status = ?
			WHERE temp_id = ? AND status = ?`,
			serverMsgID, StatusSent, tempID, StatusPending); err != nil {
			return wrap("confirm pending", err)
		}
	}
	return wrap("commit", tx.Commit())
}

// FailPending marks an optimistic message as failed after a send error.
func (db *DB) FailPending(tempID string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ? WHERE temp_id = ? AND status = ?`,
		StatusFailed, tempID, StatusPending)
	return wrap("fail pending", err)
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, wrap("message count", err)
}

// MessageCountForPeer returns the number of cached messages for one peer.
func (db *DB) MessageCountForPeer(peerJID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE peer_jid = ?`, peerJID).Scan(&count)
	return count, wrap("message count", err)
}
