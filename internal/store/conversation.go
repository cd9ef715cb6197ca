package store

import (
	"database/sql"
	"fmt"
)

// upsertConversationSQL merges a summary into an existing row. unread_count
// is deliberately absent from the conflict clause: it is preserved across
// every update that does not set it explicitly (see MarkRead and
// IncrementUnread). last_msg fields only move forward; a tie on last_msg_at
// prefers the incoming row, so the record observed later wins.
const upsertConversationSQL = `
	INSERT INTO conversations (peer_jid, display_name, avatar, last_msg_id, last_msg_body, last_msg_at, last_msg_from_me, unread_count, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(peer_jid) DO UPDATE SET
		display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
		avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE conversations.avatar END,
		last_msg_id = CASE WHEN excluded.last_msg_at >= conversations.last_msg_at THEN excluded.last_msg_id ELSE conversations.last_msg_id END,
		last_msg_body = CASE WHEN excluded.last_msg_at >= conversations.last_msg_at THEN excluded.last_msg_body ELSE conversations.last_msg_body END,
		last_msg_from_me = CASE WHEN excluded.last_msg_at >= conversations.last_msg_at THEN excluded.last_msg_from_me ELSE conversations.last_msg_from_me END,
		last_msg_at = MAX(conversations.last_msg_at, excluded.last_msg_at),
		updated_at = MAX(conversations.updated_at, excluded.updated_at)`

// UpsertConversation inserts or merges a conversation summary.
func (db *DB) UpsertConversation(c *Conversation) error {
	_, err := db.Exec(upsertConversationSQL,
		c.PeerJID, c.DisplayName, c.Avatar, c.LastMsgID, c.LastMsgBody,
		c.LastMsgAt, c.LastMsgFromMe, c.UnreadCount, c.UpdatedAt)
	return wrap("upsert conversation", err)
}

// BulkUpsertConversations merges multiple summaries in a single transaction.
func (db *DB) BulkUpsertConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range convs {
		if _, err := tx.Exec(upsertConversationSQL,
			c.PeerJID, c.DisplayName, c.Avatar, c.LastMsgID, c.LastMsgBody,
			c.LastMsgAt, c.LastMsgFromMe, c.UnreadCount, c.UpdatedAt); err != nil {
			return wrap(fmt.Sprintf("upsert conversation %q", c.PeerJID), err)
		}
	}
	return wrap("commit", tx.Commit())
}

// SetProfileInfo updates a conversation's display fields from a refreshed
// profile. Empty values never overwrite existing data.
func (db *DB) SetProfileInfo(peerJID, displayName, avatar string) error {
	_, err := db.Exec(`
		UPDATE conversations SET
			display_name = CASE WHEN ? != '' THEN ? ELSE display_name END,
			avatar = CASE WHEN ? != '' THEN ? ELSE avatar END
		WHERE peer_jid = ?`,
		displayName, displayName, avatar, avatar, peerJID)
	return wrap("set profile info", err)
}

// ListConversations returns conversations sorted by last message timestamp
// descending. Display names are resolved via LEFT JOIN to the profile cache
// with fallback: conversation.display_name -> profile.nickname ->
// profile.full_name -> peer JID.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT c.peer_jid,
			COALESCE(NULLIF(c.display_name,''), NULLIF(p.nickname,''), NULLIF(p.full_name,''), c.peer_jid) AS display_name,
			c.avatar, c.last_msg_id, c.last_msg_body, c.last_msg_at, c.last_msg_from_me,
			c.unread_count, c.updated_at
		FROM conversations c
		LEFT JOIN profiles p ON c.peer_jid = p.peer_jid
		ORDER BY c.last_msg_at DESC`)
	if err != nil {
		return nil, wrap("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerJID, &c.DisplayName, &c.Avatar, &c.LastMsgID,
			&c.LastMsgBody, &c.LastMsgAt, &c.LastMsgFromMe, &c.UnreadCount, &c.UpdatedAt); err != nil {
			return nil, wrap("scan conversation", err)
		}
		convs = append(convs, c)
	}
	return convs, wrap("list conversations", rows.Err())
}

// GetConversation returns a single conversation by bare JID, or nil.
func (db *DB) GetConversation(peerJID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT c.peer_jid,
			COALESCE(NULLIF(c.display_name,''), NULLIF(p.nickname,''), NULLIF(p.full_name,''), c.peer_jid) AS display_name,
			c.avatar, c.last_msg_id, c.last_msg_body, c.last_msg_at, c.last_msg_from_me,
			c.unread_count, c.updated_at
		FROM conversations c
		LEFT JOIN profiles p ON c.peer_jid = p.peer_jid
		WHERE c.peer_jid = ?`, peerJID).
		Scan(&c.PeerJID, &c.DisplayName, &c.Avatar, &c.LastMsgID,
			&c.LastMsgBody, &c.LastMsgAt, &c.LastMsgFromMe, &c.UnreadCount, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get conversation", err)
	}
	return &c, nil
}

// MarkRead resets a conversation's unread counter to zero.
func (db *DB) MarkRead(peerJID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE peer_jid = ?`, peerJID)
	return wrap("mark read", err)
}

// IncrementUnread bumps a conversation's unread counter by one.
func (db *DB) IncrementUnread(peerJID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = unread_count + 1 WHERE peer_jid = ?`, peerJID)
	return wrap("increment unread", err)
}

// DeleteConversation removes a conversation and all of its messages as one
// atomic unit.
func (db *DB) DeleteConversation(peerJID string) error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE peer_jid = ?`, peerJID); err != nil {
		return wrap("delete conversation messages", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE peer_jid = ?`, peerJID); err != nil {
		return wrap("delete conversation", err)
	}
	return wrap("commit", tx.Commit())
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, wrap("conversation count", err)
}
