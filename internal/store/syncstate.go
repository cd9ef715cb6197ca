package store

import (
	"database/sql"
	"time"
)

// Well-known sync_state keys.
const (
	KeyLastSyncAt  = "last_sync_at"
	KeyGlobalToken = "global_token"
)

// PeerTokenKey returns the sync_state key holding the archive continuation
// token for one peer.
func PeerTokenKey(peerJID string) string {
	return "token:" + peerJID
}

// SetSyncState stores a sync checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return wrap("set sync state", err)
}

// GetSyncState retrieves a sync checkpoint value, or "" if unset.
func (db *DB) GetSyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", wrap("get sync state", err)
	}
	return value, nil
}
