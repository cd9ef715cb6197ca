package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertProfile inserts or refreshes a cached profile document. Empty
// incoming fields never erase previously cached values; updated_at is always
// refreshed so staleness is measured from the last fetch.
func (db *DB) UpsertProfile(p *Profile) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO profiles (peer_jid, full_name, nickname, avatar, email, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_jid) DO UPDATE SET
			full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE profiles.full_name END,
			nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE profiles.nickname END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE profiles.avatar END,
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE profiles.email END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE profiles.description END,
			updated_at = excluded.updated_at`,
		p.PeerJID, p.FullName, p.Nickname, p.Avatar, p.Email, p.Description, now)
	return wrap("upsert profile", err)
}

// BulkUpsertProfiles refreshes multiple profiles in a single transaction.
func (db *DB) BulkUpsertProfiles(profiles []Profile) error {
	tx, err := db.Begin()
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, p := range profiles {
		if _, err := tx.Exec(`
			INSERT INTO profiles (peer_jid, full_name, nickname, avatar, email, description, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(peer_jid) DO UPDATE SET
				full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE profiles.full_name END,
				nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE profiles.nickname END,
				avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE profiles.avatar END,
				email = CASE WHEN excluded.email != '' THEN excluded.email ELSE profiles.email END,
				description = CASE WHEN excluded.description != '' THEN excluded.description ELSE profiles.description END,
				updated_at = excluded.updated_at`,
			p.PeerJID, p.FullName, p.Nickname, p.Avatar, p.Email, p.Description, now); err != nil {
			return wrap(fmt.Sprintf("upsert profile %q", p.PeerJID), err)
		}
	}
	return wrap("commit", tx.Commit())
}

// GetProfile returns a cached profile by bare JID, or nil.
func (db *DB) GetProfile(peerJID string) (*Profile, error) {
	var p Profile
	err := db.QueryRow(`
		SELECT peer_jid, full_name, nickname, avatar, email, description, updated_at
		FROM profiles WHERE peer_jid = ?`, peerJID).
		Scan(&p.PeerJID, &p.FullName, &p.Nickname, &p.Avatar, &p.Email, &p.Description, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get profile", err)
	}
	return &p, nil
}

// ListProfiles returns all cached profiles.
func (db *DB) ListProfiles() ([]Profile, error) {
	rows, err := db.Query(`
		SELECT peer_jid, full_name, nickname, avatar, email, description, updated_at
		FROM profiles ORDER BY peer_jid`)
	if err != nil {
		return nil, wrap("list profiles", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.PeerJID, &p.FullName, &p.Nickname, &p.Avatar, &p.Email, &p.Description, &p.UpdatedAt); err != nil {
			return nil, wrap("scan profile", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, wrap("list profiles", rows.Err())
}

// DeleteProfile evicts a cached profile.
func (db *DB) DeleteProfile(peerJID string) error {
	_, err := db.Exec(`DELETE FROM profiles WHERE peer_jid = ?`, peerJID)
	return wrap("delete profile", err)
}
