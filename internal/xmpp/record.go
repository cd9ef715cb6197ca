package xmpp

import (
	"time"

	"github.com/tmarqs/xim/internal/store"
)

// Peer returns the conversation partner for a record: whichever side of
// from/to is not selfJID. For a self-chat both sides match and the own bare
// JID is returned.
func (r ArchiveRecord) Peer(selfJID string) string {
	self := Bare(selfJID)
	if from := Bare(r.From); from != self {
		return from
	}
	return Bare(r.To)
}

// FromMe reports whether the record was sent by the local user.
func (r ArchiveRecord) FromMe(selfJID string) bool {
	return SameBare(r.From, selfJID)
}

// ToStoreMessage normalizes an archive record into a cache message for the
// given local identity. A record with no timestamp is not fatal: the current
// time is substituted so the batch keeps flowing.
func (r ArchiveRecord) ToStoreMessage(selfJID string) store.Message {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return store.Message{
		MsgID:     r.ID,
		PeerJID:   r.Peer(selfJID),
		Body:      r.Body,
		FromMe:    r.FromMe(selfJID),
		Status:    store.StatusSent,
		Timestamp: ts.UnixMilli(),
	}
}
