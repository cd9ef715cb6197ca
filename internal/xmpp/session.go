package xmpp

import (
	"context"
	"time"
)

// ArchiveQuery selects a slice of the remote message archive.
// An empty With queries across all peers.
type ArchiveQuery struct {
	With        string
	Start       time.Time
	End         time.Time
	Max         int
	AfterToken  string
	BeforeToken string
}

// ArchiveRecord is one raw archived message as reported by the server.
type ArchiveRecord struct {
	ID        string
	From      string
	To        string
	Body      string
	Timestamp time.Time
}

// ArchivePage is one page of an archive query result. LastToken is the
// continuation token for the next page; Complete means the server reported
// the end of the result set.
type ArchivePage struct {
	Records   []ArchiveRecord
	LastToken string
	Complete  bool
}

// VCard is a remote profile document.
type VCard struct {
	FullName    string
	Nickname    string
	Photo       string
	Email       string
	Description string
}

// RosterEntry is one contact from the server-side roster.
type RosterEntry struct {
	JID  string
	Name string
}

// Session is the wire-protocol collaborator the engine consumes. Connection
// establishment, stream management, and stanza plumbing live behind it; the
// engine only issues queries and sends while its owner drives the lifecycle
// events into the state machine.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()

	// SendMessage sends a chat message and returns the server-assigned
	// message id once acked.
	SendMessage(ctx context.Context, to, body string) (string, error)

	// QueryArchive fetches one page of the remote archive.
	QueryArchive(ctx context.Context, q ArchiveQuery) (*ArchivePage, error)

	// FetchVCard retrieves a peer's profile document, or nil if none exists.
	FetchVCard(ctx context.Context, jid string) (*VCard, error)

	// Roster returns the server-side contact list.
	Roster(ctx context.Context) ([]RosterEntry, error)
}
