package store

// Message delivery status values. Transitions are monotonic: pending may
// become sent or failed, and sent is never reverted.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Conversation is the per-peer summary row. Exactly one row exists per
// normalized bare JID.
type Conversation struct {
	PeerJID       string
	DisplayName   string
	Avatar        string
	LastMsgID     string
	LastMsgBody   string
	LastMsgAt     int64
	LastMsgFromMe bool
	UnreadCount   int
	UpdatedAt     int64
}

// Message is one cached chat message. MsgID is globally unique; TempID links
// an optimistically inserted local message to its eventual server id.
type Message struct {
	ID        int64
	MsgID     string
	PeerJID   string
	Body      string
	FromMe    bool
	Status    string
	TempID    string
	Timestamp int64
}

// Profile is a time-bounded cache entry for a remote profile document.
type Profile struct {
	PeerJID     string
	FullName    string
	Nickname    string
	Avatar      string
	Email       string
	Description string
	UpdatedAt   int64
}

// Fresh reports whether the cache entry is younger than ttlMillis.
func (p *Profile) Fresh(nowMillis, ttlMillis int64) bool {
	return p != nil && nowMillis-p.UpdatedAt < ttlMillis
}

// DisplayName returns the best human-readable name from the profile,
// preferring the nickname.
func (p *Profile) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.FullName
}
