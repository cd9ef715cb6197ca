package xmpp

import "strings"

// Bare normalizes a JID to its bare form: lowercased, resource suffix
// stripped. Conversation keys and message grouping must all go through this
// so that "Alice@Example.com/phone" and "alice@example.com" land in the same
// conversation.
func Bare(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		jid = jid[:i]
	}
	return strings.ToLower(strings.TrimSpace(jid))
}

// SameBare reports whether two JIDs refer to the same bare identity.
func SameBare(a, b string) bool {
	return Bare(a) == Bare(b)
}
