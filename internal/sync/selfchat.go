package sync

import "github.com/tmarqs/xim/internal/store"

// selfChatKey groups the two archive copies of one logical self-chat
// message: same body, same timestamp rounded down to whole seconds.
type selfChatKey struct {
	body string
	sec  int64
}

// reconcileSelfChat fixes directionality for a self-chat, where the archive
// legitimately holds every logical message twice (the sent copy and the
// received copy). It must run over the complete time-ordered result set for
// the peer, never a single page, because a duplicate pair can straddle a
// page boundary. Occurrences of each key alternate in first-seen order:
// first outgoing, second incoming, and so on.
func reconcileSelfChat(msgs []store.Message) {
	seen := make(map[selfChatKey]int)
	for i := range msgs {
		k := selfChatKey{body: msgs[i].Body, sec: msgs[i].Timestamp / 1000}
		n := seen[k]
		seen[k] = n + 1
		msgs[i].FromMe = n%2 == 0
	}
}
