package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + indexes)", result.Version)
	}
}

func TestConversationUpsertMerges(t *testing.T) {
	db := testDB(t)

	c := &Conversation{
		PeerJID: "alice@example.com", DisplayName: "Alice",
		LastMsgID: "m1", LastMsgBody: "hello", LastMsgAt: 1000, UpdatedAt: 1000,
	}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	// Newer summary wins; empty display name does not erase the old one.
	newer := &Conversation{
		PeerJID: "alice@example.com",
		LastMsgID: "m2", LastMsgBody: "later", LastMsgAt: 2000, LastMsgFromMe: true, UpdatedAt: 2000,
	}
	if err := db.UpsertConversation(newer); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation missing")
	}
	if got.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice (preserved)", got.DisplayName)
	}
	if got.LastMsgID != "m2" || got.LastMsgBody != "later" || !got.LastMsgFromMe {
		t.Errorf("last message not advanced: %+v", got)
	}

	// Older summary must not regress the last message.
	older := &Conversation{
		PeerJID: "alice@example.com",
		LastMsgID: "m0", LastMsgBody: "ancient", LastMsgAt: 500, UpdatedAt: 500,
	}
	if err := db.UpsertConversation(older); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetConversation("alice@example.com")
	if got.LastMsgID != "m2" {
		t.Errorf("last_msg_id = %q after stale upsert, want m2", got.LastMsgID)
	}
}

func TestConversationUnreadPreserved(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{PeerJID: "bob@example.com", LastMsgAt: 1000}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := db.IncrementUnread("bob@example.com"); err != nil {
			t.Fatal(err)
		}
	}

	// A summary update without an explicit unread value preserves the counter.
	if err := db.UpsertConversation(&Conversation{
		PeerJID: "bob@example.com", LastMsgID: "m9", LastMsgBody: "new", LastMsgAt: 9000, UpdatedAt: 9000,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetConversation("bob@example.com")
	if got.UnreadCount != 3 {
		t.Errorf("unread = %d after summary update, want 3", got.UnreadCount)
	}

	// Mark-as-read always succeeds.
	if err := db.MarkRead("bob@example.com"); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetConversation("bob@example.com")
	if got.UnreadCount != 0 {
		t.Errorf("unread = %d after MarkRead, want 0", got.UnreadCount)
	}
}

func TestListConversationsOrderAndNameFallback(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertConversation(&Conversation{PeerJID: "old@example.com", LastMsgAt: 100})
	_ = db.UpsertConversation(&Conversation{PeerJID: "new@example.com", LastMsgAt: 900})
	if err := db.UpsertProfile(&Profile{PeerJID: "new@example.com", Nickname: "Newton"}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].PeerJID != "new@example.com" {
		t.Errorf("first = %q, want new@example.com (newest first)", convs[0].PeerJID)
	}
	if convs[0].DisplayName != "Newton" {
		t.Errorf("display name = %q, want Newton (profile fallback)", convs[0].DisplayName)
	}
	if convs[1].DisplayName != "old@example.com" {
		t.Errorf("display name = %q, want bare JID fallback", convs[1].DisplayName)
	}
}

func TestSaveMessagesIdempotent(t *testing.T) {
	db := testDB(t)

	batch := []Message{
		{MsgID: "m1", PeerJID: "a@x", Body: "one", Status: StatusSent, Timestamp: 1000},
		{MsgID: "m2", PeerJID: "a@x", Body: "two", Status: StatusSent, Timestamp: 2000},
	}
	if err := db.SaveMessages(batch); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveMessages(batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("a@x", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after double ingest, want 2", len(msgs))
	}
}

func TestStatusMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.SaveMessage(&Message{MsgID: "m1", PeerJID: "a@x", Body: "hi", Status: StatusPending, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	// pending -> sent upgrades.
	if err := db.SaveMessage(&Message{MsgID: "m1", PeerJID: "a@x", Body: "hi", Status: StatusSent, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Status != StatusSent {
		t.Fatalf("status = %q, want sent", got.Status)
	}

	// A stale pending copy never reverts a sent message.
	if err := db.SaveMessage(&Message{MsgID: "m1", PeerJID: "a@x", Body: "hi", Status: StatusPending, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("m1")
	if got.Status != StatusSent {
		t.Errorf("status = %q after stale pending ingest, want sent", got.Status)
	}
}

func TestTimestampCorrection(t *testing.T) {
	db := testDB(t)

	// Optimistic placeholder stamped "now".
	placeholder := time.Now().UnixMilli()
	if err := db.SaveMessage(&Message{MsgID: "m1", PeerJID: "a@x", Body: "hi", Status: StatusPending, Timestamp: placeholder}); err != nil {
		t.Fatal(err)
	}

	// Archive copy carries the authoritative (older) timestamp.
	authoritative := time.Now().Add(-time.Hour).UnixMilli()
	if err := db.SaveMessage(&Message{MsgID: "m1", PeerJID: "a@x", Body: "hi", Status: StatusSent, Timestamp: authoritative}); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Timestamp != authoritative {
		t.Errorf("timestamp = %d, want corrected to %d", got.Timestamp, authoritative)
	}

	// A settled (old) timestamp is never overwritten.
	if err := db.SaveMessage(&Message{MsgID: "m1", PeerJID: "a@x", Body: "hi", Status: StatusSent, Timestamp: authoritative - 5000}); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("m1")
	if got.Timestamp != authoritative {
		t.Errorf("timestamp = %d after second ingest, want %d (unchanged)", got.Timestamp, authoritative)
	}
}

func TestReplaceConversationMessages(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessages([]Message{
		{MsgID: "old1", PeerJID: "a@x", Body: "old", Status: StatusSent, Timestamp: 100},
		{MsgID: "old2", PeerJID: "a@x", Body: "old", Status: StatusSent, Timestamp: 200},
		{MsgID: "other", PeerJID: "b@x", Body: "keep", Status: StatusSent, Timestamp: 300},
	})

	if err := db.ReplaceConversationMessages("a@x", []Message{
		{MsgID: "new1", PeerJID: "a@x", Body: "new", Status: StatusSent, Timestamp: 1000},
	}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("a@x", 0, 10)
	if len(msgs) != 1 || msgs[0].MsgID != "new1" {
		t.Errorf("replace result = %v, want exactly new1", msgs)
	}
	// Other conversations are untouched.
	other, _ := db.ListMessages("b@x", 0, 10)
	if len(other) != 1 {
		t.Errorf("other conversation lost %d messages", 1-len(other))
	}
}

func TestClearWipesEverything(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessages([]Message{{MsgID: "m1", PeerJID: "a@x", Body: "x", Status: StatusSent, Timestamp: 100}})
	_ = db.UpsertConversation(&Conversation{PeerJID: "a@x", LastMsgAt: 100})
	_ = db.UpsertProfile(&Profile{PeerJID: "a@x", FullName: "A"})
	_ = db.SetSyncState(KeyGlobalToken, "tok")

	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}

	if n, _ := db.MessageCount(); n != 0 {
		t.Errorf("%d messages after clear", n)
	}
	if n, _ := db.ConversationCount(); n != 0 {
		t.Errorf("%d conversations after clear", n)
	}
	if ps, _ := db.ListProfiles(); len(ps) != 0 {
		t.Errorf("%d profiles after clear", len(ps))
	}
	if tok, _ := db.GetSyncState(KeyGlobalToken); tok != "" {
		t.Errorf("sync token %q after clear", tok)
	}
}

func TestReplaceResolvesDeliveredEcho(t *testing.T) {
	db := testDB(t)
	base := time.Now().UnixMilli()

	// An optimistic echo whose send ack never arrived, plus an unrelated
	// in-flight echo with a different body.
	_ = db.SaveMessages([]Message{
		{MsgID: "tmp-1", PeerJID: "a@x", Body: "hi", FromMe: true, Status: StatusPending, TempID: "tmp-1", Timestamp: base},
		{MsgID: "tmp-2", PeerJID: "a@x", Body: "other", FromMe: true, Status: StatusPending, TempID: "tmp-2", Timestamp: base},
	})

	// The archive delivered the first echo under its server id.
	if err := db.ReplaceConversationMessages("a@x", []Message{
		{MsgID: "srv-1", PeerJID: "a@x", Body: "hi", FromMe: true, Status: StatusSent, Timestamp: base + 1000},
	}); err != nil {
		t.Fatal(err)
	}

	if got, _ := db.GetMessage("tmp-1"); got != nil {
		t.Error("matched echo survived; the delivered copy should replace it")
	}
	if got, _ := db.GetMessage("srv-1"); got == nil {
		t.Error("delivered copy missing after replace")
	}
	if got, _ := db.GetMessage("tmp-2"); got == nil {
		t.Error("unmatched echo dropped; it has no delivered copy yet")
	}

	msgs, _ := db.ListMessages("a@x", 0, 10)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want delivered copy plus unmatched echo", len(msgs))
	}

	found, err := db.FindDeliveredEcho("a@x", "hi", base)
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.MsgID != "srv-1" {
		t.Errorf("FindDeliveredEcho = %+v, want srv-1", found)
	}
	if found, _ := db.FindDeliveredEcho("a@x", "other", base); found != nil {
		t.Errorf("FindDeliveredEcho for undelivered body = %+v, want nil", found)
	}
}

func TestReplaceKeepsPendingEcho(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessages([]Message{
		{MsgID: "tmp-1", PeerJID: "a@x", Body: "in flight", Status: StatusPending, TempID: "tmp-1", Timestamp: 100},
		{MsgID: "old1", PeerJID: "a@x", Body: "old", Status: StatusSent, Timestamp: 50},
	})

	if err := db.ReplaceConversationMessages("a@x", []Message{
		{MsgID: "new1", PeerJID: "a@x", Body: "new", Status: StatusSent, Timestamp: 1000},
	}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := db.ListMessages("a@x", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want refill plus surviving pending", len(msgs))
	}
	if got, _ := db.GetMessage("tmp-1"); got == nil {
		t.Error("pending echo deleted by replace; it is not in the archive yet")
	}
	if got, _ := db.GetMessage("old1"); got != nil {
		t.Error("settled message survived the clear")
	}
}

// A failure after the delete but before the refill completes must leave the
// prior set intact, never an empty or partial one. The bad status violates
// the schema CHECK constraint partway through the batch.
func TestReplaceConversationMessagesAtomic(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessages([]Message{
		{MsgID: "old1", PeerJID: "a@x", Body: "old", Status: StatusSent, Timestamp: 100},
		{MsgID: "old2", PeerJID: "a@x", Body: "old", Status: StatusSent, Timestamp: 200},
	})

	err := db.ReplaceConversationMessages("a@x", []Message{
		{MsgID: "new1", PeerJID: "a@x", Body: "new", Status: StatusSent, Timestamp: 1000},
		{MsgID: "new2", PeerJID: "a@x", Body: "new", Status: "bogus", Timestamp: 2000},
	})
	if err == nil {
		t.Fatal("replace with invalid row should fail")
	}
	if !errors.Is(err, ErrStorage) {
		t.Errorf("error = %v, want ErrStorage in chain", err)
	}

	msgs, _ := db.ListMessages("a@x", 0, 10)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after failed replace, want prior 2", len(msgs))
	}
	if msgs[0].MsgID != "old2" || msgs[1].MsgID != "old1" {
		t.Errorf("prior set mutated: %v", msgs)
	}
}

func TestConfirmPending(t *testing.T) {
	db := testDB(t)

	if err := db.SaveMessage(&Message{MsgID: "tmp-1", TempID: "tmp-1", PeerJID: "a@x", Body: "hi", Status: StatusPending, Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmPending("tmp-1", "srv-1"); err != nil {
		t.Fatal(err)
	}

	got, _ := db.GetMessage("srv-1")
	if got == nil {
		t.Fatal("message not resolved to server id")
	}
	if got.Status != StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if old, _ := db.GetMessage("tmp-1"); old != nil {
		t.Error("placeholder id still present")
	}
}

func TestConfirmPendingDropsDuplicatePlaceholder(t *testing.T) {
	db := testDB(t)

	// The server copy arrived via resync before the ack was processed.
	_ = db.SaveMessage(&Message{MsgID: "srv-1", PeerJID: "a@x", Body: "hi", Status: StatusSent, Timestamp: 900})
	_ = db.SaveMessage(&Message{MsgID: "tmp-1", TempID: "tmp-1", PeerJID: "a@x", Body: "hi", Status: StatusPending, Timestamp: 1000})

	if err := db.ConfirmPending("tmp-1", "srv-1"); err != nil {
		t.Fatal(err)
	}

	count, _ := db.MessageCountForPeer("a@x")
	if count != 1 {
		t.Errorf("message count = %d, want 1 (placeholder dropped)", count)
	}
}

func TestFailPending(t *testing.T) {
	db := testDB(t)

	_ = db.SaveMessage(&Message{MsgID: "tmp-1", TempID: "tmp-1", PeerJID: "a@x", Body: "hi", Status: StatusPending, Timestamp: 1000})
	if err := db.FailPending("tmp-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("tmp-1")
	if got.Status != StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestProfileCache(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertProfile(&Profile{PeerJID: "a@x", FullName: "Alice A", Email: "alice@x"}); err != nil {
		t.Fatal(err)
	}
	// Empty fields never erase cached values.
	if err := db.UpsertProfile(&Profile{PeerJID: "a@x", Nickname: "Ali"}); err != nil {
		t.Fatal(err)
	}

	p, err := db.GetProfile("a@x")
	if err != nil {
		t.Fatal(err)
	}
	if p.FullName != "Alice A" || p.Nickname != "Ali" {
		t.Errorf("profile merge = %+v", p)
	}

	now := time.Now().UnixMilli()
	if !p.Fresh(now, int64(time.Hour/time.Millisecond)) {
		t.Error("just-written profile reported stale")
	}
	if p.Fresh(now+2*int64(time.Hour/time.Millisecond), int64(time.Hour/time.Millisecond)) {
		t.Error("expired profile reported fresh")
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSyncState(KeyGlobalToken)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("unset key = %q, want empty", v)
	}

	if err := db.SetSyncState(KeyGlobalToken, "tok-9"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState(PeerTokenKey("a@x"), "tok-a"); err != nil {
		t.Fatal(err)
	}

	v, _ = db.GetSyncState(KeyGlobalToken)
	if v != "tok-9" {
		t.Errorf("global token = %q, want tok-9", v)
	}
	v, _ = db.GetSyncState(PeerTokenKey("a@x"))
	if v != "tok-a" {
		t.Errorf("peer token = %q, want tok-a", v)
	}
}

func TestDeleteConversation(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertConversation(&Conversation{PeerJID: "a@x", LastMsgAt: 100})
	_ = db.SaveMessages([]Message{
		{MsgID: "m1", PeerJID: "a@x", Body: "x", Status: StatusSent, Timestamp: 100},
	})

	if err := db.DeleteConversation("a@x"); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.GetConversation("a@x"); c != nil {
		t.Error("conversation still present")
	}
	if n, _ := db.MessageCountForPeer("a@x"); n != 0 {
		t.Errorf("%d orphan messages left", n)
	}
}
