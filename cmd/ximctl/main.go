package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tmarqs/xim/internal/session"
	"github.com/tmarqs/xim/internal/store"
	"github.com/tmarqs/xim/internal/xmpp"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	dbPath := session.CacheDBPath(sessionName)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: no cache for session %q (%s)\n", sessionName, dbPath)
		os.Exit(1)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "chats":
		cmdChats(db, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: ximctl messages <peer> [limit]")
			os.Exit(1)
		}
		limit := 50
		if len(args) >= 3 {
			limit, _ = strconv.Atoi(args[2])
		}
		cmdMessages(db, args[1], limit, *jsonFlag)
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: ximctl read <peer>")
			os.Exit(1)
		}
		cmdRead(db, args[1])
	case "sync-state":
		cmdSyncState(db, *jsonFlag)
	case "reset":
		if len(args) < 2 || args[1] != "--yes" {
			fmt.Fprintln(os.Stderr, "usage: ximctl reset --yes  (wipes the whole cache)")
			os.Exit(1)
		}
		if err := db.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("cache cleared")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: ximctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  chats                    List cached conversations")
	fmt.Fprintln(os.Stderr, "  messages <peer> [limit]  Dump cached messages for a peer")
	fmt.Fprintln(os.Stderr, "  read <peer>              Clear the unread counter for a peer")
	fmt.Fprintln(os.Stderr, "  sync-state               Show sync checkpoints")
	fmt.Fprintln(os.Stderr, "  reset --yes              Wipe the local cache")
}

func cmdChats(db *store.DB, jsonOut bool) {
	convs, err := db.ListConversations()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations cached.")
		return
	}
	for _, c := range convs {
		name := c.DisplayName
		if name == "" {
			name = c.PeerJID
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Printf("%-30s %s  %s%s\n", name,
			time.UnixMilli(c.LastMsgAt).Format("2006-01-02 15:04"),
			truncate(c.LastMsgBody, 50), unread)
	}
}

func cmdMessages(db *store.DB, peer string, limit int, jsonOut bool) {
	msgs, err := db.ListMessages(xmpp.Bare(peer), 0, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	// Newest first from the store; print oldest first for reading.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		dir := "<-"
		if m.FromMe {
			dir = "->"
		}
		fmt.Printf("%s %s [%s] %s\n",
			time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05"),
			dir, m.Status, m.Body)
	}
}

func cmdRead(db *store.DB, peer string) {
	if err := db.MarkRead(xmpp.Bare(peer)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdSyncState(db *store.DB, jsonOut bool) {
	lastSync, err := db.GetSyncState(store.KeyLastSyncAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	token, err := db.GetSyncState(store.KeyGlobalToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	msgCount, _ := db.MessageCount()
	convCount, _ := db.ConversationCount()

	if jsonOut {
		outputJSON(map[string]any{
			"last_sync_at":  lastSync,
			"global_token":  token,
			"messages":      msgCount,
			"conversations": convCount,
		})
		return
	}
	when := "never"
	if ms, err := strconv.ParseInt(lastSync, 10, 64); err == nil {
		when = time.UnixMilli(ms).Format(time.RFC3339)
	}
	fmt.Printf("Last sweep:    %s\n", when)
	fmt.Printf("Global token:  %s\n", orDash(token))
	fmt.Printf("Messages:      %d\n", msgCount)
	fmt.Printf("Conversations: %d\n", convCount)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
