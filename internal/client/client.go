package client

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tmarqs/xim/internal/config"
	"github.com/tmarqs/xim/internal/dispatch"
	"github.com/tmarqs/xim/internal/status"
	"github.com/tmarqs/xim/internal/store"
	intsync "github.com/tmarqs/xim/internal/sync"
	"github.com/tmarqs/xim/internal/xmpp"
	"go.uber.org/zap"
)

// Client is the host-facing facade over one session's cache and sync engine.
// Reads are served from the local store only; mutations go through the
// transport and the engine so the cache stays the single source of truth for
// anything the host renders.
type Client struct {
	db         *store.DB
	session    xmpp.Session
	machine    *status.Machine
	engine     *intsync.Engine
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
	selfJID    string
	cfg        config.Sync
}

func New(db *store.DB, session xmpp.Session, machine *status.Machine,
	engine *intsync.Engine, dispatcher *dispatch.Dispatcher,
	logger *zap.Logger, selfJID string, cfg config.Sync) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		db:         db,
		session:    session,
		machine:    machine,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		selfJID:    xmpp.Bare(selfJID),
		cfg:        cfg,
	}
}

// Conversations lists cached conversation summaries, most recent first.
func (c *Client) Conversations() ([]store.Conversation, error) {
	return c.db.ListConversations()
}

// Messages pages cached messages for a peer, newest first. beforeTs of zero
// starts from the present.
func (c *Client) Messages(peerJID string, limit int, beforeTs int64) ([]store.Message, error) {
	return c.db.ListMessages(xmpp.Bare(peerJID), beforeTs, limit)
}

// SendAndSync sends a message with optimistic local echo. The message is
// inserted as pending before the send so the host can render it immediately,
// resolved to sent or failed once the transport answers, and the conversation
// is then resynced to fold in the authoritative server copy.
//
// The ack wait is bounded by the configured timeout. A timed-out send is
// treated as delivered: the message usually did go out and the follow-up
// resync reconciles the rare case where it did not.
func (c *Client) SendAndSync(ctx context.Context, peerJID, body string) (*store.Message, error) {
	if !c.machine.IsConnected() {
		return nil, intsync.ErrNotConnected
	}
	peer := xmpp.Bare(peerJID)
	tempID := uuid.NewString()
	m := &store.Message{
		MsgID:     tempID,
		PeerJID:   peer,
		Body:      body,
		FromMe:    true,
		Status:    store.StatusPending,
		TempID:    tempID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.db.SaveMessage(m); err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendAckTimeout())
	defer cancel()

	serverID, err := c.session.SendMessage(sendCtx, peer, body)
	switch {
	case err == nil:
		if err := c.db.ConfirmPending(tempID, serverID); err != nil {
			return nil, err
		}
	case errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("send ack timed out, assuming delivered",
			zap.String("peer", peer), zap.String("temp_id", tempID))
	default:
		c.logger.Error("send failed", zap.String("peer", peer), zap.Error(err))
		if ferr := c.db.FailPending(tempID); ferr != nil {
			c.logger.Warn("failed to mark message failed", zap.Error(ferr))
		}
		return nil, err
	}

	if r := c.engine.ResyncConversation(ctx, peer); !r.Success {
		c.logger.Warn("post-send resync failed", zap.String("peer", peer), zap.Error(r.Err))
	}

	if serverID != "" {
		if sent, err := c.db.GetMessage(serverID); err == nil && sent != nil {
			return sent, nil
		}
	}
	if echo, err := c.db.GetMessage(tempID); err == nil && echo != nil {
		return echo, nil
	}
	// The resync matched the echo to its delivered archive copy and dropped
	// the placeholder.
	return c.db.FindDeliveredEcho(peer, body, m.Timestamp)
}

// MarkRead zeroes the unread counter for a peer.
func (c *Client) MarkRead(peerJID string) error {
	return c.db.MarkRead(xmpp.Bare(peerJID))
}

// SubscribeIncoming registers a handler for reconciled incoming messages.
// The returned function removes the subscription.
func (c *Client) SubscribeIncoming(h dispatch.Handler) func() {
	return c.dispatcher.Subscribe(h)
}

// Contacts fetches the server-side roster and folds contact names into the
// profile cache, so conversation listings can show a name before any vCard
// has been fetched.
func (c *Client) Contacts(ctx context.Context) ([]xmpp.RosterEntry, error) {
	if !c.machine.IsConnected() {
		return nil, intsync.ErrNotConnected
	}
	entries, err := c.session.Roster(ctx)
	if err != nil {
		return nil, err
	}
	profiles := make([]store.Profile, 0, len(entries))
	for i := range entries {
		entries[i].JID = xmpp.Bare(entries[i].JID)
		if entries[i].Name == "" {
			continue
		}
		profiles = append(profiles, store.Profile{
			PeerJID:  entries[i].JID,
			Nickname: entries[i].Name,
		})
	}
	if err := c.db.BulkUpsertProfiles(profiles); err != nil {
		c.logger.Warn("roster fold failed", zap.Error(err))
	}
	return entries, nil
}

// CurrentState reports the connection state machine's current state.
func (c *Client) CurrentState() status.State {
	return c.machine.Current()
}

// HandleIncoming is the entry point for live messages pushed by the
// transport owner.
func (c *Client) HandleIncoming(ctx context.Context, rec xmpp.ArchiveRecord) intsync.Result {
	return c.engine.ReconcileIncoming(ctx, rec)
}

// ResyncAll sweeps the full archive.
func (c *Client) ResyncAll(ctx context.Context) intsync.Result {
	return c.engine.ResyncAll(ctx)
}

// ResyncIncremental resumes the sweep from the last checkpoint.
func (c *Client) ResyncIncremental(ctx context.Context) intsync.Result {
	return c.engine.ResyncIncremental(ctx)
}

// ResyncOne rebuilds the cache for a single conversation.
func (c *Client) ResyncOne(ctx context.Context, peerJID string) intsync.Result {
	return c.engine.ResyncConversation(ctx, peerJID)
}

// ResyncComplete rebuilds one conversation and refreshes its profile.
func (c *Client) ResyncComplete(ctx context.Context, peerJID string) intsync.Result {
	return c.engine.ResyncComplete(ctx, peerJID)
}
