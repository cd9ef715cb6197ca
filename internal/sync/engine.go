package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tmarqs/xim/internal/bus"
	"github.com/tmarqs/xim/internal/config"
	"github.com/tmarqs/xim/internal/dispatch"
	"github.com/tmarqs/xim/internal/status"
	"github.com/tmarqs/xim/internal/store"
	"github.com/tmarqs/xim/internal/xmpp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotConnected is returned when a strategy runs without an established
// session.
var ErrNotConnected = errors.New("not connected")

// errPagingStalled is raised when the server neither reports completeness
// nor hands out a continuation token.
var errPagingStalled = errors.New("archive paging stalled: incomplete result without continuation token")

// Result is the uniform outcome of every sync strategy. Strategies never
// panic or propagate errors any other way.
type Result struct {
	Success       bool
	Err           error
	Messages      int
	Conversations int
}

func failure(err error) Result {
	return Result{Err: err}
}

// Engine reconciles the local cache with the remote message archive. All
// strategies are gated on the connection state machine and serialized
// per peer: concurrent resyncs for the same bare JID coalesce into one
// in-flight operation, because clear-then-refill is not safe under
// interleaving with another writer for the same peer. Cross-peer strategies
// run freely.
type Engine struct {
	db         *store.DB
	session    xmpp.Session
	machine    *status.Machine
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger
	selfJID    string
	cfg        config.Sync

	peerFlights singleflight.Group
}

// NewEngine creates a sync engine for one session. selfJID is the local
// user's own identity; it is normalized internally.
func NewEngine(db *store.DB, session xmpp.Session, machine *status.Machine,
	dispatcher *dispatch.Dispatcher, b *bus.Bus, logger *zap.Logger,
	selfJID string, cfg config.Sync) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		session:    session,
		machine:    machine,
		dispatcher: dispatcher,
		bus:        b,
		logger:     logger,
		selfJID:    xmpp.Bare(selfJID),
		cfg:        cfg,
	}
}

// ResyncConversation replaces the local cache for one peer with the complete
// remote history. The full history is downloaded into memory before the
// local set is cleared, so the cache is never observably emptied by a fetch
// that later fails.
func (e *Engine) ResyncConversation(ctx context.Context, peerJID string) Result {
	peer := xmpp.Bare(peerJID)
	v, _, _ := e.peerFlights.Do(peer, func() (any, error) {
		return e.resyncConversation(ctx, peer), nil
	})
	return v.(Result)
}

func (e *Engine) resyncConversation(ctx context.Context, peer string) Result {
	if !e.machine.IsConnected() {
		return failure(ErrNotConnected)
	}

	msgs, lastToken, err := e.fetchPeerHistory(ctx, peer)
	if err != nil {
		e.logger.Error("conversation resync failed", zap.String("peer", peer), zap.Error(err))
		return failure(err)
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	if peer == e.selfJID {
		reconcileSelfChat(msgs)
	}

	if err := e.db.ReplaceConversationMessages(peer, msgs); err != nil {
		return failure(err)
	}

	convs := 0
	if len(msgs) > 0 {
		newest := msgs[len(msgs)-1]
		if err := e.db.UpsertConversation(&store.Conversation{
			PeerJID:       peer,
			LastMsgID:     newest.MsgID,
			LastMsgBody:   newest.Body,
			LastMsgAt:     newest.Timestamp,
			LastMsgFromMe: newest.FromMe,
			UpdatedAt:     newest.Timestamp,
		}); err != nil {
			return failure(err)
		}
		convs = 1
	}

	if err := e.db.SetSyncState(store.PeerTokenKey(peer), lastToken); err != nil {
		e.logger.Warn("failed to persist peer token", zap.String("peer", peer), zap.Error(err))
	}

	e.publish("sync.conversation", map[string]any{"peer": peer, "messages": len(msgs)})
	e.logger.Info("conversation resynced", zap.String("peer", peer), zap.Int("messages", len(msgs)))
	return Result{Success: true, Messages: len(msgs), Conversations: convs}
}

// ResyncComplete runs a single-conversation resync and then refreshes the
// peer's profile cache, folding the refreshed display name and avatar into
// the conversation row.
func (e *Engine) ResyncComplete(ctx context.Context, peerJID string) Result {
	peer := xmpp.Bare(peerJID)
	r := e.ResyncConversation(ctx, peer)
	if !r.Success {
		return r
	}

	p, err := e.RefreshProfile(ctx, peer)
	if err != nil {
		return failure(fmt.Errorf("profile refresh: %w", err))
	}
	if p != nil {
		if err := e.db.SetProfileInfo(peer, p.DisplayName(), p.Avatar); err != nil {
			return failure(err)
		}
	}
	return r
}

// ResyncAll sweeps the whole archive from the beginning. See resyncSweep.
func (e *Engine) ResyncAll(ctx context.Context) Result {
	return e.resyncSweep(ctx, "")
}

// ResyncIncremental resumes a sweep from the last persisted continuation
// token, picking up only what arrived since the previous sweep.
func (e *Engine) ResyncIncremental(ctx context.Context) Result {
	token, err := e.db.GetSyncState(store.KeyGlobalToken)
	if err != nil {
		return failure(err)
	}
	return e.resyncSweep(ctx, token)
}

// resyncSweep pages the archive across all peers until the server reports
// completeness, groups the interleaved stream by peer keeping the newest
// message per peer (a timestamp tie prefers the record observed later),
// ingests the messages idempotently, bulk-upserts the summaries with unread
// counters preserved, persists the final continuation token, and finally
// refreshes profiles for every discovered peer.
func (e *Engine) resyncSweep(ctx context.Context, fromToken string) Result {
	if !e.machine.IsConnected() {
		return failure(ErrNotConnected)
	}

	var (
		all     []store.Message
		seen    = make(map[string]bool)
		newest  = make(map[string]store.Message)
		token   = fromToken
		started = time.Now()
	)
	for page := 0; ; page++ {
		if page >= e.cfg.MaxPages {
			return failure(fmt.Errorf("archive sweep exceeded %d pages", e.cfg.MaxPages))
		}
		p, err := e.session.QueryArchive(ctx, xmpp.ArchiveQuery{
			Max:        e.cfg.PageSize,
			AfterToken: token,
		})
		if err != nil {
			e.logger.Error("archive sweep failed", zap.Int("page", page), zap.Error(err))
			return failure(err)
		}
		for _, rec := range p.Records {
			m := rec.ToStoreMessage(e.selfJID)
			if !seen[m.MsgID] {
				seen[m.MsgID] = true
				all = append(all, m)
			}
			// Later pages (and later records within a page) win ties.
			if prev, ok := newest[m.PeerJID]; !ok || m.Timestamp >= prev.Timestamp {
				newest[m.PeerJID] = m
			}
		}
		if p.Complete {
			token = p.LastToken
			break
		}
		if p.LastToken == "" {
			return failure(errPagingStalled)
		}
		token = p.LastToken
	}

	if err := e.db.SaveMessages(all); err != nil {
		return failure(err)
	}

	summaries := make([]store.Conversation, 0, len(newest))
	for peer, m := range newest {
		summaries = append(summaries, store.Conversation{
			PeerJID:       peer,
			LastMsgID:     m.MsgID,
			LastMsgBody:   m.Body,
			LastMsgAt:     m.Timestamp,
			LastMsgFromMe: m.FromMe,
			UpdatedAt:     m.Timestamp,
		})
	}
	if err := e.db.BulkUpsertConversations(summaries); err != nil {
		return failure(err)
	}

	if err := e.db.SetSyncState(store.KeyGlobalToken, token); err != nil {
		return failure(err)
	}
	if err := e.db.SetSyncState(store.KeyLastSyncAt, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return failure(err)
	}

	e.refreshProfiles(ctx, summaries)

	e.publish("sync.sweep", map[string]any{
		"messages":      len(all),
		"conversations": len(summaries),
		"elapsed_ms":    time.Since(started).Milliseconds(),
	})
	e.logger.Info("archive sweep complete",
		zap.Int("messages", len(all)),
		zap.Int("conversations", len(summaries)))
	return Result{Success: true, Messages: len(all), Conversations: len(summaries)}
}

// refreshProfiles batch-refreshes the profile cache for all discovered peers
// and folds display data back into the conversation rows. Individual profile
// failures are logged and skipped; they never abort a completed sweep.
func (e *Engine) refreshProfiles(ctx context.Context, summaries []store.Conversation) {
	for _, c := range summaries {
		p, err := e.RefreshProfile(ctx, c.PeerJID)
		if err != nil {
			e.logger.Warn("profile refresh failed", zap.String("peer", c.PeerJID), zap.Error(err))
			continue
		}
		if p == nil {
			continue
		}
		if err := e.db.SetProfileInfo(c.PeerJID, p.DisplayName(), p.Avatar); err != nil {
			e.logger.Warn("profile fold failed", zap.String("peer", c.PeerJID), zap.Error(err))
		}
	}
}

// ReconcileIncoming handles a freshly received live message: it computes the
// counterpart peer and delegates to a full single-conversation resync rather
// than a point write, trading a little efficiency for consistency. The
// dispatcher is only notified after the message is durably queryable.
func (e *Engine) ReconcileIncoming(ctx context.Context, rec xmpp.ArchiveRecord) Result {
	peer := rec.Peer(e.selfJID)

	// Redelivery of an already cached stanza must not count as new unread.
	known, err := e.db.GetMessage(rec.ID)
	if err != nil {
		return failure(err)
	}

	r := e.ResyncConversation(ctx, peer)
	if !r.Success {
		return r
	}

	m, err := e.db.GetMessage(rec.ID)
	if err != nil {
		return failure(err)
	}
	if m == nil {
		// The archive has not caught up with the live stream yet; persist
		// the live copy so subscribers never observe an unqueryable message.
		live := rec.ToStoreMessage(e.selfJID)
		if err := e.db.SaveMessage(&live); err != nil {
			return failure(err)
		}
		if err := e.db.UpsertConversation(&store.Conversation{
			PeerJID:       peer,
			LastMsgID:     live.MsgID,
			LastMsgBody:   live.Body,
			LastMsgAt:     live.Timestamp,
			LastMsgFromMe: live.FromMe,
			UpdatedAt:     live.Timestamp,
		}); err != nil {
			return failure(err)
		}
		m = &live
		r.Messages++
	}

	if known == nil && !rec.FromMe(e.selfJID) && peer != e.selfJID {
		if err := e.db.IncrementUnread(peer); err != nil {
			e.logger.Warn("unread bump failed", zap.String("peer", peer), zap.Error(err))
		}
	}

	e.dispatcher.Dispatch(m)
	e.publish("sync.incoming", map[string]string{"peer": peer, "msg_id": m.MsgID})
	return r
}

// RefreshProfile returns the cached profile for a peer when still fresh,
// otherwise fetches the remote document and refreshes the cache. Returns nil
// when the peer has no profile at all.
func (e *Engine) RefreshProfile(ctx context.Context, peerJID string) (*store.Profile, error) {
	peer := xmpp.Bare(peerJID)
	now := time.Now().UnixMilli()
	ttl := e.cfg.ProfileTTL().Milliseconds()

	cached, err := e.db.GetProfile(peer)
	if err != nil {
		return nil, err
	}
	if cached.Fresh(now, ttl) {
		return cached, nil
	}

	v, err := e.session.FetchVCard(ctx, peer)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return cached, nil
	}
	p := &store.Profile{
		PeerJID:     peer,
		FullName:    v.FullName,
		Nickname:    v.Nickname,
		Avatar:      v.Photo,
		Email:       v.Email,
		Description: v.Description,
	}
	if err := e.db.UpsertProfile(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = now
	return p, nil
}

// fetchPeerHistory downloads the complete remote history for one peer,
// looping on continuation tokens until the server reports completeness. The
// loop is bounded: a server that never completes and stops handing out
// tokens, or outlasts the page cap, is an error.
func (e *Engine) fetchPeerHistory(ctx context.Context, peer string) ([]store.Message, string, error) {
	var (
		msgs  []store.Message
		token string
	)
	for page := 0; ; page++ {
		if page >= e.cfg.MaxPages {
			return nil, "", fmt.Errorf("history fetch for %s exceeded %d pages", peer, e.cfg.MaxPages)
		}
		p, err := e.session.QueryArchive(ctx, xmpp.ArchiveQuery{
			With:       peer,
			Max:        e.cfg.PageSize,
			AfterToken: token,
		})
		if err != nil {
			return nil, "", fmt.Errorf("query archive: %w", err)
		}
		for _, rec := range p.Records {
			msgs = append(msgs, rec.ToStoreMessage(e.selfJID))
		}
		if p.Complete {
			return msgs, p.LastToken, nil
		}
		if p.LastToken == "" {
			return nil, "", errPagingStalled
		}
		token = p.LastToken
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
