// Package ledger owns the off-chain payment channels of every organization.
//
// Each channel sits behind its own mutex. Operations touching two channels lock
// them in channel-id order. In-memory state is authoritative; snapshots are written
// through to the durable cache and read back only to re-hydrate unknown channels.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/orgpay/internal/cache"
	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// Settler submits a closing channel's final balance for settlement and returns
// the settlement handle.
type Settler interface {
	Settle(ctx context.Context, ch *channel.Channel) (string, error)
}

// Config tunes the ledger.
type Config struct {
	// CacheTTL is the snapshot lifetime in the durable cache. Zero keeps them.
	CacheTTL time.Duration
	// CacheTimeout bounds each cache call. Zero means 2s.
	CacheTimeout time.Duration
	// SettlementTimeout bounds each settlement call. Zero means 30s.
	SettlementTimeout time.Duration
}

type entry struct {
	mu sync.Mutex
	ch *channel.Channel
}

// Ledger is the channel ledger.
type Ledger struct {
	cfg     Config
	cache   cache.Cache
	settler Settler
	sink    events.Sink
	log     *logger.Logger
	now     func() time.Time

	mu       sync.RWMutex
	channels map[string]*entry
	owners   map[string]string // owner id -> non-closed channel id

	holdsMu sync.Mutex
	holds   map[string]*channel.Hold

	open     atomic.Int64
	sweeping atomic.Bool
}

// New creates a ledger. A nil cache disables persistence.
func New(cfg Config, c cache.Cache, settler Settler, sink events.Sink, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	if sink == nil {
		sink = events.Discard
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = 2 * time.Second
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 30 * time.Second
	}
	return &Ledger{
		cfg:      cfg,
		cache:    c,
		settler:  settler,
		sink:     sink,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		channels: make(map[string]*entry),
		owners:   make(map[string]string),
		holds:    make(map[string]*channel.Hold),
	}
}

// OpenChannel creates an OPEN channel with nonce 0. An owner may hold only one
// channel that is not CLOSED.
func (l *Ledger) OpenChannel(ctx context.Context, ownerID, organizationID string, deposit decimal.Decimal) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", apperrors.RequiredError("owner_id")
	}
	if strings.TrimSpace(organizationID) == "" {
		return "", apperrors.RequiredError("organization_id")
	}
	if err := money.ValidateNonNegative(deposit); err != nil {
		return "", err
	}

	now := l.now()
	ch := &channel.Channel{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		OrganizationID: organizationID,
		Balance:        deposit,
		Held:           decimal.Zero,
		Nonce:          0,
		Status:         channel.StatusOpen,
		OpenedAt:       now,
		LastUpdatedAt:  now,
	}
	e := &entry{ch: ch}

	l.mu.Lock()
	if existing, ok := l.owners[ownerID]; ok {
		l.mu.Unlock()
		metrics.RecordLedgerMutation("open", false)
		return "", apperrors.New(apperrors.KindInvalidState, "owner %q already has channel %q", ownerID, existing)
	}
	// Hold the entry lock until the snapshot is written so readers see a persisted channel.
	e.mu.Lock()
	l.channels[ch.ID] = e
	l.owners[ownerID] = ch.ID
	l.mu.Unlock()

	l.persist(ctx, ch)
	snapshot := ch.Clone()
	e.mu.Unlock()

	metrics.SetOpenChannels(int(l.open.Add(1)))
	metrics.RecordLedgerMutation("open", true)
	events.NewEvent(events.EventChannelOpened).
		Organization(organizationID).
		Channel(snapshot.ID).
		Balance(money.Canonical(snapshot.Balance), snapshot.Nonce).
		Metadata("owner_id", ownerID).
		PublishTo(ctx, l.sink)
	l.log.WithField("channel_id", snapshot.ID).
		WithField("owner_id", ownerID).
		WithField("organization_id", organizationID).
		Info("channel opened")

	return snapshot.ID, nil
}

// Transfer moves amount from one channel to another. Both balances and both
// nonces change together or not at all.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal) (channel.TransferResult, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return channel.TransferResult{}, err
	}
	if fromID == toID {
		return channel.TransferResult{}, apperrors.InvalidArgument("to_channel_id", "must differ from the sender channel")
	}

	from, err := l.entry(ctx, fromID)
	if err != nil {
		return channel.TransferResult{}, err
	}
	to, err := l.entry(ctx, toID)
	if err != nil {
		return channel.TransferResult{}, err
	}

	unlock := lockPair(from, to)
	if err := requireOpen(from.ch, to.ch); err != nil {
		unlock()
		metrics.RecordLedgerMutation("transfer", false)
		return channel.TransferResult{}, err
	}
	if from.ch.OrganizationID != to.ch.OrganizationID {
		unlock()
		metrics.RecordLedgerMutation("transfer", false)
		return channel.TransferResult{}, apperrors.New(apperrors.KindInvalidState,
			"channels %q and %q belong to different organizations", fromID, toID)
	}
	if amount.GreaterThan(from.ch.Balance) {
		available := from.ch.Balance
		unlock()
		metrics.RecordLedgerMutation("transfer", false)
		return channel.TransferResult{}, apperrors.InsufficientBalance(fromID, money.Canonical(available), money.Canonical(amount))
	}

	now := l.now()
	from.ch.Balance = from.ch.Balance.Sub(amount)
	from.ch.Nonce++
	from.ch.LastUpdatedAt = now
	to.ch.Balance = to.ch.Balance.Add(amount)
	to.ch.Nonce++
	to.ch.LastUpdatedAt = now

	l.persist(ctx, from.ch)
	l.persist(ctx, to.ch)
	sender, recipient := from.ch.Clone(), to.ch.Clone()
	unlock()

	metrics.RecordLedgerMutation("transfer", true)
	for _, ch := range []*channel.Channel{sender, recipient} {
		counterparty := recipient.ID
		if ch == recipient {
			counterparty = sender.ID
		}
		events.NewEvent(events.EventChannelTransfer).
			Organization(ch.OrganizationID).
			Channel(ch.ID).
			Amount(money.Canonical(amount)).
			Balance(money.Canonical(ch.Balance), ch.Nonce).
			Metadata("counterparty", counterparty).
			Metadata("direction", direction(ch == sender)).
			PublishTo(ctx, l.sink)
	}

	return channel.TransferResult{NewSenderNonce: sender.Nonce, NewRecipientNonce: recipient.Nonce}, nil
}

func direction(outgoing bool) string {
	if outgoing {
		return "debit"
	}
	return "credit"
}

// GetState returns a copy of the channel, re-hydrating it from the cache when it
// is not in memory.
func (l *Ledger) GetState(ctx context.Context, channelID string) (*channel.Channel, bool) {
	e, err := l.entry(ctx, channelID)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch.Clone(), true
}

// ChannelForOwner returns the owner's channel that is not CLOSED.
func (l *Ledger) ChannelForOwner(ctx context.Context, ownerID string) (*channel.Channel, bool) {
	l.mu.RLock()
	id, ok := l.owners[ownerID]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return l.GetState(ctx, id)
}

// ListChannels returns copies of the in-memory channels of an organization, or of
// every organization when organizationID is empty.
func (l *Ledger) ListChannels(organizationID string) []*channel.Channel {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.channels))
	for _, e := range l.channels {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var out []*channel.Channel
	for _, e := range entries {
		e.mu.Lock()
		if organizationID == "" || e.ch.OrganizationID == organizationID {
			out = append(out, e.ch.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// entry returns the in-memory entry for id, loading it from the cache on a miss.
func (l *Ledger) entry(ctx context.Context, id string) (*entry, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.RequiredError("channel_id")
	}
	l.mu.RLock()
	e, ok := l.channels[id]
	l.mu.RUnlock()
	if ok {
		return e, nil
	}

	ch := l.load(ctx, id)
	if ch == nil {
		return nil, apperrors.NewNotFoundError("channel", id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.channels[id]; ok {
		return existing, nil
	}
	e = &entry{ch: ch}
	l.channels[id] = e
	if ch.Status != channel.StatusClosed {
		if _, taken := l.owners[ch.OwnerID]; !taken {
			l.owners[ch.OwnerID] = id
		}
		if ch.Status == channel.StatusOpen {
			metrics.SetOpenChannels(int(l.open.Add(1)))
		}
	}
	l.log.WithField("channel_id", id).Debug("channel re-hydrated from cache")
	return e, nil
}

func lockPair(a, b *entry) func() {
	first, second := a, b
	if b.ch.ID < a.ch.ID {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func requireOpen(chs ...*channel.Channel) error {
	for _, ch := range chs {
		if !ch.IsOpen() {
			return apperrors.NewInvalidStateError("channel", ch.ID, string(ch.Status), string(channel.StatusOpen))
		}
	}
	return nil
}

func snapshotKey(id string) string { return "channel:" + id }

// persist writes the snapshot through to the cache. Failures are logged only.
// Callers hold the channel lock, so snapshots of one channel land in nonce order.
func (l *Ledger) persist(ctx context.Context, ch *channel.Channel) {
	if l.cache == nil {
		return
	}
	data, err := json.Marshal(ch)
	if err != nil {
		l.log.WithField("channel_id", ch.ID).WithError(err).Error("encode channel snapshot")
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CacheTimeout)
	defer cancel()
	if err := l.cache.Set(cctx, snapshotKey(ch.ID), data, l.cfg.CacheTTL); err != nil {
		metrics.RecordCacheError("set")
		l.log.WithField("channel_id", ch.ID).
			WithField("nonce", ch.Nonce).
			WithError(apperrors.FromCollaborator("cache", "set", err)).
			Warn("channel snapshot write failed")
	}
}

func (l *Ledger) forget(ctx context.Context, id string) {
	if l.cache == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.CacheTimeout)
	defer cancel()
	if err := l.cache.Delete(cctx, snapshotKey(id)); err != nil {
		metrics.RecordCacheError("delete")
		l.log.WithField("channel_id", id).
			WithError(apperrors.FromCollaborator("cache", "delete", err)).
			Warn("channel snapshot delete failed")
	}
}

func (l *Ledger) load(ctx context.Context, id string) *channel.Channel {
	if l.cache == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CacheTimeout)
	defer cancel()
	data, err := l.cache.Get(cctx, snapshotKey(id))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			metrics.RecordCacheError("get")
			l.log.WithField("channel_id", id).
				WithError(apperrors.FromCollaborator("cache", "get", err)).
				Warn("channel snapshot read failed")
		}
		return nil
	}
	var ch channel.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		l.log.WithField("channel_id", id).WithError(err).Warn("discarding undecodable channel snapshot")
		return nil
	}
	if ch.ID != id {
		return nil
	}
	return &ch
}
