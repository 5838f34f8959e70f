package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/money"
)

// errSkipped marks a close the predicate declined.
var errSkipped = errors.New("close skipped")

// CloseChannel moves an OPEN channel through SETTLING to CLOSED and settles its
// final balance. If settlement fails the channel returns to OPEN. The closed
// channel stays in memory; its cache snapshot is removed.
func (l *Ledger) CloseChannel(ctx context.Context, channelID string) (channel.CloseResult, error) {
	return l.closeIf(ctx, channelID, nil)
}

// closeIf closes the channel if keep is nil or returns true for it. keep runs
// under the channel lock.
func (l *Ledger) closeIf(ctx context.Context, channelID string, keep func(*channel.Channel) bool) (channel.CloseResult, error) {
	e, err := l.entry(ctx, channelID)
	if err != nil {
		return channel.CloseResult{}, err
	}

	e.mu.Lock()
	if keep != nil && !keep(e.ch) {
		e.mu.Unlock()
		return channel.CloseResult{}, errSkipped
	}
	if err := requireOpen(e.ch); err != nil {
		e.mu.Unlock()
		return channel.CloseResult{}, err
	}
	if e.ch.Held.IsPositive() {
		held := e.ch.Held
		e.mu.Unlock()
		return channel.CloseResult{}, apperrors.New(apperrors.KindInvalidState,
			"channel %q has %s held for pending approvals", channelID, money.Canonical(held))
	}
	e.ch.Status = channel.StatusSettling
	e.ch.LastUpdatedAt = l.now()
	l.persist(ctx, e.ch)
	settling := e.ch.Clone()
	e.mu.Unlock()

	metrics.SetOpenChannels(int(l.open.Add(-1)))
	events.NewEvent(events.EventChannelSettling).
		Organization(settling.OrganizationID).
		Channel(settling.ID).
		Balance(money.Canonical(settling.Balance), settling.Nonce).
		PublishTo(ctx, l.sink)

	handle, err := l.settle(ctx, settling)

	e.mu.Lock()
	if err != nil {
		e.ch.Status = channel.StatusOpen
		e.ch.LastUpdatedAt = l.now()
		l.persist(ctx, e.ch)
		e.mu.Unlock()

		metrics.SetOpenChannels(int(l.open.Add(1)))
		metrics.RecordLedgerMutation("close", false)
		events.NewEvent(events.EventChannelCloseFailed).
			Organization(settling.OrganizationID).
			Channel(settling.ID).
			ErrorFrom(err).
			PublishTo(ctx, l.sink)
		l.log.WithField("channel_id", channelID).WithError(err).Warn("channel settlement failed, channel reopened")
		return channel.CloseResult{}, err
	}

	closedAt := l.now()
	e.ch.Status = channel.StatusClosed
	e.ch.SettlementHandle = handle
	e.ch.ClosedAt = &closedAt
	e.ch.LastUpdatedAt = closedAt
	closed := e.ch.Clone()
	e.mu.Unlock()

	l.forget(ctx, channelID)
	l.mu.Lock()
	if l.owners[closed.OwnerID] == channelID {
		delete(l.owners, closed.OwnerID)
	}
	l.mu.Unlock()

	metrics.RecordLedgerMutation("close", true)
	events.NewEvent(events.EventChannelClosed).
		Organization(closed.OrganizationID).
		Channel(closed.ID).
		Balance(money.Canonical(closed.Balance), closed.Nonce).
		Metadata("settlement_handle", handle).
		PublishTo(ctx, l.sink)
	l.log.WithField("channel_id", channelID).
		WithField("final_balance", money.Canonical(closed.Balance)).
		WithField("settlement_handle", handle).
		Info("channel closed")

	return channel.CloseResult{SettlementHandle: handle, FinalBalance: closed.Balance}, nil
}

// settle submits the final balance. Empty channels have nothing to settle.
func (l *Ledger) settle(ctx context.Context, ch *channel.Channel) (string, error) {
	if ch.Balance.IsZero() {
		return "", nil
	}
	if l.settler == nil {
		return "", apperrors.CollaboratorFailure("settlement", "close", errors.New("no settlement client configured"))
	}
	sctx, cancel := context.WithTimeout(ctx, l.cfg.SettlementTimeout)
	defer cancel()
	handle, err := l.settler.Settle(sctx, ch)
	if err != nil {
		return "", apperrors.FromCollaborator("settlement", "close", err)
	}
	return handle, nil
}

// SweepInactive closes every OPEN channel idle for longer than timeout and returns
// how many were closed. Only one sweep runs at a time; an overlapping call fails
// with ConcurrencyConflict. Channels with pending holds are skipped.
func (l *Ledger) SweepInactive(ctx context.Context, timeout time.Duration) (int, error) {
	if !l.sweeping.CompareAndSwap(false, true) {
		return 0, apperrors.ConcurrencyConflict("ledger", "sweep", "a sweep is already running")
	}
	defer l.sweeping.Store(false)

	l.mu.RLock()
	ids := make([]string, 0, len(l.channels))
	for id := range l.channels {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	stale := func(ch *channel.Channel) bool {
		return ch.IsOpen() && !ch.Held.IsPositive() && l.now().Sub(ch.LastUpdatedAt) > timeout
	}

	var closed int
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := l.closeIf(ctx, id, stale)
		switch {
		case errors.Is(err, errSkipped):
		case err != nil:
			errs = append(errs, err)
		default:
			closed++
			events.NewEvent(events.EventChannelSwept).Channel(id).PublishTo(ctx, l.sink)
		}
	}

	metrics.RecordSweep(closed)
	entry := l.log.WithField("closed", closed).WithField("failed", len(errs)).WithField("timeout", timeout.String())
	if len(errs) > 0 {
		entry.Warn("inactive channel sweep finished with errors")
	} else if closed > 0 {
		entry.Info("inactive channel sweep finished")
	}
	return closed, errors.Join(errs...)
}
