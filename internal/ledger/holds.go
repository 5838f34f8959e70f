package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/money"
)

// Reserve deducts amount from an OPEN channel and keeps it as a pending hold until
// it is released back or consumed. referenceID ties the hold to its caller.
func (l *Ledger) Reserve(ctx context.Context, channelID, referenceID string, amount decimal.Decimal) (string, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return "", err
	}
	if strings.TrimSpace(referenceID) == "" {
		return "", apperrors.RequiredError("reference_id")
	}
	e, err := l.entry(ctx, channelID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if err := requireOpen(e.ch); err != nil {
		e.mu.Unlock()
		return "", err
	}
	if amount.GreaterThan(e.ch.Balance) {
		available := e.ch.Balance
		e.mu.Unlock()
		metrics.RecordLedgerMutation("reserve", false)
		return "", apperrors.InsufficientBalance(channelID, money.Canonical(available), money.Canonical(amount))
	}

	now := l.now()
	hold := &channel.Hold{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		ReferenceID: referenceID,
		Amount:      amount,
		Status:      channel.HoldPending,
		CreatedAt:   now,
	}
	e.ch.Balance = e.ch.Balance.Sub(amount)
	e.ch.Held = e.ch.Held.Add(amount)
	e.ch.Nonce++
	e.ch.LastUpdatedAt = now
	l.holdsMu.Lock()
	l.holds[hold.ID] = hold
	l.holdsMu.Unlock()
	l.persist(ctx, e.ch)
	snapshot := e.ch.Clone()
	e.mu.Unlock()

	metrics.RecordLedgerMutation("reserve", true)
	l.publishHold(ctx, events.EventChannelReserved, snapshot, hold)
	return hold.ID, nil
}

// Release returns a pending hold to its channel's balance.
func (l *Ledger) Release(ctx context.Context, holdID string) error {
	return l.settleHold(ctx, holdID, channel.HoldReleased)
}

// Consume finalizes a pending hold; the amount has left the channel for good.
func (l *Ledger) Consume(ctx context.Context, holdID string) error {
	return l.settleHold(ctx, holdID, channel.HoldConsumed)
}

// GetHold returns a copy of a hold.
func (l *Ledger) GetHold(holdID string) (channel.Hold, bool) {
	l.holdsMu.Lock()
	defer l.holdsMu.Unlock()
	h, ok := l.holds[holdID]
	if !ok {
		return channel.Hold{}, false
	}
	return *h, true
}

// FindHold returns the most recent hold taken under referenceID.
func (l *Ledger) FindHold(referenceID string) (channel.Hold, bool) {
	l.holdsMu.Lock()
	defer l.holdsMu.Unlock()
	var found *channel.Hold
	for _, h := range l.holds {
		if h.ReferenceID != referenceID {
			continue
		}
		if found == nil || h.CreatedAt.After(found.CreatedAt) {
			found = h
		}
	}
	if found == nil {
		return channel.Hold{}, false
	}
	return *found, true
}

func (l *Ledger) settleHold(ctx context.Context, holdID string, outcome channel.HoldStatus) error {
	l.holdsMu.Lock()
	hold, ok := l.holds[holdID]
	l.holdsMu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("hold", holdID)
	}

	e, err := l.entry(ctx, hold.ChannelID)
	if err != nil {
		return err
	}

	op := "release"
	if outcome == channel.HoldConsumed {
		op = "consume"
	}

	e.mu.Lock()
	l.holdsMu.Lock()
	if hold.Status != channel.HoldPending {
		status := hold.Status
		l.holdsMu.Unlock()
		e.mu.Unlock()
		metrics.RecordLedgerMutation(op, false)
		return apperrors.NewInvalidStateError("hold", holdID, string(status), string(channel.HoldPending))
	}
	now := l.now()
	hold.Status = outcome
	hold.SettledAt = &now
	l.holdsMu.Unlock()

	if outcome == channel.HoldReleased {
		e.ch.Balance = e.ch.Balance.Add(hold.Amount)
	}
	e.ch.Held = e.ch.Held.Sub(hold.Amount)
	e.ch.Nonce++
	e.ch.LastUpdatedAt = now
	l.persist(ctx, e.ch)
	snapshot := e.ch.Clone()
	e.mu.Unlock()

	metrics.RecordLedgerMutation(op, true)
	eventType := events.EventChannelReleased
	if outcome == channel.HoldConsumed {
		eventType = events.EventChannelConsumed
	}
	l.publishHold(ctx, eventType, snapshot, hold)
	return nil
}

func (l *Ledger) publishHold(ctx context.Context, t events.EventType, ch *channel.Channel, hold *channel.Hold) {
	events.NewEvent(t).
		Organization(ch.OrganizationID).
		Channel(ch.ID).
		Amount(money.Canonical(hold.Amount)).
		Balance(money.Canonical(ch.Balance), ch.Nonce).
		Metadata("hold_id", hold.ID).
		Metadata("reference_id", hold.ReferenceID).
		PublishTo(ctx, l.sink)
}
