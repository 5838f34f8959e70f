package channel

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is a channel's lifecycle state.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusSettling Status = "SETTLING"
	StatusClosed   Status = "CLOSED"
)

// Channel is one member's off-chain balance. Balance and Nonce change together;
// the nonce grows by exactly one per mutation.
type Channel struct {
	ID             string          `json:"channel_id"`
	OwnerID        string          `json:"owner_id"`
	OrganizationID string          `json:"organization_id"`
	Balance        decimal.Decimal `json:"balance"`
	// Held is the total of outstanding holds already deducted from Balance.
	Held          decimal.Decimal `json:"held"`
	Nonce         uint64          `json:"nonce"`
	Status        Status          `json:"status"`
	OpenedAt      time.Time       `json:"opened_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`

	SettlementHandle string     `json:"settlement_handle,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// Clone returns a copy safe to hand outside the ledger.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// IsOpen reports whether the channel accepts mutations.
func (c *Channel) IsOpen() bool { return c != nil && c.Status == StatusOpen }

// HoldStatus is the state of a balance hold.
type HoldStatus string

const (
	HoldPending  HoldStatus = "pending"
	HoldReleased HoldStatus = "released"
	HoldConsumed HoldStatus = "consumed"
)

// Hold is an amount deducted from a channel pending an external decision.
type Hold struct {
	ID          string          `json:"hold_id"`
	ChannelID   string          `json:"channel_id"`
	ReferenceID string          `json:"reference_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      HoldStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
}

// TransferResult is returned by a successful ledger transfer.
type TransferResult struct {
	NewSenderNonce    uint64 `json:"new_sender_nonce"`
	NewRecipientNonce uint64 `json:"new_recipient_nonce"`
}

// CloseResult is returned by a successful close.
type CloseResult struct {
	SettlementHandle string          `json:"settlement_handle"`
	FinalBalance     decimal.Decimal `json:"final_balance"`
}
