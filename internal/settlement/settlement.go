// Package settlement submits value to the settlement chain and the privacy pool.
// Both are treated as opaque services that return a handle for later status queries.
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the settlement state of a submitted handle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Transfer is a value movement on the settlement chain.
type Transfer struct {
	From   string
	To     string
	Amount decimal.Decimal
	// Sponsor, when set, pays the network fee instead of From.
	Sponsor string
	// Reference is stored with the transfer, usually the transfer record id.
	Reference string
}

// Deposit is a privacy-pool deposit carrying a membership proof.
type Deposit struct {
	Amount        decimal.Decimal
	Commitment    string
	Nullifier     string
	Root          string
	Proof         []byte
	PublicSignals []string
	Reference     string
}

// Receipt describes a handle's settlement progress.
type Receipt struct {
	Handle     string    `json:"handle"`
	Status     Status    `json:"status"`
	BlockIndex uint64    `json:"block_index,omitempty"`
	VMState    string    `json:"vm_state,omitempty"`
	Exception  string    `json:"exception,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Final reports whether the receipt will not change again.
func (r *Receipt) Final() bool {
	return r != nil && r.Status != StatusPending
}

// Client submits transfers to the settlement chain.
type Client interface {
	SubmitTransfer(ctx context.Context, t Transfer) (string, error)
	GetStatus(ctx context.Context, handle string) (*Receipt, error)
}

// PoolClient deposits into the privacy pool.
type PoolClient interface {
	Deposit(ctx context.Context, d Deposit) (string, error)
}

// Tracker finds submissions by the Reference they carried. It settles
// submissions whose outcome the submitter never learned, such as a timed out call.
type Tracker interface {
	// FindByReference returns the receipt of the submission made under reference.
	// NotFound means no submission under reference exists or can still land.
	FindByReference(ctx context.Context, reference string) (*Receipt, error)
}

// DefaultPollInterval is used by WaitForFinality when no interval is given.
const DefaultPollInterval = 2 * time.Second

// WaitForFinality polls GetStatus until the handle is final or ctx is done.
func WaitForFinality(ctx context.Context, c Client, handle string, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetStatus(ctx, handle)
		if err != nil {
			return nil, err
		}
		if receipt.Final() {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-ticker.C:
		}
	}
}
