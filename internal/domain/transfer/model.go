package transfer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Route is the execution path chosen for a transfer.
type Route string

const (
	RouteOffChain        Route = "OFF_CHAIN"
	RouteOnChain         Route = "ON_CHAIN"
	RoutePrivacyPool     Route = "PRIVACY_POOL"
	RouteExternalPending Route = "EXTERNAL_PENDING"
)

// Status is the persisted outcome of a transfer.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further update may follow.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected || s == StatusFailed
}

// PrivacyLevel is the privacy requested by the sender.
type PrivacyLevel string

const (
	PrivacyNone         PrivacyLevel = "none"
	PrivacyPartial      PrivacyLevel = "partial"
	PrivacyFullyPrivate PrivacyLevel = "fully_private"
)

// Valid reports whether p is a known level. Empty means none.
func (p PrivacyLevel) Valid() bool {
	switch p {
	case "", PrivacyNone, PrivacyPartial, PrivacyFullyPrivate:
		return true
	}
	return false
}

// Phase is a step of the per-transfer processing machine. Phases are not persisted.
type Phase string

const (
	PhaseReceived          Phase = "RECEIVED"
	PhaseRecipientResolved Phase = "RECIPIENT_RESOLVED"
	PhaseClassified        Phase = "CLASSIFIED"
	PhaseExecutingOffChain Phase = "EXECUTING_OFFCHAIN"
	PhaseExecutingOnChain  Phase = "EXECUTING_ONCHAIN"
	PhaseExecutingPrivate  Phase = "EXECUTING_PRIVATE"
	PhaseAwaitingApproval  Phase = "AWAITING_APPROVAL"
)

// Request is a transfer submission.
type Request struct {
	// TransferID is an optional caller-supplied idempotency key.
	TransferID     string
	OrganizationID string
	SenderID       string
	// Recipient is a member id, a member name, or a raw destination address.
	Recipient string
	Amount    decimal.Decimal
	Currency  string
	// Chain names a settlement chain the sender explicitly targets.
	Chain   string
	Privacy PrivacyLevel
	// SenderSecret is the sender's membership secret, required for private transfers.
	SenderSecret []byte
	// Nonce scopes the membership nullifier. Defaults to the transfer id.
	Nonce string
}

// Record is the persisted trace of one transfer attempt. It is created before
// execution and updated exactly once to a terminal status, except for external
// transfers whose approval decides the terminal status.
type Record struct {
	ID             string          `json:"transfer_id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	FromID         string          `json:"from_id" db:"from_id"`
	ToID           string          `json:"to_id,omitempty" db:"to_id"`
	ExternalDest   string          `json:"external_destination,omitempty" db:"external_destination"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Route          Route           `json:"route" db:"route"`
	Privacy        PrivacyLevel    `json:"privacy" db:"privacy"`
	Status         Status          `json:"status" db:"status"`

	SettlementHandle string `json:"settlement_handle,omitempty" db:"settlement_handle"`
	Commitment       string `json:"commitment,omitempty" db:"commitment"`
	Nullifier        string `json:"nullifier,omitempty" db:"nullifier"`
	ApprovalID       string `json:"approval_id,omitempty" db:"approval_id"`
	ErrorKind        string `json:"error_kind,omitempty" db:"error_kind"`
	Error            string `json:"error,omitempty" db:"error"`

	Timestamp   time.Time  `json:"timestamp" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ApprovalStatus is the state of an external transfer approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalExecuted ApprovalStatus = "EXECUTED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalFailed   ApprovalStatus = "FAILED"
)

// Approval gates a transfer leaving the organization.
type Approval struct {
	ID              string          `json:"approval_id" db:"id"`
	TransferID      string          `json:"transfer_id" db:"transfer_id"`
	OrganizationID  string          `json:"organization_id" db:"organization_id"`
	SenderID        string          `json:"sender_id" db:"sender_id"`
	SenderChannelID string          `json:"sender_channel_id" db:"sender_channel_id"`
	HoldID          string          `json:"hold_id" db:"hold_id"`
	Destination     string          `json:"destination" db:"destination"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Currency        string          `json:"currency" db:"currency"`
	Status          ApprovalStatus  `json:"status" db:"status"`
	Approver        string          `json:"approver,omitempty" db:"approver"`
	Reason          string          `json:"reason,omitempty" db:"reason"`

	SettlementHandle string     `json:"settlement_handle,omitempty" db:"settlement_handle"`
	RequestedAt      time.Time  `json:"requested_at" db:"requested_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty" db:"decided_at"`
}
