// Package storage defines the persistence interfaces of the routing engine and an
// in-memory implementation of them.
package storage

import (
	"context"

	"github.com/R3E-Network/orgpay/internal/domain/transfer"
)

// TransferStore persists transfer records.
type TransferStore interface {
	// CreateTransfer inserts a PENDING record. An existing id is a ConcurrencyConflict.
	CreateTransfer(ctx context.Context, rec *transfer.Record) error
	GetTransfer(ctx context.Context, id string) (*transfer.Record, error)
	// FinalizeTransfer writes the terminal status, settlement handle, error and
	// completion time. It fails with InvalidState unless the stored record is PENDING.
	FinalizeTransfer(ctx context.Context, rec *transfer.Record) error
	ListTransfers(ctx context.Context, organizationID string, limit int) ([]*transfer.Record, error)
}

// ApprovalStore persists external transfer approvals.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *transfer.Approval) error
	GetApproval(ctx context.Context, id string) (*transfer.Approval, error)
	// TransitionApproval stores a's status, approver, reason, settlement handle and
	// decision time only if the stored status is still from. Otherwise it fails with
	// InvalidState, so each transition happens at most once.
	TransitionApproval(ctx context.Context, a *transfer.Approval, from transfer.ApprovalStatus) error
	ListApprovals(ctx context.Context, organizationID string, status transfer.ApprovalStatus) ([]*transfer.Approval, error)
}

// NullifierStore records spent membership nullifiers.
type NullifierStore interface {
	// SpendNullifier records the nullifier against transferID. A nullifier that was
	// already spent fails with InvalidState.
	SpendNullifier(ctx context.Context, nullifier, transferID string) error
	IsSpent(ctx context.Context, nullifier string) (bool, error)
}

// Store groups every store the routing engine needs.
type Store interface {
	TransferStore
	ApprovalStore
	NullifierStore
}
