package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
)

// Memory is an in-memory Store.
type Memory struct {
	mu         sync.RWMutex
	transfers  map[string]*transfer.Record
	approvals  map[string]*transfer.Approval
	nullifiers map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		transfers:  make(map[string]*transfer.Record),
		approvals:  make(map[string]*transfer.Approval),
		nullifiers: make(map[string]string),
	}
}

func (m *Memory) CreateTransfer(_ context.Context, rec *transfer.Record) error {
	if rec.ID == "" {
		return apperrors.RequiredError("transfer_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[rec.ID]; ok {
		return apperrors.ConcurrencyConflict("transfer", rec.ID, "transfer already exists")
	}
	cp := *rec
	m.transfers[rec.ID] = &cp
	return nil
}

func (m *Memory) GetTransfer(_ context.Context, id string) (*transfer.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.transfers[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("transfer", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) FinalizeTransfer(_ context.Context, rec *transfer.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.transfers[rec.ID]
	if !ok {
		return apperrors.NewNotFoundError("transfer", rec.ID)
	}
	if stored.Status != transfer.StatusPending {
		return apperrors.NewInvalidStateError("transfer", rec.ID, string(stored.Status), string(transfer.StatusPending))
	}
	stored.Status = rec.Status
	stored.SettlementHandle = rec.SettlementHandle
	stored.ErrorKind = rec.ErrorKind
	stored.Error = rec.Error
	stored.CompletedAt = rec.CompletedAt
	return nil
}

func (m *Memory) ListTransfers(_ context.Context, organizationID string, limit int) ([]*transfer.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*transfer.Record
	for _, rec := range m.transfers {
		if organizationID == "" || rec.OrganizationID == organizationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateApproval(_ context.Context, a *transfer.Approval) error {
	if a.ID == "" {
		return apperrors.RequiredError("approval_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; ok {
		return apperrors.ConcurrencyConflict("approval", a.ID, "approval already exists")
	}
	cp := *a
	m.approvals[a.ID] = &cp
	return nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (*transfer.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("approval", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) TransitionApproval(_ context.Context, a *transfer.Approval, from transfer.ApprovalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.approvals[a.ID]
	if !ok {
		return apperrors.NewNotFoundError("approval", a.ID)
	}
	if stored.Status != from {
		return apperrors.NewInvalidStateError("approval", a.ID, string(stored.Status), string(from))
	}
	stored.Status = a.Status
	stored.Approver = a.Approver
	stored.Reason = a.Reason
	stored.SettlementHandle = a.SettlementHandle
	stored.DecidedAt = a.DecidedAt
	return nil
}

func (m *Memory) ListApprovals(_ context.Context, organizationID string, status transfer.ApprovalStatus) ([]*transfer.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*transfer.Approval
	for _, a := range m.approvals {
		if (organizationID == "" || a.OrganizationID == organizationID) && (status == "" || a.Status == status) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (m *Memory) SpendNullifier(_ context.Context, nullifier, transferID string) error {
	if nullifier == "" {
		return apperrors.RequiredError("nullifier")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.nullifiers[nullifier]; ok {
		return apperrors.New(apperrors.KindInvalidState, "nullifier already spent by transfer %q", prior)
	}
	m.nullifiers[nullifier] = transferID
	return nil
}

func (m *Memory) IsSpent(_ context.Context, nullifier string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nullifiers[nullifier]
	return ok, nil
}
