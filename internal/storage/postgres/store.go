// Package postgres implements the storage interfaces and the member directory on
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/storage"
)

// Store is backed by a PostgreSQL database migrated with the migrations package.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.Store      = (*Store)(nil)
	_ identity.Directory = (*Store)(nil)
)

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle, for migrations.
func (s *Store) DB() *sql.DB { return s.db.DB }

func (s *Store) Close() error { return s.db.Close() }

// --- TransferStore -----------------------------------------------------------

const transferColumns = `id, organization_id, from_id, to_id, external_destination, amount, currency,
	route, privacy, status, settlement_handle, commitment, nullifier, approval_id,
	error_kind, error, created_at, completed_at`

func (s *Store) CreateTransfer(ctx context.Context, rec *transfer.Record) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (:id, :organization_id, :from_id, :to_id, :external_destination, :amount, :currency,
			:route, :privacy, :status, :settlement_handle, :commitment, :nullifier, :approval_id,
			:error_kind, :error, :created_at, :completed_at)
	`, rec)
	if isUniqueViolation(err) {
		return apperrors.ConcurrencyConflict("transfer", rec.ID, "transfer already exists")
	}
	return wrap("create transfer", err)
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*transfer.Record, error) {
	var rec transfer.Record
	err := s.db.GetContext(ctx, &rec, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("transfer", id)
	}
	if err != nil {
		return nil, wrap("get transfer", err)
	}
	return &rec, nil
}

func (s *Store) FinalizeTransfer(ctx context.Context, rec *transfer.Record) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = $2, settlement_handle = $3, error_kind = $4, error = $5, completed_at = $6
		WHERE id = $1 AND status = $7
	`, rec.ID, rec.Status, rec.SettlementHandle, rec.ErrorKind, rec.Error, rec.CompletedAt, transfer.StatusPending)
	if err != nil {
		return wrap("finalize transfer", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, err := s.GetTransfer(ctx, rec.ID)
		if err != nil {
			return err
		}
		return apperrors.NewInvalidStateError("transfer", rec.ID, string(current.Status), string(transfer.StatusPending))
	}
	return nil
}

func (s *Store) ListTransfers(ctx context.Context, organizationID string, limit int) ([]*transfer.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*transfer.Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+transferColumns+` FROM transfers
		WHERE ($1 = '' OR organization_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, organizationID, limit)
	return out, wrap("list transfers", err)
}

// --- ApprovalStore -----------------------------------------------------------

const approvalColumns = `id, transfer_id, organization_id, sender_id, sender_channel_id, hold_id,
	destination, amount, currency, status, approver, reason, settlement_handle, requested_at, decided_at`

func (s *Store) CreateApproval(ctx context.Context, a *transfer.Approval) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (:id, :transfer_id, :organization_id, :sender_id, :sender_channel_id, :hold_id,
			:destination, :amount, :currency, :status, :approver, :reason, :settlement_handle,
			:requested_at, :decided_at)
	`, a)
	if isUniqueViolation(err) {
		return apperrors.ConcurrencyConflict("approval", a.ID, "approval already exists")
	}
	return wrap("create approval", err)
}

func (s *Store) GetApproval(ctx context.Context, id string) (*transfer.Approval, error) {
	var a transfer.Approval
	err := s.db.GetContext(ctx, &a, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("approval", id)
	}
	if err != nil {
		return nil, wrap("get approval", err)
	}
	return &a, nil
}

func (s *Store) TransitionApproval(ctx context.Context, a *transfer.Approval, from transfer.ApprovalStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, approver = $3, reason = $4, settlement_handle = $5, decided_at = $6
		WHERE id = $1 AND status = $7
	`, a.ID, a.Status, a.Approver, a.Reason, a.SettlementHandle, a.DecidedAt, from)
	if err != nil {
		return wrap("transition approval", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, err := s.GetApproval(ctx, a.ID)
		if err != nil {
			return err
		}
		return apperrors.NewInvalidStateError("approval", a.ID, string(current.Status), string(from))
	}
	return nil
}

func (s *Store) ListApprovals(ctx context.Context, organizationID string, status transfer.ApprovalStatus) ([]*transfer.Approval, error) {
	var out []*transfer.Approval
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE ($1 = '' OR organization_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY requested_at
	`, organizationID, status)
	return out, wrap("list approvals", err)
}

// --- NullifierStore ----------------------------------------------------------

func (s *Store) SpendNullifier(ctx context.Context, nullifier, transferID string) error {
	if nullifier == "" {
		return apperrors.RequiredError("nullifier")
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO spent_nullifiers (nullifier, transfer_id)
		VALUES ($1, $2)
		ON CONFLICT (nullifier) DO NOTHING
	`, nullifier, transferID)
	if err != nil {
		return wrap("spend nullifier", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.New(apperrors.KindInvalidState, "nullifier already spent")
	}
	return nil
}

func (s *Store) IsSpent(ctx context.Context, nullifier string) (bool, error) {
	var spent bool
	err := s.db.GetContext(ctx, &spent, `SELECT EXISTS (SELECT 1 FROM spent_nullifiers WHERE nullifier = $1)`, nullifier)
	return spent, wrap("check nullifier", err)
}

// wrap classifies database errors as collaborator failures.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.FromCollaborator("postgres", op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
