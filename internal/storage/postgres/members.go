package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/identity"
)

const memberColumns = `id, organization_id, name, address, role, status, created_at`

func (s *Store) CreateMember(ctx context.Context, m *identity.Member) error {
	if m == nil || strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.OrganizationID) == "" || strings.TrimSpace(m.Name) == "" {
		return apperrors.InvalidArgument("member", "id, organization_id and name are required")
	}
	if m.Address != "" {
		if err := identity.ValidateAddress(m.Address); err != nil {
			return err
		}
	}
	if m.Role == "" {
		m.Role = identity.RoleMember
	}
	if m.Status == "" {
		m.Status = identity.MemberActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (:id, :organization_id, :name, :address, :role, :status, :created_at)
	`, m)
	if isUniqueViolation(err) {
		return apperrors.New(apperrors.KindInvalidState, "member %q conflicts with an existing id, name or address", m.ID)
	}
	return wrap("create member", err)
}

func (s *Store) GetMember(ctx context.Context, id string) (*identity.Member, error) {
	return s.getMember(ctx, "member", id, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
}

func (s *Store) FindByName(ctx context.Context, organizationID, name string) (*identity.Member, error) {
	return s.getMember(ctx, "member name", name,
		`SELECT `+memberColumns+` FROM members WHERE organization_id = $1 AND lower(name) = lower($2)`,
		organizationID, name)
}

func (s *Store) FindByAddress(ctx context.Context, address string) (*identity.Member, error) {
	if address == "" {
		return nil, apperrors.NewNotFoundError("member address", address)
	}
	return s.getMember(ctx, "member address", address, `SELECT `+memberColumns+` FROM members WHERE address = $1`, address)
}

func (s *Store) ListMembers(ctx context.Context, organizationID string) ([]*identity.Member, error) {
	var out []*identity.Member
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+memberColumns+` FROM members WHERE organization_id = $1 ORDER BY created_at, id`, organizationID)
	return out, wrap("list members", err)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status identity.MemberStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE members SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return wrap("update member status", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NewNotFoundError("member", id)
	}
	return nil
}

func (s *Store) getMember(ctx context.Context, resource, key, query string, args ...interface{}) (*identity.Member, error) {
	var m identity.Member
	err := s.db.GetContext(ctx, &m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(resource, key)
	}
	if err != nil {
		return nil, wrap("get member", err)
	}
	return &m, nil
}
