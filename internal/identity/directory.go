// Package identity resolves transfer recipients to organization members.
package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
)

// Role grants permissions within an organization.
type Role string

const (
	RoleMember   Role = "member"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

// MemberStatus marks revocation. Revoked members keep their tree leaf.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberRevoked MemberStatus = "revoked"
)

// Member is an organization member.
type Member struct {
	ID             string       `json:"id" db:"id"`
	OrganizationID string       `json:"organization_id" db:"organization_id"`
	Name           string       `json:"name" db:"name"`
	Address        string       `json:"address,omitempty" db:"address"`
	Role           Role         `json:"role" db:"role"`
	Status         MemberStatus `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// Active reports whether the member may send, receive and approve.
func (m *Member) Active() bool { return m != nil && m.Status != MemberRevoked }

// CanApprove reports whether the member may decide external transfers.
func (m *Member) CanApprove() bool {
	return m.Active() && (m.Role == RoleApprover || m.Role == RoleAdmin)
}

// Directory stores members. Lookups return a NotFound error when nothing matches.
type Directory interface {
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id string) (*Member, error)
	FindByName(ctx context.Context, organizationID, name string) (*Member, error)
	FindByAddress(ctx context.Context, address string) (*Member, error)
	ListMembers(ctx context.Context, organizationID string) ([]*Member, error)
	UpdateStatus(ctx context.Context, id string, status MemberStatus) error
}

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	members map[string]*Member
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{members: make(map[string]*Member)}
}

func (d *MemoryDirectory) CreateMember(_ context.Context, m *Member) error {
	if err := validateMember(m); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[m.ID]; ok {
		return apperrors.New(apperrors.KindInvalidState, "member %q already exists", m.ID)
	}
	for _, other := range d.members {
		if other.OrganizationID == m.OrganizationID && strings.EqualFold(other.Name, m.Name) {
			return apperrors.New(apperrors.KindInvalidState, "name %q is taken in organization %q", m.Name, m.OrganizationID)
		}
		if m.Address != "" && other.Address == m.Address {
			return apperrors.New(apperrors.KindInvalidState, "address %q is already registered", m.Address)
		}
	}
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	d.members[m.ID] = &cp
	return nil
}

func (d *MemoryDirectory) GetMember(_ context.Context, id string) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("member", id)
	}
	cp := *m
	return &cp, nil
}

func (d *MemoryDirectory) FindByName(_ context.Context, organizationID, name string) (*Member, error) {
	return d.find("member name", name, func(m *Member) bool {
		return m.OrganizationID == organizationID && strings.EqualFold(m.Name, name)
	})
}

func (d *MemoryDirectory) FindByAddress(_ context.Context, address string) (*Member, error) {
	return d.find("member address", address, func(m *Member) bool {
		return m.Address != "" && m.Address == address
	})
}

func (d *MemoryDirectory) ListMembers(_ context.Context, organizationID string) ([]*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Member
	for _, m := range d.members {
		if m.OrganizationID == organizationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (d *MemoryDirectory) UpdateStatus(_ context.Context, id string, status MemberStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[id]
	if !ok {
		return apperrors.NewNotFoundError("member", id)
	}
	m.Status = status
	return nil
}

func (d *MemoryDirectory) find(resource, key string, match func(*Member) bool) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.members {
		if match(m) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFoundError(resource, key)
}

func validateMember(m *Member) error {
	switch {
	case m == nil:
		return apperrors.RequiredError("member")
	case strings.TrimSpace(m.ID) == "":
		return apperrors.RequiredError("id")
	case strings.TrimSpace(m.OrganizationID) == "":
		return apperrors.RequiredError("organization_id")
	case strings.TrimSpace(m.Name) == "":
		return apperrors.RequiredError("name")
	}
	if m.Address != "" {
		if err := ValidateAddress(m.Address); err != nil {
			return err
		}
	}
	if m.Role == "" {
		m.Role = RoleMember
	}
	if m.Status == "" {
		m.Status = MemberActive
	}
	return nil
}
