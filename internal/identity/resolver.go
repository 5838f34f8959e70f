package identity

import (
	"context"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// Kind is the identifier kind that matched a recipient.
type Kind string

const (
	KindMemberID Kind = "member_id"
	KindName     Kind = "name"
	KindAddress  Kind = "address"
)

// Resolution is a resolved recipient. Member is nil for an address that belongs
// to no member.
type Resolution struct {
	Kind    Kind
	Member  *Member
	Address string
	// Internal is true when Member belongs to the sender's organization.
	Internal bool
}

// Destination is the settlement address of the recipient, if known.
func (r *Resolution) Destination() string {
	if r.Member != nil && r.Member.Address != "" {
		return r.Member.Address
	}
	return r.Address
}

// ValidateAddress checks a raw settlement-chain address.
func ValidateAddress(addr string) error {
	if _, err := address.StringToUint160(addr); err != nil {
		return apperrors.InvalidArgument("address", "not a valid Neo N3 address")
	}
	return nil
}

// Resolver resolves recipient identifiers against a Directory.
type Resolver struct {
	dir Directory
	log *logger.Logger
}

func NewResolver(dir Directory, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Resolver{dir: dir, log: log}
}

// Resolve tries identifier as a member id, then as a member name within
// organizationID, then as a raw address, and returns the first match. Members of
// other organizations and unknown addresses resolve as external. NotFound means no
// kind matched; any other error is a lookup failure.
func (r *Resolver) Resolve(ctx context.Context, organizationID, identifier string) (*Resolution, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, apperrors.RequiredError("recipient")
	}

	m, err := r.dir.GetMember(ctx, identifier)
	if err == nil {
		return r.member(KindMemberID, organizationID, m), nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, apperrors.FromCollaborator("identity", "get member", err)
	}

	m, err = r.dir.FindByName(ctx, organizationID, identifier)
	if err == nil {
		return r.member(KindName, organizationID, m), nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, apperrors.FromCollaborator("identity", "find by name", err)
	}

	if ValidateAddress(identifier) != nil {
		return nil, apperrors.NewNotFoundError("recipient", identifier)
	}
	m, err = r.dir.FindByAddress(ctx, identifier)
	switch {
	case err == nil:
		res := r.member(KindAddress, organizationID, m)
		res.Address = identifier
		return res, nil
	case apperrors.IsNotFound(err):
		return &Resolution{Kind: KindAddress, Address: identifier}, nil
	default:
		return nil, apperrors.FromCollaborator("identity", "find by address", err)
	}
}

func (r *Resolver) member(kind Kind, organizationID string, m *Member) *Resolution {
	res := &Resolution{Kind: kind, Member: m, Internal: m.OrganizationID == organizationID && m.Active()}
	if !res.Internal {
		r.log.WithField("member_id", m.ID).
			WithField("organization_id", organizationID).
			Debug("recipient is outside the sender's organization")
	}
	return res
}

// AddressOf returns the settlement address registered for a member.
func (r *Resolver) AddressOf(ctx context.Context, memberID string) (string, error) {
	m, err := r.dir.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}
	if m.Address == "" {
		return "", apperrors.New(apperrors.KindInvalidState, "member %q has no settlement address", memberID)
	}
	return m.Address, nil
}

// Sender returns the member sending on behalf of organizationID. The member must
// exist, belong to that organization and be active.
func (r *Resolver) Sender(ctx context.Context, organizationID, memberID string) (*Member, error) {
	m, err := r.dir.GetMember(ctx, memberID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NewNotFoundError("member", memberID)
		}
		return nil, apperrors.FromCollaborator("identity", "get member", err)
	}
	if m.OrganizationID != organizationID {
		r.log.WithField("member_id", memberID).
			WithField("organization_id", organizationID).
			Warn("sender claims an organization it does not belong to")
		return nil, apperrors.InvalidArgument("sender_id", "not a member of organization "+organizationID)
	}
	if !m.Active() {
		return nil, apperrors.New(apperrors.KindInvalidState, "member %q is %s", memberID, m.Status)
	}
	return m, nil
}
