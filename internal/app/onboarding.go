package app

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	domain "github.com/R3E-Network/orgpay/internal/domain/membership"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/money"
)

// MemberRequest describes a member joining an organization.
type MemberRequest struct {
	// MemberID is optional; a UUID is assigned when empty.
	MemberID       string
	OrganizationID string
	Name           string
	Address        string
	Role           identity.Role
	// Secret is the member's membership secret. Only its hash enters the tree.
	Secret  []byte
	Deposit decimal.Decimal
}

// Onboarded is the result of OnboardMember.
type Onboarded struct {
	Member    *identity.Member `json:"member"`
	ChannelID string           `json:"channel_id"`
	LeafIndex uint64           `json:"leaf_index"`
	Root      domain.Digest    `json:"root"`
}

// OnboardMember registers a member, appends its membership leaf and opens its
// payment channel. A member whose leaf or channel could not be created is revoked;
// an appended leaf stays in the tree.
func (a *Application) OnboardMember(ctx context.Context, req MemberRequest) (*Onboarded, error) {
	if len(req.Secret) == 0 {
		return nil, apperrors.RequiredError("secret")
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		return nil, apperrors.RequiredError("organization_id")
	}
	if err := money.ValidateNonNegative(req.Deposit); err != nil {
		return nil, err
	}
	if req.MemberID == "" {
		req.MemberID = uuid.NewString()
	}

	m := &identity.Member{
		ID:             req.MemberID,
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Address:        req.Address,
		Role:           req.Role,
	}
	if err := a.Directory.CreateMember(ctx, m); err != nil {
		return nil, err
	}
	log := a.log.WithField("member_id", m.ID).WithField("organization_id", m.OrganizationID)

	tree, err := a.Membership.AddMember(ctx, req.OrganizationID, req.Secret)
	if err != nil {
		a.revoke(ctx, m.ID)
		return nil, err
	}
	leaf := tree.Leaves[len(tree.Leaves)-1]

	channelID, err := a.Ledger.OpenChannel(ctx, m.ID, m.OrganizationID, req.Deposit)
	if err != nil {
		log.WithField("leaf_index", leaf.Index).WithError(err).Warn("channel open failed after leaf append")
		a.revoke(ctx, m.ID)
		return nil, err
	}

	log.WithField("channel_id", channelID).WithField("leaf_index", leaf.Index).Info("member onboarded")
	return &Onboarded{Member: m, ChannelID: channelID, LeafIndex: leaf.Index, Root: tree.Root}, nil
}

func (a *Application) revoke(ctx context.Context, memberID string) {
	if err := a.Directory.UpdateStatus(ctx, memberID, identity.MemberRevoked); err != nil {
		a.log.WithField("member_id", memberID).WithError(err).Error("revoke member after failed onboarding")
	}
}
