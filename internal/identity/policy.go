package identity

import (
	"context"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
)

// ApproverPolicy decides who may approve or reject an external transfer.
type ApproverPolicy interface {
	Authorize(ctx context.Context, organizationID, approverID, senderID string) error
}

// RolePolicy admits active approvers and admins of the sender's organization,
// other than the sender.
type RolePolicy struct {
	dir Directory
}

var _ ApproverPolicy = (*RolePolicy)(nil)

func NewRolePolicy(dir Directory) *RolePolicy {
	return &RolePolicy{dir: dir}
}

func (p *RolePolicy) Authorize(ctx context.Context, organizationID, approverID, senderID string) error {
	if approverID == "" {
		return apperrors.RequiredError("approver")
	}
	if approverID == senderID {
		return apperrors.InvalidArgument("approver", "senders cannot approve their own transfers")
	}
	m, err := p.dir.GetMember(ctx, approverID)
	if err != nil {
		return err
	}
	if m.OrganizationID != organizationID || !m.CanApprove() {
		return apperrors.InvalidArgument("approver", "not an approver of organization "+organizationID)
	}
	return nil
}
