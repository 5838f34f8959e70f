package settlement

import (
	"context"

	"github.com/R3E-Network/orgpay/internal/domain/channel"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
)

// AddressBook maps a member to the address that receives its settled funds.
type AddressBook interface {
	AddressOf(ctx context.Context, memberID string) (string, error)
}

// ChannelSettler pays a closing channel's final balance from the escrow account to
// its owner.
type ChannelSettler struct {
	client    Client
	escrow    string
	addresses AddressBook
}

// NewChannelSettler creates a settler. Without an address book the owner id is
// used as the destination.
func NewChannelSettler(client Client, escrow string, addresses AddressBook) *ChannelSettler {
	return &ChannelSettler{client: client, escrow: escrow, addresses: addresses}
}

// Settle submits the channel's balance and returns the settlement handle.
func (s *ChannelSettler) Settle(ctx context.Context, ch *channel.Channel) (string, error) {
	if s.escrow == "" {
		return "", apperrors.RequiredError("settlement.escrow_address")
	}
	to := ch.OwnerID
	if s.addresses != nil {
		addr, err := s.addresses.AddressOf(ctx, ch.OwnerID)
		if err != nil {
			return "", err
		}
		to = addr
	}
	return s.client.SubmitTransfer(ctx, Transfer{
		From:      s.escrow,
		To:        to,
		Amount:    ch.Balance,
		Reference: "channel:" + ch.ID,
	})
}
