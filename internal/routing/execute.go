package routing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/settlement"
)

// executeOffChain moves value between the sender's and recipient's channels.
func (e *Engine) executeOffChain(ctx context.Context, rec *transfer.Record) (string, error) {
	from, ok := e.ledger.ChannelForOwner(ctx, rec.FromID)
	if !ok {
		return "", apperrors.NewNotFoundError("channel", rec.FromID)
	}
	to, ok := e.ledger.ChannelForOwner(ctx, rec.ToID)
	if !ok {
		return "", apperrors.NewNotFoundError("channel", rec.ToID)
	}
	res, err := e.ledger.Transfer(ctx, from.ID, to.ID, rec.Amount)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("channel:%s:%d", from.ID, res.NewSenderNonce), nil
}

// executeOnChain submits the transfer to the settlement chain from the sender's address.
func (e *Engine) executeOnChain(ctx context.Context, rec *transfer.Record, res *identity.Resolution) (string, error) {
	if e.settlement == nil {
		return "", apperrors.New(apperrors.KindInvalidState, "no settlement client configured")
	}
	from, err := e.resolver.AddressOf(ctx, rec.FromID)
	if err != nil {
		return "", err
	}
	to := res.Destination()
	if to == "" {
		return "", apperrors.New(apperrors.KindInvalidState, "recipient %q has no settlement address", rec.ToID)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	handle, err := e.settlement.SubmitTransfer(ctx, settlement.Transfer{
		From:      from,
		To:        to,
		Amount:    rec.Amount,
		Sponsor:   e.cfg.Sponsor,
		Reference: rec.ID,
	})
	if err != nil {
		return "", apperrors.FromCollaborator("settlement", "submit transfer", err)
	}
	return handle, nil
}

// executePrivate proves the sender's membership, locks the amount on the
// sender's channel, spends the nullifier and deposits the committed amount into
// the privacy pool. The hold is consumed once the pool accepts the deposit and
// released when it refuses; a timed out deposit keeps it locked until
// ResolvePrivateTransfer settles it. A spent nullifier is never returned, so a
// deposit failure after spending burns the nonce.
func (e *Engine) executePrivate(ctx context.Context, req transfer.Request, rec *transfer.Record) (string, error) {
	if e.pool == nil {
		return "", apperrors.New(apperrors.KindInvalidState, "no privacy pool configured")
	}
	sender, ok := e.ledger.ChannelForOwner(ctx, rec.FromID)
	if !ok {
		return "", apperrors.NewNotFoundError("channel", rec.FromID)
	}

	proveCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	proof, err := e.prover.GenerateMembershipProof(proveCtx, rec.OrganizationID, req.SenderSecret, req.Nonce)
	if err != nil {
		return "", err
	}
	if len(proof.PublicSignals) != 2 || proof.PublicSignals[1] != rec.Nullifier {
		return "", apperrors.New(apperrors.KindInvalidState, "membership proof does not bind the transfer nullifier")
	}
	valid, err := e.prover.VerifyMembershipProofForOrg(proveCtx, rec.OrganizationID, proof.Proof, proof.PublicSignals)
	if err != nil {
		return "", err
	}
	if !valid {
		return "", apperrors.New(apperrors.KindInvalidState, "membership proof rejected")
	}

	encoded, err := json.Marshal(proof.Proof)
	if err != nil {
		return "", apperrors.New(apperrors.KindInternal, "encode proof: %v", err)
	}

	holdID, err := e.ledger.Reserve(ctx, sender.ID, rec.ID, rec.Amount)
	if err != nil {
		return "", err
	}
	if err := e.store.SpendNullifier(ctx, rec.Nullifier, rec.ID); err != nil {
		e.release(ctx, holdID, rec.ID)
		return "", err
	}

	poolCtx, cancelPool := e.withTimeout(ctx)
	defer cancelPool()
	handle, err := e.pool.Deposit(poolCtx, settlement.Deposit{
		Amount:        rec.Amount,
		Commitment:    rec.Commitment,
		Nullifier:     rec.Nullifier,
		Root:          proof.PublicSignals[0],
		Proof:         encoded,
		PublicSignals: proof.PublicSignals,
		Reference:     rec.ID,
	})
	if err != nil {
		err = apperrors.FromCollaborator("privacy-pool", "deposit", err)
		if !apperrors.IsTimeout(err) {
			e.release(ctx, holdID, rec.ID)
		}
		return "", err
	}
	if err := e.ledger.Consume(ctx, holdID); err != nil {
		e.log.WithField("hold_id", holdID).
			WithField("transfer_id", rec.ID).
			WithField("settlement_handle", handle).
			WithError(err).
			Error("consume hold after pool deposit")
	}
	return handle, nil
}

func (e *Engine) release(ctx context.Context, holdID, transferID string) {
	if err := e.ledger.Release(ctx, holdID); err != nil {
		e.log.WithField("hold_id", holdID).
			WithField("transfer_id", transferID).
			WithError(err).
			Error("release hold of failed transfer")
	}
}
