package routing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/internal/settlement"
)

// ResolveApproval settles the hold of an external transfer whose submission timed
// out. The submission is looked up by transfer id: if it landed the hold is
// consumed and the approval becomes EXECUTED; if it failed or can no longer land
// the hold is released. A submission that is still pending leaves everything as
// is and returns InvalidState, so the call can be retried later.
//
// The transfer record keeps its FAILED status; terminal records are not rewritten.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string) (channel.Hold, error) {
	ctx, span := e.tracer.Start(ctx, "routing.ResolveApproval", trace.WithAttributes(
		attribute.String("approval.id", approvalID),
	))
	defer span.End()

	hold, err := e.resolveApproval(ctx, approvalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.KindOf(err)))
	}
	return hold, err
}

func (e *Engine) resolveApproval(ctx context.Context, approvalID string) (channel.Hold, error) {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return channel.Hold{}, err
	}
	if a.Status != transfer.ApprovalFailed {
		return channel.Hold{}, apperrors.NewInvalidStateError("approval", a.ID, string(a.Status), string(transfer.ApprovalFailed))
	}
	tracker, ok := e.settlement.(settlement.Tracker)
	if !ok {
		return channel.Hold{}, apperrors.New(apperrors.KindInvalidState, "settlement client cannot look up submissions")
	}

	hold, receipt, err := e.resolveHold(ctx, tracker, a.TransferID, a.HoldID)
	if err != nil {
		return hold, err
	}
	if hold.Status == channel.HoldConsumed {
		a.Status = transfer.ApprovalExecuted
		a.SettlementHandle = receipt.Handle
		a.Reason = ""
		e.transition(ctx, a, transfer.ApprovalFailed)
	}
	resolvedEvent(events.EventApprovalResolved, a.OrganizationID, a.TransferID, hold, a.SettlementHandle).
		Approval(a.ID).
		PublishTo(ctx, e.sink)
	e.log.WithField("approval_id", a.ID).
		WithField("transfer_id", a.TransferID).
		WithField("hold_status", hold.Status).
		Info("timed out external transfer resolved")
	return hold, nil
}

// ResolvePrivateTransfer settles the hold of a privacy-pool transfer whose deposit
// timed out, the same way ResolveApproval does for external transfers. The spent
// nullifier stays spent whatever the outcome.
func (e *Engine) ResolvePrivateTransfer(ctx context.Context, transferID string) (channel.Hold, error) {
	ctx, span := e.tracer.Start(ctx, "routing.ResolvePrivateTransfer", trace.WithAttributes(
		attribute.String("transfer.id", transferID),
	))
	defer span.End()

	hold, err := e.resolvePrivate(ctx, transferID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.KindOf(err)))
	}
	return hold, err
}

func (e *Engine) resolvePrivate(ctx context.Context, transferID string) (channel.Hold, error) {
	rec, err := e.store.GetTransfer(ctx, transferID)
	if err != nil {
		return channel.Hold{}, err
	}
	if rec.Route != transfer.RoutePrivacyPool {
		return channel.Hold{}, apperrors.InvalidArgument("transfer_id", "not a privacy pool transfer")
	}
	if rec.Status != transfer.StatusFailed {
		return channel.Hold{}, apperrors.NewInvalidStateError("transfer", rec.ID, string(rec.Status), string(transfer.StatusFailed))
	}
	held, ok := e.ledger.FindHold(rec.ID)
	if !ok {
		return channel.Hold{}, apperrors.NewNotFoundError("hold", rec.ID)
	}
	tracker, ok := e.pool.(settlement.Tracker)
	if !ok {
		return channel.Hold{}, apperrors.New(apperrors.KindInvalidState, "privacy pool cannot look up deposits")
	}

	hold, receipt, err := e.resolveHold(ctx, tracker, rec.ID, held.ID)
	if err != nil {
		return hold, err
	}
	var handle string
	if receipt != nil && hold.Status == channel.HoldConsumed {
		handle = receipt.Handle
	}
	resolvedEvent(events.EventTransferResolved, rec.OrganizationID, rec.ID, hold, handle).
		PublishTo(ctx, e.sink)
	e.log.WithField("transfer_id", rec.ID).
		WithField("hold_status", hold.Status).
		Info("timed out pool deposit resolved")
	return hold, nil
}

// resolveHold consumes or releases a pending hold according to what became of
// the submission made under reference.
func (e *Engine) resolveHold(ctx context.Context, tracker settlement.Tracker, reference, holdID string) (channel.Hold, *settlement.Receipt, error) {
	hold, ok := e.ledger.GetHold(holdID)
	if !ok {
		return channel.Hold{}, nil, apperrors.NewNotFoundError("hold", holdID)
	}
	if hold.Status != channel.HoldPending {
		return hold, nil, apperrors.NewInvalidStateError("hold", hold.ID, string(hold.Status), string(channel.HoldPending))
	}

	findCtx, cancel := e.withTimeout(ctx)
	receipt, err := tracker.FindByReference(findCtx, reference)
	cancel()
	switch {
	case apperrors.IsNotFound(err):
		err = e.ledger.Release(ctx, holdID)
	case err != nil:
		return hold, nil, apperrors.FromCollaborator("settlement", "find by reference", err)
	case receipt.Status == settlement.StatusFailed:
		err = e.ledger.Release(ctx, holdID)
	case receipt.Status == settlement.StatusConfirmed:
		err = e.ledger.Consume(ctx, holdID)
	default:
		return hold, receipt, apperrors.New(apperrors.KindInvalidState, "settlement of %q is still pending", reference)
	}
	if err != nil {
		return hold, receipt, err
	}
	hold, _ = e.ledger.GetHold(holdID)
	return hold, receipt, nil
}

func resolvedEvent(t events.EventType, organizationID, transferID string, hold channel.Hold, handle string) *events.EventBuilder {
	b := events.NewEvent(t).
		Organization(organizationID).
		Channel(hold.ChannelID).
		Transfer(transferID).
		Amount(money.Canonical(hold.Amount)).
		Metadata("hold_id", hold.ID).
		Metadata("hold_status", string(hold.Status))
	if handle != "" {
		b.Metadata("settlement_handle", handle)
	}
	return b
}
