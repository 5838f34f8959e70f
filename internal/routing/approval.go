package routing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/internal/settlement"
)

// requestApproval stores a PENDING external transfer, locks the amount on the
// sender's channel and opens the approval that decides it.
func (e *Engine) requestApproval(ctx context.Context, req transfer.Request, res *identity.Resolution, rec *transfer.Record, start time.Time) (*transfer.Record, error) {
	dest := res.Destination()
	if dest == "" {
		return nil, apperrors.InvalidArgument("recipient", "external recipient has no settlement address")
	}
	sender, ok := e.ledger.ChannelForOwner(ctx, req.SenderID)
	if !ok {
		return nil, apperrors.NewNotFoundError("channel", req.SenderID)
	}

	rec.Route = transfer.RouteExternalPending
	rec.ExternalDest = dest
	rec.ApprovalID = uuid.NewString()
	e.phase(ctx, rec.ID, transfer.PhaseClassified)
	if err := e.store.CreateTransfer(ctx, rec); err != nil {
		if apperrors.IsConcurrencyConflict(err) {
			return e.store.GetTransfer(ctx, rec.ID)
		}
		return nil, err
	}
	e.routed(ctx, rec)

	holdID, err := e.ledger.Reserve(ctx, sender.ID, rec.ApprovalID, rec.Amount)
	if err != nil {
		return e.finalize(ctx, rec, "", err, start)
	}

	approval := &transfer.Approval{
		ID:              rec.ApprovalID,
		TransferID:      rec.ID,
		OrganizationID:  rec.OrganizationID,
		SenderID:        rec.FromID,
		SenderChannelID: sender.ID,
		HoldID:          holdID,
		Destination:     dest,
		Amount:          rec.Amount,
		Currency:        rec.Currency,
		Status:          transfer.ApprovalPending,
		RequestedAt:     e.now(),
	}
	if err := e.store.CreateApproval(ctx, approval); err != nil {
		if relErr := e.ledger.Release(ctx, holdID); relErr != nil {
			e.log.WithField("hold_id", holdID).WithError(relErr).Error("release after failed approval insert")
		}
		return e.finalize(ctx, rec, "", err, start)
	}

	e.phase(ctx, rec.ID, transfer.PhaseAwaitingApproval)
	metrics.RecordApproval(string(transfer.ApprovalPending))
	metrics.RecordTransfer(string(rec.Route), string(rec.Status), time.Since(start))
	e.approvalEvent(ctx, events.EventApprovalRequested, approval, nil)
	e.log.WithField("transfer_id", rec.ID).
		WithField("approval_id", approval.ID).
		WithField("destination", dest).
		Info("external transfer awaiting approval")
	return rec, nil
}

// GetApproval returns a stored approval.
func (e *Engine) GetApproval(ctx context.Context, approvalID string) (*transfer.Approval, error) {
	return e.store.GetApproval(ctx, approvalID)
}

// ListPendingApprovals returns the undecided approvals of an organization.
func (e *Engine) ListPendingApprovals(ctx context.Context, organizationID string) ([]*transfer.Approval, error) {
	return e.store.ListApprovals(ctx, organizationID, transfer.ApprovalPending)
}

// ApproveExternal authorizes a pending external transfer and executes it on the
// settlement chain. Each approval executes at most once: concurrent or repeated
// approvals of the same id fail with InvalidState.
//
// On success the channel hold is consumed and the transfer is CONFIRMED. On
// failure the transfer is FAILED; the hold is released unless the submission timed
// out, in which case its outcome is unknown and the hold stays locked until
// ResolveApproval settles it.
func (e *Engine) ApproveExternal(ctx context.Context, approvalID, approverID string) (*transfer.Record, error) {
	ctx, span := e.tracer.Start(ctx, "routing.ApproveExternal", trace.WithAttributes(
		attribute.String("approval.id", approvalID),
	))
	defer span.End()

	rec, err := e.approve(ctx, approvalID, approverID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.KindOf(err)))
	}
	return rec, err
}

func (e *Engine) approve(ctx context.Context, approvalID, approverID string) (*transfer.Record, error) {
	start := time.Now()
	a, rec, err := e.decide(ctx, approvalID, approverID)
	if err != nil {
		return nil, err
	}

	decided := e.now()
	a.Status = transfer.ApprovalApproved
	a.Approver = approverID
	a.DecidedAt = &decided
	if err := e.store.TransitionApproval(ctx, a, transfer.ApprovalPending); err != nil {
		return nil, err
	}
	metrics.RecordApproval(string(a.Status))
	e.approvalEvent(ctx, events.EventApprovalApproved, a, nil)

	handle, execErr := e.submitExternal(ctx, a)
	if execErr != nil {
		if !apperrors.IsTimeout(execErr) {
			if err := e.ledger.Release(ctx, a.HoldID); err != nil {
				e.log.WithField("hold_id", a.HoldID).WithError(err).Error("release hold of failed approval")
			}
		}
		a.Status = transfer.ApprovalFailed
		a.Reason = execErr.Error()
		e.transition(ctx, a, transfer.ApprovalApproved)
		e.approvalEvent(ctx, events.EventApprovalFailed, a, execErr)
		return e.finalize(ctx, rec, "", execErr, start)
	}

	if err := e.ledger.Consume(ctx, a.HoldID); err != nil {
		e.log.WithField("hold_id", a.HoldID).
			WithField("settlement_handle", handle).
			WithError(err).
			Error("consume hold after on-chain execution")
	}
	a.Status = transfer.ApprovalExecuted
	a.SettlementHandle = handle
	e.transition(ctx, a, transfer.ApprovalApproved)
	e.approvalEvent(ctx, events.EventApprovalExecuted, a, nil)
	return e.finalize(ctx, rec, handle, nil, start)
}

// RejectExternal declines a pending external transfer and returns the locked
// amount to the sender's channel.
func (e *Engine) RejectExternal(ctx context.Context, approvalID, approverID, reason string) (*transfer.Record, error) {
	ctx, span := e.tracer.Start(ctx, "routing.RejectExternal", trace.WithAttributes(
		attribute.String("approval.id", approvalID),
	))
	defer span.End()

	start := time.Now()
	a, rec, err := e.decide(ctx, approvalID, approverID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.KindOf(err)))
		return nil, err
	}

	decided := e.now()
	a.Status = transfer.ApprovalRejected
	a.Approver = approverID
	a.Reason = reason
	a.DecidedAt = &decided
	if err := e.store.TransitionApproval(ctx, a, transfer.ApprovalPending); err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.RecordApproval(string(a.Status))
	e.approvalEvent(ctx, events.EventApprovalRejected, a, nil)

	releaseErr := e.ledger.Release(ctx, a.HoldID)
	if releaseErr != nil {
		e.log.WithField("hold_id", a.HoldID).WithError(releaseErr).Error("release hold of rejected approval")
		span.RecordError(releaseErr)
	}

	done := e.now()
	rec.Status = transfer.StatusRejected
	rec.Error = reason
	rec.CompletedAt = &done
	return e.complete(ctx, rec, releaseErr, start)
}

// decide loads a pending approval with its transfer and authorizes the approver.
func (e *Engine) decide(ctx context.Context, approvalID, approverID string) (*transfer.Approval, *transfer.Record, error) {
	if approverID == "" {
		return nil, nil, apperrors.RequiredError("approver")
	}
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, nil, err
	}
	if a.Status != transfer.ApprovalPending {
		return nil, nil, apperrors.NewInvalidStateError("approval", a.ID, string(a.Status), string(transfer.ApprovalPending))
	}
	if err := e.policy.Authorize(ctx, a.OrganizationID, approverID, a.SenderID); err != nil {
		return nil, nil, err
	}
	rec, err := e.store.GetTransfer(ctx, a.TransferID)
	if err != nil {
		return nil, nil, err
	}
	return a, rec, nil
}

func (e *Engine) submitExternal(ctx context.Context, a *transfer.Approval) (string, error) {
	if e.settlement == nil {
		return "", apperrors.New(apperrors.KindInvalidState, "no settlement client configured")
	}
	from := e.cfg.EscrowAddress
	if from == "" {
		addr, err := e.resolver.AddressOf(ctx, a.SenderID)
		if err != nil {
			return "", err
		}
		from = addr
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	handle, err := e.settlement.SubmitTransfer(ctx, settlement.Transfer{
		From:      from,
		To:        a.Destination,
		Amount:    a.Amount,
		Sponsor:   e.cfg.Sponsor,
		Reference: a.TransferID,
	})
	if err != nil {
		return "", apperrors.FromCollaborator("settlement", "submit transfer", err)
	}
	return handle, nil
}

// transition moves an approval out of from. Only the goroutine that won the step
// into from, or that settled the approval's hold, reaches here, so a failure is a
// storage fault.
func (e *Engine) transition(ctx context.Context, a *transfer.Approval, from transfer.ApprovalStatus) {
	metrics.RecordApproval(string(a.Status))
	if err := e.store.TransitionApproval(ctx, a, from); err != nil {
		e.log.WithField("approval_id", a.ID).
			WithField("status", a.Status).
			WithError(err).
			Error("approval transition failed")
	}
}

func (e *Engine) approvalEvent(ctx context.Context, t events.EventType, a *transfer.Approval, err error) {
	b := events.NewEvent(t).
		Organization(a.OrganizationID).
		Channel(a.SenderChannelID).
		Transfer(a.TransferID).
		Approval(a.ID).
		Amount(money.Canonical(a.Amount)).
		Metadata("status", string(a.Status)).
		ErrorFrom(err)
	if a.Approver != "" {
		b.Metadata("approver", a.Approver)
	}
	if a.SettlementHandle != "" {
		b.Metadata("settlement_handle", a.SettlementHandle)
	}
	b.PublishTo(ctx, e.sink)
}
