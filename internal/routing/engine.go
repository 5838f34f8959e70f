// Package routing is the entry point for transfer requests. It resolves the
// recipient, classifies the transfer into an execution route, drives the route to
// a terminal status and gates transfers leaving the organization behind approval.
package routing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/internal/settlement"
	"github.com/R3E-Network/orgpay/internal/storage"
	"github.com/R3E-Network/orgpay/internal/zkproof"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

const tracerName = "github.com/R3E-Network/orgpay/internal/routing"

// Ledger is the channel ledger view the engine needs.
type Ledger interface {
	ChannelForOwner(ctx context.Context, ownerID string) (*channel.Channel, bool)
	Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal) (channel.TransferResult, error)
	Reserve(ctx context.Context, channelID, referenceID string, amount decimal.Decimal) (string, error)
	Release(ctx context.Context, holdID string) error
	Consume(ctx context.Context, holdID string) error
	GetHold(holdID string) (channel.Hold, bool)
	FindHold(referenceID string) (channel.Hold, bool)
}

// Resolver resolves senders, recipients and settlement addresses.
type Resolver interface {
	Sender(ctx context.Context, organizationID, memberID string) (*identity.Member, error)
	Resolve(ctx context.Context, organizationID, identifier string) (*identity.Resolution, error)
	AddressOf(ctx context.Context, memberID string) (string, error)
}

// Prover is the commitment and proof service view the engine needs.
type Prover interface {
	Commit(amount decimal.Decimal, salt []byte) (zkproof.Commitment, error)
	Nullifier(secret []byte, nonce string) string
	GenerateMembershipProof(ctx context.Context, organizationID string, secret []byte, nonce string) (*zkproof.ProofResult, error)
	VerifyMembershipProofForOrg(ctx context.Context, organizationID string, proof zkproof.Proof, publicSignals []string) (bool, error)
}

// Config tunes the engine.
type Config struct {
	// OffChainCeiling is the largest amount routed off-chain, inclusive.
	OffChainCeiling decimal.Decimal
	// DefaultCurrency fills requests without a currency.
	DefaultCurrency string
	// Timeout bounds each settlement and proving call. Zero means 30s.
	Timeout time.Duration
	// EscrowAddress pays approved external transfers from the locked channel funds.
	EscrowAddress string
	// Sponsor, when set, pays network fees of on-chain transfers.
	Sponsor string
}

// Dependencies are the collaborators of the engine.
type Dependencies struct {
	Ledger     Ledger
	Resolver   Resolver
	Policy     identity.ApproverPolicy
	Prover     Prover
	Settlement settlement.Client
	Pool       settlement.PoolClient
	Store      storage.Store
	Sink       events.Sink
	Log        *logger.Logger
}

// Engine routes transfers.
type Engine struct {
	cfg        Config
	ledger     Ledger
	resolver   Resolver
	policy     identity.ApproverPolicy
	prover     Prover
	settlement settlement.Client
	pool       settlement.PoolClient
	store      storage.Store
	sink       events.Sink
	log        *logger.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates an engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	switch {
	case deps.Ledger == nil:
		return nil, apperrors.RequiredError("ledger")
	case deps.Resolver == nil:
		return nil, apperrors.RequiredError("resolver")
	case deps.Store == nil:
		return nil, apperrors.RequiredError("store")
	}
	if cfg.OffChainCeiling.IsNegative() {
		return nil, apperrors.InvalidArgument("off_chain_ceiling", "must not be negative")
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("routing")
	}
	sink := deps.Sink
	if sink == nil {
		sink = events.Discard
	}
	policy := deps.Policy
	if policy == nil {
		policy = denyAll{}
	}
	return &Engine{
		cfg:        cfg,
		ledger:     deps.Ledger,
		resolver:   deps.Resolver,
		policy:     policy,
		prover:     deps.Prover,
		settlement: deps.Settlement,
		pool:       deps.Pool,
		store:      deps.Store,
		sink:       sink,
		log:        log,
		tracer:     otel.Tracer(tracerName),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, string, string, string) error {
	return apperrors.InvalidArgument("approver", "no approver policy configured")
}

// Classify picks the route of an internal transfer. Fully private transfers use
// the privacy pool; an explicit settlement chain forces on-chain; otherwise
// amounts up to and including ceiling stay off-chain.
func Classify(amount decimal.Decimal, chain string, privacy transfer.PrivacyLevel, ceiling decimal.Decimal) transfer.Route {
	switch {
	case privacy == transfer.PrivacyFullyPrivate:
		return transfer.RoutePrivacyPool
	case strings.TrimSpace(chain) != "":
		return transfer.RouteOnChain
	case amount.LessThanOrEqual(ceiling):
		return transfer.RouteOffChain
	default:
		return transfer.RouteOnChain
	}
}

// Classify applies the engine's off-chain ceiling.
func (e *Engine) Classify(amount decimal.Decimal, chain string, privacy transfer.PrivacyLevel) transfer.Route {
	return Classify(amount, chain, privacy, e.cfg.OffChainCeiling)
}

// GetTransfer returns a stored transfer record.
func (e *Engine) GetTransfer(ctx context.Context, transferID string) (*transfer.Record, error) {
	return e.store.GetTransfer(ctx, transferID)
}

// ProcessTransfer runs a transfer request to a terminal status, or to PENDING
// behind an approval when the recipient is outside the organization. A request
// whose TransferID already exists returns the stored record without executing.
// When execution fails the record is marked FAILED and returned with the error.
func (e *Engine) ProcessTransfer(ctx context.Context, req transfer.Request) (*transfer.Record, error) {
	ctx, span := e.tracer.Start(ctx, "routing.ProcessTransfer", trace.WithAttributes(
		attribute.String("organization.id", req.OrganizationID),
		attribute.String("privacy", string(req.Privacy)),
	))
	defer span.End()

	rec, err := e.processTransfer(ctx, req)
	if rec != nil {
		span.SetAttributes(
			attribute.String("transfer.id", rec.ID),
			attribute.String("transfer.route", string(rec.Route)),
			attribute.String("transfer.status", string(rec.Status)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.KindOf(err)))
	}
	return rec, err
}

func (e *Engine) processTransfer(ctx context.Context, req transfer.Request) (*transfer.Record, error) {
	start := time.Now()
	if err := e.validate(&req); err != nil {
		return nil, err
	}

	if req.TransferID != "" {
		existing, err := e.store.GetTransfer(ctx, req.TransferID)
		if err == nil {
			e.log.WithField("transfer_id", req.TransferID).Debug("duplicate transfer request, returning stored record")
			return existing, nil
		}
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
	} else {
		req.TransferID = uuid.NewString()
	}
	if req.Nonce == "" {
		req.Nonce = req.TransferID
	}
	if _, err := e.resolver.Sender(ctx, req.OrganizationID, req.SenderID); err != nil {
		return nil, err
	}

	events.NewEvent(events.EventTransferReceived).
		Organization(req.OrganizationID).
		Transfer(req.TransferID).
		Amount(money.Canonical(req.Amount)).
		PublishTo(ctx, e.sink)

	res, err := e.resolver.Resolve(ctx, req.OrganizationID, req.Recipient)
	if err != nil {
		return nil, err
	}
	if res.Member != nil && res.Member.ID == req.SenderID {
		return nil, apperrors.InvalidArgument("recipient", "must differ from the sender")
	}
	e.phase(ctx, req.TransferID, transfer.PhaseRecipientResolved)

	rec := &transfer.Record{
		ID:             req.TransferID,
		OrganizationID: req.OrganizationID,
		FromID:         req.SenderID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Privacy:        req.Privacy,
		Status:         transfer.StatusPending,
		Timestamp:      e.now(),
	}
	if res.Member != nil {
		rec.ToID = res.Member.ID
	}

	if !res.Internal {
		return e.requestApproval(ctx, req, res, rec, start)
	}

	rec.Route = e.Classify(req.Amount, req.Chain, req.Privacy)
	e.phase(ctx, rec.ID, transfer.PhaseClassified)
	if err := e.prepare(req, rec); err != nil {
		return nil, err
	}
	if err := e.store.CreateTransfer(ctx, rec); err != nil {
		if apperrors.IsConcurrencyConflict(err) {
			return e.store.GetTransfer(ctx, rec.ID)
		}
		return nil, err
	}
	e.routed(ctx, rec)

	var handle string
	switch rec.Route {
	case transfer.RouteOffChain:
		e.phase(ctx, rec.ID, transfer.PhaseExecutingOffChain)
		handle, err = e.executeOffChain(ctx, rec)
	case transfer.RouteOnChain:
		e.phase(ctx, rec.ID, transfer.PhaseExecutingOnChain)
		handle, err = e.executeOnChain(ctx, rec, res)
	case transfer.RoutePrivacyPool:
		e.phase(ctx, rec.ID, transfer.PhaseExecutingPrivate)
		handle, err = e.executePrivate(ctx, req, rec)
	}
	return e.finalize(ctx, rec, handle, err, start)
}

func (e *Engine) validate(req *transfer.Request) error {
	switch {
	case strings.TrimSpace(req.OrganizationID) == "":
		return apperrors.RequiredError("organization_id")
	case strings.TrimSpace(req.SenderID) == "":
		return apperrors.RequiredError("sender_id")
	case strings.TrimSpace(req.Recipient) == "":
		return apperrors.RequiredError("recipient")
	case !req.Privacy.Valid():
		return apperrors.InvalidArgument("privacy", "unknown privacy level "+string(req.Privacy))
	}
	if err := money.ValidatePositive(req.Amount); err != nil {
		return err
	}
	if req.Privacy == "" {
		req.Privacy = transfer.PrivacyNone
	}
	if req.Currency == "" {
		req.Currency = e.cfg.DefaultCurrency
	}
	if req.Privacy == transfer.PrivacyFullyPrivate && len(req.SenderSecret) == 0 {
		return apperrors.RequiredError("sender_secret")
	}
	return nil
}

// prepare fills the privacy fields of the record before it is stored.
func (e *Engine) prepare(req transfer.Request, rec *transfer.Record) error {
	if req.Privacy == transfer.PrivacyNone {
		return nil
	}
	if e.prover == nil {
		return apperrors.New(apperrors.KindInvalidState, "privacy level %q requires the proof service", req.Privacy)
	}
	c, err := e.prover.Commit(req.Amount, nil)
	if err != nil {
		return err
	}
	rec.Commitment = c.Commitment
	if req.Privacy == transfer.PrivacyFullyPrivate {
		rec.Nullifier = e.prover.Nullifier(req.SenderSecret, req.Nonce)
	}
	return nil
}

// finalize writes the single terminal update of rec.
func (e *Engine) finalize(ctx context.Context, rec *transfer.Record, handle string, execErr error, start time.Time) (*transfer.Record, error) {
	done := e.now()
	rec.CompletedAt = &done
	if execErr != nil {
		rec.Status = transfer.StatusFailed
		rec.ErrorKind = string(apperrors.KindOf(execErr))
		rec.Error = execErr.Error()
	} else {
		rec.Status = transfer.StatusConfirmed
		rec.SettlementHandle = handle
	}
	return e.complete(ctx, rec, execErr, start)
}

// complete stores an already terminal rec and reports it.
func (e *Engine) complete(ctx context.Context, rec *transfer.Record, execErr error, start time.Time) (*transfer.Record, error) {
	if err := e.store.FinalizeTransfer(ctx, rec); err != nil {
		e.log.WithField("transfer_id", rec.ID).
			WithField("status", rec.Status).
			WithError(err).
			Error("terminal transfer update failed")
		if execErr == nil {
			execErr = err
		}
	}

	metrics.RecordTransfer(string(rec.Route), string(rec.Status), time.Since(start))
	ev := events.NewEvent(events.EventTransferFinalized).
		Organization(rec.OrganizationID).
		Transfer(rec.ID).
		Approval(rec.ApprovalID).
		Amount(money.Canonical(rec.Amount)).
		Metadata("route", string(rec.Route)).
		Metadata("status", string(rec.Status)).
		ErrorFrom(execErr)
	if rec.SettlementHandle != "" {
		ev.Metadata("settlement_handle", rec.SettlementHandle)
	}
	ev.PublishTo(ctx, e.sink)

	entry := e.log.WithField("transfer_id", rec.ID).
		WithField("route", rec.Route).
		WithField("status", rec.Status)
	if execErr != nil {
		entry.WithField("error_kind", rec.ErrorKind).WithError(execErr).Warn("transfer failed")
	} else {
		entry.WithField("settlement_handle", rec.SettlementHandle).Info("transfer finalized")
	}
	return rec, execErr
}

func (e *Engine) phase(ctx context.Context, transferID string, p transfer.Phase) {
	trace.SpanFromContext(ctx).AddEvent(string(p))
	e.log.WithField("transfer_id", transferID).WithField("phase", p).Debug("transfer phase")
}

func (e *Engine) routed(ctx context.Context, rec *transfer.Record) {
	events.NewEvent(events.EventTransferRouted).
		Organization(rec.OrganizationID).
		Transfer(rec.ID).
		Approval(rec.ApprovalID).
		Amount(money.Canonical(rec.Amount)).
		Metadata("route", string(rec.Route)).
		PublishTo(ctx, e.sink)
}

// withTimeout bounds a collaborator call.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.Timeout)
}
