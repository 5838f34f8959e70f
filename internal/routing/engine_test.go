package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/orgpay/internal/cache"
	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/domain/transfer"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/hashing"
	"github.com/R3E-Network/orgpay/internal/identity"
	"github.com/R3E-Network/orgpay/internal/ledger"
	"github.com/R3E-Network/orgpay/internal/membership"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/internal/settlement"
	"github.com/R3E-Network/orgpay/internal/storage"
	"github.com/R3E-Network/orgpay/internal/zkproof"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

var (
	aliceAddr  = address.Uint160ToString(util.Uint160{0xa1})
	bobAddr    = address.Uint160ToString(util.Uint160{0xb0})
	outAddr    = address.Uint160ToString(util.Uint160{0x0e})
	escrowAddr = address.Uint160ToString(util.Uint160{0xee})
	aliceKey   = []byte("alice-secret")
)

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	store  *storage.Memory
	chain  *settlement.Simulated
	events *events.RingBuffer
	dir    *identity.MemoryDirectory
	alice  string
	bob    string
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	dir := identity.NewMemoryDirectory()
	for _, m := range []*identity.Member{
		{ID: "m-alice", OrganizationID: "acme", Name: "Alice", Address: aliceAddr},
		{ID: "m-bob", OrganizationID: "acme", Name: "Bob", Address: bobAddr, Role: identity.RoleApprover},
		{ID: "m-dave", OrganizationID: "acme", Name: "Dave"},
		{ID: "m-out", OrganizationID: "globex", Name: "Olga", Address: outAddr},
	} {
		require.NoError(t, dir.CreateMember(ctx, m))
	}
	resolver := identity.NewResolver(dir, logger.Discard())

	chain := settlement.NewSimulated()
	rb := events.NewRingBuffer(1000)
	l := ledger.New(ledger.Config{}, cache.NewMemory(), settlement.NewChannelSettler(chain, escrowAddr, resolver), rb, logger.Discard())
	alice, err := l.OpenChannel(ctx, "m-alice", "acme", money.MustParse("1000"))
	require.NoError(t, err)
	bob, err := l.OpenChannel(ctx, "m-bob", "acme", money.MustParse("100"))
	require.NoError(t, err)

	trees := membership.NewRegistry(membership.Config{}, hashing.Blake2b{}, nil, nil, logger.Discard())
	_, err = trees.AddMember(ctx, "acme", aliceKey)
	require.NoError(t, err)
	prover := zkproof.NewService(zkproof.Config{Timeout: time.Second}, trees,
		zkproof.NewSimulatedBackend(hashing.Blake2b{}, []byte("routing-test")), logger.Discard())

	store := storage.NewMemory()
	e, err := New(Config{
		OffChainCeiling: money.MustParse("500"),
		Timeout:         timeout,
		EscrowAddress:   escrowAddr,
	}, Dependencies{
		Ledger:     l,
		Resolver:   resolver,
		Policy:     identity.NewRolePolicy(dir),
		Prover:     prover,
		Settlement: chain,
		Pool:       chain,
		Store:      store,
		Sink:       rb,
		Log:        logger.Discard(),
	})
	require.NoError(t, err)

	return &fixture{engine: e, ledger: l, store: store, chain: chain, events: rb, dir: dir, alice: alice, bob: bob}
}

func (f *fixture) balance(t *testing.T, channelID string) string {
	t.Helper()
	ch, ok := f.ledger.GetState(context.Background(), channelID)
	require.True(t, ok)
	return money.Canonical(ch.Balance)
}

// total sums the balances and holds of channels.
func (f *fixture) total(t *testing.T, channelIDs ...string) decimal.Decimal {
	t.Helper()
	sum := money.Zero
	for _, id := range channelIDs {
		ch, ok := f.ledger.GetState(context.Background(), id)
		require.True(t, ok)
		sum = sum.Add(ch.Balance).Add(ch.Held)
	}
	return sum
}

func request(recipient, amount string) transfer.Request {
	return transfer.Request{
		OrganizationID: "acme",
		SenderID:       "m-alice",
		Recipient:      recipient,
		Amount:         money.MustParse(amount),
	}
}

func TestClassify(t *testing.T) {
	ceiling := money.MustParse("500")
	tests := []struct {
		name    string
		amount  string
		chain   string
		privacy transfer.PrivacyLevel
		want    transfer.Route
	}{
		{"at the ceiling stays off-chain", "500", "", transfer.PrivacyNone, transfer.RouteOffChain},
		{"one cent above goes on-chain", "500.01", "", transfer.PrivacyNone, transfer.RouteOnChain},
		{"smallest unit above goes on-chain", "500.00000001", "", "", transfer.RouteOnChain},
		{"explicit chain forces on-chain", "10", "neo", transfer.PrivacyNone, transfer.RouteOnChain},
		{"fully private uses the pool", "10", "", transfer.PrivacyFullyPrivate, transfer.RoutePrivacyPool},
		{"fully private wins over chain and size", "9000", "neo", transfer.PrivacyFullyPrivate, transfer.RoutePrivacyPool},
		{"partial privacy follows the amount", "10", "", transfer.PrivacyPartial, transfer.RouteOffChain},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(money.MustParse(tc.amount), tc.chain, tc.privacy, ceiling)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, Classify(money.MustParse(tc.amount), tc.chain, tc.privacy, ceiling), "classification must be deterministic")
		})
	}
}

func TestProcessTransfer_OffChain(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	rec, err := f.engine.ProcessTransfer(ctx, request("bob", "250"))
	require.NoError(t, err)
	assert.Equal(t, transfer.RouteOffChain, rec.Route)
	assert.Equal(t, transfer.StatusConfirmed, rec.Status)
	assert.Equal(t, "m-bob", rec.ToID)
	assert.Equal(t, "USD", rec.Currency)
	assert.True(t, strings.HasPrefix(rec.SettlementHandle, "channel:"+f.alice), rec.SettlementHandle)
	require.NotNil(t, rec.CompletedAt)

	assert.Equal(t, "750.00000000", f.balance(t, f.alice))
	assert.Equal(t, "350.00000000", f.balance(t, f.bob))
	assert.Empty(t, f.chain.Transfers())

	stored, err := f.engine.GetTransfer(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusConfirmed, stored.Status)
	assert.Equal(t, rec.SettlementHandle, stored.SettlementHandle)

	final := f.events.RecentByType(events.EventTransferFinalized, 1)
	require.Len(t, final, 1)
	assert.Equal(t, rec.ID, final[0].TransferID)
	assert.Equal(t, "OFF_CHAIN", final[0].Metadata["route"])
}

func TestProcessTransfer_OnChainAboveCeiling(t *testing.T) {
	f := newFixture(t, time.Second)

	rec, err := f.engine.ProcessTransfer(context.Background(), request("m-bob", "500.01"))
	require.NoError(t, err)
	assert.Equal(t, transfer.RouteOnChain, rec.Route)
	assert.Equal(t, transfer.StatusConfirmed, rec.Status)
	assert.True(t, strings.HasPrefix(rec.SettlementHandle, "sim-tx-"))

	sent := f.chain.Transfers()
	require.Len(t, sent, 1)
	assert.Equal(t, aliceAddr, sent[0].From)
	assert.Equal(t, bobAddr, sent[0].To)
	assert.Equal(t, rec.ID, sent[0].Reference)
	assert.True(t, sent[0].Amount.Equal(money.MustParse("500.01")))
	assert.Equal(t, "1000.00000000", f.balance(t, f.alice), "on-chain transfers leave channels untouched")
}

func TestProcessTransfer_Idempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	req := request("Bob", "100")
	req.TransferID = "t-fixed"
	first, err := f.engine.ProcessTransfer(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.ProcessTransfer(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "t-fixed", first.ID)
	assert.Equal(t, first.SettlementHandle, second.SettlementHandle)
	assert.Equal(t, "900.00000000", f.balance(t, f.alice), "a repeated request must not move value twice")
}

func TestProcessTransfer_FailuresAreRecorded(t *testing.T) {
	t.Run("insufficient balance", func(t *testing.T) {
		f := newFixture(t, time.Second)
		req := request("m-alice", "400")
		req.SenderID = "m-bob"

		rec, err := f.engine.ProcessTransfer(context.Background(), req)
		require.Error(t, err)
		assert.True(t, apperrors.IsInsufficientBalance(err))
		require.NotNil(t, rec)
		assert.Equal(t, transfer.StatusFailed, rec.Status)
		assert.Equal(t, string(apperrors.KindInsufficientBalance), rec.ErrorKind)

		stored, err := f.store.GetTransfer(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, transfer.StatusFailed, stored.Status)
		assert.Equal(t, "100.00000000", f.balance(t, f.bob))
	})

	t.Run("settlement failure", func(t *testing.T) {
		f := newFixture(t, time.Second)
		f.chain.SetFailure(errors.New("node unreachable"))

		rec, err := f.engine.ProcessTransfer(context.Background(), request("bob", "600"))
		assert.True(t, apperrors.IsCollaboratorFailure(err), "got %v", err)
		require.NotNil(t, rec)
		assert.Equal(t, transfer.StatusFailed, rec.Status)
		assert.Equal(t, string(apperrors.KindCollaboratorFailure), rec.ErrorKind)
		assert.Contains(t, rec.Error, "node unreachable")
	})

	t.Run("settlement timeout", func(t *testing.T) {
		f := newFixture(t, 20*time.Millisecond)
		f.chain.SetDelay(time.Second)

		rec, err := f.engine.ProcessTransfer(context.Background(), request("bob", "600"))
		assert.True(t, apperrors.IsTimeout(err), "got %v", err)
		require.NotNil(t, rec)
		assert.Equal(t, string(apperrors.KindTimeout), rec.ErrorKind)
	})

	t.Run("recipient without a channel", func(t *testing.T) {
		f := newFixture(t, time.Second)
		rec, err := f.engine.ProcessTransfer(context.Background(), request("Dave", "5"))
		assert.True(t, apperrors.IsNotFound(err))
		require.NotNil(t, rec)
		assert.Equal(t, transfer.StatusFailed, rec.Status)
	})
}

func TestProcessTransfer_Validation(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	zero := request("bob", "0")
	_, err := f.engine.ProcessTransfer(ctx, zero)
	assert.True(t, apperrors.IsInvalidArgument(err))

	odd := request("bob", "1")
	odd.Privacy = "secretive"
	_, err = f.engine.ProcessTransfer(ctx, odd)
	assert.True(t, apperrors.IsInvalidArgument(err))

	self := request("Alice", "1")
	_, err = f.engine.ProcessTransfer(ctx, self)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = f.engine.ProcessTransfer(ctx, request("nobody", "1"))
	assert.True(t, apperrors.IsNotFound(err))

	noSecret := request("bob", "1")
	noSecret.Privacy = transfer.PrivacyFullyPrivate
	_, err = f.engine.ProcessTransfer(ctx, noSecret)
	assert.True(t, apperrors.IsInvalidArgument(err))

	all, err := f.store.ListTransfers(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Empty(t, all, "rejected requests must not create records")
}

func TestProcessTransfer_PartialPrivacyStoresCommitment(t *testing.T) {
	f := newFixture(t, time.Second)

	req := request("bob", "42")
	req.Privacy = transfer.PrivacyPartial
	rec, err := f.engine.ProcessTransfer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, transfer.RouteOffChain, rec.Route)
	assert.NotEmpty(t, rec.Commitment)
	assert.Empty(t, rec.Nullifier)
}

func TestProcessTransfer_PrivacyPool(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	req := request("bob", "75")
	req.Privacy = transfer.PrivacyFullyPrivate
	req.SenderSecret = aliceKey
	req.Nonce = "nonce-1"

	rec, err := f.engine.ProcessTransfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, transfer.RoutePrivacyPool, rec.Route)
	assert.Equal(t, transfer.StatusConfirmed, rec.Status)
	assert.NotEmpty(t, rec.Nullifier)
	assert.NotEmpty(t, rec.Commitment)

	deposits := f.chain.Deposits()
	require.Len(t, deposits, 1)
	assert.Equal(t, rec.Nullifier, deposits[0].Nullifier)
	assert.NotEmpty(t, deposits[0].Proof)

	spent, err := f.store.IsSpent(ctx, rec.Nullifier)
	require.NoError(t, err)
	assert.True(t, spent)

	// Same secret and nonce under a new transfer id reuses the nullifier.
	replay, err := f.engine.ProcessTransfer(ctx, req)
	assert.True(t, apperrors.IsInvalidState(err), "got %v", err)
	require.NotNil(t, replay)
	assert.Equal(t, transfer.StatusFailed, replay.Status)
	assert.Len(t, f.chain.Deposits(), 1)
}

func TestProcessTransfer_PrivacyPoolUnknownSecret(t *testing.T) {
	f := newFixture(t, time.Second)

	req := request("bob", "5")
	req.Privacy = transfer.PrivacyFullyPrivate
	req.SenderSecret = []byte("not-a-member")
	rec, err := f.engine.ProcessTransfer(context.Background(), req)
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, transfer.StatusFailed, rec.Status)
	assert.Empty(t, f.chain.Deposits())
}

func TestProcessTransfer_SenderMustBelongToOrganization(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	out, err := f.ledger.OpenChannel(ctx, "m-out", "globex", money.MustParse("300"))
	require.NoError(t, err)
	require.NoError(t, f.dir.UpdateStatus(ctx, "m-dave", identity.MemberRevoked))

	tests := []struct {
		name   string
		sender string
		check  func(error) bool
	}{
		{"member of another organization", "m-out", apperrors.IsInvalidArgument},
		{"unknown sender", "m-ghost", apperrors.IsNotFound},
		{"revoked sender", "m-dave", apperrors.IsInvalidState},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := request("m-alice", "100")
			req.SenderID = tc.sender
			rec, err := f.engine.ProcessTransfer(ctx, req)
			assert.True(t, tc.check(err), "got %v", err)
			assert.Nil(t, rec)
		})
	}

	assert.Equal(t, "300.00000000", f.balance(t, out))
	assert.Equal(t, "1000.00000000", f.balance(t, f.alice))
	all, err := f.store.ListTransfers(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Empty(t, all)
	pending, err := f.engine.ListPendingApprovals(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, f.events.RecentByType(events.EventTransferReceived, 5))
}

func TestProcessTransfer_ConservesOrganizationValue(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	before := f.total(t, f.alice, f.bob)

	offChain, err := f.engine.ProcessTransfer(ctx, request("bob", "250"))
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusConfirmed, offChain.Status)
	assert.True(t, f.total(t, f.alice, f.bob).Equal(before), "off-chain transfers move value inside the organization")

	req := request("bob", "75")
	req.Privacy = transfer.PrivacyFullyPrivate
	req.SenderSecret = aliceKey
	private, err := f.engine.ProcessTransfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusConfirmed, private.Status)

	deposits := f.chain.Deposits()
	require.Len(t, deposits, 1)
	assert.True(t, f.total(t, f.alice, f.bob).Add(deposits[0].Amount).Equal(before),
		"value deposited into the pool leaves the sender's channel")
	assert.Equal(t, "675.00000000", f.balance(t, f.alice))
	assert.Equal(t, "350.00000000", f.balance(t, f.bob))
}

func TestProcessTransfer_PrivacyPoolDebitsSender(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		fail    error
		status  transfer.Status
		kind    apperrors.Kind
		balance string
		hold    channel.HoldStatus
		spent   bool
	}{
		{"deposit consumes the hold", "900", nil, transfer.StatusConfirmed, "", "100.00000000", channel.HoldConsumed, true},
		{"amount above the balance", "5000000", nil, transfer.StatusFailed, apperrors.KindInsufficientBalance, "1000.00000000", "", false},
		{"refused deposit releases the hold", "900", errors.New("pool paused"), transfer.StatusFailed, apperrors.KindCollaboratorFailure, "1000.00000000", channel.HoldReleased, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			ctx := context.Background()
			f.chain.SetFailure(tc.fail)

			req := request("bob", tc.amount)
			req.Privacy = transfer.PrivacyFullyPrivate
			req.SenderSecret = aliceKey
			rec, err := f.engine.ProcessTransfer(ctx, req)
			require.NotNil(t, rec)
			assert.Equal(t, tc.status, rec.Status)
			if tc.kind == "" {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tc.kind, apperrors.KindOf(err), "got %v", err)
				assert.Equal(t, string(tc.kind), rec.ErrorKind)
			}
			assert.Equal(t, tc.balance, f.balance(t, f.alice))
			assert.Equal(t, "100.00000000", f.balance(t, f.bob))

			hold, ok := f.ledger.FindHold(rec.ID)
			if tc.hold == "" {
				assert.False(t, ok, "no hold is taken for an unaffordable amount")
			} else {
				require.True(t, ok)
				assert.Equal(t, tc.hold, hold.Status)
			}

			spent, err := f.store.IsSpent(ctx, rec.Nullifier)
			require.NoError(t, err)
			assert.Equal(t, tc.spent, spent)
			if tc.status == transfer.StatusFailed {
				assert.Empty(t, f.chain.Deposits())
			}
		})
	}
}

func TestResolvePrivateTransfer(t *testing.T) {
	timedOut := func(t *testing.T, land bool) (*fixture, *transfer.Record) {
		t.Helper()
		f := newFixture(t, 50*time.Millisecond)
		f.chain.SetLandOnTimeout(land)
		f.chain.SetDelay(time.Second)

		req := request("bob", "75")
		req.Privacy = transfer.PrivacyFullyPrivate
		req.SenderSecret = aliceKey
		rec, err := f.engine.ProcessTransfer(context.Background(), req)
		require.True(t, apperrors.IsTimeout(err), "got %v", err)
		require.Equal(t, transfer.StatusFailed, rec.Status)
		require.Equal(t, "925.00000000", f.balance(t, f.alice), "a timed out deposit keeps the hold")
		f.chain.SetDelay(0)
		return f, rec
	}

	t.Run("dropped deposit releases the hold", func(t *testing.T) {
		f, rec := timedOut(t, false)
		hold, err := f.engine.ResolvePrivateTransfer(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, channel.HoldReleased, hold.Status)
		assert.Equal(t, "1000.00000000", f.balance(t, f.alice))
		assert.Empty(t, f.chain.Deposits())

		_, err = f.engine.ResolvePrivateTransfer(context.Background(), rec.ID)
		assert.True(t, apperrors.IsInvalidState(err), "a settled hold is resolved once")
	})

	t.Run("landed deposit consumes the hold", func(t *testing.T) {
		f, rec := timedOut(t, true)
		hold, err := f.engine.ResolvePrivateTransfer(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, channel.HoldConsumed, hold.Status)
		assert.Equal(t, "925.00000000", f.balance(t, f.alice))
		assert.Len(t, f.chain.Deposits(), 1)

		resolved := f.events.RecentByType(events.EventTransferResolved, 1)
		require.Len(t, resolved, 1)
		assert.Equal(t, string(channel.HoldConsumed), resolved[0].Metadata["hold_status"])
		assert.NotEmpty(t, resolved[0].Metadata["settlement_handle"])

		stored, err := f.store.GetTransfer(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, transfer.StatusFailed, stored.Status, "terminal records are not rewritten")
	})

	t.Run("only failed pool transfers", func(t *testing.T) {
		f := newFixture(t, time.Second)
		offChain, err := f.engine.ProcessTransfer(context.Background(), request("bob", "5"))
		require.NoError(t, err)
		_, err = f.engine.ResolvePrivateTransfer(context.Background(), offChain.ID)
		assert.True(t, apperrors.IsInvalidArgument(err))

		req := request("bob", "5")
		req.Privacy = transfer.PrivacyFullyPrivate
		req.SenderSecret = aliceKey
		confirmed, err := f.engine.ProcessTransfer(context.Background(), req)
		require.NoError(t, err)
		_, err = f.engine.ResolvePrivateTransfer(context.Background(), confirmed.ID)
		assert.True(t, apperrors.IsInvalidState(err))
	})
}

func requestExternal(t *testing.T, f *fixture) *transfer.Record {
	t.Helper()
	rec, err := f.engine.ProcessTransfer(context.Background(), request("m-out", "300"))
	require.NoError(t, err)
	require.Equal(t, transfer.RouteExternalPending, rec.Route)
	require.Equal(t, transfer.StatusPending, rec.Status)
	require.NotEmpty(t, rec.ApprovalID)
	return rec
}

func TestExternal_RequestLocksFunds(t *testing.T) {
	f := newFixture(t, time.Second)
	rec := requestExternal(t, f)

	assert.Equal(t, outAddr, rec.ExternalDest)
	assert.Equal(t, "700.00000000", f.balance(t, f.alice))
	assert.Empty(t, f.chain.Transfers(), "nothing executes before approval")

	pending, err := f.engine.ListPendingApprovals(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ApprovalID, pending[0].ID)
	assert.Equal(t, f.alice, pending[0].SenderChannelID)

	hold, ok := f.ledger.GetHold(pending[0].HoldID)
	require.True(t, ok)
	assert.Equal(t, channel.HoldPending, hold.Status)
}

func TestExternal_Approve(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	rec := requestExternal(t, f)

	done, err := f.engine.ApproveExternal(ctx, rec.ApprovalID, "m-bob")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusConfirmed, done.Status)

	sent := f.chain.Transfers()
	require.Len(t, sent, 1)
	assert.Equal(t, escrowAddr, sent[0].From)
	assert.Equal(t, outAddr, sent[0].To)

	a, err := f.engine.GetApproval(ctx, rec.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ApprovalExecuted, a.Status)
	assert.Equal(t, "m-bob", a.Approver)
	assert.Equal(t, done.SettlementHandle, a.SettlementHandle)

	hold, _ := f.ledger.GetHold(a.HoldID)
	assert.Equal(t, channel.HoldConsumed, hold.Status)
	assert.Equal(t, "700.00000000", f.balance(t, f.alice))

	_, err = f.engine.ApproveExternal(ctx, rec.ApprovalID, "m-bob")
	assert.True(t, apperrors.IsInvalidState(err), "second approval must be refused, got %v", err)
	assert.Len(t, f.chain.Transfers(), 1)
}

func TestExternal_ApproveExactlyOnce(t *testing.T) {
	f := newFixture(t, time.Second)
	rec := requestExternal(t, f)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.ApproveExternal(context.Background(), rec.ApprovalID, "m-bob"); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.Len(t, f.chain.Transfers(), 1)
}

func TestExternal_ApproverPolicy(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	rec := requestExternal(t, f)

	_, err := f.engine.ApproveExternal(ctx, rec.ApprovalID, "m-alice")
	assert.Error(t, err, "senders cannot approve their own transfer")
	_, err = f.engine.ApproveExternal(ctx, rec.ApprovalID, "m-dave")
	assert.Error(t, err, "members without the approver role cannot approve")
	_, err = f.engine.ApproveExternal(ctx, rec.ApprovalID, "")
	assert.True(t, apperrors.IsInvalidArgument(err))

	a, err := f.engine.GetApproval(ctx, rec.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ApprovalPending, a.Status)
}

func TestExternal_Reject(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	rec := requestExternal(t, f)

	done, err := f.engine.RejectExternal(ctx, rec.ApprovalID, "m-bob", "unknown vendor")
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusRejected, done.Status)
	assert.Equal(t, "1000.00000000", f.balance(t, f.alice), "rejection returns the locked amount")
	assert.Empty(t, f.chain.Transfers())

	a, err := f.engine.GetApproval(ctx, rec.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ApprovalRejected, a.Status)
	assert.Equal(t, "unknown vendor", a.Reason)

	_, err = f.engine.ApproveExternal(ctx, rec.ApprovalID, "m-bob")
	assert.True(t, apperrors.IsInvalidState(err))
	require.Len(t, f.events.RecentByType(events.EventApprovalRejected, 5), 1)
}

func TestExternal_ApproveFailure(t *testing.T) {
	t.Run("failure releases the hold", func(t *testing.T) {
		f := newFixture(t, time.Second)
		rec := requestExternal(t, f)
		f.chain.SetFailure(errors.New("mempool full"))

		done, err := f.engine.ApproveExternal(context.Background(), rec.ApprovalID, "m-bob")
		assert.True(t, apperrors.IsCollaboratorFailure(err))
		require.NotNil(t, done)
		assert.Equal(t, transfer.StatusFailed, done.Status)
		assert.Equal(t, "1000.00000000", f.balance(t, f.alice))

		a, err := f.engine.GetApproval(context.Background(), rec.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, transfer.ApprovalFailed, a.Status)
	})

	t.Run("timeout keeps the hold", func(t *testing.T) {
		f := newFixture(t, 20*time.Millisecond)
		rec := requestExternal(t, f)
		f.chain.SetDelay(time.Second)

		done, err := f.engine.ApproveExternal(context.Background(), rec.ApprovalID, "m-bob")
		assert.True(t, apperrors.IsTimeout(err))
		require.NotNil(t, done)
		assert.Equal(t, transfer.StatusFailed, done.Status)
		assert.Equal(t, "700.00000000", f.balance(t, f.alice))

		a, err := f.engine.GetApproval(context.Background(), rec.ApprovalID)
		require.NoError(t, err)
		hold, _ := f.ledger.GetHold(a.HoldID)
		assert.Equal(t, channel.HoldPending, hold.Status)
	})
}

func TestResolveApproval(t *testing.T) {
	timedOut := func(t *testing.T, land bool) (*fixture, *transfer.Record) {
		t.Helper()
		f := newFixture(t, 20*time.Millisecond)
		rec := requestExternal(t, f)
		f.chain.SetLandOnTimeout(land)
		f.chain.SetDelay(time.Second)

		_, err := f.engine.ApproveExternal(context.Background(), rec.ApprovalID, "m-bob")
		require.True(t, apperrors.IsTimeout(err), "got %v", err)
		require.Equal(t, "700.00000000", f.balance(t, f.alice))
		f.chain.SetDelay(0)
		return f, rec
	}

	t.Run("dropped submission releases the hold", func(t *testing.T) {
		f, rec := timedOut(t, false)
		ctx := context.Background()

		hold, err := f.engine.ResolveApproval(ctx, rec.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, channel.HoldReleased, hold.Status)
		assert.Equal(t, "1000.00000000", f.balance(t, f.alice))
		assert.Empty(t, f.chain.Transfers())

		a, err := f.engine.GetApproval(ctx, rec.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, transfer.ApprovalFailed, a.Status)

		_, err = f.engine.ResolveApproval(ctx, rec.ApprovalID)
		assert.True(t, apperrors.IsInvalidState(err), "a settled hold is resolved once, got %v", err)
		assert.Equal(t, "1000.00000000", f.balance(t, f.alice))
	})

	t.Run("landed submission consumes the hold", func(t *testing.T) {
		f, rec := timedOut(t, true)
		ctx := context.Background()

		hold, err := f.engine.ResolveApproval(ctx, rec.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, channel.HoldConsumed, hold.Status)
		assert.Equal(t, "700.00000000", f.balance(t, f.alice))

		sent := f.chain.Transfers()
		require.Len(t, sent, 1)
		assert.Equal(t, rec.ID, sent[0].Reference)

		a, err := f.engine.GetApproval(ctx, rec.ApprovalID)
		require.NoError(t, err)
		assert.Equal(t, transfer.ApprovalExecuted, a.Status)
		assert.True(t, strings.HasPrefix(a.SettlementHandle, "sim-tx-"))
		require.Len(t, f.events.RecentByType(events.EventApprovalResolved, 5), 1)

		stored, err := f.store.GetTransfer(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, transfer.StatusFailed, stored.Status, "terminal records are not rewritten")

		_, err = f.engine.ResolveApproval(ctx, rec.ApprovalID)
		assert.True(t, apperrors.IsInvalidState(err))
	})

	t.Run("nothing to resolve", func(t *testing.T) {
		f := newFixture(t, time.Second)
		ctx := context.Background()
		rec := requestExternal(t, f)

		_, err := f.engine.ResolveApproval(ctx, rec.ApprovalID)
		assert.True(t, apperrors.IsInvalidState(err), "a pending approval has not been submitted")

		f.chain.SetFailure(errors.New("mempool full"))
		_, err = f.engine.ApproveExternal(ctx, rec.ApprovalID, "m-bob")
		require.True(t, apperrors.IsCollaboratorFailure(err))
		_, err = f.engine.ResolveApproval(ctx, rec.ApprovalID)
		assert.True(t, apperrors.IsInvalidState(err), "a refused submission already released its hold")
		assert.Equal(t, "1000.00000000", f.balance(t, f.alice))

		_, err = f.engine.ResolveApproval(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = New(Config{OffChainCeiling: money.MustParse("-1")}, Dependencies{
		Ledger:   &ledger.Ledger{},
		Resolver: identity.NewResolver(identity.NewMemoryDirectory(), nil),
		Store:    storage.NewMemory(),
	})
	assert.True(t, apperrors.IsInvalidArgument(err))
}
