package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/orgpay/internal/cache"
	"github.com/R3E-Network/orgpay/internal/domain/channel"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/money"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

type fakeSettler struct {
	mu      sync.Mutex
	calls   []string
	err     error
	block   bool
	handles int
}

func (f *fakeSettler) Settle(ctx context.Context, ch *channel.Channel) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ch.ID)
	err, block := f.err, f.block
	f.handles++
	n := f.handles
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("settle-%d", n), nil
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) { return nil, errors.New("cache down") }
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (failingCache) Delete(context.Context, string) error { return errors.New("cache down") }

func newTestLedger(t *testing.T) (*Ledger, *cache.Memory, *fakeSettler, *events.RingBuffer) {
	t.Helper()
	c := cache.NewMemory()
	s := &fakeSettler{}
	rb := events.NewRingBuffer(1000)
	return New(Config{}, c, s, rb, logger.Discard()), c, s, rb
}

func open(t *testing.T, l *Ledger, owner, deposit string) string {
	t.Helper()
	id, err := l.OpenChannel(context.Background(), owner, "org-1", money.MustParse(deposit))
	require.NoError(t, err)
	return id
}

func state(t *testing.T, l *Ledger, id string) *channel.Channel {
	t.Helper()
	ch, ok := l.GetState(context.Background(), id)
	require.True(t, ok, "channel %s not found", id)
	return ch
}

func TestOpenChannel(t *testing.T) {
	l, _, _, rb := newTestLedger(t)
	ctx := context.Background()

	id := open(t, l, "alice", "1000.00")
	ch := state(t, l, id)
	assert.Equal(t, channel.StatusOpen, ch.Status)
	assert.Equal(t, uint64(0), ch.Nonce)
	assert.True(t, ch.Balance.Equal(money.MustParse("1000")))
	assert.Len(t, rb.RecentByType(events.EventChannelOpened, 10), 1)

	_, err := l.OpenChannel(ctx, "alice", "org-1", money.Zero)
	assert.True(t, apperrors.IsInvalidState(err), "second open channel for an owner must fail")

	_, err = l.OpenChannel(ctx, "bob", "org-1", money.MustParse("0").Sub(money.MustParse("1")))
	assert.True(t, apperrors.IsInvalidArgument(err))
	_, err = l.OpenChannel(ctx, "", "org-1", money.Zero)
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestTransfer_Scenario(t *testing.T) {
	l, c, _, rb := newTestLedger(t)
	a := open(t, l, "alice", "1000.00")
	b := open(t, l, "bob", "0.00")

	res, err := l.Transfer(context.Background(), a, b, money.MustParse("250.00"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.NewSenderNonce)
	assert.Equal(t, uint64(1), res.NewRecipientNonce)

	chA, chB := state(t, l, a), state(t, l, b)
	assert.Equal(t, "750.00", chA.Balance.StringFixed(2))
	assert.Equal(t, "250.00", chB.Balance.StringFixed(2))
	assert.Equal(t, uint64(1), chA.Nonce)
	assert.Equal(t, uint64(1), chB.Nonce)

	// Both snapshots were written through before Transfer returned.
	for _, id := range []string{a, b} {
		data, err := c.Get(context.Background(), snapshotKey(id))
		require.NoError(t, err)
		var snap channel.Channel
		require.NoError(t, json.Unmarshal(data, &snap))
		assert.Equal(t, uint64(1), snap.Nonce)
	}

	transfers := rb.RecentByType(events.EventChannelTransfer, 10)
	require.Len(t, transfers, 2)
	assert.Equal(t, "250.00000000", transfers[0].Amount)
}

func TestTransfer_InsufficientBalanceLeavesStateUntouched(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	a := open(t, l, "alice", "100.00")
	b := open(t, l, "bob", "0")

	_, err := l.Transfer(context.Background(), a, b, money.MustParse("250.00"))
	require.Error(t, err)
	assert.True(t, apperrors.IsInsufficientBalance(err))

	chA, chB := state(t, l, a), state(t, l, b)
	assert.True(t, chA.Balance.Equal(money.MustParse("100")))
	assert.True(t, chB.Balance.IsZero())
	assert.Equal(t, uint64(0), chA.Nonce)
	assert.Equal(t, uint64(0), chB.Nonce)
}

func TestTransfer_RejectsChannelsOfDifferentOrganizations(t *testing.T) {
	l, _, _, rb := newTestLedger(t)
	ctx := context.Background()
	a := open(t, l, "alice", "100")
	b := open(t, l, "bob", "0")
	out, err := l.OpenChannel(ctx, "olga", "org-2", money.MustParse("300"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		from, to string
	}{
		{"outsider into the organization", out, a},
		{"organization to outsider", a, out},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Transfer(ctx, tc.from, tc.to, money.MustParse("10"))
			assert.True(t, apperrors.IsInvalidState(err), "got %v", err)
		})
	}

	assert.True(t, state(t, l, a).Balance.Equal(money.MustParse("100")))
	assert.True(t, state(t, l, out).Balance.Equal(money.MustParse("300")))
	assert.Equal(t, uint64(0), state(t, l, out).Nonce)
	assert.Empty(t, rb.RecentByType(events.EventChannelTransfer, 10))

	_, err = l.Transfer(ctx, a, b, money.MustParse("10"))
	require.NoError(t, err, "same-organization transfers are unaffected")
}

func TestTransfer_Validation(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()
	a := open(t, l, "alice", "10")
	b := open(t, l, "bob", "10")

	_, err := l.Transfer(ctx, a, "missing", money.MustParse("1"))
	assert.True(t, apperrors.IsNotFound(err))
	_, err = l.Transfer(ctx, a, a, money.MustParse("1"))
	assert.True(t, apperrors.IsInvalidArgument(err))
	_, err = l.Transfer(ctx, a, b, money.Zero)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = l.CloseChannel(ctx, b)
	require.NoError(t, err)
	_, err = l.Transfer(ctx, a, b, money.MustParse("1"))
	assert.True(t, apperrors.IsInvalidState(err), "transfer to a closed channel must fail")
}

func TestTransfer_ExactDecimalArithmetic(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	a := open(t, l, "alice", "1")
	b := open(t, l, "bob", "0")
	for i := 0; i < 10; i++ {
		_, err := l.Transfer(context.Background(), a, b, money.MustParse("0.1"))
		require.NoError(t, err)
	}
	assert.True(t, state(t, l, a).Balance.IsZero())
	assert.True(t, state(t, l, b).Balance.Equal(money.MustParse("1")))
}

func TestTransfer_CacheFailureIsSuppressed(t *testing.T) {
	l := New(Config{CacheTimeout: 10 * time.Millisecond}, failingCache{}, &fakeSettler{}, nil, logger.Discard())
	a, err := l.OpenChannel(context.Background(), "alice", "org", money.MustParse("5"))
	require.NoError(t, err)
	b, err := l.OpenChannel(context.Background(), "bob", "org", money.Zero)
	require.NoError(t, err)

	_, err = l.Transfer(context.Background(), a, b, money.MustParse("5"))
	require.NoError(t, err)
	assert.True(t, state(t, l, b).Balance.Equal(money.MustParse("5")))

	_, ok := l.GetState(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestConcurrentTransfers_ConservationNonNegativityNonces(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	const channels = 6
	ids := make([]string, channels)
	mutations := make([]int64, channels)
	initial := decimal.Zero
	for i := range ids {
		ids[i] = open(t, l, fmt.Sprintf("owner-%d", i), "100")
		initial = initial.Add(money.MustParse("100"))
	}

	stop := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		last := make([]uint64, channels)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for i, id := range ids {
				ch := state(t, l, id)
				assert.False(t, ch.Balance.IsNegative(), "negative balance observed")
				assert.GreaterOrEqual(t, ch.Nonce, last[i], "nonce went backwards")
				last[i] = ch.Nonce
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for n := 0; n < 200; n++ {
				from, to := rnd.Intn(channels), rnd.Intn(channels)
				if from == to {
					continue
				}
				amount := decimal.New(int64(rnd.Intn(5000)+1), -2)
				_, err := l.Transfer(ctx, ids[from], ids[to], amount)
				if err == nil {
					atomic.AddInt64(&mutations[from], 1)
					atomic.AddInt64(&mutations[to], 1)
					continue
				}
				assert.True(t, apperrors.IsInsufficientBalance(err), "unexpected error: %v", err)
			}
		}(int64(w))
	}
	wg.Wait()
	close(stop)
	observer.Wait()

	total := decimal.Zero
	for i, id := range ids {
		ch := state(t, l, id)
		total = total.Add(ch.Balance)
		assert.False(t, ch.Balance.IsNegative())
		assert.Equal(t, uint64(atomic.LoadInt64(&mutations[i])), ch.Nonce, "nonce must equal the number of mutations")
	}
	assert.True(t, total.Equal(initial), "sum of balances changed: %s != %s", total, initial)
}

func TestOppositeDirectionTransfersDoNotDeadlock(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	a := open(t, l, "alice", "1000")
	b := open(t, l, "bob", "1000")

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() { defer wg.Done(); _, _ = l.Transfer(context.Background(), a, b, money.MustParse("1")) }()
			go func() { defer wg.Done(); _, _ = l.Transfer(context.Background(), b, a, money.MustParse("1")) }()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("opposite-direction transfers deadlocked")
	}
	assert.Equal(t, uint64(200), state(t, l, a).Nonce)
}

func TestGetState_RehydratesFromCache(t *testing.T) {
	l, c, _, _ := newTestLedger(t)
	a := open(t, l, "alice", "10")
	b := open(t, l, "bob", "0")
	_, err := l.Transfer(context.Background(), a, b, money.MustParse("4"))
	require.NoError(t, err)

	restarted := New(Config{}, c, &fakeSettler{}, nil, logger.Discard())
	ch, ok := restarted.GetState(context.Background(), a)
	require.True(t, ok)
	assert.True(t, ch.Balance.Equal(money.MustParse("6")))
	assert.Equal(t, uint64(1), ch.Nonce)

	_, err = restarted.OpenChannel(context.Background(), "alice", "org-1", money.Zero)
	assert.True(t, apperrors.IsInvalidState(err), "re-hydrated channel should claim its owner")

	_, err = restarted.Transfer(context.Background(), a, b, money.MustParse("6"))
	require.NoError(t, err)
	assert.Len(t, restarted.ListChannels("org-1"), 2)
}

func TestCloseChannel(t *testing.T) {
	l, c, s, rb := newTestLedger(t)
	ctx := context.Background()
	a := open(t, l, "alice", "12.5")

	res, err := l.CloseChannel(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "settle-1", res.SettlementHandle)
	assert.True(t, res.FinalBalance.Equal(money.MustParse("12.5")))

	ch := state(t, l, a)
	assert.Equal(t, channel.StatusClosed, ch.Status)
	assert.NotNil(t, ch.ClosedAt)
	_, err = c.Get(ctx, snapshotKey(a))
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "closed channel must leave the cache")

	_, err = l.CloseChannel(ctx, a)
	assert.True(t, apperrors.IsInvalidState(err))
	assert.Len(t, s.calls, 1)

	_, err = l.OpenChannel(ctx, "alice", "org-1", money.Zero)
	assert.NoError(t, err, "owner may open a new channel once the old one is closed")

	assert.Len(t, rb.RecentByType(events.EventChannelSettling, 10), 1)
	assert.Len(t, rb.RecentByType(events.EventChannelClosed, 10), 1)
}

func TestCloseChannel_ZeroBalanceSkipsSettlement(t *testing.T) {
	l, _, s, _ := newTestLedger(t)
	a := open(t, l, "alice", "0")
	res, err := l.CloseChannel(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, res.SettlementHandle)
	assert.Empty(t, s.calls)
}

func TestCloseChannel_SettlementFailureReopens(t *testing.T) {
	l, _, s, _ := newTestLedger(t)
	a := open(t, l, "alice", "3")
	s.err = errors.New("node unavailable")

	_, err := l.CloseChannel(context.Background(), a)
	require.Error(t, err)
	assert.True(t, apperrors.IsCollaboratorFailure(err))
	assert.Equal(t, channel.StatusOpen, state(t, l, a).Status)

	s.err = nil
	_, err = l.CloseChannel(context.Background(), a)
	require.NoError(t, err)
}

func TestCloseChannel_SettlementTimeout(t *testing.T) {
	s := &fakeSettler{block: true}
	l := New(Config{SettlementTimeout: 20 * time.Millisecond}, cache.NewMemory(), s, nil, logger.Discard())
	a, err := l.OpenChannel(context.Background(), "alice", "org", money.MustParse("1"))
	require.NoError(t, err)

	_, err = l.CloseChannel(context.Background(), a)
	assert.True(t, apperrors.IsTimeout(err), "got %v", err)
	assert.Equal(t, channel.StatusOpen, state(t, l, a).Status)
}

func TestReserveReleaseConsume(t *testing.T) {
	l, _, _, rb := newTestLedger(t)
	ctx := context.Background()
	a := open(t, l, "alice", "100")

	hold, err := l.Reserve(ctx, a, "approval-1", money.MustParse("40"))
	require.NoError(t, err)
	ch := state(t, l, a)
	assert.True(t, ch.Balance.Equal(money.MustParse("60")))
	assert.True(t, ch.Held.Equal(money.MustParse("40")))
	assert.Equal(t, uint64(1), ch.Nonce)

	_, err = l.Reserve(ctx, a, "approval-2", money.MustParse("61"))
	assert.True(t, apperrors.IsInsufficientBalance(err))

	_, err = l.CloseChannel(ctx, a)
	assert.True(t, apperrors.IsInvalidState(err), "channels with holds cannot close")

	require.NoError(t, l.Release(ctx, hold))
	ch = state(t, l, a)
	assert.True(t, ch.Balance.Equal(money.MustParse("100")))
	assert.True(t, ch.Held.IsZero())
	assert.Equal(t, uint64(2), ch.Nonce)
	assert.True(t, apperrors.IsInvalidState(l.Release(ctx, hold)), "double release must fail")
	assert.True(t, apperrors.IsInvalidState(l.Consume(ctx, hold)))

	hold2, err := l.Reserve(ctx, a, "approval-3", money.MustParse("25"))
	require.NoError(t, err)
	require.NoError(t, l.Consume(ctx, hold2))
	ch = state(t, l, a)
	assert.True(t, ch.Balance.Equal(money.MustParse("75")))
	assert.True(t, ch.Held.IsZero())
	assert.Equal(t, uint64(4), ch.Nonce)

	h, ok := l.GetHold(hold2)
	require.True(t, ok)
	assert.Equal(t, channel.HoldConsumed, h.Status)

	found, ok := l.FindHold("approval-3")
	require.True(t, ok)
	assert.Equal(t, hold2, found.ID)
	_, ok = l.FindHold("approval-2")
	assert.False(t, ok, "a refused reservation leaves no hold")

	assert.True(t, apperrors.IsNotFound(l.Release(ctx, "nope")))
	assert.Len(t, rb.RecentByType(events.EventChannelReserved, 10), 2)
}

func TestSweepInactive(t *testing.T) {
	l, _, _, rb := newTestLedger(t)
	ctx := context.Background()
	clock := time.Now().UTC()
	l.now = func() time.Time { return clock }

	idle := open(t, l, "idle", "5")
	busy := open(t, l, "busy", "5")
	held := open(t, l, "held", "5")
	_, err := l.Reserve(ctx, held, "ref", money.MustParse("1"))
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	_, err = l.Transfer(ctx, busy, idle, money.MustParse("1"))
	require.NoError(t, err)
	// The transfer refreshed both channels; age only the idle one.
	clock = clock.Add(30 * time.Minute)
	e, err := l.entry(ctx, idle)
	require.NoError(t, err)
	e.mu.Lock()
	e.ch.LastUpdatedAt = clock.Add(-3 * time.Hour)
	e.mu.Unlock()

	closed, err := l.SweepInactive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, channel.StatusClosed, state(t, l, idle).Status)
	assert.Equal(t, channel.StatusOpen, state(t, l, busy).Status)
	assert.Equal(t, channel.StatusOpen, state(t, l, held).Status)
	assert.Len(t, rb.RecentByType(events.EventChannelSwept, 10), 1)
}

func TestSweepInactive_SingleActiveSweep(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	l.sweeping.Store(true)
	_, err := l.SweepInactive(context.Background(), time.Minute)
	assert.True(t, apperrors.IsConcurrencyConflict(err))
}

func TestSweeper_StartStop(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	clock := time.Now().UTC()
	l.now = func() time.Time { return clock }
	a := open(t, l, "alice", "1")
	clock = clock.Add(time.Hour)

	s := NewSweeper(l, "@every 1h", time.Minute, logger.Discard())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")

	closed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, channel.StatusClosed, state(t, l, a).Status)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	bad := NewSweeper(l, "not a schedule", time.Minute, logger.Discard())
	assert.Error(t, bad.Start(context.Background()))
}
