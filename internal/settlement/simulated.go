package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/money"
)

// Simulated settles instantly in memory. The pool half rejects a nullifier it has
// already accepted, as the pool contract does.
type Simulated struct {
	mu            sync.Mutex
	receipts      map[string]*Receipt
	refs          map[string]string
	transfers     []Transfer
	deposits      []Deposit
	nullifiers    map[string]string
	fail          error
	delay         time.Duration
	landOnTimeout bool
	now           func() time.Time
}

var (
	_ Client     = (*Simulated)(nil)
	_ PoolClient = (*Simulated)(nil)
	_ Tracker    = (*Simulated)(nil)
)

func NewSimulated() *Simulated {
	return &Simulated{
		receipts:   make(map[string]*Receipt),
		refs:       make(map[string]string),
		nullifiers: make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetFailure makes every later submission return err. nil restores success.
func (s *Simulated) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// SetDelay makes submissions wait d, or until ctx is done.
func (s *Simulated) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetLandOnTimeout controls what happens to a submission whose caller gave up
// during the delay. When land is true it is still accepted, like a transaction
// that reached the mempool before the caller's deadline; otherwise it is dropped.
func (s *Simulated) SetLandOnTimeout(land bool) {
	s.mu.Lock()
	s.landOnTimeout = land
	s.mu.Unlock()
}

func (s *Simulated) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	if err := money.ValidatePositive(t.Amount); err != nil {
		return "", err
	}
	if t.From == "" {
		return "", apperrors.RequiredError("from")
	}
	if t.To == "" {
		return "", apperrors.RequiredError("to")
	}
	if err := s.wait(ctx); err != nil {
		if s.lands(err) {
			s.mu.Lock()
			s.recordTransfer(t)
			s.mu.Unlock()
		}
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordTransfer(t), nil
}

func (s *Simulated) recordTransfer(t Transfer) string {
	handle := "sim-tx-" + uuid.NewString()
	s.transfers = append(s.transfers, t)
	s.record(handle, t.Reference)
	return handle
}

func (s *Simulated) Deposit(ctx context.Context, d Deposit) (string, error) {
	if err := money.ValidatePositive(d.Amount); err != nil {
		return "", err
	}
	if d.Nullifier == "" {
		return "", apperrors.RequiredError("nullifier")
	}
	if err := s.wait(ctx); err != nil {
		if s.lands(err) {
			s.mu.Lock()
			_, _ = s.recordDeposit(d)
			s.mu.Unlock()
		}
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordDeposit(d)
}

func (s *Simulated) recordDeposit(d Deposit) (string, error) {
	if prior, ok := s.nullifiers[d.Nullifier]; ok {
		return "", apperrors.New(apperrors.KindInvalidState, "nullifier already spent by %s", prior)
	}
	handle := "sim-pool-" + uuid.NewString()
	s.nullifiers[d.Nullifier] = handle
	s.deposits = append(s.deposits, d)
	s.record(handle, d.Reference)
	return handle, nil
}

func (s *Simulated) record(handle, reference string) {
	s.receipts[handle] = &Receipt{Handle: handle, Status: StatusConfirmed, VMState: "HALT", BlockIndex: uint64(len(s.receipts) + 1)}
	if reference != "" {
		s.refs[reference] = handle
	}
}

// FindByReference returns the receipt of the last submission made under
// reference. Submissions land before their call returns, so a reference with no
// submission is final.
func (s *Simulated) FindByReference(ctx context.Context, reference string) (*Receipt, error) {
	s.mu.Lock()
	handle, ok := s.refs[reference]
	s.mu.Unlock()
	if !ok {
		return nil, apperrors.NewNotFoundError("settlement reference", reference)
	}
	return s.GetStatus(ctx, handle)
}

func (s *Simulated) GetStatus(_ context.Context, handle string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[handle]
	if !ok {
		return nil, apperrors.NewNotFoundError("settlement", handle)
	}
	out := *r
	out.CheckedAt = s.now()
	return &out, nil
}

// Transfers returns the submitted transfers in order.
func (s *Simulated) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.transfers...)
}

// Deposits returns the accepted pool deposits in order.
func (s *Simulated) Deposits() []Deposit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Deposit(nil), s.deposits...)
}

// lands reports whether a submission abandoned with err is still accepted.
func (s *Simulated) lands(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.landOnTimeout && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

func (s *Simulated) wait(ctx context.Context) error {
	s.mu.Lock()
	fail, delay := s.fail, s.delay
	s.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fail
}
