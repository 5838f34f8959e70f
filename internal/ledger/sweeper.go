package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/orgpay/internal/app/system"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// Sweeper runs SweepInactive on a cron schedule. Overlapping runs are skipped.
type Sweeper struct {
	ledger   *Ledger
	schedule string
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// NewSweeper creates a sweeper closing channels idle longer than timeout.
func NewSweeper(l *Ledger, schedule string, timeout time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("ledger-sweeper")
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Sweeper{ledger: l, schedule: schedule, timeout: timeout, log: log}
}

func (s *Sweeper) Name() string { return "ledger-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cronLog := cron.PrintfLogger(s.log)
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.schedule, func() { _, _ = s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.Infof("inactive channel sweeper started (schedule %s, timeout %s)", s.schedule, s.timeout)
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep now.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	closed, err := s.ledger.SweepInactive(ctx, s.timeout)
	if err != nil {
		s.log.WithError(err).Warn("inactive channel sweep failed")
	}
	return closed, err
}
