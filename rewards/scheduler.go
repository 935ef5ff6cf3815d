/*
scheduler.go - Periodic reward distribution

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs one pass immediately on Start, then on every tick
  - Passes never overlap: RunNow and the ticker share one mutex

USAGE:
  scheduler := rewards.NewScheduler(distributor, time.Minute, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package rewards

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Scheduler struct {
	Distributor *Distributor
	Interval    time.Duration
	Enabled     bool
	Log         *slog.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	passMu sync.Mutex
}

func NewScheduler(d *Distributor, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		Distributor: d,
		Interval:    interval,
		Enabled:     true,
		Log:         log.With(slog.String("component", "reward_scheduler")),
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler_disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker, s.stop)

	s.Log.Info("scheduler_started", slog.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight pass to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("scheduler_stopped")
}

func (s *Scheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	s.pass(ctx)

	for {
		select {
		case <-ticker.C:
			s.pass(ctx)
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	if _, err := s.RunNow(ctx); err != nil && ctx.Err() == nil {
		s.Log.Error("reward_pass_failed", slog.Any("err", err))
	}
}

// RunNow runs a single pass immediately (for tests and admin).
func (s *Scheduler) RunNow(ctx context.Context) (PassResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.Distributor.RunPass(ctx)
}
