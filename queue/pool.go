package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/castcle/ledger-engine/ledger"
)

// TransactionHandler is implemented by ledger.Verifier.
type TransactionHandler interface {
	HandleTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Outcome, error)
}

// Pool runs Workers consumers of Queue, each job bounded by JobTimeout.
type Pool struct {
	Queue      Queue
	Handler    TransactionHandler
	Workers    int
	JobTimeout time.Duration
	Log        *slog.Logger

	wg sync.WaitGroup
}

func NewPool(q Queue, h TransactionHandler, workers int, timeout time.Duration, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		Queue:      q,
		Handler:    h,
		Workers:    workers,
		JobTimeout: timeout,
		Log:        log.With(slog.String("component", "worker_pool")),
	}
}

// Start launches the workers. They exit when ctx is done; Wait blocks until
// they have.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			if err := p.Queue.Consume(ctx, p.handle); err != nil {
				p.Log.Error("worker_stopped", slog.Int("worker", worker), slog.Any("err", err))
			}
		}(i)
	}
	p.Log.Info("pool_started", slog.Int("workers", p.Workers), slog.Duration("job_timeout", p.JobTimeout))
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) handle(ctx context.Context, job Job) error {
	jctx, cancel := context.WithTimeout(ctx, p.JobTimeout)
	defer cancel()

	tx := job.Data
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(job.ID)
	}
	if _, err := p.Handler.HandleTransaction(jctx, tx); err != nil {
		return fmt.Errorf("verify %s (attempt %d): %w", job.ID, job.Attempt, err)
	}
	return nil
}
