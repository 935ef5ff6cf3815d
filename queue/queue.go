/*
Package queue delivers PENDING transactions to the verifier.

DELIVERY:
  At-least-once. A job whose handler returns an error is redelivered after
  a backoff, up to MaxAttempts. A job that exhausts its attempts is dropped
  with an error log; its transaction stays PENDING and is picked up again
  by Transfers.RequeuePending on the next start.

  Redelivery is safe because the verifier treats a terminal transaction as
  a no-op.

IMPLEMENTATIONS:
  - Memory: buffered channel, single process
  - Kafka:  segmentio/kafka-go, consumer group, commit after handling

WORKERS:
  Pool runs N consumers against one Queue, each job under its own timeout.
  A timeout is a handler error (redelivery), never a FAILED transaction.

COMPLETION:
  Listeners fans every terminal transition out to registered callbacks
  (result publisher, logs). It is registered on the verifier, so a
  redelivered job that changes nothing emits nothing.
*/
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/castcle/ledger-engine/ledger"
)

var ErrQueueClosed = errors.New("queue closed")

// Job is one verification request.
type Job struct {
	ID      string             `json:"id"`
	Data    ledger.Transaction `json:"data"`
	Attempt int                `json:"attempt"`
}

func NewJob(tx ledger.Transaction) Job {
	return Job{ID: string(tx.ID), Data: tx, Attempt: 1}
}

// Result is the completion event for a job.
type Result struct {
	TransactionID  ledger.TransactionID  `json:"id"`
	Status         ledger.Status         `json:"status"`
	FailureMessage ledger.FailureMessage `json:"failureMessage,omitempty"`
}

func ResultFrom(o ledger.Outcome) Result {
	return Result{TransactionID: o.TransactionID, Status: o.Status, FailureMessage: o.FailureMessage}
}

// Handler processes a job. A non-nil error requests redelivery.
type Handler func(ctx context.Context, job Job) error

type Queue interface {
	Enqueue(ctx context.Context, job Job) error

	// Consume blocks, handing jobs to h until ctx is done.
	Consume(ctx context.Context, h Handler) error
}

// RetryRecorder observes redeliveries. metrics.Metrics implements it.
type RetryRecorder interface {
	JobRetried()
	JobDropped()
}

// =============================================================================
// LEDGER ADAPTER
// =============================================================================

// Enqueuer adapts a Queue to ledger.Enqueuer.
type Enqueuer struct {
	Queue Queue
}

func (e Enqueuer) Enqueue(ctx context.Context, tx ledger.Transaction) error {
	return e.Queue.Enqueue(ctx, NewJob(tx))
}

// =============================================================================
// BACKOFF
// =============================================================================

// Backoff doubles base per attempt, capped at max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 200 * time.Millisecond, Max: 10 * time.Second}
}

// Delay returns the wait before delivering attempt (1-based) again.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// COMPLETION LISTENERS
// =============================================================================

// Listeners fans completion results out to callbacks.
type Listeners struct {
	mu  sync.RWMutex
	fns []func(ctx context.Context, r Result)
}

func (l *Listeners) Add(fn func(ctx context.Context, r Result)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

// Notify has the shape of ledger.CompletionFunc.
func (l *Listeners) Notify(ctx context.Context, o ledger.Outcome) {
	l.mu.RLock()
	fns := l.fns
	l.mu.RUnlock()

	r := ResultFrom(o)
	for _, fn := range fns {
		fn(ctx, r)
	}
}
