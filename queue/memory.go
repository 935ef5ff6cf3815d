package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// MEMORY QUEUE - In-process implementation (for testing/dev)
// =============================================================================

type Memory struct {
	jobs chan Job

	MaxAttempts int
	Backoff     Backoff
	Log         *slog.Logger
	Recorder    RetryRecorder

	retries sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

func NewMemory(capacity int, log *slog.Logger) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		jobs:        make(chan Job, capacity),
		MaxAttempts: 5,
		Backoff:     DefaultBackoff(),
		Log:         log.With(slog.String("component", "memory_queue")),
		done:        make(chan struct{}),
	}
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	select {
	case m.jobs <- job:
		return nil
	case <-m.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume may be called from several goroutines; each job goes to one of them.
func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case job := <-m.jobs:
			if err := h(ctx, job); err != nil {
				m.retry(ctx, job, err)
			}
		}
	}
}

func (m *Memory) retry(ctx context.Context, job Job, cause error) {
	if job.Attempt >= m.MaxAttempts {
		m.Log.Error("job_dropped",
			slog.String("job", job.ID),
			slog.Int("attempts", job.Attempt),
			slog.Any("err", cause))
		if m.Recorder != nil {
			m.Recorder.JobDropped()
		}
		return
	}

	delay := m.Backoff.Delay(job.Attempt)
	m.Log.Warn("job_failed",
		slog.String("job", job.ID),
		slog.Int("attempt", job.Attempt),
		slog.Duration("retry_in", delay),
		slog.Any("err", cause))
	if m.Recorder != nil {
		m.Recorder.JobRetried()
	}

	job.Attempt++
	m.retries.Add(1)
	go func() {
		defer m.retries.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
		select {
		case m.jobs <- job:
		case <-m.done:
		case <-ctx.Done():
		}
	}()
}

// Len returns the number of jobs waiting for a consumer.
func (m *Memory) Len() int { return len(m.jobs) }

// Close stops consumers and waits for scheduled retries to give up.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.retries.Wait()
	return nil
}
