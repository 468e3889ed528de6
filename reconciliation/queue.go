package reconciliation

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// JOB QUEUE
// =============================================================================

// Job is the message published for a deferred detection pass.
type Job struct {
	ID       string `json:"jobId"`
	TenantID string `json:"tenantId"`
	RunID    string `json:"payrollRunId"`
}

// Delivery is a consumed job awaiting acknowledgement.
type Delivery struct {
	Job     Job
	Receipt string
}

// JobQueue carries deferred jobs between the API and the workers. Delivery is
// at-least-once; a job not acknowledged may be delivered again.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue waits for a job up to the queue's poll timeout. It returns
	// nil, nil when nothing arrived.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

var ErrQueueFull = errors.New("job queue is full")

// MemoryQueue is an in-process JobQueue for single-binary deployments and
// tests. Jobs do not survive a restart.
type MemoryQueue struct {
	jobs        chan Job
	pollTimeout time.Duration
}

func NewMemoryQueue(capacity int, pollTimeout time.Duration) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &MemoryQueue{jobs: make(chan Job, capacity), pollTimeout: pollTimeout}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(q.pollTimeout)
	defer timer.Stop()

	select {
	case job := <-q.jobs:
		return &Delivery{Job: job, Receipt: job.ID}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, *Delivery) error { return nil }

// Len returns the number of jobs waiting.
func (q *MemoryQueue) Len() int { return len(q.jobs) }
