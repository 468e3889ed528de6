package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitleak/lmstfy/client"
)

// LmstfyQueue is a durable JobQueue backed by an lmstfy namespace.
type LmstfyQueue struct {
	cli         *client.LmstfyClient
	queue       string
	tries       uint16
	ttr         time.Duration
	pollTimeout time.Duration
}

type LmstfyOptions struct {
	Host        string
	Port        int
	Namespace   string
	Token       string
	Queue       string
	Tries       int
	TTR         time.Duration
	PollTimeout time.Duration
}

func NewLmstfyQueue(opts LmstfyOptions) *LmstfyQueue {
	tries := opts.Tries
	if tries < 1 {
		tries = 3
	}
	return &LmstfyQueue{
		cli:         client.NewLmstfyClient(opts.Host, opts.Port, opts.Namespace, opts.Token),
		queue:       opts.Queue,
		tries:       uint16(tries),
		ttr:         opts.TTR,
		pollTimeout: opts.PollTimeout,
	}
}

func (q *LmstfyQueue) Enqueue(_ context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := q.cli.Publish(q.queue, data, 0, q.tries, 0); err != nil {
		return fmt.Errorf("lmstfy publish failed: %w", err)
	}
	return nil
}

func (q *LmstfyQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := q.cli.Consume(q.queue, seconds(q.ttr), seconds(q.pollTimeout))
	if err != nil {
		return nil, fmt.Errorf("lmstfy consume failed: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	var j Job
	if err := json.Unmarshal(job.Data, &j); err != nil {
		// A payload that cannot decode will never succeed; drop it.
		_ = q.cli.Ack(q.queue, job.ID)
		return nil, fmt.Errorf("decode job %s: %w", job.ID, err)
	}
	return &Delivery{Job: j, Receipt: job.ID}, nil
}

func (q *LmstfyQueue) Ack(_ context.Context, d *Delivery) error {
	if err := q.cli.Ack(q.queue, d.Receipt); err != nil {
		return fmt.Errorf("lmstfy ack failed: %w", err)
	}
	return nil
}

func seconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Second)
}
