/*
worker.go - Deferred reconciliation worker

PURPOSE:
  Consumes jobs enqueued by RunCheck for large runs and executes the
  detection pass outside the request path.

DESIGN:
  - Concurrency consumer goroutines, each looping Dequeue -> Handle -> Ack
  - Different runs are processed concurrently; one run's pass stays
    sequential (and is serialized by the run lock in the engine)
  - Every delivery is acknowledged, failed or not; a failed job is marked
    FAILED and its run ERROR, and the caller re-invokes RunCheck
  - A redelivered job that already COMPLETED is acknowledged and skipped

SHUTDOWN:
  Shutdown stops consuming, waits for in-flight jobs to finish, then
  returns. It is safe to call more than once.

USAGE:
  worker := NewWorker(service, queue, logger, WorkerOptions{Concurrency: 2})
  worker.Start()
  // ... later
  worker.Shutdown()

SEE ALSO:
  - service.go: RunCheck (producer) and ExecuteReconciliation
  - queue.go: JobQueue implementations
*/
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/warp/payroll-recon/config"
	"github.com/warp/payroll-recon/payroll"
)

type WorkerOptions struct {
	Concurrency int
	// ErrorBackoff is the pause after a failed Dequeue.
	ErrorBackoff time.Duration
	// JobTimeout bounds one detection pass. Zero means no bound.
	JobTimeout time.Duration
}

type Worker struct {
	service *Service
	queue   JobQueue
	logger  logrus.FieldLogger
	opts    WorkerOptions

	ctx     context.Context
	cancel  context.CancelFunc
	closing *atomic.Bool
	started *atomic.Bool
	wg      sync.WaitGroup
}

func NewWorker(service *Service, queue JobQueue, logger logrus.FieldLogger, opts WorkerOptions) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		service: service,
		queue:   queue,
		logger:  logger.WithField("component", "worker"),
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		closing: atomic.NewBool(false),
		started: atomic.NewBool(false),
	}
}

// Start launches the consumer goroutines and returns.
func (w *Worker) Start() {
	if w.closing.Load() || !w.started.CAS(false, true) {
		return
	}
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.consume(i)
	}
	w.logger.WithField("concurrency", w.opts.Concurrency).Info("Worker started")
}

// Shutdown stops consuming and drains in-flight jobs.
func (w *Worker) Shutdown() {
	if !w.closing.CAS(false, true) {
		return
	}
	w.logger.Info("Worker shutting down")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) consume(slot int) {
	defer w.wg.Done()
	logger := w.logger.WithField("slot", slot)

	for !w.closing.Load() {
		if _, err := w.ProcessNext(w.ctx); err != nil {
			if w.ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Job processing failed")
			select {
			case <-time.After(w.opts.ErrorBackoff):
			case <-w.ctx.Done():
				return
			}
		}
	}
}

// ProcessNext dequeues and handles at most one job. It reports whether a
// job was taken. consumeCtx only bounds the wait for a job; a job once taken
// runs to completion.
func (w *Worker) ProcessNext(consumeCtx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(consumeCtx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	ctx := context.Background()
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	handleErr := w.Handle(ctx, d.Job)
	if err := w.queue.Ack(ctx, d); err != nil {
		config.LogError(w.logger, "worker", "ProcessNext", "ack job", d.Job.ID, err)
	}
	return true, handleErr
}

// Handle executes one deferred detection pass and records its outcome.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	logger := w.logger.WithFields(logrus.Fields{
		"tenant_id": job.TenantID,
		"run_id":    job.RunID,
		"job_id":    job.ID,
	})
	s := w.service

	rec, err := s.store.GetJob(ctx, job.TenantID, job.ID)
	switch {
	case errors.Is(err, payroll.ErrJobNotFound):
		rec = &payroll.ReconciliationJob{
			ID: job.ID, TenantID: job.TenantID, RunID: job.RunID,
			Status: payroll.JobQueued, QueuedAt: s.now().UTC(),
		}
	case err != nil:
		return fmt.Errorf("load job %s: %w", job.ID, err)
	}
	if rec.Status == payroll.JobCompleted {
		logger.Info("Job already completed, skipping redelivery")
		return nil
	}

	started := s.now().UTC()
	rec.Status = payroll.JobRunning
	rec.Attempts++
	rec.StartedAt = &started
	rec.Error = ""
	if err := s.store.SaveJob(ctx, *rec); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	logger.Info("Job started")

	report, err := s.ExecuteReconciliation(ctx, job.TenantID, job.RunID)
	if err != nil {
		s.failJob(ctx, *rec, err)
		// Nothing is retried here; retryable failures only need a new check.
		config.LogError(logger.WithField("retryable", payroll.IsRetryable(err)), "worker", "Handle", "deferred detection pass", job, err)
		return err
	}

	completed := s.now().UTC()
	rec.Status = payroll.JobCompleted
	rec.CompletedAt = &completed
	if err := s.store.SaveJob(ctx, *rec); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"anomalies": report.TotalAnomalies,
		"duration":  completed.Sub(started).String(),
	}).Info("Job completed")
	return nil
}
