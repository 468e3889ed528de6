package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-recon/payroll"
	"github.com/warp/payroll-recon/store/sqlite"
)

// deferredRun creates the three-employee run with a threshold low enough to
// push it onto the queue.
func deferredRun(t *testing.T, env *testEnv) (*payroll.PayrollRun, string) {
	t.Helper()
	ctx := context.Background()
	run, err := env.svc.CreatePayrollRun(ctx, tenant, threeEmployees())
	require.NoError(t, err)
	result, err := env.svc.RunCheck(ctx, tenant, run.ID)
	require.NoError(t, err)
	require.True(t, result.Async)
	return run, result.JobID
}

func TestWorker_ProcessesDeferredJob(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, WithAsyncThreshold(3))
	run, jobID := deferredRun(t, env)
	worker := NewWorker(env.svc, env.queue, env.logger, WorkerOptions{})

	// WHEN: the worker takes the job
	took, err := worker.ProcessNext(ctx)

	// THEN: detection ran and the run is ready for review
	require.NoError(t, err)
	assert.True(t, took)

	job, err := env.svc.GetJob(ctx, tenant, jobID)
	require.NoError(t, err)
	assert.Equal(t, payroll.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	stored, err := env.store.GetRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.RunReview, stored.Status)
	assert.Equal(t, int64(1), stored.Generation)

	// AND: an empty queue yields nothing
	took, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, took)
}

func TestWorker_FailedJobMarksRunErrored(t *testing.T) {
	ctx := context.Background()
	env := newEnvWith(t, func(*sqlite.Store, *logrus.Logger) Detector { return failingDetector{} }, WithAsyncThreshold(3))
	hook := logtest.NewLocal(env.logger)
	run, jobID := deferredRun(t, env)
	worker := NewWorker(env.svc, env.queue, env.logger, WorkerOptions{})

	took, err := worker.ProcessNext(ctx)
	assert.True(t, took)
	assert.EqualError(t, err, "detector exploded")

	var logged *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Data["funcName"] == "Handle" {
			logged = e
		}
	}
	require.NotNil(t, logged, "failure is logged")
	assert.Equal(t, false, logged.Data["retryable"])

	job, err := env.svc.GetJob(ctx, tenant, jobID)
	require.NoError(t, err)
	assert.Equal(t, payroll.JobFailed, job.Status)
	assert.Equal(t, "detector exploded", job.Error)

	stored, err := env.store.GetRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.RunError, stored.Status)

	failed := payroll.JobFailed
	jobs, err := env.svc.ListJobs(ctx, tenant, &failed)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// AND: the caller may re-invoke the check
	result, err := env.svc.RunCheck(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.True(t, result.Async)
}

func TestWorker_RedeliveredCompletedJobIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, WithAsyncThreshold(3))
	run, jobID := deferredRun(t, env)
	worker := NewWorker(env.svc, env.queue, env.logger, WorkerOptions{})

	_, err := worker.ProcessNext(ctx)
	require.NoError(t, err)

	// WHEN: the queue delivers the same job again
	require.NoError(t, worker.Handle(ctx, Job{ID: jobID, TenantID: tenant, RunID: run.ID}))

	// THEN: nothing ran twice
	job, err := env.svc.GetJob(ctx, tenant, jobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	stored, err := env.store.GetRun(ctx, tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Generation)
}

func TestWorker_StartAndShutdown(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, WithAsyncThreshold(3))
	worker := NewWorker(env.svc, env.queue, env.logger, WorkerOptions{Concurrency: 2, ErrorBackoff: 10 * time.Millisecond})
	worker.Start()

	_, jobID := deferredRun(t, env)

	require.Eventually(t, func() bool {
		job, err := env.svc.GetJob(ctx, tenant, jobID)
		return err == nil && job.Status == payroll.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)

	worker.Shutdown()
	worker.Shutdown()

	// A stopped worker does not restart.
	worker.Start()
	_, jobID = deferredRun(t, env)
	time.Sleep(100 * time.Millisecond)
	job, err := env.svc.GetJob(ctx, tenant, jobID)
	require.NoError(t, err)
	assert.Equal(t, payroll.JobQueued, job.Status)
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1, 10*time.Millisecond)

	require.NoError(t, q.Enqueue(ctx, Job{ID: "a"}))
	assert.ErrorIs(t, q.Enqueue(ctx, Job{ID: "b"}), ErrQueueFull)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.Job.ID)
	require.NoError(t, q.Ack(ctx, d))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, d, "poll timeout yields no delivery")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = q.Dequeue(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
