/*
Package lock provides per-run advisory locks.

PURPOSE:
  Two detection passes on the same payroll run must not interleave. Every pass
  obtains the run's lock first and releases it when its generation is written.
  The generation compare-and-swap in the store still catches anything that
  slips past an expired lock.

IMPLEMENTATIONS:
  - Local: in-process, for single-node deployments and tests
  - Redis: bsm/redislock, for API servers and workers on separate hosts

USAGE:
  lease, err := locker.Obtain(ctx, lock.RunKey(tenantID, runID), time.Minute)
  if errors.Is(err, payroll.ErrLockNotObtained) {
      // another pass owns the run
  }
  defer lease.Release(ctx)
*/
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/payroll-recon/payroll"
)

// Locker hands out exclusive leases on string keys.
type Locker interface {
	// Obtain returns payroll.ErrLockNotObtained (wrapped) when the key is held.
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// RunKey is the lock key of one payroll run.
func RunKey(tenantID, runID string) string {
	return fmt.Sprintf("payroll-recon:run:%s:%s", tenantID, runID)
}

// =============================================================================
// LOCAL LOCKER
// =============================================================================

// Local is an in-process Locker. Leases expire after their ttl so a pass that
// never releases cannot wedge the run.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	seq   uint64
	clock func() time.Time
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), clock: time.Now}
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%w: %s", payroll.ErrLockNotObtained, key)
	}
	l.seq++
	l.held[key] = localEntry{token: l.seq, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: l.seq}, nil
}

type localLease struct {
	owner *Local
	key   string
	token uint64
}

// Release is a no-op when the lease already expired and was taken over.
func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
