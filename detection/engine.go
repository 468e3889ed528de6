/*
engine.go - Anomaly detection engine

PURPOSE:
  Runs one detection pass over a payroll run: batched load, grouping,
  baseline construction, every detector, then an atomic swap of the run's
  anomaly set.

ALGORITHM:
  1. Load line items in pages of BatchSize, ordered by employee
  2. Fold them into one aggregate per employee
  3. Build baselines from up to BaselinePeriods APPROVED/FINALIZED runs
     (skipped below MinBaselinePeriods)
  4. Run every detector per employee, then the run-scoped currency check
  5. Stamp fingerprints and write the set as the run's next generation
  6. Summarize into a Report

CONCURRENCY:
  A pass holds the run's advisory lock from step 1 to step 5. The generation
  compare-and-swap rejects a pass whose view of the run went stale.

SEE ALSO:
  - detectors.go: The detector set
  - baseline.go: Historical statistics
  - payroll/store.go: ReplaceAnomalies contract
*/
package detection

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-recon/lock"
	"github.com/warp/payroll-recon/payroll"
)

// Store is everything a pass reads and writes.
type Store interface {
	payroll.RunStore
	payroll.AnomalyStore
	payroll.EmployeeStore
}

// DefaultLockTTL bounds how long a crashed pass can hold a run.
const DefaultLockTTL = 5 * time.Minute

// Engine runs detection passes.
type Engine struct {
	store     Store
	locker    lock.Locker
	configs   ConfigSource
	detectors []Detector
	logger    logrus.FieldLogger
	lockTTL   time.Duration
	now       func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

func WithDetectors(d ...Detector) Option {
	return func(e *Engine) { e.detectors = d }
}

func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.lockTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. A nil locker selects an in-process lock and a
// nil config source serves DefaultConfig to every tenant.
func NewEngine(store Store, locker lock.Locker, configs ConfigSource, logger logrus.FieldLogger, opts ...Option) *Engine {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if configs == nil {
		configs = StaticConfig(DefaultConfig())
	}
	e := &Engine{
		store:     store,
		locker:    locker,
		configs:   configs,
		detectors: DefaultDetectors(),
		logger:    logger.WithField("component", "detection"),
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ConfigFor returns the tenant's effective config with overrides applied.
func (e *Engine) ConfigFor(tenantID string, overrides *Overrides) Config {
	return e.configs.ConfigFor(tenantID).Apply(overrides)
}

// DetectAnomalies runs one pass with the tenant's config plus overrides.
func (e *Engine) DetectAnomalies(ctx context.Context, tenantID, runID string, overrides *Overrides) (*Report, error) {
	return e.Detect(ctx, tenantID, runID, e.ConfigFor(tenantID, overrides))
}

// Detect runs one pass with an explicit config.
func (e *Engine) Detect(ctx context.Context, tenantID, runID string, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.clampBaseline()
	log := e.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "run_id": runID})
	started := e.now()

	lease, err := e.locker.Obtain(ctx, lock.RunKey(tenantID, runID), e.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to release run lock")
		}
	}()

	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if !payroll.CanScan(run.Status) {
		return nil, &payroll.TransitionError{RunID: run.ID, From: run.Status, To: payroll.RunReview}
	}

	classifier := cfg.Classifier()

	// 1. Batched load
	items, err := e.loadLineItems(ctx, tenantID, runID, cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	// 2. Grouping
	aggregates := Aggregate(items, classifier)

	// 3. Baselines
	report := newReport(*run, len(aggregates), len(items))
	baselines, periods, err := e.buildBaselines(ctx, *run, cfg, classifier)
	if err != nil {
		return nil, err
	}
	report.BaselinePeriods = periods
	if baselines == nil {
		report.Skipped = append(report.Skipped, fmt.Sprintf(
			"baseline detectors skipped: %d historical runs, %d required", periods, cfg.MinBaselinePeriods))
	}

	// 4. Detection, every detector for every employee
	var findings []Finding
	employeeIDs := make([]string, 0, len(aggregates))
	for _, agg := range aggregates {
		employeeIDs = append(employeeIDs, agg.EmployeeID)
		in := Input{Aggregate: agg, Config: cfg}
		if baselines != nil {
			in.Baseline = baselines[agg.EmployeeID]
		}
		for _, d := range e.detectors {
			findings = append(findings, d.Detect(in)...)
		}
	}

	employees, err := e.store.EmployeesByIDs(ctx, tenantID, employeeIDs)
	if err != nil {
		return nil, fmt.Errorf("load employees: %w", err)
	}
	findings = append(findings, currencyMismatch(employeeIDs, employees)...)

	// 5. Persist as the next generation
	anomalies := e.stamp(*run, findings)
	generation, err := e.store.ReplaceAnomalies(ctx, tenantID, runID, run.Generation, anomalies)
	if err != nil {
		return nil, err
	}

	// Resolutions are joined on read, so re-read the generation just written.
	current, _, err := e.store.ListAnomalies(ctx, tenantID, runID, payroll.AnomalyFilter{})
	if err != nil {
		return nil, err
	}

	// 6. Report
	report.Generation = generation
	report.setAnomalies(current)
	report.GeneratedAt = e.now()

	log.WithFields(logrus.Fields{
		"generation":  generation,
		"employees":   report.EmployeesScanned,
		"line_items":  report.LineItemsScanned,
		"anomalies":   report.TotalAnomalies,
		"critical":    report.CriticalCount,
		"duration_ms": e.now().Sub(started).Milliseconds(),
	}).Info("detection pass completed")
	return report, nil
}

func (e *Engine) loadLineItems(ctx context.Context, tenantID, runID string, batchSize int) ([]payroll.LineItem, error) {
	total, err := e.store.CountLineItems(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("count line items: %w", err)
	}
	items := make([]payroll.LineItem, 0, total)
	for offset := 0; ; offset += batchSize {
		page, err := e.store.LineItemsPage(ctx, tenantID, runID, offset, batchSize)
		if err != nil {
			return nil, fmt.Errorf("load line items at offset %d: %w", offset, err)
		}
		items = append(items, page...)
		if len(page) < batchSize {
			break
		}
	}
	return items, nil
}

// buildBaselines returns nil baselines when history is too short, plus the
// number of historical runs found.
func (e *Engine) buildBaselines(ctx context.Context, run payroll.PayrollRun, cfg Config, c *payroll.Classifier) (map[string]*Baseline, int, error) {
	runs, err := e.store.HistoricalRuns(ctx, run.TenantID, run.ID, cfg.BaselinePeriods)
	if err != nil {
		return nil, 0, fmt.Errorf("load historical runs: %w", err)
	}
	if len(runs) < cfg.MinBaselinePeriods {
		return nil, len(runs), nil
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	items, err := e.store.LineItemsForRuns(ctx, run.TenantID, ids)
	if err != nil {
		return nil, len(runs), fmt.Errorf("load historical line items: %w", err)
	}
	byRun := make(map[string][]payroll.LineItem, len(runs))
	for _, item := range items {
		byRun[item.PayrollRunID] = append(byRun[item.PayrollRunID], item)
	}
	history := make([]HistoricalPeriod, len(runs))
	for i, r := range runs {
		history[i] = HistoricalPeriod{Run: r, Items: byRun[r.ID]}
	}
	return BuildBaselines(history, c, cfg.MinBaselinePeriods), len(runs), nil
}

// stamp turns findings into anomalies with ids and stable fingerprints.
func (e *Engine) stamp(run payroll.PayrollRun, findings []Finding) []payroll.Anomaly {
	now := e.now().UTC()
	seen := make(map[string]int, len(findings))
	out := make([]payroll.Anomaly, 0, len(findings))
	for _, f := range findings {
		base := payroll.BaseFingerprint(f.EmployeeID, f.Type, f.Details)
		seen[base]++
		out = append(out, payroll.Anomaly{
			ID:           uuid.NewString(),
			TenantID:     run.TenantID,
			PayrollRunID: run.ID,
			EmployeeID:   f.EmployeeID,
			Type:         f.Type,
			Severity:     f.Severity,
			Details:      f.Details,
			Fingerprint:  base + "#" + strconv.Itoa(seen[base]),
			CreatedAt:    now,
		})
	}
	return out
}
