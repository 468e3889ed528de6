package payroll

// =============================================================================
// RUN LIFECYCLE - Allowed status transitions
// =============================================================================
//
//   DRAFT ──check(async)──> PROCESSING ──execute──> REVIEW ──approve──> APPROVED ──finalize──> FINALIZED
//   DRAFT / REVIEW / ERROR ──execute──> REVIEW
//   PROCESSING ──job failure──> ERROR
//   APPROVED ──reopen──> REVIEW
//
// APPROVED and FINALIZED runs feed baselines, so they never go back to
// PROCESSING.

var transitions = map[RunStatus][]RunStatus{
	RunDraft:      {RunProcessing, RunReview, RunError},
	RunProcessing: {RunReview, RunError},
	RunReview:     {RunProcessing, RunReview, RunApproved, RunError},
	RunError:      {RunProcessing, RunReview},
	RunApproved:   {RunFinalized, RunReview},
	RunFinalized:  {},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when the move is not allowed.
func CheckTransition(run PayrollRun, to RunStatus) error {
	if !CanTransition(run.Status, to) {
		return &TransitionError{RunID: run.ID, From: run.Status, To: to}
	}
	return nil
}

// CheckApproval is the guard on REVIEW -> APPROVED. Unresolved CRITICAL
// anomalies in the current generation block approval.
func CheckApproval(run PayrollRun, unresolvedCritical int) error {
	if err := CheckTransition(run, RunApproved); err != nil {
		return err
	}
	if unresolvedCritical > 0 {
		return &BlockingError{RunID: run.ID, CriticalCount: unresolvedCritical}
	}
	return nil
}

// CanScan reports whether a detection pass may run against the run.
func CanScan(status RunStatus) bool {
	return status != RunApproved && status != RunFinalized
}
