package statemachine

import "github.com/northstack/rollout/internal/domain"

// ObservedStatus is the environment-level status produced by aggregating
// every CI run for a commit.
type ObservedStatus string

const (
	ObservedQueued  ObservedStatus = "Queued"
	ObservedRunning ObservedStatus = "Running"
	ObservedSuccess ObservedStatus = "Success"
	ObservedFailure ObservedStatus = "Failure"
	// ObservedPending never results from aggregation in this revision (no
	// individual CI status maps to it) but is named for the severity
	// order below.
	ObservedPending ObservedStatus = "Pending"
)

// severity ranks worst-to-best per §4.2: Failure < Pending < Running <
// Success < Queued. Aggregation picks the minimum.
var severity = map[ObservedStatus]int{
	ObservedFailure: 0,
	ObservedPending: 1,
	ObservedRunning: 2,
	ObservedSuccess: 3,
	ObservedQueued:  4,
}

// mapIndividual maps one CI provider run status to our five-value status
// space, per §4.2's table.
func mapIndividual(s domain.CIProviderStatus) ObservedStatus {
	switch s {
	case domain.CIStatusCompleted, domain.CIStatusSuccess:
		return ObservedSuccess
	case domain.CIStatusActionRequired, domain.CIStatusCancelled, domain.CIStatusFailure,
		domain.CIStatusNeutral, domain.CIStatusSkipped, domain.CIStatusStale, domain.CIStatusTimedOut:
		return ObservedFailure
	case domain.CIStatusInProgress:
		return ObservedRunning
	case domain.CIStatusQueued, domain.CIStatusRequested, domain.CIStatusWaiting, domain.CIStatusPending:
		return ObservedQueued
	default:
		return ObservedQueued
	}
}

// Aggregate collapses every run observed for a commit to a single
// ObservedStatus by taking the minimum severity. An empty run list
// aggregates to Running per §4.2.
func Aggregate(runs []domain.Run) ObservedStatus {
	if len(runs) == 0 {
		return ObservedRunning
	}

	worst := ObservedQueued
	for _, r := range runs {
		mapped := mapIndividual(r.Status)
		if severity[mapped] < severity[worst] {
			worst = mapped
		}
	}
	return worst
}
