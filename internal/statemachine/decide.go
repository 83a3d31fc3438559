// Package statemachine implements the pure core of the rollout
// orchestrator: Decide maps (Workflow, observed CI status, now) to a new
// Workflow plus a list of externally visible Actions. It performs no I/O;
// the Processor is the thin executor that carries out the Actions.
package statemachine

import (
	"time"

	"github.com/northstack/rollout/internal/domain"
)

// ActionKind identifies which side effect an Action represents.
type ActionKind string

const (
	// ActionCreateDeployment must be executed, and its returned
	// deployment_id recorded, before the CommitAdvance or CommitFail commit
	// for the environment at the same EnvironmentIndex.
	ActionCreateDeployment ActionKind = "create_deployment"
	// ActionUpdateDeploymentStatus pushes a CI status; it always follows
	// a successful Store commit and its failure is never fatal.
	ActionUpdateDeploymentStatus ActionKind = "update_deployment_status"
)

// Action is one externally visible side effect the Processor must carry
// out. Exactly one of the CreateDeployment/UpdateDeploymentStatus shapes
// is populated based on Kind.
type Action struct {
	Kind             ActionKind
	EnvironmentIndex int

	// ActionCreateDeployment fields.
	CreateDeployment domain.CreateDeploymentInput

	// ActionUpdateDeploymentStatus fields.
	DeploymentID int64
	Owner        string
	Repo         string
	State        domain.DeploymentState
}

// DefaultEmptyRunTimeout is the default wait, per §6.4 EMPTY_RUN_TIMEOUT, before
// an environment with no observed CI runs is treated as vacuously
// successful. Decide takes it as a parameter so callers can override it
// from configuration.
const DefaultEmptyRunTimeout = 5 * time.Minute

// Outcome is the result of deciding for one workflow.
type Outcome struct {
	// Workflow is the new workflow value to persist, or nil if no store
	// mutation is needed this tick (e.g. nothing observed yet for a
	// freshly-dispatched environment — never actually the case here,
	// since rule B always mutates).
	Workflow *domain.Workflow
	// Commit distinguishes which Store method the Processor must call
	// to persist Workflow.
	Commit CommitKind
	Actions []Action
}

// CommitKind tells the Processor which conditional Store method applies
// to this Outcome's Workflow.
type CommitKind string

const (
	CommitNone      CommitKind = ""
	CommitAdvance   CommitKind = "advance_environment"
	CommitFail      CommitKind = "fail_environment"
	CommitMarkDone  CommitKind = "mark_done"
)

// Decide computes the next workflow state and the actions the Processor
// must perform, given the workflow's current persisted value, the
// aggregated CI observation for the environment currently in flight (if
// any), and the current time. obsRuns is nil/empty when the environment
// about to start has not yet been dispatched (rule B never consults it).
func Decide(w *domain.Workflow, obsRuns []domain.Run, now domain.Timestamp, emptyRunTimeout time.Duration) Outcome {
	idx, env, ok := w.NextEnvironment()
	if !ok {
		return decideComplete(w)
	}

	switch env.Status {
	case domain.EnvironmentPending:
		return decideStartNext(w, idx, env, now)
	case domain.EnvironmentQueued, domain.EnvironmentRunning:
		return decideObserve(w, idx, env, obsRuns, now, emptyRunTimeout)
	default:
		// Terminal statuses are filtered out by NextEnvironment; reaching
		// here would mean a precondition violation upstream.
		return Outcome{Commit: CommitNone}
	}
}

// decideComplete implements rule A.
func decideComplete(w *domain.Workflow) Outcome {
	final := domain.WorkflowSuccess
	for _, e := range w.Environments {
		if e.Status == domain.EnvironmentFailure {
			final = domain.WorkflowFailure
			break
		}
	}

	out := w.Clone()
	out.Status = final
	return Outcome{Workflow: out, Commit: CommitMarkDone}
}

// decideStartNext implements rule B.
func decideStartNext(w *domain.Workflow, idx int, env domain.Environment, now domain.Timestamp) Outcome {
	out := w.Clone()
	started := now
	out.Environments[idx].Status = domain.EnvironmentRunning
	out.Environments[idx].StartedAt = &started

	return Outcome{
		Workflow: out,
		Commit:   CommitAdvance,
		Actions: []Action{
			{
				Kind:             ActionCreateDeployment,
				EnvironmentIndex: idx,
				CreateDeployment: domain.CreateDeploymentInput{
					Owner:       w.Owner,
					Repo:        w.Repo,
					GitRef:      w.GitRef,
					Environment: env.Name,
					Description: w.CommitMessage,
				},
			},
			{
				Kind:             ActionUpdateDeploymentStatus,
				EnvironmentIndex: idx,
				Owner:            w.Owner,
				Repo:             w.Repo,
				State:            domain.DeploymentStateInProgress,
			},
		},
	}
}

// decideObserve implements rule C, delegating to applyObserved (rule D).
func decideObserve(w *domain.Workflow, idx int, env domain.Environment, obsRuns []domain.Run, now domain.Timestamp, emptyRunTimeout time.Duration) Outcome {
	if len(obsRuns) == 0 && env.StartedAt != nil && now.Time.After(env.StartedAt.Time.Add(emptyRunTimeout)) {
		return applyObserved(w, idx, env, ObservedSuccess, now)
	}
	obs := Aggregate(obsRuns)
	return applyObserved(w, idx, env, obs, now)
}

// applyObserved implements rule D.
func applyObserved(w *domain.Workflow, idx int, env domain.Environment, obs ObservedStatus, now domain.Timestamp) Outcome {
	out := w.Clone()
	target := &out.Environments[idx]

	switch obs {
	case ObservedQueued:
		target.Status = domain.EnvironmentQueued
		out.DueToRun = w.DueToRun
		return Outcome{
			Workflow: out,
			Commit:   CommitAdvance,
			Actions:  []Action{deploymentStatusAction(w, idx, env, domain.DeploymentStateQueued)},
		}
	case ObservedRunning:
		target.Status = domain.EnvironmentRunning
		out.DueToRun = w.DueToRun
		return Outcome{
			Workflow: out,
			Commit:   CommitAdvance,
			Actions:  []Action{deploymentStatusAction(w, idx, env, domain.DeploymentStateInProgress)},
		}
	case ObservedSuccess:
		target.Status = domain.EnvironmentSuccess
		target.FinishedAt = &now
		out.DueToRun = stabilityDue(w, idx, now)
		return Outcome{
			Workflow: out,
			Commit:   CommitAdvance,
			Actions:  []Action{deploymentStatusAction(w, idx, env, domain.DeploymentStateSuccess)},
		}
	case ObservedFailure:
		target.Status = domain.EnvironmentFailure
		target.FinishedAt = &now
		out.DueToRun = stabilityDue(w, idx, now)
		return Outcome{
			Workflow: out,
			Commit:   CommitFail,
			Actions:  []Action{deploymentStatusAction(w, idx, env, domain.DeploymentStateFailure)},
		}
	default:
		return Outcome{Commit: CommitNone}
	}
}

// stabilityDue computes the next due_to_run after an environment
// finishes. Per §9's open-question resolution, the stability period
// after the final environment is observationally invisible (the next
// tick finds the workflow complete via rule A regardless of due_to_run),
// so it is set unconditionally for simplicity.
func stabilityDue(w *domain.Workflow, idx int, now domain.Timestamp) domain.Timestamp {
	return now.Add(time.Duration(w.StabilityPeriodMinutes) * time.Minute)
}

func deploymentStatusAction(w *domain.Workflow, idx int, env domain.Environment, state domain.DeploymentState) Action {
	var deploymentID int64
	if env.DeploymentID != nil {
		deploymentID = *env.DeploymentID
	}
	return Action{
		Kind:             ActionUpdateDeploymentStatus,
		EnvironmentIndex: idx,
		DeploymentID:     deploymentID,
		Owner:            w.Owner,
		Repo:             w.Repo,
		State:            state,
	}
}
