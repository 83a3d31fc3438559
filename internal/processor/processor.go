// Package processor implements the per-workflow orchestration step:
// fetch observed CI state, compute the transition via statemachine.Decide,
// commit it conditionally via the Store, and notify the CI provider.
package processor

import (
	"context"
	"time"

	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/internal/metrics"
	"github.com/northstack/rollout/internal/statemachine"
	apperrors "github.com/northstack/rollout/pkg/errors"
	"github.com/northstack/rollout/pkg/logger"
)

// Processor carries out one workflow's tick.
type Processor struct {
	store           domain.Store
	ci              domain.CIClient
	events          domain.EventPublisher
	logger          *logger.Logger
	emptyRunTimeout time.Duration
}

// New creates a Processor.
func New(store domain.Store, ci domain.CIClient, events domain.EventPublisher, log *logger.Logger, emptyRunTimeout time.Duration) *Processor {
	return &Processor{store: store, ci: ci, events: events, logger: log, emptyRunTimeout: emptyRunTimeout}
}

// Process runs one tick for w: it fetches CI state for the environment
// currently in flight (if any), decides the transition, commits it, and
// notifies CI. A lost conditional-update race is logged and dropped, not
// returned as an error, per §7.
func (p *Processor) Process(ctx context.Context, w *domain.Workflow) error {
	idx, env, ok := w.NextEnvironment()

	var runs []domain.Run
	if ok && env.Status != domain.EnvironmentPending {
		observed, err := p.ci.ListRuns(ctx, w.Owner, w.Repo, w.SHA)
		if err != nil {
			if apperrors.IsTransient(err) {
				metrics.ProcessorOutcomes.WithLabelValues("transient_error").Inc()
				p.logger.Warn().Err(err).Str("workflow_id", w.ID).Msg("transient error listing runs, dropping tick")
				return nil
			}
			metrics.ProcessorOutcomes.WithLabelValues("unexpected_error").Inc()
			return err
		}
		runs = observed
	}

	outcome := statemachine.Decide(w, runs, domain.Now(), p.emptyRunTimeout)
	if outcome.Commit == statemachine.CommitNone {
		return nil
	}

	if err := p.executeCreateDeployments(ctx, outcome); err != nil {
		metrics.ProcessorOutcomes.WithLabelValues("transient_error").Inc()
		p.logger.Warn().Err(err).Str("workflow_id", w.ID).Msg("failed to create deployment, dropping tick")
		return nil
	}

	committed, err := p.commit(ctx, w, outcome)
	if err != nil {
		if apperrors.IsConditionalCheckFailed(err) {
			metrics.ProcessorOutcomes.WithLabelValues("conditional_check_failed").Inc()
			p.logger.Info().Str("workflow_id", w.ID).Msg("conditional check failed, dropping tick")
			return nil
		}
		if apperrors.IsTransient(err) {
			metrics.ProcessorOutcomes.WithLabelValues("transient_error").Inc()
			p.logger.Warn().Err(err).Str("workflow_id", w.ID).Msg("transient store error, dropping tick")
			return nil
		}
		metrics.ProcessorOutcomes.WithLabelValues("unexpected_error").Inc()
		return err
	}
	metrics.ProcessorOutcomes.WithLabelValues("committed").Inc()

	p.executeStatusUpdates(ctx, committed, outcome)
	p.publishLifecycleEvent(ctx, committed, idx, outcome)

	return nil
}

// executeCreateDeployments runs every ActionCreateDeployment in outcome
// and records the returned deployment_id onto outcome.Workflow before the
// Store commit, per §4.3 rule B.
func (p *Processor) executeCreateDeployments(ctx context.Context, outcome statemachine.Outcome) error {
	for _, action := range outcome.Actions {
		if action.Kind != statemachine.ActionCreateDeployment {
			continue
		}
		deploymentID, err := p.ci.CreateDeployment(ctx, action.CreateDeployment)
		if err != nil {
			return err
		}
		id := deploymentID
		outcome.Workflow.Environments[action.EnvironmentIndex].DeploymentID = &id
	}
	return nil
}

// commit persists outcome.Workflow via the Store method matching
// outcome.Commit.
func (p *Processor) commit(ctx context.Context, w *domain.Workflow, outcome statemachine.Outcome) (*domain.Workflow, error) {
	switch outcome.Commit {
	case statemachine.CommitAdvance:
		return p.store.AdvanceEnvironment(ctx, w, outcome.Workflow.Environments, outcome.Workflow.DueToRun)
	case statemachine.CommitFail:
		return p.store.FailEnvironment(ctx, w, outcome.Workflow.Environments, outcome.Workflow.DueToRun)
	case statemachine.CommitMarkDone:
		return p.store.MarkDone(ctx, w, outcome.Workflow.Status)
	default:
		return outcome.Workflow, nil
	}
}

// executeStatusUpdates pushes every ActionUpdateDeploymentStatus action
// after the Store commit has succeeded. Failures are logged, never fatal
// to the tick (§4.4 point 4).
func (p *Processor) executeStatusUpdates(ctx context.Context, committed *domain.Workflow, outcome statemachine.Outcome) {
	for _, action := range outcome.Actions {
		if action.Kind != statemachine.ActionUpdateDeploymentStatus {
			continue
		}
		deploymentID := action.DeploymentID
		if deploymentID == 0 && action.EnvironmentIndex < len(committed.Environments) {
			if id := committed.Environments[action.EnvironmentIndex].DeploymentID; id != nil {
				deploymentID = *id
			}
		}
		if deploymentID == 0 {
			continue
		}
		if err := p.ci.UpdateDeploymentStatus(ctx, action.Owner, action.Repo, deploymentID, action.State); err != nil {
			p.logger.Warn().Err(err).
				Str("workflow_id", committed.ID).
				Int64("deployment_id", deploymentID).
				Msg("failed to update deployment status")
		}
	}
}

func (p *Processor) publishLifecycleEvent(ctx context.Context, committed *domain.Workflow, idx int, outcome statemachine.Outcome) {
	subject := lifecycleSubject(outcome.Commit)
	if subject == "" || p.events == nil {
		return
	}
	payload := map[string]interface{}{
		"workflow_id": committed.ID,
		"created_at":  committed.CreatedAt.String(),
		"status":      string(committed.Status),
	}
	if idx >= 0 && idx < len(committed.Environments) {
		payload["environment"] = committed.Environments[idx].Name
	}
	if err := p.events.Publish(ctx, subject, payload); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish lifecycle event")
	}
}

func lifecycleSubject(commit statemachine.CommitKind) string {
	switch commit {
	case statemachine.CommitAdvance:
		return "environment.advanced"
	case statemachine.CommitFail:
		return "environment.advanced"
	case statemachine.CommitMarkDone:
		return "workflow.completed"
	default:
		return ""
	}
}
