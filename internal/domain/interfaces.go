package domain

import "context"

// Store is the durable collaborator for Workflow state. Every mutating
// operation is conditional on (ID, CreatedAt) still existing so that a
// stale caller cannot clobber a workflow whose row has since been removed;
// implementations surface that race as an errors.ConditionalCheckFailed
// error (CodeConditionalCheckFailed).
type Store interface {
	// PutNew inserts the initial row for a workflow. Returns an
	// errors.Conflict error (CodeConflict) if (ID, CreatedAt) already
	// exists.
	PutNew(ctx context.Context, w *Workflow) error

	// ListByRepo returns every workflow whose ID is "owner/repo", newest
	// first by CreatedAt.
	ListByRepo(ctx context.Context, owner, repo string) ([]*Workflow, error)

	// FindDue returns every workflow with Status=Running and
	// DueToRun <= now.
	FindDue(ctx context.Context, now Timestamp) ([]*Workflow, error)

	// AdvanceEnvironment overwrites Environments and DueToRun, refreshes
	// UpdatedAt, and keeps Status=Running. Returns the committed row.
	AdvanceEnvironment(ctx context.Context, w *Workflow, newEnvs []Environment, newDue Timestamp) (*Workflow, error)

	// FailEnvironment is AdvanceEnvironment plus Status=Failure.
	FailEnvironment(ctx context.Context, w *Workflow, newEnvs []Environment, newDue Timestamp) (*Workflow, error)

	// MarkDone sets Status to Success or Failure, terminating the
	// workflow.
	MarkDone(ctx context.Context, w *Workflow, final WorkflowStatus) (*Workflow, error)
}

// CIProviderStatus is one individual run's status as reported by the CI
// provider, prior to aggregation/mapping.
type CIProviderStatus string

const (
	CIStatusCompleted      CIProviderStatus = "completed"
	CIStatusActionRequired CIProviderStatus = "action_required"
	CIStatusCancelled      CIProviderStatus = "cancelled"
	CIStatusFailure        CIProviderStatus = "failure"
	CIStatusNeutral        CIProviderStatus = "neutral"
	CIStatusSkipped        CIProviderStatus = "skipped"
	CIStatusStale          CIProviderStatus = "stale"
	CIStatusSuccess        CIProviderStatus = "success"
	CIStatusTimedOut       CIProviderStatus = "timed_out"
	CIStatusInProgress     CIProviderStatus = "in_progress"
	CIStatusQueued         CIProviderStatus = "queued"
	CIStatusRequested      CIProviderStatus = "requested"
	CIStatusWaiting        CIProviderStatus = "waiting"
	CIStatusPending        CIProviderStatus = "pending"
)

// Run is a single CI workflow run as returned by ListRuns.
type Run struct {
	ID     int64
	Status CIProviderStatus
}

// DeploymentState is the state passed to UpdateDeploymentStatus, one of
// the four the CI provider's deployment-status wire contract accepts.
type DeploymentState string

const (
	DeploymentStateQueued     DeploymentState = "queued"
	DeploymentStateInProgress DeploymentState = "in_progress"
	DeploymentStateFailure    DeploymentState = "failure"
	DeploymentStateSuccess    DeploymentState = "success"
)

// CreateDeploymentInput is the payload for CreateDeployment.
type CreateDeploymentInput struct {
	Owner       string
	Repo        string
	GitRef      string
	Environment string
	Description string
}

// CIClient is the minimum surface the core consumes from the external CI
// provider. Implementations own installation-token minting/caching;
// callers never see a token.
type CIClient interface {
	// CreateDeployment must be called exactly once per (workflow,
	// environment) pair before that environment first moves to Running.
	CreateDeployment(ctx context.Context, in CreateDeploymentInput) (deploymentID int64, err error)

	// UpdateDeploymentStatus pushes a new deployment status.
	UpdateDeploymentStatus(ctx context.Context, owner, repo string, deploymentID int64, state DeploymentState) error

	// ListRuns lists CI runs for a commit filtered to the deployment
	// event.
	ListRuns(ctx context.Context, owner, repo, sha string) ([]Run, error)
}

// EventPublisher is the ambient, purely observational notification channel
// the Processor uses to announce committed transitions. It is never read
// back by the core and its failure is never fatal to a tick.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload map[string]interface{}) error
}
