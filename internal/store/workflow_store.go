package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/internal/metrics"
	apperrors "github.com/northstack/rollout/pkg/errors"
)

func observeStoreCall(method string, start time.Time) {
	metrics.StoreCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// WorkflowStore implements domain.Store using PostgreSQL. Every mutating
// method is conditional on a row with the caller's (id, created_at) still
// existing; a conditional update that affects zero rows surfaces as
// apperrors.ConditionalCheckFailed so the Processor can drop the tick
// rather than write to a workflow whose row is gone. Other columns are not
// compared, so of two updates to an existing row the last one wins.
type WorkflowStore struct {
	db *DB
}

// NewWorkflowStore creates a new WorkflowStore.
func NewWorkflowStore(db *DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// PutNew inserts the initial row for a workflow.
func (s *WorkflowStore) PutNew(ctx context.Context, w *domain.Workflow) error {
	defer observeStoreCall("put_new", time.Now())

	envs, err := json.Marshal(w.Environments)
	if err != nil {
		return apperrors.Unexpected("failed to marshal environments", err)
	}

	query := `
		INSERT INTO workflows (
			id, created_at, updated_at, owner, repo, git_ref, sha,
			commit_message, stability_period_minutes, environments, status, due_to_run
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id, created_at) DO NOTHING
	`

	tag, err := s.db.pool.Exec(ctx, query,
		w.ID, w.CreatedAt.Time, nullableTime(w.UpdatedAt), w.Owner, w.Repo, w.GitRef, w.SHA,
		w.CommitMessage, w.StabilityPeriodMinutes, envs, string(w.Status), w.DueToRun.Time,
	)
	if err != nil {
		return apperrors.Transient("failed to insert workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("workflow")
	}
	return nil
}

// ListByRepo returns every workflow for owner/repo, newest first.
func (s *WorkflowStore) ListByRepo(ctx context.Context, owner, repo string) ([]*domain.Workflow, error) {
	defer observeStoreCall("list_by_repo", time.Now())

	id := domain.WorkflowID(owner, repo)

	query := `
		SELECT id, created_at, updated_at, owner, repo, git_ref, sha,
		       commit_message, stability_period_minutes, environments, status, due_to_run
		FROM workflows
		WHERE id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.pool.Query(ctx, query, id)
	if err != nil {
		return nil, apperrors.Transient("failed to list workflows", err)
	}
	defer rows.Close()

	var out []*domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, apperrors.Unexpected("failed to scan workflow", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("failed to iterate workflows", err)
	}
	return out, nil
}

// FindDue returns every workflow with Status=Running and DueToRun <= now.
func (s *WorkflowStore) FindDue(ctx context.Context, now domain.Timestamp) ([]*domain.Workflow, error) {
	defer observeStoreCall("find_due", time.Now())

	query := `
		SELECT id, created_at, updated_at, owner, repo, git_ref, sha,
		       commit_message, stability_period_minutes, environments, status, due_to_run
		FROM workflows
		WHERE status = $1 AND due_to_run <= $2
	`

	rows, err := s.db.pool.Query(ctx, query, string(domain.WorkflowRunning), now.Time)
	if err != nil {
		return nil, apperrors.Transient("failed to query due workflows", err)
	}
	defer rows.Close()

	var out []*domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, apperrors.Unexpected("failed to scan workflow", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("failed to iterate due workflows", err)
	}
	return out, nil
}

// AdvanceEnvironment overwrites Environments and DueToRun, refreshes
// UpdatedAt, and keeps Status=Running, conditional on (id, created_at).
func (s *WorkflowStore) AdvanceEnvironment(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp) (*domain.Workflow, error) {
	defer observeStoreCall("advance_environment", time.Now())
	return s.update(ctx, w, newEnvs, newDue, domain.WorkflowRunning)
}

// FailEnvironment is AdvanceEnvironment plus Status=Failure.
func (s *WorkflowStore) FailEnvironment(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp) (*domain.Workflow, error) {
	defer observeStoreCall("fail_environment", time.Now())
	return s.update(ctx, w, newEnvs, newDue, domain.WorkflowFailure)
}

func (s *WorkflowStore) update(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp, status domain.WorkflowStatus) (*domain.Workflow, error) {
	envs, err := json.Marshal(newEnvs)
	if err != nil {
		return nil, apperrors.Unexpected("failed to marshal environments", err)
	}
	updatedAt := domain.Now()

	query := `
		UPDATE workflows
		SET environments = $1, status = $2, due_to_run = $3, updated_at = $4
		WHERE id = $5 AND created_at = $6
	`

	tag, err := s.db.pool.Exec(ctx, query, envs, string(status), newDue.Time, updatedAt.Time, w.ID, w.CreatedAt.Time)
	if err != nil {
		return nil, apperrors.Transient("failed to update workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.ConditionalCheckFailed(w.ID)
	}

	out := w.Clone()
	out.Environments = newEnvs
	out.Status = status
	out.DueToRun = newDue
	out.UpdatedAt = &updatedAt
	return out, nil
}

// MarkDone sets Status to Success or Failure, terminating the workflow,
// conditional on (id, created_at).
func (s *WorkflowStore) MarkDone(ctx context.Context, w *domain.Workflow, final domain.WorkflowStatus) (*domain.Workflow, error) {
	defer observeStoreCall("mark_done", time.Now())

	updatedAt := domain.Now()

	query := `
		UPDATE workflows
		SET status = $1, updated_at = $2
		WHERE id = $3 AND created_at = $4
	`

	tag, err := s.db.pool.Exec(ctx, query, string(final), updatedAt.Time, w.ID, w.CreatedAt.Time)
	if err != nil {
		return nil, apperrors.Transient("failed to mark workflow done", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.ConditionalCheckFailed(w.ID)
	}

	out := w.Clone()
	out.Status = final
	out.UpdatedAt = &updatedAt
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (*domain.Workflow, error) {
	var w domain.Workflow
	var envsRaw []byte
	var status string
	var updatedAt *time.Time

	if err := row.Scan(
		&w.ID, &w.CreatedAt.Time, &updatedAt, &w.Owner, &w.Repo, &w.GitRef, &w.SHA,
		&w.CommitMessage, &w.StabilityPeriodMinutes, &envsRaw, &status, &w.DueToRun.Time,
	); err != nil {
		return nil, err
	}

	w.CreatedAt = domain.NewTimestamp(w.CreatedAt.Time)
	w.DueToRun = domain.NewTimestamp(w.DueToRun.Time)
	w.Status = domain.WorkflowStatus(status)
	if updatedAt != nil {
		ts := domain.NewTimestamp(*updatedAt)
		w.UpdatedAt = &ts
	}

	if err := json.Unmarshal(envsRaw, &w.Environments); err != nil {
		return nil, err
	}
	return &w, nil
}

func nullableTime(t *domain.Timestamp) interface{} {
	if t == nil {
		return nil
	}
	return t.Time
}
