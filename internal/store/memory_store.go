package store

import (
	"context"
	"sync"

	"github.com/northstack/rollout/internal/domain"
	apperrors "github.com/northstack/rollout/pkg/errors"
)

// MemoryStore is an in-memory domain.Store used by tests to exercise the
// same conditional-update precondition as WorkflowStore without a real
// database. Keyed by (id, created_at), mirroring the Postgres primary key.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[memoryKey]*domain.Workflow
}

type memoryKey struct {
	id        string
	createdAt string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memoryKey]*domain.Workflow)}
}

func keyOf(w *domain.Workflow) memoryKey {
	return memoryKey{id: w.ID, createdAt: w.CreatedAt.String()}
}

// PutNew inserts the initial row for a workflow.
func (s *MemoryStore) PutNew(ctx context.Context, w *domain.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(w)
	if _, exists := s.rows[k]; exists {
		return apperrors.Conflict("workflow")
	}
	s.rows[k] = w.Clone()
	return nil
}

// ListByRepo returns every workflow for owner/repo, newest first.
func (s *MemoryStore) ListByRepo(ctx context.Context, owner, repo string) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := domain.WorkflowID(owner, repo)
	var out []*domain.Workflow
	for _, w := range s.rows {
		if w.ID == id {
			out = append(out, w.Clone())
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.Time.After(out[i].CreatedAt.Time) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// FindDue returns every workflow with Status=Running and DueToRun <= now.
func (s *MemoryStore) FindDue(ctx context.Context, now domain.Timestamp) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Workflow
	for _, w := range s.rows {
		if w.Status == domain.WorkflowRunning && !w.DueToRun.Time.After(now.Time) {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

// AdvanceEnvironment overwrites Environments and DueToRun, refreshes
// UpdatedAt, and keeps Status=Running, conditional on (id, created_at).
func (s *MemoryStore) AdvanceEnvironment(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp) (*domain.Workflow, error) {
	return s.update(w, newEnvs, newDue, domain.WorkflowRunning)
}

// FailEnvironment is AdvanceEnvironment plus Status=Failure.
func (s *MemoryStore) FailEnvironment(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp) (*domain.Workflow, error) {
	return s.update(w, newEnvs, newDue, domain.WorkflowFailure)
}

func (s *MemoryStore) update(w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp, status domain.WorkflowStatus) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(w)
	if _, exists := s.rows[k]; !exists {
		return nil, apperrors.ConditionalCheckFailed(w.ID)
	}

	updatedAt := domain.Now()
	out := w.Clone()
	out.Environments = newEnvs
	out.Status = status
	out.DueToRun = newDue
	out.UpdatedAt = &updatedAt

	s.rows[k] = out.Clone()
	return out, nil
}

// MarkDone sets Status to Success or Failure, terminating the workflow,
// conditional on (id, created_at).
func (s *MemoryStore) MarkDone(ctx context.Context, w *domain.Workflow, final domain.WorkflowStatus) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(w)
	if _, exists := s.rows[k]; !exists {
		return nil, apperrors.ConditionalCheckFailed(w.ID)
	}

	updatedAt := domain.Now()
	out := w.Clone()
	out.Status = final
	out.UpdatedAt = &updatedAt

	s.rows[k] = out.Clone()
	return out, nil
}

// Delete removes a row. Test-only helper to simulate a row disappearing
// out from under an in-flight conditional update (I7/S5: lost race).
func (s *MemoryStore) Delete(w *domain.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, keyOf(w))
}
