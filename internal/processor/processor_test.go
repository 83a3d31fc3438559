package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/northstack/rollout/internal/domain"
	apperrors "github.com/northstack/rollout/pkg/errors"
	"github.com/northstack/rollout/pkg/logger"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) PutNew(ctx context.Context, w *domain.Workflow) error {
	args := m.Called(ctx, w)
	return args.Error(0)
}
func (m *mockStore) ListByRepo(ctx context.Context, owner, repo string) ([]*domain.Workflow, error) {
	args := m.Called(ctx, owner, repo)
	return args.Get(0).([]*domain.Workflow), args.Error(1)
}
func (m *mockStore) FindDue(ctx context.Context, now domain.Timestamp) ([]*domain.Workflow, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]*domain.Workflow), args.Error(1)
}
func (m *mockStore) AdvanceEnvironment(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp) (*domain.Workflow, error) {
	args := m.Called(ctx, w, newEnvs, newDue)
	return args.Get(0).(*domain.Workflow), args.Error(1)
}
func (m *mockStore) FailEnvironment(ctx context.Context, w *domain.Workflow, newEnvs []domain.Environment, newDue domain.Timestamp) (*domain.Workflow, error) {
	args := m.Called(ctx, w, newEnvs, newDue)
	return args.Get(0).(*domain.Workflow), args.Error(1)
}
func (m *mockStore) MarkDone(ctx context.Context, w *domain.Workflow, final domain.WorkflowStatus) (*domain.Workflow, error) {
	args := m.Called(ctx, w, final)
	return args.Get(0).(*domain.Workflow), args.Error(1)
}

type mockCI struct{ mock.Mock }

func (m *mockCI) CreateDeployment(ctx context.Context, in domain.CreateDeploymentInput) (int64, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(int64), args.Error(1)
}
func (m *mockCI) UpdateDeploymentStatus(ctx context.Context, owner, repo string, deploymentID int64, state domain.DeploymentState) error {
	args := m.Called(ctx, owner, repo, deploymentID, state)
	return args.Error(0)
}
func (m *mockCI) ListRuns(ctx context.Context, owner, repo, sha string) ([]domain.Run, error) {
	args := m.Called(ctx, owner, repo, sha)
	return args.Get(0).([]domain.Run), args.Error(1)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) Publish(ctx context.Context, subject string, payload map[string]interface{}) error {
	args := m.Called(ctx, subject, payload)
	return args.Error(0)
}

func newTestWorkflow() *domain.Workflow {
	now := domain.Now()
	return &domain.Workflow{
		ID:        domain.WorkflowID("acme", "widgets"),
		CreatedAt: now,
		Owner:     "acme",
		Repo:      "widgets",
		GitRef:    "refs/heads/main",
		SHA:       "abc123",
		Environments: []domain.Environment{
			{Name: "staging", Status: domain.EnvironmentPending},
		},
		Status:   domain.WorkflowRunning,
		DueToRun: now,
	}
}

func TestProcessor_StartsNextEnvironment(t *testing.T) {
	w := newTestWorkflow()

	st := &mockStore{}
	ci := &mockCI{}
	pub := &mockPublisher{}

	ci.On("CreateDeployment", mock.Anything, mock.Anything).Return(int64(555), nil)
	ci.On("UpdateDeploymentStatus", mock.Anything, "acme", "widgets", int64(555), domain.DeploymentStateInProgress).Return(nil)

	advanced := w.Clone()
	advanced.Environments[0].Status = domain.EnvironmentRunning
	createdID := int64(555)
	advanced.Environments[0].DeploymentID = &createdID
	st.On("AdvanceEnvironment", mock.Anything, w, mock.Anything, mock.Anything).Return(advanced, nil)

	pub.On("Publish", mock.Anything, "environment.advanced", mock.Anything).Return(nil)

	p := New(st, ci, pub, logger.New("error", "json", nil), 5*time.Minute)
	err := p.Process(context.Background(), w)
	require.NoError(t, err)

	ci.AssertCalled(t, "CreateDeployment", mock.Anything, mock.Anything)
	st.AssertCalled(t, "AdvanceEnvironment", mock.Anything, w, mock.Anything, mock.Anything)
	ci.AssertCalled(t, "UpdateDeploymentStatus", mock.Anything, "acme", "widgets", int64(555), domain.DeploymentStateInProgress)
}

func TestProcessor_ObservesSuccessAndAdvances(t *testing.T) {
	started := domain.Now()
	deploymentID := int64(42)
	w := newTestWorkflow()
	w.Environments[0].Status = domain.EnvironmentRunning
	w.Environments[0].StartedAt = &started
	w.Environments[0].DeploymentID = &deploymentID

	st := &mockStore{}
	ci := &mockCI{}

	ci.On("ListRuns", mock.Anything, "acme", "widgets", "abc123").
		Return([]domain.Run{{ID: 1, Status: domain.CIStatusSuccess}}, nil)
	ci.On("UpdateDeploymentStatus", mock.Anything, "acme", "widgets", deploymentID, domain.DeploymentStateSuccess).Return(nil)

	advanced := w.Clone()
	advanced.Environments[0].Status = domain.EnvironmentSuccess
	st.On("AdvanceEnvironment", mock.Anything, w, mock.Anything, mock.Anything).Return(advanced, nil)

	p := New(st, ci, nil, logger.New("error", "json", nil), 5*time.Minute)
	err := p.Process(context.Background(), w)
	require.NoError(t, err)

	st.AssertCalled(t, "AdvanceEnvironment", mock.Anything, w, mock.Anything, mock.Anything)
}

func TestProcessor_ConditionalCheckFailedIsDroppedSilently(t *testing.T) {
	started := domain.Now()
	deploymentID := int64(42)
	w := newTestWorkflow()
	w.Environments[0].Status = domain.EnvironmentRunning
	w.Environments[0].StartedAt = &started
	w.Environments[0].DeploymentID = &deploymentID

	st := &mockStore{}
	ci := &mockCI{}

	ci.On("ListRuns", mock.Anything, "acme", "widgets", "abc123").
		Return([]domain.Run{{ID: 1, Status: domain.CIStatusSuccess}}, nil)

	st.On("AdvanceEnvironment", mock.Anything, w, mock.Anything, mock.Anything).
		Return((*domain.Workflow)(nil), apperrors.ConditionalCheckFailed(w.ID))

	p := New(st, ci, nil, logger.New("error", "json", nil), 5*time.Minute)
	err := p.Process(context.Background(), w)
	require.NoError(t, err, "conditional check failed must be swallowed, not returned")

	ci.AssertNotCalled(t, "UpdateDeploymentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
