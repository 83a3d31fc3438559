package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/northstack/rollout/internal/domain"
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

type fakeProcessor struct {
	calls int32
}

func (f *fakeProcessor) Process(ctx context.Context, w *domain.Workflow) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

func TestDispatcher_Tick_SpawnsProcessorPerDueWorkflow(t *testing.T) {
	st := &mockStore{}
	due := []*domain.Workflow{
		{ID: "acme/a", CreatedAt: domain.Now()},
		{ID: "acme/b", CreatedAt: domain.Now()},
		{ID: "acme/c", CreatedAt: domain.Now()},
	}
	st.On("FindDue", mock.Anything, mock.Anything).Return(due, nil)

	proc := &fakeProcessor{}
	d := New(st, proc, logger.New("error", "json", nil), 10*time.Millisecond, 2)

	d.tick(context.Background())

	require.Equal(t, int32(3), atomic.LoadInt32(&proc.calls))
}

func TestDispatcher_Tick_NoDueWorkflowsIsNoop(t *testing.T) {
	st := &mockStore{}
	st.On("FindDue", mock.Anything, mock.Anything).Return([]*domain.Workflow{}, nil)

	proc := &fakeProcessor{}
	d := New(st, proc, logger.New("error", "json", nil), 10*time.Millisecond, 2)

	d.tick(context.Background())

	require.Equal(t, int32(0), atomic.LoadInt32(&proc.calls))
}

func TestDispatcher_Run_StopsOnContextCancel(t *testing.T) {
	st := &mockStore{}
	st.On("FindDue", mock.Anything, mock.Anything).Return([]*domain.Workflow{}, nil)

	proc := &fakeProcessor{}
	d := New(st, proc, logger.New("error", "json", nil), 5*time.Millisecond, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}
}
