package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
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

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(body []byte, method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestWorkflowHandler_Create_ValidatesEmptyEnvironments(t *testing.T) {
	st := &mockStore{}
	h := NewWorkflowHandler(st, logger.New("error", "json", nil))

	body, _ := json.Marshal(map[string]interface{}{
		"owner":        "acme",
		"repo":         "widgets",
		"git_ref":      "refs/heads/main",
		"sha":          "abc1234",
		"environments": []string{},
	})
	c, w := newTestContext(body, http.MethodPost, "/workflows")

	h.Create(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	st.AssertNotCalled(t, "PutNew", mock.Anything, mock.Anything)
}

func TestWorkflowHandler_Create_Succeeds(t *testing.T) {
	st := &mockStore{}
	st.On("PutNew", mock.Anything, mock.AnythingOfType("*domain.Workflow")).Return(nil)
	h := NewWorkflowHandler(st, logger.New("error", "json", nil))

	body, _ := json.Marshal(map[string]interface{}{
		"owner":                    "acme",
		"repo":                     "widgets",
		"git_ref":                  "refs/heads/main",
		"sha":                      "abc1234",
		"stability_period_minutes": 10,
		"environments":             []string{"staging", "prod"},
	})
	c, w := newTestContext(body, http.MethodPost, "/workflows")

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp WorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acme/widgets", resp.ID)
	assert.Len(t, resp.Environments, 2)
	assert.Equal(t, domain.EnvironmentPending, resp.Environments[0].Status)
	assert.Equal(t, string(domain.WorkflowRunning), resp.Status)
}

func TestWorkflowHandler_Create_ConflictSurfacesAs409(t *testing.T) {
	st := &mockStore{}
	st.On("PutNew", mock.Anything, mock.Anything).Return(apperrors.Conflict("workflow"))
	h := NewWorkflowHandler(st, logger.New("error", "json", nil))

	body, _ := json.Marshal(map[string]interface{}{
		"owner":        "acme",
		"repo":         "widgets",
		"git_ref":      "refs/heads/main",
		"sha":          "abc1234",
		"environments": []string{"staging"},
	})
	c, w := newTestContext(body, http.MethodPost, "/workflows")

	h.Create(c)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkflowHandler_List_ReturnsCount(t *testing.T) {
	st := &mockStore{}
	workflows := []*domain.Workflow{
		{ID: "acme/widgets", CreatedAt: domain.Now(), Owner: "acme", Repo: "widgets", Status: domain.WorkflowRunning},
	}
	st.On("ListByRepo", mock.Anything, "acme", "widgets").Return(workflows, nil)
	h := NewWorkflowHandler(st, logger.New("error", "json", nil))

	c, w := newTestContext(nil, http.MethodGet, "/repos/acme/widgets/workflows")
	c.Params = gin.Params{{Key: "owner", Value: "acme"}, {Key: "repo", Value: "widgets"}}

	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["count"])
}

func TestWorkflowHandler_List_TransientSurfacesAs503(t *testing.T) {
	st := &mockStore{}
	st.On("ListByRepo", mock.Anything, "acme", "widgets").
		Return([]*domain.Workflow(nil), apperrors.Transient("store unavailable", nil))
	h := NewWorkflowHandler(st, logger.New("error", "json", nil))

	c, w := newTestContext(nil, http.MethodGet, "/repos/acme/widgets/workflows")
	c.Params = gin.Params{{Key: "owner", Value: "acme"}, {Key: "repo", Value: "widgets"}}

	h.List(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
