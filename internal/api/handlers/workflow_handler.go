// Package handlers contains HTTP handlers for the REST API.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/internal/domain/valueobjects"
	apperrors "github.com/northstack/rollout/pkg/errors"
	"github.com/northstack/rollout/pkg/logger"
)

// WorkflowHandler handles workflow-related HTTP requests: the only two
// operations spec.md §6.1 names, CreateWorkflow and ListWorkflows.
type WorkflowHandler struct {
	store  domain.Store
	logger *logger.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(store domain.Store, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{store: store, logger: log}
}

// CreateWorkflowRequest represents the request body for POST /workflows.
type CreateWorkflowRequest struct {
	Owner                  string   `json:"owner" binding:"required"`
	Repo                   string   `json:"repo" binding:"required"`
	GitRef                 string   `json:"git_ref" binding:"required"`
	SHA                    string   `json:"sha" binding:"required"`
	CommitMessage          string   `json:"commit_message"`
	StabilityPeriodMinutes *uint    `json:"stability_period_minutes"`
	Environments           []string `json:"environments" binding:"required"`
}

// WorkflowResponse represents the response body for a workflow.
type WorkflowResponse struct {
	ID                     string              `json:"id"`
	CreatedAt              string              `json:"created_at"`
	UpdatedAt              *string             `json:"updated_at,omitempty"`
	Owner                  string              `json:"owner"`
	Repo                   string              `json:"repo"`
	GitRef                 string              `json:"git_ref"`
	SHA                    string              `json:"sha"`
	CommitMessage          string              `json:"commit_message"`
	StabilityPeriodMinutes uint                `json:"stability_period_minutes"`
	Environments           []domain.Environment `json:"environments"`
	Status                 string              `json:"status"`
	DueToRun               string              `json:"due_to_run"`
}

// Create handles POST /workflows.
func (h *WorkflowHandler) Create(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidInput(err.Error()))
		return
	}

	if err := validateCreateWorkflowRequest(req); err != nil {
		respondError(c, err)
		return
	}

	now := domain.Now()
	envs := make([]domain.Environment, len(req.Environments))
	for i, name := range req.Environments {
		envs[i] = domain.Environment{Name: name, Status: domain.EnvironmentPending}
	}

	stability := uint(0)
	if req.StabilityPeriodMinutes != nil {
		stability = *req.StabilityPeriodMinutes
	}

	w := &domain.Workflow{
		ID:                     domain.WorkflowID(req.Owner, req.Repo),
		CreatedAt:              now,
		Owner:                  req.Owner,
		Repo:                   req.Repo,
		GitRef:                 req.GitRef,
		SHA:                    req.SHA,
		CommitMessage:          req.CommitMessage,
		StabilityPeriodMinutes: stability,
		Environments:           envs,
		Status:                 domain.WorkflowRunning,
		DueToRun:               now,
	}

	if err := h.store.PutNew(c.Request.Context(), w); err != nil {
		h.logger.Error().Err(err).Str("id", w.ID).Msg("failed to create workflow")
		respondError(c, err)
		return
	}

	h.logger.Info().
		Str("workflow_id", w.ID).
		Str("sha", w.SHA).
		Int("environments", len(w.Environments)).
		Msg("workflow created")

	c.JSON(http.StatusCreated, workflowToResponse(w))
}

// List handles GET /repos/:owner/:repo/workflows.
func (h *WorkflowHandler) List(c *gin.Context) {
	owner := c.Param("owner")
	repo := c.Param("repo")

	workflows, err := h.store.ListByRepo(c.Request.Context(), owner, repo)
	if err != nil {
		respondError(c, err)
		return
	}

	responses := make([]WorkflowResponse, len(workflows))
	for i, w := range workflows {
		responses[i] = workflowToResponse(w)
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  responses,
		"count": len(responses),
	})
}

func validateCreateWorkflowRequest(req CreateWorkflowRequest) error {
	if len(req.Environments) == 0 {
		return apperrors.InvalidInput("environments must not be empty")
	}
	for _, name := range req.Environments {
		if name == "" {
			return apperrors.InvalidInput("environment names must not be empty")
		}
	}
	if _, err := valueobjects.NewCommitSHA(req.SHA); err != nil {
		return apperrors.InvalidInput(err.Error())
	}
	if req.StabilityPeriodMinutes != nil && *req.StabilityPeriodMinutes > 10080 {
		return apperrors.InvalidInput("stability_period_minutes must be reasonable (<= 7 days)")
	}
	return nil
}

func workflowToResponse(w *domain.Workflow) WorkflowResponse {
	var updatedAt *string
	if w.UpdatedAt != nil {
		s := w.UpdatedAt.String()
		updatedAt = &s
	}
	return WorkflowResponse{
		ID:                     w.ID,
		CreatedAt:              w.CreatedAt.String(),
		UpdatedAt:              updatedAt,
		Owner:                  w.Owner,
		Repo:                   w.Repo,
		GitRef:                 w.GitRef,
		SHA:                    w.SHA,
		CommitMessage:          w.CommitMessage,
		StabilityPeriodMinutes: w.StabilityPeriodMinutes,
		Environments:           w.Environments,
		Status:                 string(w.Status),
		DueToRun:               w.DueToRun.String(),
	}
}
