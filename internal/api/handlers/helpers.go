package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/northstack/rollout/pkg/errors"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// respondError sends an error response to the client, mapping an
// *apperrors.AppError onto its declared HTTP status and falling back to
// 500 for anything that didn't originate from pkg/errors.
func respondError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    string(apperrors.CodeUnexpected),
			Message: err.Error(),
		})
		return
	}

	c.JSON(appErr.HTTPStatus, ErrorResponse{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Services    map[string]string `json:"services,omitempty"`
}

// HealthHandler handles health check requests
type HealthHandler struct {
	version string
	env     string
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(version, env string) *HealthHandler {
	return &HealthHandler{
		version: version,
		env:     env,
	}
}

// Live handles GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Environment: h.env,
	})
}

// Ready handles GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	// In a full implementation, this would check database connectivity,
	// message queue connectivity, etc.
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Environment: h.env,
		Services: map[string]string{
			"database": "ok",
			"nats":     "ok",
			"ci":       "ok",
		},
	})
}
