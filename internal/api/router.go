// Package api provides the HTTP API server for the rollout orchestrator.
package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/northstack/rollout/internal/api/handlers"
	"github.com/northstack/rollout/internal/api/middleware"
	"github.com/northstack/rollout/internal/config"
	"github.com/northstack/rollout/internal/domain"
	"github.com/northstack/rollout/internal/metrics"
	"github.com/northstack/rollout/pkg/logger"
)

// Router holds all the dependencies for the API router.
type Router struct {
	config *config.Config
	logger *logger.Logger
	store  domain.Store
}

// NewRouter creates a new Router.
func NewRouter(cfg *config.Config, log *logger.Logger, store domain.Store) *Router {
	return &Router{config: cfg, logger: log, store: store}
}

// Setup configures and returns the Gin engine exposing the two workflow
// operations spec.md §6.1 names, per §4.6, plus the health routes and,
// when enabled, the metrics endpoint.
func (r *Router) Setup() *gin.Engine {
	if r.config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(r.logger))
	router.Use(metricsMiddleware())

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: r.config.Server.RateLimitRPS,
		BurstSize:         r.config.Server.RateLimitBurst,
		CleanupInterval:   middleware.DefaultRateLimiterConfig().CleanupInterval,
	})

	healthHandler := handlers.NewHealthHandler("1.0.0", "production")
	router.GET("/health", healthHandler.Live)
	router.GET("/health/live", healthHandler.Live)
	router.GET("/health/ready", healthHandler.Ready)

	if r.config.Metrics.Enabled {
		router.GET(r.config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		)))
	}

	workflowHandler := handlers.NewWorkflowHandler(r.store, r.logger)
	router.POST("/workflows", peekRepoKeyForRateLimit, rateLimiter.RateLimit(), workflowHandler.Create)
	router.GET("/repos/:owner/:repo/workflows", rateLimiter.RateLimit(), workflowHandler.List)

	return router
}

// peekRepoKeyForRateLimit buffers and re-parses the JSON body so the rate
// limiter can key CreateWorkflow by owner/repo instead of client IP,
// without consuming the body before the handler binds it.
func peekRepoKeyForRateLimit(c *gin.Context) {
	var body struct {
		Owner string `json:"owner"`
		Repo  string `json:"repo"`
	}
	if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
		c.Next()
		return
	}
	if body.Owner != "" && body.Repo != "" {
		c.Set("workflow_repo_key", body.Owner+"/"+body.Repo)
	}
	c.Next()
}

// metricsMiddleware records per-request counters and latency histograms,
// labeled by the matched route template rather than the raw path so
// parameterized routes (e.g. /repos/:owner/:repo/workflows) don't create
// unbounded label cardinality.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequests.WithLabelValues(path, c.Request.Method, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(path, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
