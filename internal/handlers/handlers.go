// GRIDRUN API Handlers
// HTTP surface of the coordinator: job submission and inspection for
// clients, register/claim/report endpoints for worker agents.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"gridrun/internal/archive"
	"gridrun/internal/auth"
	"gridrun/internal/metrics"
	"gridrun/internal/middleware"
	"gridrun/internal/state"
	"gridrun/internal/websocket"
	"gridrun/pkg/models"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

// Handler carries the coordinator services the routes operate on.
type Handler struct {
	Model    *state.Model
	Archives archive.Store
	Hub      *websocket.Hub
	Tokens   *auth.TokenService
	Version  string
}

// New creates the API handler.
func New(model *state.Model, archives archive.Store, hub *websocket.Hub, tokens *auth.TokenService) *Handler {
	return &Handler{
		Model:    model,
		Archives: archives,
		Hub:      hub,
		Tokens:   tokens,
		Version:  "dev",
	}
}

// Routes installs the API surface. Worker-facing routes sit behind the
// agent token middleware; client routes are open (deployments front them
// with their own gateway).
func (h *Handler) Routes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", metrics.PrometheusHandler())

	agentAuth := middleware.RequireAgentToken(h.Tokens)
	api := r.Group("/api")
	{
		api.POST("/jobs", h.SubmitJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)

		api.GET("/jobs/:id/cancel-check", agentAuth, h.CancelCheck)
		api.POST("/jobs/:id/output", agentAuth, h.AppendOutput)
		api.POST("/jobs/:id/result", agentAuth, h.SubmitResult)
		api.POST("/jobs/:id/failure", agentAuth, h.ReportFailure)

		api.POST("/workers/register", h.RegisterWorker)
		api.GET("/workers", h.ListWorkers)
		api.POST("/workers/:id/heartbeat", agentAuth, h.Heartbeat)
		api.POST("/workers/:id/claim", agentAuth, h.Claim)
		api.DELETE("/workers/:id", agentAuth, h.UnregisterWorker)
		api.GET("/workers/:id/channel", agentAuth, h.WorkerChannel)

		api.POST("/files", h.UploadArchive)
		api.GET("/files/:id", h.DownloadArchive)
	}
}

// Health reports liveness plus a cheap snapshot of cluster size.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   h.Version,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(startTime).String(),
		"workers":   len(h.Model.ListWorkers()),
		"queued":    len(h.Model.ListJobs(models.JobQueued)),
	})
}

// respondError maps state and archive errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	switch {
	case errors.Is(err, state.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, state.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, state.ErrConflictingState):
		status, code = http.StatusConflict, "CONFLICTING_STATE"
	}
	c.JSON(status, middleware.ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, middleware.ErrorResponse{
		Error:     msg,
		Code:      "INVALID_ARGUMENT",
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
}

// workerIdentity resolves the reporting worker: the authenticated token
// identity wins over whatever the body claims.
func workerIdentity(c *gin.Context, claimed string) string {
	if id := c.GetString("worker_id"); id != "" {
		return id
	}
	return claimed
}
