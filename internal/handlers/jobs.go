// GRIDRUN Job Handlers
// Submission, inspection and cancellation for clients; output and result
// reporting for the executing worker.

package handlers

import (
	"net/http"
	"strings"

	"gridrun/pkg/models"

	"github.com/gin-gonic/gin"
)

var knownJobStatuses = map[models.JobStatus]bool{
	models.JobQueued:    true,
	models.JobAssigned:  true,
	models.JobRunning:   true,
	models.JobCompleted: true,
	models.JobFailed:    true,
}

// SubmitJob accepts a new job and queues it for scheduling.
func (h *Handler) SubmitJob(c *gin.Context) {
	var req models.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	job, err := h.Model.SubmitJob(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// ListJobs returns jobs newest first, optionally filtered by ?status=.
func (h *Handler) ListJobs(c *gin.Context) {
	status := models.JobStatus(strings.ToUpper(c.Query("status")))
	if status != "" && !knownJobStatuses[status] {
		badRequest(c, "Unknown job status: "+string(status))
		return
	}
	c.JSON(http.StatusOK, h.Model.ListJobs(status))
}

// GetJob returns one job record with its captured output.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.Model.GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob requests cancellation. Queued and assigned jobs fail on the
// spot; running jobs are flagged and the executing worker is nudged over
// the push channel so it does not have to wait for its next cancel poll.
func (h *Handler) CancelJob(c *gin.Context) {
	job, err := h.Model.CancelJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if job.Status == models.JobRunning && job.CancelRequested && job.AssignedAgentID != "" {
		h.Hub.NotifyCancel(job.AssignedAgentID, job.ID)
	}
	c.JSON(http.StatusOK, job)
}

// CancelCheck is polled by the executing worker.
func (h *Handler) CancelCheck(c *gin.Context) {
	cancelRequested, err := h.Model.CheckCancel(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CancelCheckResponse{CancelRequested: cancelRequested})
}

// AppendOutput streams one captured stdout/stderr chunk into the job
// record. Only the assigned worker may append, and only while the job is
// running.
func (h *Handler) AppendOutput(c *gin.Context) {
	var chunk models.LogChunk
	if err := c.ShouldBindJSON(&chunk); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	workerID := workerIdentity(c, chunk.WorkerID)
	if err := h.Model.AppendOutput(c.Param("id"), workerID, chunk.Stream, chunk.Data); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitResult records the sandbox outcome reported by the worker.
func (h *Handler) SubmitResult(c *gin.Context) {
	var rep models.ResultReport
	if err := c.ShouldBindJSON(&rep); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	rep.WorkerID = workerIdentity(c, rep.WorkerID)
	if err := h.Model.SubmitResult(c.Param("id"), rep); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportFailure records a worker-side failure (archive fetch, image pull,
// sandbox spawn) and routes the job through the retry rule.
func (h *Handler) ReportFailure(c *gin.Context) {
	var rep models.FailureReport
	if err := c.ShouldBindJSON(&rep); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	rep.WorkerID = workerIdentity(c, rep.WorkerID)
	if err := h.Model.ReportFailure(c.Param("id"), rep); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
