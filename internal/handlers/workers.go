// GRIDRUN Worker Handlers
// Agent lifecycle: registration, heartbeats, claiming assigned work and
// the push channel upgrade.

package handlers

import (
	"net/http"

	"gridrun/pkg/models"

	"github.com/gin-gonic/gin"
)

// RegisterWorker upserts a worker record and mints its bearer token.
// Agents call this on startup and again whenever the coordinator stops
// recognizing them.
func (h *Handler) RegisterWorker(c *gin.Context) {
	var req models.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	worker, err := h.Model.RegisterWorker(req)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.RegisterWorkerResponse{WorkerID: worker.ID}
	if h.Tokens.Enabled() {
		token, err := h.Tokens.Mint(worker.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		resp.Token = token
	}
	c.JSON(http.StatusCreated, resp)
}

// Heartbeat refreshes a worker's telemetry and liveness. A 404 tells the
// agent its registration lapsed and it should register again.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if err := h.Model.Heartbeat(c.Param("id"), req); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Claim hands the worker its oldest assigned job and marks it RUNNING.
// A null job means nothing is waiting.
func (h *Handler) Claim(c *gin.Context) {
	assignment, err := h.Model.ClaimNext(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ClaimResponse{Job: assignment})
}

// UnregisterWorker removes a worker on graceful agent shutdown. In-flight
// jobs go back to the queue.
func (h *Handler) UnregisterWorker(c *gin.Context) {
	if err := h.Model.UnregisterWorker(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListWorkers returns the fleet view.
func (h *Handler) ListWorkers(c *gin.Context) {
	workers := h.Model.ListWorkers()
	out := make([]models.WorkerSummary, 0, len(workers))
	for _, w := range workers {
		out = append(out, summarize(w))
	}
	c.JSON(http.StatusOK, out)
}

// WorkerChannel upgrades a registered worker to its push connection.
func (h *Handler) WorkerChannel(c *gin.Context) {
	if _, err := h.Model.GetWorker(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	h.Hub.HandleWorkerChannel(c)
}

func summarize(w *models.Worker) models.WorkerSummary {
	return models.WorkerSummary{
		WorkerID:      w.ID,
		Hostname:      w.Hostname,
		Status:        w.Status,
		HealthReason:  w.HealthReason,
		CpuCount:      w.CpuCount,
		CpuUsage:      w.CpuUsage,
		RamTotalMb:    w.RamTotalMb,
		RamFreeMb:     w.RamFreeMb,
		ReservedCpu:   w.ReservedCpu,
		ReservedRamMb: w.ReservedRamMb,
		CurrentJobIDs: w.CurrentJobIDs,
		LastHeartbeat: w.LastHeartbeat,
	}
}
