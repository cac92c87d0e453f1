// Coordinator push channel for worker agents.
// Keeps one live connection per worker and pushes assignment and
// cancellation frames so agents do not have to wait for a poll tick.

package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"gridrun/internal/logging"
	"gridrun/internal/metrics"
	"gridrun/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub maintains active worker connections and pushes frames to them.
// It satisfies the scheduler's notifier so assignments made during a
// sweep reach push-mode workers immediately.
type Hub struct {
	// Connected workers by worker ID. One connection per worker; a
	// reconnect replaces the previous connection.
	workers map[string]*Client

	// Register requests from new connections
	register chan *Client

	// Unregister requests from closing connections
	unregister chan *Client

	// Shutdown channel for graceful termination
	shutdown chan struct{}

	mu sync.RWMutex
}

// Upgrader for agent connections. Agents are CLI processes, not
// browsers, so there is no Origin to check; authentication happens in
// the token middleware before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHub creates a new push channel hub
func NewHub() *Hub {
	return &Hub{
		workers:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}
}

// Run starts the hub's main loop. Call as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if prev, ok := h.workers[client.workerID]; ok {
				// Replace a stale connection from the same worker
				close(prev.send)
				metrics.Get().RecordPushConnection(-1)
			}
			h.workers[client.workerID] = client
			h.mu.Unlock()
			metrics.Get().RecordPushConnection(1)
			logging.L().Info("worker channel connected",
				zap.String("worker_id", client.workerID))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.workers[client.workerID] == client {
				delete(h.workers, client.workerID)
				close(client.send)
				metrics.Get().RecordPushConnection(-1)
				logging.L().Info("worker channel disconnected",
					zap.String("worker_id", client.workerID))
			}
			h.mu.Unlock()

		case <-h.shutdown:
			h.mu.Lock()
			for id, client := range h.workers {
				close(client.send)
				delete(h.workers, id)
				metrics.Get().RecordPushConnection(-1)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Shutdown stops the hub and closes all worker connections
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// Connected reports whether a worker currently holds a push connection
func (h *Hub) Connected(workerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.workers[workerID]
	return ok
}

// NotifyAssigned pushes a job-assign frame to the worker, if connected.
// Workers without a push connection pick the assignment up on their
// next claim poll, so a missed push is never fatal.
func (h *Hub) NotifyAssigned(workerID string, assignment *models.JobAssignment) {
	h.push(workerID, models.Frame{
		Type: models.FrameJobAssign,
		Job:  assignment,
	})
}

// NotifyCancel pushes a job-cancel frame to the worker, if connected.
// The agent also polls the cancel-check endpoint, so this only shortens
// the window before a running container is stopped.
func (h *Hub) NotifyCancel(workerID, jobID string) {
	h.push(workerID, models.Frame{
		Type:  models.FrameJobCancel,
		JobID: jobID,
	})
}

func (h *Hub) push(workerID string, frame models.Frame) {
	h.mu.RLock()
	client, ok := h.workers[workerID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		logging.L().Error("failed to marshal push frame", zap.Error(err))
		return
	}

	select {
	case client.send <- data:
		metrics.Get().RecordPushFrame(frame.Type)
	default:
		// Send buffer full means the connection is wedged. Drop it;
		// the worker's claim poll keeps it making progress.
		logging.L().Warn("worker channel send buffer full, dropping connection",
			zap.String("worker_id", workerID))
		go func() { h.unregister <- client }()
	}
}

// HandleWorkerChannel upgrades an agent request to a push connection.
// The token middleware has already verified the caller owns the worker
// ID in the path.
func (h *Hub) HandleWorkerChannel(c *gin.Context) {
	workerID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Error("worker channel upgrade failed",
			zap.String("worker_id", workerID), zap.Error(err))
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		workerID: workerID,
		send:     make(chan []byte, 64),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
