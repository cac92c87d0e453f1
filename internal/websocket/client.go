// Individual worker connection handling

package websocket

import (
	"time"

	"gridrun/internal/logging"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the worker
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the worker
	pongWait = 60 * time.Second

	// Send pings to the worker with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the worker. Workers report
	// results over REST, so inbound traffic is control frames only.
	maxMessageSize = 1024
)

// Client represents one worker's push connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	workerID string

	// Buffered channel of outbound frames
	send chan []byte
}

// readPump consumes the connection so pings and close frames are
// processed. Workers never send application frames on this channel.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.L().Warn("worker channel read error",
					zap.String("worker_id", c.workerID), zap.Error(err))
			}
			break
		}
	}
}

// writePump pushes frames from the hub to the worker connection.
// Each frame travels as its own text message so agents can decode
// them one at a time.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
