package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// Client binds one WebSocket connection to one hub subscriber.
type Client struct {
	hub    *Hub
	sub    *Subscriber
	conn   *websocket.Conn
	logger *logger.Logger
}

// NewClient wraps a WebSocket connection around a hub subscriber.
func NewClient(hub *Hub, sub *Subscriber, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		hub:    hub,
		sub:    sub,
		conn:   conn,
		logger: log.WithFields(zap.String("subscriber_id", sub.ID)),
	}
}

// ReadPump drains the connection for control frames and detects disconnects.
// Clients never send data; a read error ends the subscription.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump forwards subscriber events to the connection. When the hub cuts
// the subscriber off for lagging, the final frame tells the client to
// re-fetch from history before reconnecting.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if c.sub.Lagged() {
					c.writeEvent(laggedEvent())
				}
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}

			// flush any queued events into the same websocket frame
			n := len(c.sub.Events())
			for i := 0; i < n; i++ {
				queued, ok := <-c.sub.Events()
				if !ok {
					return
				}
				if err := c.writeEvent(queued); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeEvent(ev interface{}) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("failed to encode stream event", zap.Error(err))
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}
