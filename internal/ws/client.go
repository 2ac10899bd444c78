package ws

import (
	"context"
	"encoding/json"
	"time"

	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/logger"

	"github.com/gorilla/websocket"
)

const publishTimeout = 5 * time.Second

// Client is one socket bound to a channel
type Client struct {
	ID        string
	ChannelID string
	Conn      *websocket.Conn
	Hub       *Hub

	send chan []byte
	log  *logger.Logger
}

// ReadPump publishes every frame as channel input until the socket closes
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Socket closed unexpectedly", "client_id", c.ID, "error", err.Error())
			}
			return
		}

		if err := c.publish(ctx, data); err != nil {
			c.log.LogError(err, "Failed to publish channel input", "client_id", c.ID)
			c.sendFrame(Frame{Type: "error", Message: errors.GetErrorMessage(err)})
		}
	}
}

func (c *Client) publish(ctx context.Context, data []byte) error {
	if !json.Valid(data) {
		return errors.NewValidationError("INVALID_FRAME", "frame is not valid JSON")
	}
	env, err := bus.NewChannelInput(c.ChannelID, json.RawMessage(data))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return c.Hub.bus.Publish(ctx, c.Hub.inboundTopic, env)
}

func (c *Client) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.Hub.sendTo(c, data)
}

// WritePump writes queued envelopes and keeps the socket alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Each queued envelope goes out as its own frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
