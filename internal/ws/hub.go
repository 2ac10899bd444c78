// Package ws is a development channel connector: browsers connect per
// channel, their frames are published as channel input and channel output
// envelopes are pushed back to every socket of the channel.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	sendBuffer = 64
)

// Publisher is the part of the bus the connector writes to
type Publisher interface {
	Publish(ctx context.Context, topic string, env bus.Envelope) error
}

// Frame is what the connector writes to sockets for anything that is not an
// envelope
type Frame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Hub tracks the sockets connected to each channel
type Hub struct {
	bus          Publisher
	inboundTopic string
	receipts     bool
	upgrader     websocket.Upgrader
	log          *logger.Logger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
}

// NewHub creates a hub that publishes channel input to inboundTopic. With
// receipts enabled each delivered output is acknowledged with a CHANNEL
// callback on the same topic.
func NewHub(b Publisher, inboundTopic string, receipts bool, allowedOrigins []string, log *logger.Logger) *Hub {
	return &Hub{
		bus:          b,
		inboundTopic: inboundTopic,
		receipts:     receipts,
		upgrader: websocket.Upgrader{
			CheckOrigin:      originChecker(allowedOrigins),
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		channels:   make(map[string]map[*Client]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Run registers and unregisters clients until ctx is done, then closes
// every remaining socket
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.channels {
				for client := range clients {
					close(client.send)
				}
			}
			h.channels = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			clients, ok := h.channels[client.ChannelID]
			if !ok {
				clients = make(map[*Client]struct{})
				h.channels[client.ChannelID] = clients
			}
			clients[client] = struct{}{}
			h.mu.Unlock()
			h.log.Info("Client registered", "client_id", client.ID, "channel_id", client.ChannelID)

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.channels[client.ChannelID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.channels, client.ChannelID)
	}
	h.log.Info("Client unregistered", "client_id", client.ID, "channel_id", client.ChannelID)
}

// Connections returns the number of sockets open for a channel
func (h *Hub) Connections(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// ActiveConnections returns the number of open sockets across channels
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.channels {
		n += len(clients)
	}
	return n
}

// Deliver pushes an outbound envelope to the sockets of its channel. It is
// the bus handler for the channel outbound topic.
func (h *Hub) Deliver(ctx context.Context, env bus.Envelope) error {
	if env.ChannelID == "" {
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	delivered := 0
	h.mu.RLock()
	for client := range h.channels[env.ChannelID] {
		if h.trySend(client, data) {
			delivered++
			continue
		}
		h.log.Warn("Client send buffer full, dropping envelope",
			"client_id", client.ID,
			"channel_id", env.ChannelID,
			"intent", string(env.Intent),
		)
	}
	h.mu.RUnlock()

	if delivered == 0 || !h.receipts || env.Intent != bus.IntentChannelOutput || env.TurnID == "" {
		return nil
	}
	return h.publishReceipt(ctx, env)
}

// trySend queues data without blocking. Callers hold h.mu.
func (h *Hub) trySend(client *Client, data []byte) bool {
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// sendTo queues data for a client that is still registered
func (h *Hub) sendTo(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.channels[client.ChannelID][client]; !ok {
		return false
	}
	return h.trySend(client, data)
}

func (h *Hub) publishReceipt(ctx context.Context, delivered bus.Envelope) error {
	receipt, err := bus.NewCallback(delivered, bus.SourceChannel, bus.CallbackChannel, delivered.TurnID, nil)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, h.inboundTopic, receipt)
}

// ServeWs upgrades GET /ws/channels/:channelId
func (h *Hub) ServeWs(c *gin.Context) {
	channelID := c.Param("channelId")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channelId is required"})
		return
	}

	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Error upgrading connection", "error", err.Error(), "channel_id", channelID)
		return
	}

	client := &Client{
		ID:        clientID,
		ChannelID: channelID,
		Conn:      conn,
		Hub:       h,
		send:      make(chan []byte, sendBuffer),
		log:       h.log.WithChannelID(channelID),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump(context.WithoutCancel(c.Request.Context()))
}
