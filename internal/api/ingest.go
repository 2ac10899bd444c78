package api

import (
	"context"
	"encoding/json"
	"net/http"

	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/internal/models"
	"conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// ChannelKeyHeader carries the plain connector key of a keyed channel
const ChannelKeyHeader = "X-Channel-Key"

// Flow runs turns synchronously for direct HTTP calls
type Flow interface {
	HandleInbound(ctx context.Context, channelID string, payload json.RawMessage) (*models.Turn, error)
	HandleCallback(ctx context.Context, token string, callbackType bus.CallbackType, payload json.RawMessage) (*models.Turn, error)
}

// ChannelLookup finds the channel a message is posted to
type ChannelLookup interface {
	GetChannel(ctx context.Context, channelID string) (*models.Channel, error)
}

// TurnResponse is returned once a turn has been committed
type TurnResponse struct {
	TurnID    string `json:"turnId"`
	SessionID string `json:"sessionId"`
}

// IngestHandler exposes the dispatcher over HTTP
type IngestHandler struct {
	flow     Flow
	channels ChannelLookup
	log      *logger.Logger
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(flow Flow, channels ChannelLookup, log *logger.Logger) *IngestHandler {
	return &IngestHandler{flow: flow, channels: channels, log: log}
}

// RegisterRoutes mounts the ingest routes. Each route gets the auth chain
// built for its scope.
func (h *IngestHandler) RegisterRoutes(v1 *gin.RouterGroup, ingest, callbacks []gin.HandlerFunc) {
	v1.POST("/channels/:channelId/messages", append(ingest, h.PostMessage)...)
	v1.POST("/callbacks/:token", append(callbacks, h.PostCallback)...)
}

// PostMessage runs one inbound turn for a channel
func (h *IngestHandler) PostMessage(c *gin.Context) {
	channelID := c.Param("channelId")

	payload, err := c.GetRawData()
	if err != nil {
		c.Error(errors.NewValidationError("INVALID_BODY", "Request body could not be read"))
		return
	}

	channel, err := h.channels.GetChannel(c.Request.Context(), channelID)
	if err != nil {
		c.Error(err)
		return
	}
	if channel.RequiresKey() && !channel.VerifyKey(c.GetHeader(ChannelKeyHeader)) {
		c.Error(errors.NewUnauthorizedError("CHANNEL_KEY_INVALID", "Channel key is missing or wrong"))
		return
	}

	ctx := middleware.WithRequestContext(c.Request.Context(), c)
	turn, err := h.flow.HandleInbound(ctx, channelID, payload)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, TurnResponse{TurnID: turn.ID, SessionID: turn.SessionID})
}

// PostCallback resumes the session waiting on a correlation token. The body
// is the callback payload as the executor produced it.
func (h *IngestHandler) PostCallback(c *gin.Context) {
	callbackType, err := bus.ParseCallbackType(c.Query("callbackType"))
	if err != nil {
		c.Error(err)
		return
	}
	if callbackType == bus.CallbackChannel {
		c.Error(errors.NewValidationError("INVALID_CALLBACK_TYPE", "Channel receipts are accepted on the bus only"))
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		c.Error(errors.NewValidationError("INVALID_BODY", "Request body could not be read"))
		return
	}
	if len(payload) == 0 {
		payload = nil
	}

	ctx := middleware.WithRequestContext(c.Request.Context(), c)
	turn, err := h.flow.HandleCallback(ctx, c.Param("token"), callbackType, payload)
	if err != nil {
		if errors.IsNotFound(err) {
			logger.FromGin(c).Info("Callback for unknown or consumed token", "callback_type", string(callbackType))
		}
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, TurnResponse{TurnID: turn.ID, SessionID: turn.SessionID})
}
