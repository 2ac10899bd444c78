package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inboundTopic = "flow.channel.inbound"

func startHub(t *testing.T, receipts bool) (*Hub, *bus.MemoryBus, *httptest.Server) {
	t.Helper()
	b := bus.NewMemoryBus(1)
	hub := NewHub(b, inboundTopic, receipts, []string{"*"}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/channels/:channelId", hub.ServeWs)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = b.Close()
	})
	return hub, b, srv
}

func dial(t *testing.T, srv *httptest.Server, channelID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/channels/" + channelID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFramesArePublishedAsChannelInput(t *testing.T) {
	_, b, srv := startHub(t, false)
	conn := dial(t, srv, "C1")

	frame := `{"message_type":"text","text":{"body":"hello"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	require.Eventually(t, func() bool { return len(b.Published(inboundTopic)) == 1 }, time.Second, 10*time.Millisecond)
	env := b.Published(inboundTopic)[0]
	assert.Equal(t, bus.IntentChannelInput, env.Intent)
	assert.Equal(t, bus.SourceChannel, env.Source)
	assert.Equal(t, "C1", env.ChannelID)
	assert.JSONEq(t, frame, string(env.Message))
}

func TestInvalidFrameGetsErrorReply(t *testing.T) {
	_, b, srv := startHub(t, false)
	conn := dial(t, srv, "C1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, "error", f.Type)
	assert.Empty(t, b.Published(inboundTopic))
}

func TestDeliverReachesOnlyTheChannelAndSendsReceipt(t *testing.T) {
	hub, b, srv := startHub(t, true)
	c1 := dial(t, srv, "C1")
	dial(t, srv, "C2")
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 2 }, time.Second, 10*time.Millisecond)

	out := bus.Envelope{
		Source:    bus.SourceFlow,
		Intent:    bus.IntentChannelOutput,
		ChannelID: "C1",
		SessionID: "S1",
		TurnID:    "T1",
		Message:   json.RawMessage(`{"message_type":"text","text":{"body":"hi there"}}`),
	}
	require.NoError(t, hub.Deliver(context.Background(), out))

	_ = c1.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := c1.ReadMessage()
	require.NoError(t, err)
	got, err := bus.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TurnID)

	receipts := b.Published(inboundTopic)
	require.Len(t, receipts, 1)
	assert.Equal(t, bus.CallbackChannel, receipts[0].Callback.CallbackType)
	assert.Equal(t, "T1", receipts[0].Callback.Token)
	assert.Equal(t, "C1", receipts[0].ChannelID)
}

func TestDeliverWithoutSocketsIsNoop(t *testing.T) {
	hub, b, _ := startHub(t, true)
	out := bus.Envelope{Intent: bus.IntentChannelOutput, ChannelID: "C9", TurnID: "T1"}

	require.NoError(t, hub.Deliver(context.Background(), out))
	assert.Empty(t, b.Published(inboundTopic))
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, _, srv := startHub(t, false)
	conn := dial(t, srv, "C1")
	require.Eventually(t, func() bool { return hub.Connections("C1") == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Connections("C1") == 0 }, time.Second, 10*time.Millisecond)
}
