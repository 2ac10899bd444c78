package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"conversation-orchestrator/backend/internal/bots/retrievalqa"
	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/internal/correlation"
	"conversation-orchestrator/backend/internal/fsm"
	"conversation-orchestrator/backend/internal/models"
	"conversation-orchestrator/backend/internal/repository"
	"conversation-orchestrator/backend/pkg/config"
	apperrors "conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/resilience"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	d      *Dispatcher
	bus    bus.Bus
	mem    *bus.MemoryBus
	store  *repository.Store
	clock  *testClock
	topics config.Topics
	runs   *int
}

// echo replies "echo: <body>" and counts messages in the session variables
func echo(runs *int) fsm.Machine {
	return fsm.MachineFunc(func(in fsm.Input) (fsm.Output, error) {
		*runs++
		ev, ok := in.Event.(fsm.UserMessage)
		if !ok {
			return fsm.Output{}, fmt.Errorf("echo cannot handle %s", in.Event.EventType())
		}
		body := ev.Message.(fsm.TextMessage).Body
		msg, err := fsm.NewText("echo: " + body)
		if err != nil {
			return fsm.Output{}, err
		}
		send, err := fsm.NewSendMessage(msg)
		if err != nil {
			return fsm.Output{}, err
		}
		vars := in.Variables
		vars["count"] = count(vars["count"]) + 1
		return fsm.Output{Node: "echoed", Status: fsm.WaitForUserInput, Variables: vars, Actions: []fsm.Action{send}}, nil
	})
}

func count(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	machine string
	timeout int
	status  string
	wrap    func(*bus.MemoryBus) bus.Bus
}

func withMachine(name string) harnessOption {
	return func(c *harnessConfig) { c.machine = name }
}

func withBotStatus(status string) harnessOption {
	return func(c *harnessConfig) { c.status = status }
}

func withBus(wrap func(*bus.MemoryBus) bus.Bus) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{machine: "echo", timeout: 60, status: models.BotStatusActive}
	for _, opt := range opts {
		opt(&hc)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "flow.db")), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := repository.New(db)
	require.NoError(t, store.Migrate())
	require.NoError(t, db.Create(&models.Bot{
		ID:        "bot-1",
		Name:      "faq",
		Machine:   hc.machine,
		Status:    hc.status,
		Timeout:   hc.timeout,
		ConfigEnv: map[string]any{retrievalqa.ConfigCollection: "policies"},
	}).Error)
	require.NoError(t, db.Create(&models.Channel{ID: "C1", BotID: "bot-1", Name: "web"}).Error)

	runs := 0
	machines := fsm.NewRegistry()
	machines.MustRegister("echo", echo(&runs))
	require.NoError(t, retrievalqa.Register(machines))
	machines.MustRegister("broken", fsm.MachineFunc(func(fsm.Input) (fsm.Output, error) {
		_, err := fsm.NewRAGCall("   ", "", 0)
		return fsm.Output{}, err
	}))

	cfg := config.Load()
	cfg.Engine.BotCacheTTL = time.Minute

	mem := bus.NewMemoryBus(2)
	var b bus.Bus = mem
	if hc.wrap != nil {
		b = hc.wrap(mem)
	}

	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDispatcher(store, correlation.NewRegistry(db, cfg.Correlation.TokenTTL), machines, fsm.NewEngine(0), b, cfg, nil,
		WithClock(clock.Now),
		WithRetry(resilience.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxElapsedTime:  100 * time.Millisecond,
			MaxRetries:      2,
		}),
	)
	t.Cleanup(d.Close)

	return &harness{d: d, bus: b, mem: mem, store: store, clock: clock, topics: cfg.Bus.Topics, runs: &runs}
}

func textPayload(t *testing.T, body string) json.RawMessage {
	t.Helper()
	msg, err := fsm.NewText(body)
	require.NoError(t, err)
	raw, err := fsm.EncodeMessage(msg)
	require.NoError(t, err)
	return raw
}

func (h *harness) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) tokenCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.store.DB().Model(&models.CorrelationToken{}).Count(&n).Error)
	return n
}

func TestFirstMessageOpensSessionAndReplies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "hi"))
	require.NoError(t, err)

	session := h.session(t, turn.SessionID)
	assert.Equal(t, int64(1), session.Generation)
	assert.Equal(t, "echoed", session.Node)
	assert.Equal(t, "WAIT_FOR_USER_INPUT", session.Status)

	out := h.mem.Published(h.topics.ChannelOutbound)
	require.Len(t, out, 1)
	assert.Equal(t, bus.IntentChannelOutput, out[0].Intent)
	assert.Equal(t, "C1", out[0].ChannelID)
	assert.Equal(t, turn.ID, out[0].TurnID)

	msgs, err := h.store.ListMessages(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUserSent)
	assert.False(t, msgs[1].IsUserSent)
	assert.JSONEq(t, `{"message_type":"text","text":{"body":"echo: hi"}}`, msgs[1].Message)
}

func TestSessionContinuity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "one"))
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	second, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "two"))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, count(h.session(t, second.SessionID).Variables["count"]))

	h.clock.Advance(61 * time.Second)
	third, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "three"))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, third.SessionID)

	fresh := h.session(t, third.SessionID)
	assert.Equal(t, int64(2), fresh.Generation)
	assert.Equal(t, 1, count(fresh.Variables["count"]))
}

func TestInvalidMessagePublishesFlowError(t *testing.T) {
	h := newHarness(t)

	_, err := h.d.HandleInbound(context.Background(), "C1", json.RawMessage(`{"message_type":"text","text":{"body":"  "}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, *h.runs)

	out := h.mem.Published(h.topics.ChannelOutbound)
	require.Len(t, out, 1)
	assert.Equal(t, bus.IntentFlowError, out[0].Intent)
	assert.Equal(t, "INVALID_MESSAGE", out[0].Error.Code)
	assert.NotEmpty(t, out[0].Message)

	var turns int64
	require.NoError(t, h.store.DB().Model(&models.Turn{}).Count(&turns).Error)
	assert.Zero(t, turns)
}

func TestInvalidActionAbortsTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine("broken"))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "anything"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	session := h.session(t, turn.SessionID)
	assert.Equal(t, "", session.Status)
	assert.Zero(t, h.tokenCount(t))

	out := h.mem.Published(h.topics.ChannelOutbound)
	require.Len(t, out, 1)
	assert.Equal(t, bus.IntentFlowError, out[0].Intent)
	assert.Equal(t, turn.SessionID, out[0].SessionID)
}

func TestRetrievalRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), h.tokenCount(t))
	assert.Equal(t, "WAIT_FOR_CALLBACK", h.session(t, turn.SessionID).Status)

	requests := h.mem.Published(h.topics.RAGRequest)
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, bus.IntentRAGRequest, req.Intent)
	assert.Equal(t, "find refund policy", req.RAG.Query)
	assert.Equal(t, "policies", req.RAG.CollectionName)
	assert.Equal(t, fsm.DefaultTopK, req.RAG.TopK)
	assert.True(t, correlation.ValidFormat(req.RAG.Token))
	assert.Empty(t, h.mem.Published(h.topics.ChannelOutbound))

	chunks := json.RawMessage(`[{"chunk":"Refunds within 30 days.","metadata":{"doc":"policy.pdf"}}]`)
	callbackTurn, err := h.d.HandleCallback(ctx, req.RAG.Token, bus.CallbackRAG, chunks)
	require.NoError(t, err)
	assert.Equal(t, models.TurnTypeRAGCallback, callbackTurn.TurnType)
	assert.Equal(t, turn.SessionID, callbackTurn.SessionID)

	assert.Equal(t, "WAIT_FOR_USER_INPUT", h.session(t, turn.SessionID).Status)
	out := h.mem.Published(h.topics.ChannelOutbound)
	require.Len(t, out, 2)

	msgs, err := h.store.ListMessages(ctx, callbackTurn.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Message, "Refunds within 30 days.")

	var row models.CorrelationToken
	require.NoError(t, h.store.DB().Where("id = ?", req.RAG.Token).Take(&row).Error)
	assert.True(t, row.Retired())
}

func TestReplayedCallbackDoesNotRerunMachine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	_, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[]`))
	require.NoError(t, err)
	published := len(h.mem.Published(h.topics.ChannelOutbound))

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[]`))
	assert.True(t, apperrors.IsNotFound(err))
	assert.Len(t, h.mem.Published(h.topics.ChannelOutbound), published)

	var turns int64
	require.NoError(t, h.store.DB().Model(&models.Turn{}).Where("turn_type = ?", models.TurnTypeRAGCallback).Count(&turns).Error)
	assert.Equal(t, int64(1), turns)
}

func TestConcurrentDuplicateCallbacksApplyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	_, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[{"chunk":"a"}]`))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperrors.IsNotFound(err), err)
	}
	assert.Equal(t, 1, ok)
}

func TestUserInputWhileWaitingKeepsToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	h.clock.Advance(time.Second)
	_, err = h.d.HandleInbound(ctx, "C1", textPayload(t, "hello?"))
	require.NoError(t, err)
	assert.Equal(t, "WAIT_FOR_CALLBACK", h.session(t, turn.SessionID).Status)
	assert.Len(t, h.mem.Published(h.topics.RAGRequest), 1)

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[{"chunk":"a"}]`))
	require.NoError(t, err)
	assert.Equal(t, "WAIT_FOR_USER_INPUT", h.session(t, turn.SessionID).Status)
}

func TestPluginRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	_, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "/weather pune"))
	require.NoError(t, err)

	requests := h.mem.Published(h.topics.PluginRequest)
	require.Len(t, requests, 1)
	token := requests[0].Plugin.Token
	assert.Equal(t, "weather", requests[0].Plugin.Plugin)

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[]`))
	assert.Equal(t, "CALLBACK_KIND_MISMATCH", apperrors.GetErrorCode(err))

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackPlugin, json.RawMessage(`{"reply":"31C"}`))
	require.NoError(t, err)
	out := h.mem.Published(h.topics.ChannelOutbound)
	require.NotEmpty(t, out)
	assert.Contains(t, string(out[0].Message), "31C")
}

func TestHandleEnvelopeRouting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	in, err := bus.NewChannelInput("C1", textPayload(t, "hi"))
	require.NoError(t, err)
	require.NoError(t, h.d.HandleEnvelope(ctx, in))
	assert.Equal(t, 1, *h.runs)

	receipt, err := bus.NewCallback(in, bus.SourceChannel, bus.CallbackChannel, "msg-42", nil)
	require.NoError(t, err)
	require.NoError(t, h.d.HandleEnvelope(ctx, receipt))

	unknown, err := bus.NewCallback(bus.Envelope{}, bus.SourceRetriever, bus.CallbackRAG, "jbkeyAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAjbkey", nil)
	require.NoError(t, err)
	assert.NoError(t, h.d.HandleEnvelope(ctx, unknown))

	err = h.d.HandleEnvelope(ctx, bus.Envelope{Intent: bus.IntentChannelOutput})
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 1, *h.runs)
}

func TestMalformedTokenIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.HandleCallback(context.Background(), "not-a-token", bus.CallbackPlugin, nil)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUnknownChannelAndDeletedBot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.d.HandleInbound(ctx, "C404", textPayload(t, "hi"))
	assert.True(t, apperrors.IsNotFound(err))

	deleted := newHarness(t, withBotStatus(models.BotStatusDeleted))
	_, err = deleted.d.HandleInbound(ctx, "C1", textPayload(t, "hi"))
	assert.True(t, apperrors.IsNotFound(err))
	assert.Zero(t, *deleted.runs)
}

func TestConcurrentInboundSharesOneSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var wg sync.WaitGroup
	ids := make([]string, 6)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, fmt.Sprintf("m%d", i)))
			if assert.NoError(t, err) {
				ids[i] = turn.SessionID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, len(ids), count(h.session(t, ids[0]).Variables["count"]))
	assert.Zero(t, h.d.locks.size())
}

type failingBus struct {
	*bus.MemoryBus
	topic string
}

func (f *failingBus) Publish(ctx context.Context, topic string, env bus.Envelope) error {
	if topic == f.topic {
		return errors.New("broker unreachable")
	}
	return f.MemoryBus.Publish(ctx, topic, env)
}

func TestPublishFailureAfterCommit(t *testing.T) {
	ctx := context.Background()
	var outbound string
	h := newHarness(t, withBus(func(m *bus.MemoryBus) bus.Bus {
		outbound = config.Load().Bus.Topics.ChannelOutbound
		return &failingBus{MemoryBus: m, topic: outbound}
	}))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "hi"))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, "PUBLISH_FAILED", apperrors.GetErrorCode(err))

	// The turn is durable even though delivery failed.
	require.NotNil(t, turn)
	assert.Equal(t, "echoed", h.session(t, turn.SessionID).Node)
	assert.Empty(t, h.mem.Published(outbound))
}

func (h *harness) token(t *testing.T, id string) *models.CorrelationToken {
	t.Helper()
	var row models.CorrelationToken
	require.NoError(t, h.store.DB().Where("id = ?", id).Take(&row).Error)
	return &row
}

func (h *harness) callbackTurns(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.store.DB().Model(&models.Turn{}).Where("turn_type <> ?", models.TurnTypeChannelMessage).Count(&n).Error)
	return n
}

func TestCallbackForSupersededSessionIsAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	first, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token
	before := h.session(t, first.SessionID)

	h.clock.Advance(61 * time.Second)
	second, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "shipping times"))
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[{"chunk":"stale answer"}]`))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, "TOKEN_ABANDONED", apperrors.GetErrorCode(err))

	assert.Empty(t, h.mem.Published(h.topics.ChannelOutbound))
	assert.Zero(t, h.callbackTurns(t))
	assert.True(t, h.token(t, token).Retired())

	after := h.session(t, first.SessionID)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	var sessions []models.Session
	require.NoError(t, h.store.DB().Where("channel_id = ?", "C1").Find(&sessions).Error)
	active := 0
	for i := range sessions {
		if sessions[i].ActiveAt(h.clock.Now(), 60*time.Second) {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestCallbackForExpiredSessionIsAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	h.clock.Advance(61 * time.Second)
	cb, err := bus.NewCallback(h.mem.Published(h.topics.RAGRequest)[0], bus.SourceRetriever, bus.CallbackRAG, token, json.RawMessage(`[{"chunk":"late"}]`))
	require.NoError(t, err)
	require.NoError(t, h.d.HandleEnvelope(ctx, cb))

	assert.Equal(t, "WAIT_FOR_CALLBACK", h.session(t, turn.SessionID).Status)
	assert.Empty(t, h.mem.Published(h.topics.ChannelOutbound))
	assert.Zero(t, h.callbackTurns(t))
	assert.True(t, h.token(t, token).Retired())
}

func TestResetWhileWaitingRetiresOutstandingToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	reset, err := fsm.NewDialog(fsm.DialogConversationReset, "")
	require.NoError(t, err)
	raw, err := fsm.EncodeMessage(reset)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	_, err = h.d.HandleInbound(ctx, "C1", raw)
	require.NoError(t, err)
	assert.Equal(t, "END", h.session(t, turn.SessionID).Status)
	assert.True(t, h.token(t, token).Retired())

	for i := 0; i < 2; i++ {
		_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[{"chunk":"a"}]`))
		assert.True(t, apperrors.IsNotFound(err))
	}
	assert.Zero(t, h.callbackTurns(t))
	assert.Equal(t, "END", h.session(t, turn.SessionID).Status)
}

func TestCallbackNotAwaitedIsAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	token := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	require.NoError(t, h.store.DB().Model(&models.Session{}).
		Where("id = ?", turn.SessionID).Update("status", "WAIT_FOR_USER_INPUT").Error)

	_, err = h.d.HandleCallback(ctx, token, bus.CallbackRAG, json.RawMessage(`[]`))
	assert.Equal(t, "TOKEN_ABANDONED", apperrors.GetErrorCode(err))
	assert.True(t, h.token(t, token).Retired())
	assert.Empty(t, h.mem.Published(h.topics.ChannelOutbound))
}

func TestConcurrentWriterForcesRerun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	runs := 0
	h.d.machines.MustRegister("contended", fsm.MachineFunc(func(in fsm.Input) (fsm.Output, error) {
		runs++
		if runs == 1 {
			// Another process commits a turn for the same session meanwhile.
			require.NoError(t, h.store.DB().Model(&models.Session{}).Where("channel_id = ?", "C1").
				Updates(map[string]any{"node": "elsewhere", "version": gorm.Expr("version + 1")}).Error)
		}
		vars := in.Variables
		vars["seen"] = in.Node
		msg, err := fsm.NewText("ok")
		if err != nil {
			return fsm.Output{}, err
		}
		send, err := fsm.NewSendMessage(msg)
		if err != nil {
			return fsm.Output{}, err
		}
		return fsm.Output{Node: "done", Status: fsm.WaitForUserInput, Variables: vars, Actions: []fsm.Action{send}}, nil
	}))
	require.NoError(t, h.store.DB().Model(&models.Bot{}).Where("id = ?", "bot-1").Update("machine", "contended").Error)

	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, runs)

	session := h.session(t, turn.SessionID)
	assert.Equal(t, "elsewhere", session.Variables["seen"])
	assert.Equal(t, "done", session.Node)
	assert.Equal(t, int64(2), session.Version)
	assert.Len(t, h.mem.Published(h.topics.ChannelOutbound), 1)
}

func stateOf(t *testing.T, s *models.Session) fsm.State {
	t.Helper()
	status, err := fsm.ParseStatus(s.Status)
	require.NoError(t, err)
	return fsm.State{Node: s.Node, Status: status, Variables: fsm.Variables(s.Variables)}
}

func TestCommittedTurnsReplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withMachine(retrievalqa.Name))
	machine, err := h.d.machines.Lookup(retrievalqa.Name)
	require.NoError(t, err)
	bot, err := h.store.GetBotByID(ctx, "bot-1")
	require.NoError(t, err)

	var sessionID string
	before := func() fsm.State {
		if sessionID == "" {
			return fsm.State{}
		}
		return stateOf(t, h.session(t, sessionID))
	}
	replay := func(pre fsm.State, turn *models.Turn) {
		t.Helper()
		sessionID = turn.SessionID

		event, err := fsm.DecodeEvent([]byte(turn.Event))
		require.NoError(t, err)
		res, err := fsm.NewEngine(0).Run(machine, pre, event, bot.ConfigEnv)
		require.NoError(t, err)

		after := h.session(t, turn.SessionID)
		assert.Equal(t, after.Node, res.State.Node)
		assert.Equal(t, after.Status, res.State.Status.String())
		want, err := json.Marshal(after.Variables)
		require.NoError(t, err)
		got, err := json.Marshal(res.State.Variables)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(got))

		msgs, err := h.store.ListMessages(ctx, turn.ID)
		require.NoError(t, err)
		sent := 0
		for _, m := range msgs {
			if !m.IsUserSent {
				sent++
			}
		}
		replies := 0
		for _, a := range res.Actions {
			if _, ok := a.(fsm.SendMessage); ok {
				replies++
			}
		}
		assert.Equal(t, sent, replies)
	}

	pre := before()
	turn, err := h.d.HandleInbound(ctx, "C1", textPayload(t, "find refund policy"))
	require.NoError(t, err)
	replay(pre, turn)
	ragToken := h.mem.Published(h.topics.RAGRequest)[0].RAG.Token

	h.clock.Advance(time.Second)
	pre = before()
	turn, err = h.d.HandleInbound(ctx, "C1", textPayload(t, "hello?"))
	require.NoError(t, err)
	replay(pre, turn)

	pre = before()
	turn, err = h.d.HandleCallback(ctx, ragToken, bus.CallbackRAG, json.RawMessage(`[{"chunk":"Refunds within 30 days.","metadata":{"doc":"policy.pdf"}}]`))
	require.NoError(t, err)
	replay(pre, turn)

	pre = before()
	turn, err = h.d.HandleInbound(ctx, "C1", textPayload(t, "/weather pune"))
	require.NoError(t, err)
	replay(pre, turn)
	pluginToken := h.mem.Published(h.topics.PluginRequest)[0].Plugin.Token

	pre = before()
	turn, err = h.d.HandleCallback(ctx, pluginToken, bus.CallbackPlugin, json.RawMessage(`{"reply":"31C and sunny"}`))
	require.NoError(t, err)
	replay(pre, turn)
}
