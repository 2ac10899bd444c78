package di

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"conversation-orchestrator/backend/internal/bots/retrievalqa"
	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/internal/fsm"
	"conversation-orchestrator/backend/internal/models"
	"conversation-orchestrator/backend/pkg/config"
	"conversation-orchestrator/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerRunsRetrievalConversation(t *testing.T) {
	cfg := config.Load()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "flow.db")
	cfg.Bus.Partitions = 2
	cfg.Bus.ConsumeTimeout = 20 * time.Millisecond
	cfg.Correlation.SweepInterval = 0
	topics := cfg.Bus.Topics

	db, err := config.NewDB(cfg)
	require.NoError(t, err)

	b := bus.NewMemoryBus(cfg.Bus.Partitions)
	c, err := New(db, cfg, logger.Discard(), WithBus(b))
	require.NoError(t, err)

	require.NoError(t, db.Create(&models.Bot{
		ID:        "bot-1",
		Name:      "policies",
		Machine:   retrievalqa.Name,
		Status:    models.BotStatusActive,
		Timeout:   3600,
		ConfigEnv: map[string]any{retrievalqa.ConfigCollection: "docs"},
	}).Error)
	require.NoError(t, db.Create(&models.Channel{ID: "C1", BotID: "bot-1"}).Error)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, c.Stop(stopCtx))
	})

	question, err := fsm.NewText("find refund policy")
	require.NoError(t, err)
	raw, err := fsm.EncodeMessage(question)
	require.NoError(t, err)
	in, err := bus.NewChannelInput("C1", raw)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, topics.ChannelInbound, in))

	require.Eventually(t, func() bool { return len(b.Published(topics.RAGRequest)) == 1 }, 5*time.Second, 10*time.Millisecond)
	rag := b.Published(topics.RAGRequest)[0]
	assert.Equal(t, "docs", rag.RAG.CollectionName)

	answer, err := bus.NewCallback(rag, bus.SourceRetriever, bus.CallbackRAG, rag.RAG.Token, []byte(`[{"chunk":"Refunds within 30 days."}]`))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, topics.RAGCallback, answer))

	require.Eventually(t, func() bool { return len(b.Published(topics.ChannelOutbound)) == 2 }, 5*time.Second, 10*time.Millisecond)
	out := b.Published(topics.ChannelOutbound)
	assert.Equal(t, bus.IntentChannelOutput, out[0].Intent)
	assert.Equal(t, "C1", out[0].ChannelID)

	c.Health.RunChecks(ctx)
	assert.True(t, c.Health.IsSystemHealthy())
}
