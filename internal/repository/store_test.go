package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"conversation-orchestrator/backend/internal/models"
	apperrors "conversation-orchestrator/backend/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "store.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := New(db)
	require.NoError(t, store.Migrate())
	return store
}

func seed(t *testing.T, s *Store, timeout int) (*models.Bot, *models.Channel) {
	t.Helper()
	bot := &models.Bot{ID: "bot-1", Name: "faq", Machine: "retrievalqa", Status: models.BotStatusActive, Timeout: timeout}
	channel := &models.Channel{ID: "C1", BotID: bot.ID, Name: "web"}
	require.NoError(t, s.DB().Create(bot).Error)
	require.NoError(t, s.DB().Create(channel).Error)
	return bot, channel
}

func TestGetBotAndChannel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, 60)

	bot, err := s.GetBotByID(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, bot.SessionTimeout())

	_, err = s.GetBotByID(ctx, "nope")
	assert.True(t, apperrors.IsNotFound(err))

	ch, err := s.GetChannel(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", ch.BotID)

	_, err = s.GetChannel(ctx, "C404")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResolveSessionContinuity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot, channel := seed(t, s, 60)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s1, created, err := s.ResolveSession(ctx, channel, bot, t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), s1.Generation)
	assert.Empty(t, s1.Variables)

	require.NoError(t, s.UpdateSessionState(ctx, s1.ID, s1.Version, "menu", "WAIT_FOR_USER_INPUT", map[string]any{"name": "ana"}, t0))

	again, created, err := s.ResolveSession(ctx, channel, bot, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.ID, again.ID)
	assert.Equal(t, "ana", again.Variables["name"])
	assert.Equal(t, "menu", again.Node)

	s2, created, err := s.ResolveSession(ctx, channel, bot, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, int64(2), s2.Generation)
	assert.Empty(t, s2.Variables)
}

func TestResolveSessionBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot, channel := seed(t, s, 60)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s1, _, err := s.ResolveSession(ctx, channel, bot, t0)
	require.NoError(t, err)

	s2, created, err := s.ResolveSession(ctx, channel, bot, t0.Add(60*time.Second))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s1.ID, s2.ID)
}

func TestResolveSessionRaceOpensOneSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot, channel := seed(t, s, 60)
	now := time.Now().UTC()

	const workers = 8
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, _, err := s.ResolveSession(ctx, channel, bot, now)
			if assert.NoError(t, err) {
				ids <- session.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	var count int64
	require.NoError(t, s.DB().Model(&models.Session{}).Where("channel_id = ?", channel.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDuplicateGenerationIsRejected(t *testing.T) {
	s := newTestStore(t)
	_, channel := seed(t, s, 60)

	first := &models.Session{ID: "a", BotID: "bot-1", ChannelID: channel.ID, Generation: 1, UpdatedAt: time.Now()}
	second := &models.Session{ID: "b", BotID: "bot-1", ChannelID: channel.ID, Generation: 1, UpdatedAt: time.Now()}
	require.NoError(t, s.DB().Create(first).Error)

	err := s.DB().Create(second).Error
	require.Error(t, err)
	assert.True(t, isDuplicate(err))
}

func TestTurnsAndMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot, channel := seed(t, s, 60)

	session, _, err := s.ResolveSession(ctx, channel, bot, time.Now())
	require.NoError(t, err)

	turn := &models.Turn{SessionID: session.ID, BotID: bot.ID, ChannelID: channel.ID, TurnType: models.TurnTypeChannelMessage}
	require.NoError(t, s.CreateTurn(ctx, turn))
	assert.NotEmpty(t, turn.ID)

	now := time.Now()
	msgs := []models.Message{
		{TurnID: turn.ID, MessageType: "text", Message: `{"body":"hi"}`, IsUserSent: true, Seq: 0, CreatedAt: now},
		{TurnID: turn.ID, MessageType: "text", Message: `{"body":"hello"}`, Seq: 1, CreatedAt: now},
	}
	require.NoError(t, s.CreateMessages(ctx, msgs))

	got, err := s.ListMessages(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsUserSent)
	assert.False(t, got[1].IsUserSent)

	turns, err := s.ListTurns(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestGetSessionWithBot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot, channel := seed(t, s, 60)

	session, _, err := s.ResolveSession(ctx, channel, bot, time.Now())
	require.NoError(t, err)

	swb, err := s.GetSessionWithBot(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, swb.Session.ID)
	assert.Equal(t, "retrievalqa", swb.Bot.Machine)

	_, err = s.GetSessionWithBot(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	err = s.UpdateSessionState(ctx, "missing", 0, "", "", nil, time.Now())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateSessionStateRefusesStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	bot, channel := seed(t, s, 60)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	session, _, err := s.ResolveSession(ctx, channel, bot, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), session.Version)

	require.NoError(t, s.UpdateSessionState(ctx, session.ID, 0, "a", "WAIT_FOR_USER_INPUT", map[string]any{"n": 1}, now))

	err = s.UpdateSessionState(ctx, session.ID, 0, "b", "WAIT_FOR_USER_INPUT", map[string]any{"n": 2}, now)
	assert.True(t, apperrors.IsConflict(err))
	assert.Equal(t, "SESSION_STALE", apperrors.GetErrorCode(err))

	stored, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Node)
	assert.Equal(t, int64(1), stored.Version)
}
