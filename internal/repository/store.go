package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"conversation-orchestrator/backend/internal/models"
	apperrors "conversation-orchestrator/backend/pkg/errors"
)

// maxResolveAttempts bounds retries after losing the session-creation race
const maxResolveAttempts = 3

// Store persists sessions, turns and messages and reads bots and channels
type Store struct {
	db *gorm.DB
}

// New creates a store over db
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that open their own transaction
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithTx returns a store bound to tx
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Migrate creates or updates the orchestrator tables
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Transaction runs fn inside a database transaction
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// Ping checks that the database answers
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storeError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

func storeError(op string, err error) error {
	return apperrors.NewTransientError("STORE_UNAVAILABLE", fmt.Sprintf("store %s failed", op), err)
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// GetBotByID loads a bot
func (s *Store) GetBotByID(ctx context.Context, botID string) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.WithContext(ctx).Where("id = ?", botID).Take(&bot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundWithDetails("BOT_NOT_FOUND", "bot not found", map[string]string{"bot_id": botID})
		}
		return nil, storeError("get bot", err)
	}
	return &bot, nil
}

// GetChannel loads a channel
func (s *Store) GetChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var channel models.Channel
	if err := s.db.WithContext(ctx).Where("id = ?", channelID).Take(&channel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundWithDetails("CHANNEL_NOT_FOUND", "channel not found", map[string]string{"channel_id": channelID})
		}
		return nil, storeError("get channel", err)
	}
	return &channel, nil
}

// GetSession loads a session by id
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundWithDetails("SESSION_NOT_FOUND", "session not found", map[string]string{"session_id": sessionID})
		}
		return nil, storeError("get session", err)
	}
	return &session, nil
}

// GetSessionWithBot loads a session together with the bot that owns it
func (s *Store) GetSessionWithBot(ctx context.Context, sessionID string) (*models.SessionWithBot, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	bot, err := s.GetBotByID(ctx, session.BotID)
	if err != nil {
		return nil, err
	}
	return &models.SessionWithBot{Session: *session, Bot: *bot}, nil
}

// LatestSession returns the newest session for a channel
func (s *Store) LatestSession(ctx context.Context, channelID string) (*models.Session, error) {
	var session models.Session
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("generation DESC").
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundWithDetails("SESSION_NOT_FOUND", "no session for channel", map[string]string{"channel_id": channelID})
		}
		return nil, storeError("latest session", err)
	}
	return &session, nil
}

// ResolveSession reuses the newest session of the channel while it is inside
// the bot timeout and otherwise opens the next generation. Losing the insert
// race to another worker re-reads and reuses the winner's session.
func (s *Store) ResolveSession(ctx context.Context, channel *models.Channel, bot *models.Bot, now time.Time) (*models.Session, bool, error) {
	timeout := bot.SessionTimeout()

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		var generation int64 = 1

		latest, err := s.LatestSession(ctx, channel.ID)
		switch {
		case err == nil:
			if latest.ActiveAt(now, timeout) {
				return latest, false, nil
			}
			generation = latest.Generation + 1
		case !apperrors.IsNotFound(err):
			return nil, false, err
		}

		session := &models.Session{
			ID:         uuid.NewString(),
			BotID:      bot.ID,
			ChannelID:  channel.ID,
			Generation: generation,
			Variables:  map[string]any{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		err = s.db.WithContext(ctx).Create(session).Error
		if err == nil {
			return session, true, nil
		}
		if !isDuplicate(err) {
			return nil, false, storeError("create session", err)
		}
	}

	return nil, false, apperrors.NewConflictError("SESSION_RACE", "could not settle the active session for channel "+channel.ID)
}

// UpdateSessionState writes the machine's state after a turn. version is the
// session version the turn read; if another writer got there first the update
// is refused with a conflict and the caller re-runs the turn.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID string, version int64, node, status string, variables map[string]any, now time.Time) error {
	if variables == nil {
		variables = map[string]any{}
	}
	res := s.db.WithContext(ctx).
		Model(&models.Session{ID: sessionID}).
		Where("version = ?", version).
		Select("variables", "node", "status", "version", "updated_at").
		Updates(&models.Session{Variables: variables, Node: node, Status: status, Version: version + 1, UpdatedAt: now})
	if res.Error != nil {
		return storeError("update session", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return apperrors.NewConflictError("SESSION_STALE", "session changed since the turn read it").
		WithDetails(map[string]string{"session_id": sessionID})
}

// CreateTurn appends a turn
func (s *Store) CreateTurn(ctx context.Context, turn *models.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return storeError("create turn", err)
	}
	return nil
}

// CreateMessages appends messages in slice order
func (s *Store) CreateMessages(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for i := range messages {
		if messages[i].ID == "" {
			messages[i].ID = uuid.NewString()
		}
	}
	if err := s.db.WithContext(ctx).Create(&messages).Error; err != nil {
		return storeError("create messages", err)
	}
	return nil
}

// ListTurns returns a session's turns, oldest first
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	var turns []models.Turn
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at ASC").Find(&turns).Error; err != nil {
		return nil, storeError("list turns", err)
	}
	return turns, nil
}

// ListMessages returns a turn's messages in creation order
func (s *Store) ListMessages(ctx context.Context, turnID string) ([]models.Message, error) {
	var messages []models.Message
	if err := s.db.WithContext(ctx).Where("turn_id = ?", turnID).Order("created_at ASC, seq ASC").Find(&messages).Error; err != nil {
		return nil, storeError("list messages", err)
	}
	return messages, nil
}
