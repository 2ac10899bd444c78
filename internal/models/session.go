package models

import (
	"time"
)

// Turn types
const (
	TurnTypeChannelMessage = "channel_message"
	TurnTypeRAGCallback    = "rag_callback"
	TurnTypePluginCallback = "plugin_callback"
)

// Session is one conversation between a channel and a bot. Generation is
// monotonic per channel and unique together with ChannelID, which is what
// stops two workers from opening parallel sessions for the same channel.
// Version increments on every state write; a writer holding an older version
// loses.
type Session struct {
	ID         string         `json:"id" gorm:"primaryKey;size:36"`
	BotID      string         `json:"bot_id" gorm:"index;not null;size:36"`
	ChannelID  string         `json:"channel_id" gorm:"not null;size:36;uniqueIndex:idx_session_channel_generation,priority:1"`
	Generation int64          `json:"generation" gorm:"not null;uniqueIndex:idx_session_channel_generation,priority:2"`
	Variables  map[string]any `json:"variables" gorm:"serializer:json"`
	Node       string         `json:"node"`
	Status     string         `json:"status"`
	Version    int64          `json:"version" gorm:"not null;default:0"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" gorm:"autoUpdateTime:false"`
}

// TableName overrides the table name
func (Session) TableName() string {
	return "jb_session"
}

// ActiveAt reports whether the session is still inside the bot's timeout
func (s *Session) ActiveAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.UpdatedAt) < timeout
}

// SessionWithBot is the read model returned when resuming a session from a callback
type SessionWithBot struct {
	Session Session
	Bot     Bot
}

// Turn is one inbound or callback processing unit. Append-only.
type Turn struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	SessionID string    `json:"session_id" gorm:"index;not null;size:36"`
	BotID     string    `json:"bot_id" gorm:"size:36"`
	ChannelID string    `json:"channel_id" gorm:"size:36"`
	TurnType  string    `json:"turn_type" gorm:"not null"`
	Event     string    `json:"event" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Turn) TableName() string {
	return "jb_turn"
}
