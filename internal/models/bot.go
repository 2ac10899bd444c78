package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Bot status values
const (
	BotStatusActive  = "active"
	BotStatusDeleted = "deleted"
)

// DefaultBotTimeoutSeconds is the session expiry used when a bot leaves it unset
const DefaultBotTimeoutSeconds = 24 * 60 * 60

// Bot is read-only to the orchestrator; the admin surface owns its lifecycle
type Bot struct {
	ID                 string         `json:"id" gorm:"primaryKey;size:36"`
	Name               string         `json:"name" gorm:"not null"`
	Machine            string         `json:"machine" gorm:"not null"`
	Status             string         `json:"status" gorm:"default:active"`
	Timeout            int            `json:"timeout" gorm:"default:86400"`
	ConfigEnv          map[string]any `json:"config_env" gorm:"serializer:json"`
	SupportedLanguages []string       `json:"supported_languages" gorm:"serializer:json"`
	Version            string         `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// TableName overrides the table name
func (Bot) TableName() string {
	return "jb_bot"
}

// SessionTimeout returns the idle window after which a session is superseded
func (b *Bot) SessionTimeout() time.Duration {
	if b.Timeout <= 0 {
		return DefaultBotTimeoutSeconds * time.Second
	}
	return time.Duration(b.Timeout) * time.Second
}

// IsDeleted reports whether the bot was retired by the admin surface
func (b *Bot) IsDeleted() bool {
	return b.Status == BotStatusDeleted
}

// Channel is a delivery surface bound to exactly one bot
type Channel struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	BotID     string    `json:"bot_id" gorm:"index;not null;size:36"`
	Status    string    `json:"status" gorm:"default:active"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Key       string    `json:"-"` // bcrypt hash of the connector key
	AppID     string    `json:"app_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Channel) TableName() string {
	return "jb_channel"
}

// HashChannelKey hashes a connector key for storage
func HashChannelKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// RequiresKey reports whether connectors must present a key for this channel
func (c *Channel) RequiresKey() bool {
	return c.Key != ""
}

// VerifyKey compares a presented connector key with the stored hash
func (c *Channel) VerifyKey(key string) bool {
	if c.Key == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(c.Key), []byte(key)) == nil
}
