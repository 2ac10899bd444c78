package models

import (
	"time"
)

// Correlation token kinds
const (
	CorrelationKindRAG    = "rag"
	CorrelationKindPlugin = "plugin"
)

// CorrelationToken binds an outstanding external call to the turn that issued it.
// Rows are retired, not deleted, so a replayed callback can be told apart from
// an unknown one in the audit trail.
type CorrelationToken struct {
	ID        string     `json:"id" gorm:"primaryKey;size:80"`
	SessionID string     `json:"session_id" gorm:"index;not null;size:36"`
	TurnID    string     `json:"turn_id" gorm:"not null;size:36"`
	Kind      string     `json:"kind"`
	Payload   string     `json:"payload" gorm:"type:text"`
	RetiredAt *time.Time `json:"retired_at"`
	CreatedAt time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName overrides the table name
func (CorrelationToken) TableName() string {
	return "jb_correlation_token"
}

// Retired reports whether the token was already consumed
func (c *CorrelationToken) Retired() bool {
	return c.RetiredAt != nil
}

// AllModels lists every table the orchestrator migrates
func AllModels() []any {
	return []any{
		&Bot{},
		&Channel{},
		&Session{},
		&Turn{},
		&Message{},
		&CorrelationToken{},
	}
}
