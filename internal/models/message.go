package models

import (
	"time"
)

// Message belongs to a turn and is never updated
type Message struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	TurnID      string    `json:"turn_id" gorm:"index;not null;size:36"`
	MessageType string    `json:"message_type"`
	Message     string    `json:"message" gorm:"type:text"`
	IsUserSent  bool      `json:"is_user_sent"`
	Seq         int       `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Message) TableName() string {
	return "jb_message"
}
