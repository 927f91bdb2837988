package models

import (
	"time"

	"gorm.io/gorm"
)

// Conversation is a 1:1 messaging thread between two users. The participant
// pair is unique: creating a conversation for the same two users twice yields
// the same row (find-or-create in the service layer).
type Conversation struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Participants  []User         `gorm:"many2many:conversation_participants;" json:"participants,omitempty"`
	LastMessageID *uint          `json:"last_message_id,omitempty"`
	LastMessage   *Message       `gorm:"foreignKey:LastMessageID" json:"last_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasParticipant reports whether the user belongs to the conversation.
// Participants must be preloaded.
func (c *Conversation) HasParticipant(userID uint) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Message is a single unit of conversation content. Immutable once created
// except for the Read flag, which transitions false -> true exactly once.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	SenderID       uint      `gorm:"not null;index" json:"sender_id"`
	Sender         *User     `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Text           string    `gorm:"type:text;not null" json:"text"`
	Read           bool      `gorm:"default:false" json:"read"`
	CreatedAt      time.Time `json:"created_at"`

	// ClientKey is the sender-generated correlation key. It is echoed on the
	// wire so the sending client can reconcile its optimistic copy, but it is
	// never persisted.
	ClientKey string `gorm:"-" json:"client_key,omitempty"`
}

// ConversationParticipant is the join table backing the many2many
// relationship between conversations and users.
type ConversationParticipant struct {
	ConversationID uint      `gorm:"primaryKey" json:"conversation_id"`
	UserID         uint      `gorm:"primaryKey" json:"user_id"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
