package repository

import (
	"context"
	"errors"

	"tastebook/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for chat data operations
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	FindDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	AddParticipant(ctx context.Context, convID, userID uint) error
	IsParticipant(ctx context.Context, convID, userID uint) (bool, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	SetLastMessage(ctx context.Context, convID, msgID uint) error
	GetRecentMessages(ctx context.Context, convID uint, limit int) ([]*models.Message, error)
	MarkConversationRead(ctx context.Context, convID, readerID uint) (int64, error)
	CountUnread(ctx context.Context, userID uint) (map[uint]int64, error)
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindDirectConversation returns the 1:1 conversation containing exactly the
// two given users, or gorm.ErrRecordNotFound. Conversation creation is
// idempotent by participant pair because every lookup goes through here first.
func (r *chatRepository) FindDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Joins(
			"JOIN conversation_participants cp_self ON cp_self.conversation_id = conversations.id AND cp_self.user_id = ?",
			userID,
		).
		Joins(
			"JOIN conversation_participants cp_other ON cp_other.conversation_id = conversations.id AND cp_other.user_id = ?",
			otherUserID,
		).
		Where(
			"NOT EXISTS (SELECT 1 FROM conversation_participants cp_extra WHERE cp_extra.conversation_id = conversations.id AND cp_extra.user_id NOT IN (?, ?))",
			userID,
			otherUserID,
		).
		Order("conversations.created_at ASC").
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, conv.ID)
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.user_id = ?", userID).
		Preload("Participants").
		Preload("LastMessage").
		Preload("LastMessage.Sender").
		Order("conversations.updated_at DESC").
		Find(&conversations).Error
	return conversations, err
}

func (r *chatRepository) AddParticipant(ctx context.Context, convID, userID uint) error {
	participant := models.ConversationParticipant{
		ConversationID: convID,
		UserID:         userID,
	}
	// OnConflict keeps repeated joins idempotent.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&participant).Error
}

func (r *chatRepository) IsParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// SetLastMessage updates the conversation's denormalized last-message pointer.
// It also bumps updated_at, which drives the recency ordering of the chat list.
func (r *chatRepository) SetLastMessage(ctx context.Context, convID, msgID uint) error {
	return r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", convID).
		Update("last_message_id", msgID).Error
}

func (r *chatRepository) GetRecentMessages(ctx context.Context, convID uint, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Preload("Sender").
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Fetched DESC to get the *latest* messages; the client expects ASC.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkConversationRead flips the read flag on every unread message in the
// conversation that the reader did not send. Returns the number of rows updated.
func (r *chatRepository) MarkConversationRead(ctx context.Context, convID, readerID uint) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND read = ?", convID, readerID, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}

// CountUnread returns per-conversation unread counts for every conversation
// the user participates in. Messages the user sent are excluded.
func (r *chatRepository) CountUnread(ctx context.Context, userID uint) (map[uint]int64, error) {
	type row struct {
		ConversationID uint
		Count          int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Select("messages.conversation_id AS conversation_id, COUNT(*) AS count").
		Joins("JOIN conversation_participants cp ON cp.conversation_id = messages.conversation_id AND cp.user_id = ?", userID).
		Where("messages.read = ? AND messages.sender_id <> ?", false, userID).
		Group("messages.conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.ConversationID] = r.Count
	}
	return counts, nil
}

// IsNotFound reports whether the error is a missing-record error from the store.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
