// Package service provides the messenger core's business logic.
package service

import (
	"context"
	"strings"

	"tastebook/internal/models"
	"tastebook/internal/repository"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxMessageTextLen = 10000

	// DefaultHistoryLimit is the page size for a history fetch when the
	// caller does not specify one.
	DefaultHistoryLimit = 20
	// MaxHistoryLimit caps a single history fetch.
	MaxHistoryLimit = 100
)

// ChatService provides conversation and message delivery logic. Both ingress
// paths (streaming and REST fallback) persist through SendMessage, so the two
// produce identical stored results.
type ChatService struct {
	chatRepo  repository.ChatRepository
	userRepo  repository.UserRepository
	sanitizer *bluemonday.Policy
}

// NewChatService returns a new ChatService.
func NewChatService(chatRepo repository.ChatRepository, userRepo repository.UserRepository) *ChatService {
	return &ChatService{
		chatRepo: chatRepo,
		userRepo: userRepo,
		// Plain text only: every tag and attribute is stripped.
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	UserID         uint
	ConversationID uint
	Text           string

	// ClientKey is the sender-generated correlation key, echoed back on the
	// persisted message so the sender can reconcile its optimistic copy.
	ClientKey string
}

// OpenDirectConversation finds or creates the 1:1 conversation between the
// caller and the target user. Creation is idempotent by participant pair.
func (s *ChatService) OpenDirectConversation(ctx context.Context, userID, otherUserID uint) (*models.Conversation, error) {
	if otherUserID == 0 {
		return nil, models.NewValidationError("Target user is required")
	}
	if otherUserID == userID {
		return nil, models.NewValidationError("Cannot start a conversation with yourself")
	}
	if _, err := s.userRepo.GetByID(ctx, otherUserID); err != nil {
		return nil, err
	}

	conv, err := s.chatRepo.FindDirectConversation(ctx, userID, otherUserID)
	switch {
	case err == nil:
		return conv, nil
	case repository.IsNotFound(err):
		// First contact between this pair: create lazily below.
	default:
		return nil, err
	}

	conv = &models.Conversation{}
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	if err := s.chatRepo.AddParticipant(ctx, conv.ID, userID); err != nil {
		return nil, err
	}
	if err := s.chatRepo.AddParticipant(ctx, conv.ID, otherUserID); err != nil {
		return nil, err
	}

	return s.chatRepo.GetConversation(ctx, conv.ID)
}

// GetConversations returns the caller's conversations, most recent first.
func (s *ChatService) GetConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	return s.chatRepo.GetUserConversations(ctx, userID)
}

// GetConversationForUser returns the conversation if the user is a participant.
func (s *ChatService) GetConversationForUser(ctx context.Context, convID, userID uint) (*models.Conversation, error) {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, models.NewForbiddenError("You are not a participant in this conversation")
	}
	return conv, nil
}

// SendMessage validates, sanitizes and persists a message, then updates the
// conversation's last-message pointer. The participant check runs before any
// side effect. Broadcast to connected room members happens in the caller
// (server.Deliver) so the hub stays out of the service layer.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, *models.Conversation, error) {
	text := strings.TrimSpace(s.sanitizer.Sanitize(in.Text))
	if text == "" {
		return nil, nil, models.NewValidationError("Message text is required")
	}
	if len(text) > maxMessageTextLen {
		return nil, nil, models.NewValidationError("Message text too long (max 10000 characters)")
	}

	conv, err := s.chatRepo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, models.NewForbiddenError("You are not a participant in this conversation")
		}
		return nil, nil, err
	}
	if !conv.HasParticipant(in.UserID) {
		return nil, nil, models.NewForbiddenError("You are not a participant in this conversation")
	}

	message := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.UserID,
		Text:           text,
	}
	if err := s.chatRepo.CreateMessage(ctx, message); err != nil {
		return nil, nil, err
	}

	if err := s.chatRepo.SetLastMessage(ctx, in.ConversationID, message.ID); err != nil {
		return nil, nil, err
	}

	// Best-effort embed of the sender for display; a bare sender_id is still
	// a valid wire shape and the client normalizes both.
	if sender, err := s.userRepo.GetByID(ctx, in.UserID); err == nil {
		message.Sender = sender
	}
	message.ClientKey = in.ClientKey

	return message, conv, nil
}

// GetHistory returns the `limit` most recent messages of the conversation in
// ascending chronological order. limit defaults to 20 and is clamped to 1..100.
func (s *ChatService) GetHistory(ctx context.Context, convID, userID uint, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	ok, err := s.chatRepo.IsParticipant(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.NewForbiddenError("You are not a participant in this conversation")
	}

	return s.chatRepo.GetRecentMessages(ctx, convID, limit)
}

// MarkRead flips every unread message in the conversation that the caller did
// not send. Returns the number of messages updated.
func (s *ChatService) MarkRead(ctx context.Context, convID, userID uint) (int64, error) {
	ok, err := s.chatRepo.IsParticipant(ctx, convID, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, models.NewForbiddenError("You are not a participant in this conversation")
	}
	return s.chatRepo.MarkConversationRead(ctx, convID, userID)
}

// UnreadCounts returns per-conversation unread counts and the overall total
// for the caller.
func (s *ChatService) UnreadCounts(ctx context.Context, userID uint) (map[uint]int64, int64, error) {
	counts, err := s.chatRepo.CountUnread(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, c := range counts {
		total += c
	}
	return counts, total, nil
}

// IsParticipant exposes the participant check for the websocket layer, which
// re-validates room joins against the store.
func (s *ChatService) IsParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	ok, err := s.chatRepo.IsParticipant(ctx, convID, userID)
	if err != nil && repository.IsNotFound(err) {
		return false, nil
	}
	return ok, err
}
