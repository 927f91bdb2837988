package server

import (
	"tastebook/internal/models"
	"tastebook/internal/service"

	"github.com/gofiber/fiber/v2"
)

// GetChats handles GET /api/messenger/chats.
// Returns the caller's conversations sorted by recency of last message, with
// participants and the denormalized last message embedded.
func (s *Server) GetChats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	chats, err := s.chatService.GetConversations(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(chats)
}

// OpenChat handles POST /api/messenger/chats.
// Finds or creates the 1:1 conversation with the given user; idempotent by
// participant pair regardless of who initiates.
func (s *Server) OpenChat(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	chat, err := s.chatService.OpenDirectConversation(ctx, userID, req.UserID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(chat)
}

// GetMessages handles GET /api/messenger/messages/:chatId?limit=N.
// Returns the most recent messages in ascending chronological order; the
// limit defaults to 20 and is clamped to 1..100.
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	chatID, err := s.parseID(c, "chatId")
	if err != nil {
		return nil
	}

	limit := c.QueryInt("limit", service.DefaultHistoryLimit)

	messages, err := s.chatService.GetHistory(ctx, chatID, userID, limit)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(messages)
}

// SendMessage handles POST /api/messenger/messages.
// The synchronous fallback ingress: validates participancy, sanitizes the
// text, persists, updates the conversation's last-message pointer and
// broadcasts through the same delivery path as the streaming ingress.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		Chat      uint   `json:"chat"`
		Text      string `json:"text"`
		ClientKey string `json:"client_key,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.Chat == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid chat id"))
	}

	message, err := s.Deliver(ctx, service.SendMessageInput{
		UserID:         userID,
		ConversationID: req.Chat,
		Text:           req.Text,
		ClientKey:      req.ClientKey,
	}, "rest")
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.Status(fiber.StatusCreated).JSON(message)
}

// MarkMessagesRead handles PUT /api/messenger/messages/read.
// Batch-flips the read flag on every unread message in the conversation not
// sent by the caller.
func (s *Server) MarkMessagesRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		Chat uint `json:"chat"`
	}
	if err := c.BodyParser(&req); err != nil || req.Chat == 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	updated, err := s.chatService.MarkRead(ctx, req.Chat, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(fiber.Map{"success": true, "updated": updated})
}

// GetUnreadCount handles GET /api/messenger/messages/unread-count.
// Returns the total unread count across the caller's conversations plus the
// per-conversation breakdown the client keeps its badge state from.
func (s *Server) GetUnreadCount(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	counts, total, err := s.chatService.UnreadCounts(ctx, userID)
	if err != nil {
		return models.RespondWithError(c, statusForError(err), err)
	}

	return c.JSON(fiber.Map{"count": total, "by_chat": counts})
}
