package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"tastebook/internal/middleware"
	"tastebook/internal/models"
	"tastebook/internal/notifications"
	"tastebook/internal/observability"
	"tastebook/internal/service"
)

// Deliver is the single persist-then-broadcast path shared by the streaming
// and REST ingress routes. Both therefore produce identical persisted results
// and identical live delivery: a REST-path send reaches open connections the
// same way a streaming send does.
//
// With Redis configured, delivery goes through pub/sub only and the hub
// subscriber fans out locally; without it, the hub broadcasts directly.
func (s *Server) Deliver(ctx context.Context, in service.SendMessageInput, path string) (*models.Message, error) {
	message, _, err := s.chatService.SendMessage(ctx, in)
	if err != nil {
		return nil, err
	}

	event := notifications.ChatEvent{
		Type:           "message",
		ConversationID: message.ConversationID,
		Payload:        message,
	}

	if s.notifier.Enabled() {
		data, merr := json.Marshal(event)
		if merr != nil {
			middleware.Logger.ErrorContext(ctx, "marshal chat event failed", slog.String("error", merr.Error()))
		} else if perr := s.notifier.PublishChatMessage(ctx, message.ConversationID, string(data)); perr != nil {
			// Persisted but not live-delivered: clients self-heal via the
			// next history fetch, so the send itself still succeeds.
			middleware.Logger.ErrorContext(ctx, "publish chat event failed", slog.String("error", perr.Error()))
			s.chatHub.BroadcastToRoom(message.ConversationID, event)
		}
	} else {
		s.chatHub.BroadcastToRoom(message.ConversationID, event)
	}

	observability.MessagesDelivered.WithLabelValues(path).Inc()
	return message, nil
}

// broadcastTyping mutates the conversation's typing set and fans the snapshot
// out: locally through the hub and, when Redis is configured, to the other
// instances. Typing snapshots are full-set replaces, so a client receiving
// one twice converges to the same state.
func (s *Server) broadcastTyping(ctx context.Context, conversationID, userID uint, isTyping bool) {
	s.chatHub.SetTyping(conversationID, userID, isTyping)

	if !s.notifier.Enabled() {
		return
	}
	event := notifications.ChatEvent{
		Type:           "typing",
		ConversationID: conversationID,
		Payload:        s.chatHub.TypingUsers(conversationID),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.notifier.PublishTyping(ctx, conversationID, string(data)); err != nil {
		middleware.Logger.ErrorContext(ctx, "publish typing event failed", slog.String("error", err.Error()))
	}
}
