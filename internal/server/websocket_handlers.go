package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tastebook/internal/middleware"
	"tastebook/internal/notifications"
	"tastebook/internal/observability"
	"tastebook/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// clientEvent is the envelope for every client -> server frame.
type clientEvent struct {
	Type      string `json:"type"` // "join", "leave", "message", "typing"
	ChatID    uint   `json:"chat_id"`
	Text      string `json:"text,omitempty"`
	IsTyping  bool   `json:"is_typing,omitempty"`
	ClientKey string `json:"client_key,omitempty"`
}

// WebSocketUpgradeRequired rejects plain HTTP requests on websocket routes.
func (s *Server) WebSocketUpgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebSocketChatHandler handles the persistent messenger connection. Auth ran
// in the upgrade middleware; an unauthenticated socket never reaches the hub.
// Each inbound frame is dispatched as its own unit of work and a failed
// handler leaves the connection usable for subsequent events.
func (s *Server) WebSocketChatHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		observability.ActiveWebSockets.Inc()
		defer observability.ActiveWebSockets.Dec()

		ctx := context.Background()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"error":"unauthorized"}}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		middleware.Logger.Info("websocket connected", slog.Any("user_id", userID))

		client := s.chatHub.Register(userID, conn)
		client.IncomingHandler = func(c *notifications.Client, raw []byte) {
			var event clientEvent
			if err := json.Unmarshal(raw, &event); err != nil {
				middleware.Logger.Warn("invalid websocket frame", slog.Any("user_id", userID))
				return
			}
			s.handleClientEvent(ctx, c, event)
		}

		// Start write pump in a goroutine; the read pump blocks here and the
		// hub unregisters the client when it returns.
		go client.WritePump()
		client.ReadPump()
	})
}

func (s *Server) handleClientEvent(ctx context.Context, c *notifications.Client, event clientEvent) {
	if event.ChatID == 0 {
		return
	}

	switch event.Type {
	case "join":
		// Room join re-validates participancy against the store; a socket
		// cannot subscribe to a conversation it does not belong to.
		ok, err := s.chatService.IsParticipant(ctx, event.ChatID, c.UserID)
		if err != nil {
			middleware.Logger.Error("join participant check failed", slog.String("error", err.Error()))
			return
		}
		if !ok {
			s.sendEvent(c, notifications.ChatEvent{
				Type:           "error",
				ConversationID: event.ChatID,
				Payload:        fiber.Map{"error": "not a participant"},
			})
			return
		}
		s.chatHub.Join(c.UserID, event.ChatID)
		s.sendEvent(c, notifications.ChatEvent{
			Type:           "joined",
			ConversationID: event.ChatID,
			Payload:        fiber.Map{"chat_id": event.ChatID},
		})

	case "leave":
		s.chatHub.Leave(c.UserID, event.ChatID)

	case "typing":
		ok, err := s.chatService.IsParticipant(ctx, event.ChatID, c.UserID)
		if err != nil || !ok {
			return
		}
		// Typing indicators are fire-and-forget; spam is silently dropped.
		id := fmt.Sprintf("user:%d", c.UserID)
		allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
		if !allowed {
			return
		}
		s.broadcastTyping(ctx, event.ChatID, c.UserID, event.IsTyping)

	case "message":
		id := fmt.Sprintf("user:%d", c.UserID)
		allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
		if !allowed {
			s.sendEvent(c, notifications.ChatEvent{
				Type:    "error",
				Payload: fiber.Map{"error": "Rate limit exceeded. Please wait a moment."},
			})
			return
		}

		if _, err := s.Deliver(ctx, service.SendMessageInput{
			UserID:         c.UserID,
			ConversationID: event.ChatID,
			Text:           event.Text,
			ClientKey:      event.ClientKey,
		}, "ws"); err != nil {
			middleware.Logger.Warn("websocket send rejected",
				slog.Any("user_id", c.UserID), slog.String("error", err.Error()))
			s.sendEvent(c, notifications.ChatEvent{
				Type:           "error",
				ConversationID: event.ChatID,
				Payload:        fiber.Map{"error": err.Error(), "client_key": event.ClientKey},
			})
		}
	}
}

func (s *Server) sendEvent(c *notifications.Client, event notifications.ChatEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.TrySend(data)
}
