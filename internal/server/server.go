// Package server wires the REST fallback API and the WebSocket endpoint for
// the messenger core.
package server

import (
	"context"
	"fmt"
	"strings"

	"tastebook/internal/config"
	"tastebook/internal/database"
	"tastebook/internal/middleware"
	"tastebook/internal/notifications"
	"tastebook/internal/repository"
	"tastebook/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	userRepo       repository.UserRepository
	chatRepo       repository.ChatRepository
	chatService    *service.ChatService
	chatHub        *notifications.ChatHub
	notifier       *notifications.Notifier
}

// NewServer creates a new server instance with all dependencies
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	}

	return NewServerWithDeps(cfg, db, rdb), nil
}

// NewServerWithDeps builds a server around externally-owned resources.
// Tests use it with an in-memory database and miniredis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, rdb *redis.Client) *Server {
	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)

	shutdownCtx, shutdownFn := context.WithCancel(context.Background())

	s := &Server{
		config:      cfg,
		db:          db,
		redis:       rdb,
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
		userRepo:    userRepo,
		chatRepo:    chatRepo,
		chatService: service.NewChatService(chatRepo, userRepo),
		chatHub:     notifications.NewChatHub(),
		notifier:    notifications.NewNotifier(rdb),
	}

	if s.notifier.Enabled() {
		if err := s.chatHub.StartWiring(shutdownCtx, s.notifier); err != nil {
			middleware.Logger.Error("failed to wire chat hub to redis", "error", err)
		}
	}

	return s
}

// Hub exposes the connection registry, mainly for tests.
func (s *Server) Hub() *notifications.ChatHub { return s.chatHub }

// ChatService exposes the delivery pipeline, mainly for tests.
func (s *Server) ChatService() *service.ChatService { return s.chatService }

// SetupMiddleware installs the shared middleware stack.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(strings.Split(s.config.AllowedOrigins, ","), ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.RequestLogger())

	// Created here rather than in the constructor: fiberprometheus registers
	// its collectors in the default registry, which must happen once per
	// process.
	s.promMiddleware = fiberprometheus.New("tastebook")
	s.promMiddleware.RegisterAt(app, "/metrics")
	app.Use(s.promMiddleware.Middleware)
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	api := app.Group("/api/messenger", middleware.AuthRequired)

	api.Get("/chats", s.GetChats)
	api.Post("/chats", s.OpenChat)

	// Static segment registered before the :chatId route.
	api.Get("/messages/unread-count", s.GetUnreadCount)
	api.Get("/messages/:chatId", s.GetMessages)
	api.Post("/messages", s.SendMessage)
	api.Put("/messages/read", s.MarkMessagesRead)

	ws := app.Group("/ws", middleware.WebSocketAuthRequired)
	ws.Use(s.WebSocketUpgradeRequired)
	ws.Get("/messenger", s.WebSocketChatHandler())
}

// LivenessCheck reports that the process is up.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadinessCheck reports whether downstream dependencies are reachable.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "database unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// Shutdown releases server-owned resources: the hub's connections, the redis
// subscriber context, and the redis client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()
	if err := s.chatHub.Shutdown(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
