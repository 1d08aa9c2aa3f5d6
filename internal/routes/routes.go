package routes

import (
	"context"
	"fmt"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/saeid-a/EstateHubBack/internal/config"
	"github.com/saeid-a/EstateHubBack/internal/handlers"
	"github.com/saeid-a/EstateHubBack/internal/middleware"
	"github.com/saeid-a/EstateHubBack/internal/presence"
	"github.com/saeid-a/EstateHubBack/internal/repository"
	"github.com/saeid-a/EstateHubBack/internal/services"
	chatws "github.com/saeid-a/EstateHubBack/internal/websocket"
)

// Realtime owns the long-lived pieces behind the chat routes.
type Realtime struct {
	Hub      *chatws.Hub
	Presence *presence.Registry
	cancel   context.CancelFunc
}

// Close stops the bus consumer and disconnects every socket. The hub closes
// the bus it was given.
func (r *Realtime) Close() {
	r.cancel()
	r.Hub.Close()
	r.Presence.Close()
}

func RegisterRoutes(
	ctx context.Context,
	app *fiber.App,
	cfg *config.Config,
	db *pgxpool.Pool,
	logger zerolog.Logger,
) (*Realtime, error) {
	userRepo := repository.NewUserRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	chatService := services.NewChatService(db, conversationRepo, messageRepo, userRepo)

	opts := chatws.Options{
		SendBuffer: cfg.WSSendBuffer,
		Logger:     logger,
	}
	if cfg.RedisURL != "" {
		bus, err := chatws.NewRedisBus(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		opts.Bus = bus
	}

	chatHub := chatws.NewHub(chatService, opts)
	registry := presence.NewRegistry(chatHub.PresenceChanged)
	chatHub.UsePresence(registry)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := chatHub.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error().Err(err).Msg("chat event bus stopped")
		}
	}()

	authHandler := handlers.NewAuthHandler(userRepo, cfg.JWTSecret)
	chatHandler := handlers.NewChatHandler(chatService, registry, chatHub, cfg.JWTSecret, logger)

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	// The socket authenticates itself; register it before the bearer group.
	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.StartConversation)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/read", chatHandler.MarkRead)

	messages := authProtected.Group("/messages")
	messages.Patch("/:id", chatHandler.EditMessage)
	messages.Delete("/:id", chatHandler.DeleteMessage)

	users := authProtected.Group("/users")
	users.Get("/:id/presence", chatHandler.GetPresence)

	return &Realtime{
		Hub:      chatHub,
		Presence: registry,
		cancel:   cancel,
	}, nil
}
