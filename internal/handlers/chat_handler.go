package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/saeid-a/EstateHubBack/internal/middleware"
	"github.com/saeid-a/EstateHubBack/internal/models"
	"github.com/saeid-a/EstateHubBack/internal/services"
	chatws "github.com/saeid-a/EstateHubBack/internal/websocket"
	"github.com/saeid-a/EstateHubBack/pkg/utils"
)

type chatApplicationService interface {
	StartConversation(ctx context.Context, actorID int64, participantID int64, propertyID *int64) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context, actorID int64) ([]models.ConversationSummary, error)
	ListMessages(ctx context.Context, actorID int64, conversationID int64) ([]models.ChatMessage, error)
	AppendMessage(ctx context.Context, actorID int64, conversationID int64, input services.MessageInput) (*models.ChatMessage, error)
	EditMessage(ctx context.Context, actorID int64, messageID int64, content string) (*models.ChatMessage, error)
	DeleteMessage(ctx context.Context, actorID int64, role string, messageID int64) (*models.ChatMessage, error)
	MarkRead(ctx context.Context, actorID int64, conversationID int64, messageIDs []int64) ([]int64, error)
}

type presenceReader interface {
	IsOnline(userID int64) bool
	LastSeen(userID int64) (time.Time, bool)
}

// realtimeGateway is the part of the gateway the handlers drive: socket
// upgrades, and room announcements for changes made over REST.
type realtimeGateway interface {
	Serve(conn chatws.Conn, userID int64, role string)
	Reject(conn chatws.Conn)
	AnnounceRead(conversationID int64, readerID int64, messageIDs []int64, excludeID string)
	AnnounceMessageUpdated(message *models.ChatMessage)
}

type ChatHandler struct {
	service   chatApplicationService
	presence  presenceReader
	hub       realtimeGateway
	jwtSecret string
	logger    zerolog.Logger
}

type startConversationRequest struct {
	ParticipantID int64  `json:"participant_id" validate:"required,gt=0"`
	PropertyID    *int64 `json:"property_id" validate:"omitempty,gt=0"`
}

type sendMessageRequest struct {
	Content   *string `json:"content" validate:"omitempty,max=4000"`
	MediaURL  *string `json:"media_url" validate:"omitempty,url"`
	MediaType *string `json:"media_type" validate:"omitempty,oneof=IMAGE VIDEO AUDIO"`
}

type editMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1,dive,gt=0"`
}

func NewChatHandler(
	service chatApplicationService,
	presence presenceReader,
	hub realtimeGateway,
	jwtSecret string,
	logger zerolog.Logger,
) *ChatHandler {
	return &ChatHandler{
		service:   service,
		presence:  presence,
		hub:       hub,
		jwtSecret: jwtSecret,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	userID, _, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), userID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) StartConversation(c *fiber.Ctx) error {
	userID, _, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req startConversationRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}

	conversation, created, err := h.service.StartConversation(c.Context(), userID, req.ParticipantID, req.PropertyID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"conversation": conversation,
		"created":      created,
	})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	userID, _, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	messages, err := h.service.ListMessages(c.Context(), userID, conversationID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"messages": messages})
}

// SendMessage persists a message and returns its durable id. Clients announce
// the id over the socket afterwards.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, _, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendMessageRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}

	if (req.MediaURL == nil) != (req.MediaType == nil) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "media_url and media_type must be sent together"})
	}

	input := services.MessageInput{Content: req.Content}
	if req.MediaURL != nil {
		input.Media = &models.Media{
			URL:  strings.TrimSpace(*req.MediaURL),
			Type: models.MediaType(*req.MediaType),
		}
	}

	message, err := h.service.AppendMessage(c.Context(), userID, conversationID, input)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message_id": message.ID,
		"message":    message,
	})
}

func (h *ChatHandler) EditMessage(c *fiber.Ctx) error {
	userID, _, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid message id"})
	}

	var req editMessageRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}

	message, err := h.service.EditMessage(c.Context(), userID, messageID, req.Content)
	if err != nil {
		return h.mapChatError(c, err)
	}
	h.hub.AnnounceMessageUpdated(message)

	return c.JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) DeleteMessage(c *fiber.Ctx) error {
	userID, role, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid message id"})
	}

	message, err := h.service.DeleteMessage(c.Context(), userID, role, messageID)
	if err != nil {
		return h.mapChatError(c, err)
	}
	h.hub.AnnounceMessageUpdated(message)

	return c.JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	userID, _, ok := parseActor(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req markReadRequest
	if ok, err := bindBody(c, &req); !ok {
		return err
	}

	transitioned, err := h.service.MarkRead(c.Context(), userID, conversationID, req.MessageIDs)
	if err != nil {
		return h.mapChatError(c, err)
	}
	h.hub.AnnounceRead(conversationID, userID, transitioned, "")

	return c.JSON(fiber.Map{"message_ids": transitioned})
}

func (h *ChatHandler) GetPresence(c *fiber.Ctx) error {
	if _, _, ok := parseActor(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	userID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid user id"})
	}

	body := fiber.Map{
		"user_id": userID,
		"online":  h.presence.IsOnline(userID),
	}
	if lastSeen, ok := h.presence.LastSeen(userID); ok {
		body["last_seen"] = services.FormatChatTimestamp(lastSeen)
	}
	return c.JSON(body)
}

// WebSocketAuth resolves the caller before the upgrade. A bad token does not
// short-circuit with 401: the socket is upgraded and then closed with an
// explicit error event so browser clients can see the reason.
func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		c.Locals("auth_error", err.Error())
		return c.Next()
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	if reason, _ := conn.Locals("auth_error").(string); reason != "" {
		h.logger.Debug().Str("reason", reason).Msg("rejecting unauthenticated socket")
		h.hub.Reject(conn)
		return
	}

	userIDStr, _ := conn.Locals("user_id").(string)
	role, _ := conn.Locals("role").(string)
	userID, err := parseUserID(userIDStr)
	if err != nil {
		h.hub.Reject(conn)
		return
	}

	h.hub.Serve(conn, userID, role)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		header, err := middleware.BearerToken(c.Get("Authorization"))
		if err != nil {
			return nil, err
		}
		tokenString = header
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func (h *ChatHandler) mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthenticated"})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Conflict"})
	default:
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("chat request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
