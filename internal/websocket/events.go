package chatws

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/saeid-a/EstateHubBack/internal/models"
	"github.com/saeid-a/EstateHubBack/internal/services"
)

// Client to server events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
	EventPing              = "ping"
)

// Server to client events.
const (
	EventConversationJoined = "conversation_joined"
	EventMessageReceived    = "message_received"
	EventMessageSent        = "message_sent"
	EventMessageUpdated     = "message_updated"
	EventMessagesRead       = "messages_read"
	EventUserOnline         = "user_online"
	EventUserOffline        = "user_offline"
	EventPong               = "pong"
	EventError              = "error"
)

// Error codes carried by EventError.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalid         = "invalid"
	CodeInternal        = "internal"
)

const StatusSent = "sent"

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ConversationPayload struct {
	ConversationID int64 `json:"conversation_id" validate:"required,gt=0"`
}

// SendMessagePayload announces a message that the client already persisted
// through the REST write path. MessageID is that durable id; content and
// media always come from the stored row.
type SendMessagePayload struct {
	ConversationID   int64  `json:"conversation_id" validate:"required,gt=0"`
	MessageID        int64  `json:"message_id" validate:"required,gt=0"`
	CorrelationToken string `json:"correlation_token" validate:"required,max=128"`
}

type MarkReadPayload struct {
	ConversationID int64   `json:"conversation_id" validate:"required,gt=0"`
	MessageIDs     []int64 `json:"message_ids" validate:"required,min=1,dive,gt=0"`
}

type MessageReceivedEvent struct {
	Message *models.ChatMessage `json:"message"`
}

// MessageUpdatedEvent carries an edited or soft-deleted message.
type MessageUpdatedEvent struct {
	Message *models.ChatMessage `json:"message"`
}

type MessageSentEvent struct {
	CorrelationToken string              `json:"correlation_token"`
	MessageID        int64               `json:"message_id"`
	Status           string              `json:"status"`
	Message          *models.ChatMessage `json:"message"`
}

type TypingEvent struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

type MessagesReadEvent struct {
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
	ReaderID       int64   `json:"reader_id"`
}

type PresenceEvent struct {
	UserID   int64  `json:"user_id"`
	LastSeen string `json:"last_seen,omitempty"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

var validate = validator.New()

func encodeEvent(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: raw})
}

func decodePayload(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return services.ErrInvalidInput
	}
	if err := json.Unmarshal(data, target); err != nil {
		return services.ErrInvalidInput
	}
	if err := validate.Struct(target); err != nil {
		return services.ErrInvalidInput
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, services.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, services.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, services.ErrInvalidInput):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

func errorMessage(code string) string {
	switch code {
	case CodeUnauthenticated:
		return "Invalid or expired token"
	case CodeForbidden:
		return "Forbidden"
	case CodeNotFound:
		return "Not found"
	case CodeInvalid:
		return "Invalid event payload"
	default:
		return "Failed to process event"
	}
}
