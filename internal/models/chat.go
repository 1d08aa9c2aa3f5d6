package models

import "time"

// DeletedMessagePlaceholder replaces the content of a soft-deleted message.
const DeletedMessagePlaceholder = "This message was deleted"

type MediaType string

const (
	MediaImage MediaType = "IMAGE"
	MediaVideo MediaType = "VIDEO"
	MediaAudio MediaType = "AUDIO"
)

func (t MediaType) Valid() bool {
	switch t {
	case MediaImage, MediaVideo, MediaAudio:
		return true
	default:
		return false
	}
}

type Media struct {
	URL  string    `json:"url"`
	Type MediaType `json:"type"`
}

type Conversation struct {
	ID             int64     `json:"id"`
	PropertyID     *int64    `json:"property_id"`
	ParticipantIDs [2]int64  `json:"participant_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two members.
func (c *Conversation) HasParticipant(userID int64) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// OtherParticipant returns the member that is not userID.
func (c *Conversation) OtherParticipant(userID int64) int64 {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

type ChatMessage struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	SenderID       int64      `json:"sender_id"`
	Content        *string    `json:"content"`
	Media          *Media     `json:"media,omitempty"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Edited         bool       `json:"edited"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (m *ChatMessage) Deleted() bool {
	return m.DeletedAt != nil
}

// Redact applies the deletion placeholder to a soft-deleted message so the
// original content and media are never served again.
func (m *ChatMessage) Redact() {
	if m.DeletedAt == nil {
		return
	}
	placeholder := DeletedMessagePlaceholder
	m.Content = &placeholder
	m.Media = nil
}

type ConversationSummary struct {
	Conversation
	OtherParticipantID   int64        `json:"other_participant_id"`
	OtherParticipantName string       `json:"other_participant_name"`
	LastMessage          *ChatMessage `json:"last_message,omitempty"`
	UnreadCount          int          `json:"unread_count"`
}
