package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EstateHubBack/internal/models"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// OrderedPair normalizes an unordered participant pair so that the smaller id
// comes first, matching the conversations_participants_ordered constraint.
func OrderedPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

const conversationColumns = `id, property_id, participant_low, participant_high, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conversation models.Conversation
	err := row.Scan(
		&conversation.ID,
		&conversation.PropertyID,
		&conversation.ParticipantIDs[0],
		&conversation.ParticipantIDs[1],
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (r *ConversationRepository) FindByParticipants(
	ctx context.Context,
	userA int64,
	userB int64,
	propertyID *int64,
) (*models.Conversation, error) {
	low, high := OrderedPair(userA, userB)
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_low = $1
		  AND participant_high = $2
		  AND COALESCE(property_id, 0) = COALESCE($3::BIGINT, 0)
	`
	return scanConversation(r.db.QueryRow(ctx, query, low, high, propertyID))
}

// Insert creates the conversation row unless the unique pair/property index
// already holds one. When another writer won the race it returns
// pgx.ErrNoRows and inserts nothing.
func (r *ConversationRepository) Insert(
	ctx context.Context,
	userA int64,
	userB int64,
	propertyID *int64,
) (*models.Conversation, error) {
	low, high := OrderedPair(userA, userB)
	query := `
		INSERT INTO conversations (property_id, participant_low, participant_high)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_low, participant_high, (COALESCE(property_id, 0))) DO NOTHING
		RETURNING ` + conversationColumns
	return scanConversation(r.db.QueryRow(ctx, query, propertyID, low, high))
}

func (r *ConversationRepository) AddParticipants(ctx context.Context, conversationID int64, userIDs ...int64) error {
	for _, userID := range userIDs {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, conversationID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = $1
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID))
}

func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.Conversation, error) {
	query := `
		SELECT c.id, c.property_id, c.participant_low, c.participant_high, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE c.id = $1 AND p.user_id = $2
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID, participantID))
}

func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	return exists, err
}

func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID int64,
) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			c.id,
			c.property_id,
			c.participant_low,
			c.participant_high,
			c.created_at,
			c.updated_at,
			other.id,
			other.display_name,
			lm.id,
			lm.sender_id,
			lm.content,
			lm.media_url,
			lm.media_type,
			lm.is_read,
			lm.deleted_at,
			lm.created_at,
			COALESCE(uc.unread_count, 0)
		FROM conversation_participants p
		JOIN conversations c ON c.id = p.conversation_id
		JOIN users other ON other.id = CASE WHEN c.participant_low = $1 THEN c.participant_high ELSE c.participant_low END
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, media_url, media_type, is_read, deleted_at, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_id <> $1
			  AND is_read = FALSE
			  AND deleted_at IS NULL
		) uc ON TRUE
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var (
			messageID        *int64
			messageSenderID  *int64
			messageContent   *string
			messageMediaURL  *string
			messageMediaType *string
			messageIsRead    *bool
			messageDeletedAt *time.Time
			messageCreatedAt *time.Time
		)

		if err := rows.Scan(
			&summary.ID,
			&summary.PropertyID,
			&summary.ParticipantIDs[0],
			&summary.ParticipantIDs[1],
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&summary.OtherParticipantID,
			&summary.OtherParticipantName,
			&messageID,
			&messageSenderID,
			&messageContent,
			&messageMediaURL,
			&messageMediaType,
			&messageIsRead,
			&messageDeletedAt,
			&messageCreatedAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		if messageID != nil {
			last := &models.ChatMessage{
				ID:             *messageID,
				ConversationID: summary.ID,
				SenderID:       *messageSenderID,
				Content:        messageContent,
				Media:          mediaFromColumns(messageMediaURL, messageMediaType),
				IsRead:         *messageIsRead,
				DeletedAt:      messageDeletedAt,
				CreatedAt:      *messageCreatedAt,
			}
			last.Redact()
			summary.LastMessage = last
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

func (r *ConversationRepository) Touch(ctx context.Context, conversationID int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET updated_at = NOW()
		WHERE id = $1
	`, conversationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// IsNoRows reports whether err means the queried row does not exist.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
