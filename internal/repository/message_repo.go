package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EstateHubBack/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, media_url, media_type,
	is_read, read_at, edited, edited_at, deleted_at, created_at`

func mediaFromColumns(url *string, mediaType *string) *models.Media {
	if url == nil || mediaType == nil {
		return nil
	}
	return &models.Media{URL: *url, Type: models.MediaType(*mediaType)}
}

func scanMessage(row pgx.Row) (*models.ChatMessage, error) {
	var (
		message   models.ChatMessage
		mediaURL  *string
		mediaType *string
	)
	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Content,
		&mediaURL,
		&mediaType,
		&message.IsRead,
		&message.ReadAt,
		&message.Edited,
		&message.EditedAt,
		&message.DeletedAt,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	message.Media = mediaFromColumns(mediaURL, mediaType)
	message.Redact()
	return &message, nil
}

func (r *MessageRepository) Create(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	content *string,
	media *models.Media,
) (*models.ChatMessage, error) {
	var mediaURL, mediaType *string
	if media != nil {
		url, kind := media.URL, string(media.Type)
		mediaURL, mediaType = &url, &kind
	}

	query := `
		INSERT INTO messages (conversation_id, sender_id, content, media_url, media_type, is_read)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING ` + messageColumns
	return scanMessage(r.db.QueryRow(ctx, query, conversationID, senderID, content, mediaURL, mediaType))
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID int64) (*models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id = $1
	`
	return scanMessage(r.db.QueryRow(ctx, query, messageID))
}

// ListByConversation returns every message of the conversation, oldest first.
// Soft-deleted rows are kept so the timeline stays intact.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID int64,
) ([]models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// UpdateContent edits a live message. Deleted messages are left untouched and
// yield pgx.ErrNoRows.
func (r *MessageRepository) UpdateContent(
	ctx context.Context,
	messageID int64,
	content string,
) (*models.ChatMessage, error) {
	query := `
		UPDATE messages
		SET content = $2, edited = TRUE, edited_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + messageColumns
	return scanMessage(r.db.QueryRow(ctx, query, messageID, content))
}

func (r *MessageRepository) SoftDelete(ctx context.Context, messageID int64) (*models.ChatMessage, error) {
	query := `
		UPDATE messages
		SET content = $2, media_url = NULL, media_type = NULL, deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + messageColumns
	return scanMessage(r.db.QueryRow(ctx, query, messageID, models.DeletedMessagePlaceholder))
}

// MarkMessagesRead flips unread messages of one conversation that were not
// authored by readerID and returns the ids that actually changed.
func (r *MessageRepository) MarkMessagesRead(
	ctx context.Context,
	conversationID int64,
	messageIDs []int64,
	readerID int64,
) ([]int64, error) {
	transitioned := make([]int64, 0, len(messageIDs))
	if len(messageIDs) == 0 {
		return transitioned, nil
	}

	rows, err := r.db.Query(ctx, `
		UPDATE messages
		SET is_read = TRUE, read_at = NOW()
		WHERE id = ANY($1)
		  AND conversation_id = $2
		  AND sender_id <> $3
		  AND is_read = FALSE
		RETURNING id
	`, messageIDs, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		transitioned = append(transitioned, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transitioned, nil
}
