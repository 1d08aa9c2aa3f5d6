package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saeid-a/EstateHubBack/internal/models"
	"github.com/saeid-a/EstateHubBack/internal/repository"
)

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type ChatService struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	userRepo         userReader
}

// MessageInput is the body of a new message. At least one of Content and
// Media must be present.
type MessageInput struct {
	Content *string
	Media   *models.Media
}

func NewChatService(
	db *pgxpool.Pool,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	userRepo userReader,
) *ChatService {
	return &ChatService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		userRepo:         userRepo,
	}
}

// StartConversation finds or creates the conversation between actorID and
// participantID for the given property context. Concurrent callers for the
// same triple converge on one row through the unique index.
func (s *ChatService) StartConversation(
	ctx context.Context,
	actorID int64,
	participantID int64,
	propertyID *int64,
) (*models.Conversation, bool, error) {
	if actorID <= 0 || participantID <= 0 || actorID == participantID {
		return nil, false, ErrInvalidInput
	}
	if propertyID != nil && *propertyID <= 0 {
		return nil, false, ErrInvalidInput
	}

	if _, err := s.userRepo.GetByID(ctx, participantID); err != nil {
		return nil, false, notFoundOr(err)
	}

	existing, err := s.conversationRepo.FindByParticipants(ctx, actorID, participantID, propertyID)
	if err == nil {
		return existing, false, nil
	}
	if !repository.IsNoRows(err) {
		return nil, false, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txConversationRepo := repository.NewConversationRepository(tx)

	conversation, err := txConversationRepo.Insert(ctx, actorID, participantID, propertyID)
	if repository.IsNoRows(err) {
		// Lost the race: the competing transaction has committed its row.
		_ = tx.Rollback(ctx)
		winner, err := s.conversationRepo.FindByParticipants(ctx, actorID, participantID, propertyID)
		if err != nil {
			return nil, false, fmt.Errorf("reload conversation after conflict: %w", err)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := txConversationRepo.AddParticipants(ctx, conversation.ID, conversation.ParticipantIDs[0], conversation.ParticipantIDs[1]); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	return conversation, true, nil
}

func (s *ChatService) ListConversations(ctx context.Context, actorID int64) ([]models.ConversationSummary, error) {
	if actorID <= 0 {
		return nil, ErrInvalidInput
	}
	return s.conversationRepo.ListForParticipant(ctx, actorID)
}

// GetConversation returns the conversation when actorID is one of its
// participants.
func (s *ChatService) GetConversation(ctx context.Context, actorID int64, conversationID int64) (*models.Conversation, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	conversation, err := s.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, notFoundOr(err)
	}

	member, err := s.conversationRepo.IsParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrForbidden
	}
	return conversation, nil
}

// AppendMessage is the durable write path. The returned message id is the
// only identifier the realtime gateway will ever announce for this message.
func (s *ChatService) AppendMessage(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	input MessageInput,
) (*models.ChatMessage, error) {
	content, media, err := normalizeMessageInput(input)
	if err != nil {
		return nil, err
	}

	if _, err := s.GetConversation(ctx, actorID, conversationID); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, err := txMessageRepo.Create(ctx, conversationID, actorID, content, media)
	if err != nil {
		return nil, err
	}

	if err := txConversationRepo.Touch(ctx, conversationID); err != nil {
		return nil, notFoundOr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return message, nil
}

func (s *ChatService) ListMessages(ctx context.Context, actorID int64, conversationID int64) ([]models.ChatMessage, error) {
	if _, err := s.GetConversation(ctx, actorID, conversationID); err != nil {
		return nil, err
	}
	return s.messageRepo.ListByConversation(ctx, conversationID)
}

func (s *ChatService) EditMessage(
	ctx context.Context,
	actorID int64,
	messageID int64,
	content string,
) (*models.ChatMessage, error) {
	if messageID <= 0 {
		return nil, ErrInvalidInput
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if message.SenderID != actorID {
		return nil, ErrForbidden
	}
	if message.Deleted() {
		return nil, ErrInvalidInput
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrInvalidInput
	}

	updated, err := s.messageRepo.UpdateContent(ctx, messageID, trimmed)
	if repository.IsNoRows(err) {
		// Deleted between the read and the update.
		return nil, ErrInvalidInput
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteMessage soft-deletes a message. Only the sender or an admin may do
// so; deleting an already deleted message returns it unchanged.
func (s *ChatService) DeleteMessage(
	ctx context.Context,
	actorID int64,
	role string,
	messageID int64,
) (*models.ChatMessage, error) {
	if messageID <= 0 {
		return nil, ErrInvalidInput
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if message.SenderID != actorID && role != models.RoleAdmin {
		return nil, ErrForbidden
	}
	if message.Deleted() {
		return message, nil
	}

	deleted, err := s.messageRepo.SoftDelete(ctx, messageID)
	if repository.IsNoRows(err) {
		return s.messageRepo.GetByID(ctx, messageID)
	}
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// MarkRead records that actorID has read the given messages and returns the
// ids that transitioned from unread to read, in ascending order. Ids that are
// already read, authored by the reader, or outside the conversation are
// skipped.
func (s *ChatService) MarkRead(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	messageIDs []int64,
) ([]int64, error) {
	ids, err := normalizeIDs(messageIDs)
	if err != nil {
		return nil, err
	}

	if _, err := s.GetConversation(ctx, actorID, conversationID); err != nil {
		return nil, err
	}

	transitioned, err := s.messageRepo.MarkMessagesRead(ctx, conversationID, ids, actorID)
	if err != nil {
		return nil, err
	}
	sort.Slice(transitioned, func(i, j int) bool { return transitioned[i] < transitioned[j] })
	return transitioned, nil
}

// VerifyAnnouncement checks that messageID was durably stored in
// conversationID by actorID before the gateway fans it out.
func (s *ChatService) VerifyAnnouncement(
	ctx context.Context,
	actorID int64,
	conversationID int64,
	messageID int64,
) (*models.ChatMessage, error) {
	if conversationID <= 0 || messageID <= 0 {
		return nil, ErrInvalidInput
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if message.ConversationID != conversationID || message.SenderID != actorID {
		return nil, ErrForbidden
	}
	if message.Deleted() {
		return nil, ErrInvalidInput
	}
	return message, nil
}

func normalizeMessageInput(input MessageInput) (*string, *models.Media, error) {
	var content *string
	if input.Content != nil {
		trimmed := strings.TrimSpace(*input.Content)
		if trimmed != "" {
			content = &trimmed
		}
	}

	var media *models.Media
	if input.Media != nil {
		url := strings.TrimSpace(input.Media.URL)
		mediaType := models.MediaType(strings.ToUpper(strings.TrimSpace(string(input.Media.Type))))
		if url == "" || !mediaType.Valid() {
			return nil, nil, ErrInvalidInput
		}
		media = &models.Media{URL: url, Type: mediaType}
	}

	if content == nil && media == nil {
		return nil, nil, ErrInvalidInput
	}
	return content, media, nil
}

func normalizeIDs(ids []int64) ([]int64, error) {
	seen := make(map[int64]struct{}, len(ids))
	normalized := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, ErrInvalidInput
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	return normalized, nil
}

func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
