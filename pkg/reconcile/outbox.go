// Package reconcile implements the client side of the chat delivery protocol:
// optimistic messages are keyed by a correlation token, converge with the
// durable copy announced by the gateway, and advance monotonically through
// sending, sent and read.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
	StatusFailed  Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Message is the durable message shape broadcast by the gateway.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        *string   `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Entry is one message as the viewer sees it.
type Entry struct {
	Token          string
	MessageID      int64
	ConversationID int64
	SenderID       int64
	Content        string
	Status         Status
	Incoming       bool
	CreatedAt      time.Time
}

// Outbox holds the viewer's message timelines. It is safe for concurrent use.
type Outbox struct {
	mu       sync.Mutex
	viewerID int64
	entries  map[int64][]*Entry
	byToken  map[string]*Entry
	byID     map[int64]*Entry
	newToken func() string
	now      func() time.Time
}

func NewOutbox(viewerID int64) *Outbox {
	return &Outbox{
		viewerID: viewerID,
		entries:  make(map[int64][]*Entry),
		byToken:  make(map[string]*Entry),
		byID:     make(map[int64]*Entry),
		newToken: uuid.NewString,
		now:      time.Now,
	}
}

// Queue records an optimistic outgoing message and returns it with a fresh
// correlation token.
func (o *Outbox) Queue(conversationID int64, content string) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := &Entry{
		Token:          o.newToken(),
		ConversationID: conversationID,
		SenderID:       o.viewerID,
		Content:        content,
		Status:         StatusSending,
		CreatedAt:      o.now().UTC(),
	}
	o.entries[conversationID] = append(o.entries[conversationID], entry)
	o.byToken[entry.Token] = entry
	return *entry
}

// ApplySent binds the durable id to the optimistic entry named by token.
// Unknown tokens are ignored.
func (o *Outbox) ApplySent(token string, messageID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.byToken[token]
	if !ok || messageID <= 0 {
		return false
	}
	if entry.MessageID != 0 && entry.MessageID != messageID {
		return false
	}

	if existing, ok := o.byID[messageID]; ok && existing != entry {
		// The broadcast copy landed first; the optimistic entry keeps its
		// position and absorbs it.
		entry.Content = existing.Content
		entry.CreatedAt = existing.CreatedAt
		entry.Status = maxStatus(entry.Status, existing.Status)
		o.remove(existing)
	}

	entry.MessageID = messageID
	entry.Status = maxStatus(entry.Status, StatusSent)
	o.byID[messageID] = entry
	return true
}

// ApplyReceived merges a broadcast message by its durable id and reports
// whether a new entry was appended. An own message with an unknown id is
// appended as its own entry; ApplySent folds it into the optimistic entry
// once the ack carrying the same id arrives.
func (o *Outbox) ApplyReceived(message Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	content := ""
	if message.Content != nil {
		content = *message.Content
	}

	if entry, ok := o.byID[message.ID]; ok {
		entry.Content = content
		entry.CreatedAt = message.CreatedAt
		if message.IsRead {
			entry.Status = maxStatus(entry.Status, StatusRead)
		}
		return false
	}

	own := message.SenderID == o.viewerID
	status := StatusSent
	if message.IsRead {
		status = StatusRead
	}
	entry := &Entry{
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Content:        content,
		Status:         status,
		Incoming:       !own,
		CreatedAt:      message.CreatedAt,
	}
	o.entries[message.ConversationID] = append(o.entries[message.ConversationID], entry)
	o.byID[message.ID] = entry
	return true
}

// ApplyRead marks the viewer's messages as read and returns the ids whose
// status changed.
func (o *Outbox) ApplyRead(conversationID int64, messageIDs []int64) []int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	changed := make([]int64, 0, len(messageIDs))
	for _, id := range messageIDs {
		entry, ok := o.byID[id]
		if !ok || entry.ConversationID != conversationID || entry.Status == StatusRead {
			continue
		}
		entry.Status = StatusRead
		changed = append(changed, id)
	}
	return changed
}

// ApplyUpdated refreshes an edited or deleted message that is already in the
// timeline. Unknown ids are ignored.
func (o *Outbox) ApplyUpdated(message Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.byID[message.ID]
	if !ok || entry.ConversationID != message.ConversationID {
		return false
	}
	entry.Content = ""
	if message.Content != nil {
		entry.Content = *message.Content
	}
	return true
}

// Fail marks a still-pending message as failed. It stays in the timeline.
func (o *Outbox) Fail(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.byToken[token]
	if !ok || entry.Status != StatusSending {
		return false
	}
	entry.Status = StatusFailed
	return true
}

func (o *Outbox) Messages(conversationID int64) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries := o.entries[conversationID]
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, *entry)
	}
	return out
}

// Lookup returns the entry for a correlation token.
func (o *Outbox) Lookup(token string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.byToken[token]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sentEvent struct {
	CorrelationToken string   `json:"correlation_token"`
	MessageID        int64    `json:"message_id"`
	Message          *Message `json:"message"`
}

type receivedEvent struct {
	Message *Message `json:"message"`
}

type readEvent struct {
	ConversationID int64   `json:"conversation_id"`
	MessageIDs     []int64 `json:"message_ids"`
}

// HandleFrame applies a raw gateway frame. Event types the timeline does not
// track are ignored.
func (o *Outbox) HandleFrame(frame []byte) error {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case "message_sent":
		var event sentEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			return fmt.Errorf("decode message_sent: %w", err)
		}
		o.ApplySent(event.CorrelationToken, event.MessageID)
		if event.Message != nil {
			o.ApplyReceived(*event.Message)
		}
	case "message_received":
		var event receivedEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			return fmt.Errorf("decode message_received: %w", err)
		}
		if event.Message != nil {
			o.ApplyReceived(*event.Message)
		}
	case "message_updated":
		var event receivedEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			return fmt.Errorf("decode message_updated: %w", err)
		}
		if event.Message != nil {
			o.ApplyUpdated(*event.Message)
		}
	case "messages_read":
		var event readEvent
		if err := json.Unmarshal(env.Data, &event); err != nil {
			return fmt.Errorf("decode messages_read: %w", err)
		}
		o.ApplyRead(event.ConversationID, event.MessageIDs)
	}
	return nil
}

func (o *Outbox) remove(target *Entry) {
	entries := o.entries[target.ConversationID]
	for i, entry := range entries {
		if entry == target {
			o.entries[target.ConversationID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if target.MessageID != 0 && o.byID[target.MessageID] == target {
		delete(o.byID, target.MessageID)
	}
	if target.Token != "" {
		delete(o.byToken, target.Token)
	}
}

func maxStatus(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}
