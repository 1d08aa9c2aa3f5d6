package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func text(s string) *string { return &s }

func TestQueueAssignsUniqueTokens(t *testing.T) {
	outbox := NewOutbox(5)

	first := outbox.Queue(7, "hello")
	second := outbox.Queue(7, "hello")

	assert.NotEmpty(t, first.Token)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, StatusSending, first.Status)
	assert.Len(t, outbox.Messages(7), 2)
}

func TestAckThenBroadcastDoesNotDuplicate(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "Is the flat still available?")

	require.True(t, outbox.ApplySent(entry.Token, 101))
	appended := outbox.ApplyReceived(Message{ID: 101, ConversationID: 7, SenderID: 5, Content: text("Is the flat still available?")})

	assert.False(t, appended)
	messages := outbox.Messages(7)
	require.Len(t, messages, 1)
	assert.Equal(t, int64(101), messages[0].MessageID)
	assert.Equal(t, StatusSent, messages[0].Status)
	assert.Equal(t, entry.Token, messages[0].Token)
}

func TestBroadcastBeforeAckIsFoldedByAck(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")

	assert.True(t, outbox.ApplyReceived(Message{ID: 101, ConversationID: 7, SenderID: 5, Content: text("hi")}))
	require.True(t, outbox.ApplySent(entry.Token, 101))

	messages := outbox.Messages(7)
	require.Len(t, messages, 1)
	assert.Equal(t, int64(101), messages[0].MessageID)
	assert.Equal(t, entry.Token, messages[0].Token)
}

func TestOwnMessageFromAnotherTabKeepsItsOwnEntry(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "ok")

	// Same text sent from a second tab lands before this tab's ack.
	outbox.ApplyReceived(Message{ID: 200, ConversationID: 7, SenderID: 5, Content: text("ok")})
	require.True(t, outbox.ApplySent(entry.Token, 201))

	messages := outbox.Messages(7)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(200), messages[0].MessageID)
	assert.Equal(t, int64(201), messages[1].MessageID)
	assert.Equal(t, entry.Token, messages[1].Token)

	assert.Equal(t, []int64{200}, outbox.ApplyRead(7, []int64{200}))
	got, ok := outbox.Lookup(entry.Token)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
}

func TestIdenticalSendsAckedOutOfOrder(t *testing.T) {
	outbox := NewOutbox(5)
	first := outbox.Queue(7, "ok")
	second := outbox.Queue(7, "ok")

	outbox.ApplyReceived(Message{ID: 11, ConversationID: 7, SenderID: 5, Content: text("ok")})
	require.True(t, outbox.ApplySent(first.Token, 10))
	require.True(t, outbox.ApplySent(second.Token, 11))

	messages := outbox.Messages(7)
	require.Len(t, messages, 2)
	assert.Equal(t, first.Token, messages[0].Token)
	assert.Equal(t, int64(10), messages[0].MessageID)
	assert.Equal(t, second.Token, messages[1].Token)
	assert.Equal(t, int64(11), messages[1].MessageID)
}

func TestAckCannotRebindToken(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")

	require.True(t, outbox.ApplySent(entry.Token, 10))
	assert.False(t, outbox.ApplySent(entry.Token, 11))

	got, _ := outbox.Lookup(entry.Token)
	assert.Equal(t, int64(10), got.MessageID)
}

func TestApplyUpdatedRefreshesKnownMessage(t *testing.T) {
	outbox := NewOutbox(5)
	outbox.ApplyReceived(Message{ID: 202, ConversationID: 7, SenderID: 11, Content: text("yes")})

	assert.True(t, outbox.ApplyUpdated(Message{ID: 202, ConversationID: 7, SenderID: 11, Content: text("This message was deleted")}))
	assert.False(t, outbox.ApplyUpdated(Message{ID: 999, ConversationID: 7, SenderID: 11, Content: text("x")}))

	messages := outbox.Messages(7)
	require.Len(t, messages, 1)
	assert.Equal(t, "This message was deleted", messages[0].Content)
}

func TestAckAbsorbsUnmatchedOwnBroadcast(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "draft")

	// The stored text wins over the optimistic copy.
	assert.True(t, outbox.ApplyReceived(Message{ID: 101, ConversationID: 7, SenderID: 5, Content: text("final")}))
	require.True(t, outbox.ApplySent(entry.Token, 101))

	messages := outbox.Messages(7)
	require.Len(t, messages, 1)
	assert.Equal(t, entry.Token, messages[0].Token)
	assert.Equal(t, "final", messages[0].Content)
}

func TestIncomingMessageAppendsOnce(t *testing.T) {
	outbox := NewOutbox(5)
	message := Message{ID: 202, ConversationID: 7, SenderID: 11, Content: text("yes"), CreatedAt: time.Now()}

	assert.True(t, outbox.ApplyReceived(message))
	assert.False(t, outbox.ApplyReceived(message))

	messages := outbox.Messages(7)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Incoming)
}

func TestStatusNeverRegresses(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")
	require.True(t, outbox.ApplySent(entry.Token, 101))

	assert.Equal(t, []int64{101}, outbox.ApplyRead(7, []int64{101}))
	assert.Empty(t, outbox.ApplyRead(7, []int64{101}))

	outbox.ApplySent(entry.Token, 101)
	outbox.ApplyReceived(Message{ID: 101, ConversationID: 7, SenderID: 5, Content: text("hi")})

	got, ok := outbox.Lookup(entry.Token)
	require.True(t, ok)
	assert.Equal(t, StatusRead, got.Status)
}

func TestApplyReadIgnoresOtherConversations(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")
	outbox.ApplySent(entry.Token, 101)

	assert.Empty(t, outbox.ApplyRead(8, []int64{101}))
}

func TestFailKeepsEntryVisible(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")

	require.True(t, outbox.Fail(entry.Token))
	assert.False(t, outbox.Fail(entry.Token))

	messages := outbox.Messages(7)
	require.Len(t, messages, 1)
	assert.Equal(t, StatusFailed, messages[0].Status)
}

func TestFailAfterAckIsIgnored(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")
	outbox.ApplySent(entry.Token, 101)

	assert.False(t, outbox.Fail(entry.Token))
}

func TestUnknownTokenIgnored(t *testing.T) {
	outbox := NewOutbox(5)

	assert.False(t, outbox.ApplySent("missing", 101))
	assert.False(t, outbox.Fail("missing"))
	assert.Empty(t, outbox.Messages(7))
}

func frame(t *testing.T, eventType string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(envelope{Type: eventType, Data: raw})
	require.NoError(t, err)
	return out
}

func TestHandleFrame(t *testing.T) {
	outbox := NewOutbox(5)
	entry := outbox.Queue(7, "hi")

	require.NoError(t, outbox.HandleFrame(frame(t, "message_sent", map[string]any{
		"correlation_token": entry.Token,
		"message_id":        101,
		"status":            "sent",
		"message":           Message{ID: 101, ConversationID: 7, SenderID: 5, Content: text("hi")},
	})))
	require.NoError(t, outbox.HandleFrame(frame(t, "message_received", map[string]any{
		"message": Message{ID: 202, ConversationID: 7, SenderID: 11, Content: text("hello")},
	})))
	require.NoError(t, outbox.HandleFrame(frame(t, "messages_read", map[string]any{
		"conversation_id": 7,
		"message_ids":     []int64{101},
		"reader_id":       11,
	})))
	require.NoError(t, outbox.HandleFrame(frame(t, "message_updated", map[string]any{
		"message": Message{ID: 202, ConversationID: 7, SenderID: 11, Content: text("hello again")},
	})))
	require.NoError(t, outbox.HandleFrame(frame(t, "typing_start", map[string]any{"conversation_id": 7, "user_id": 11})))

	messages := outbox.Messages(7)
	require.Len(t, messages, 2)
	assert.Equal(t, StatusRead, messages[0].Status)
	assert.True(t, messages[1].Incoming)
	assert.Equal(t, "hello again", messages[1].Content)

	assert.Error(t, outbox.HandleFrame([]byte("{")))
}
