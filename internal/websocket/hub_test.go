package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
	"github.com/saeid-a/EstateHubBack/internal/models"
	"github.com/saeid-a/EstateHubBack/internal/presence"
	"github.com/saeid-a/EstateHubBack/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventWait = time.Second

type fakeConn struct {
	inbound  chan []byte
	outbound chan Envelope
	closed   chan struct{}
	once     sync.Once

	mu         sync.Mutex
	closeFrame []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan Envelope, 256),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-f.inbound:
		return websocket.TextMessage, payload, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	f.outbound <- envelope
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.CloseMessage {
		f.closeFrame = data
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) emit(t *testing.T, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	require.NoError(t, err)
	f.inbound <- payload
}

// next returns the next event of the given type, skipping others.
func (f *fakeConn) next(t *testing.T, eventType string) Envelope {
	t.Helper()
	deadline := time.After(eventWait)
	for {
		select {
		case envelope := <-f.outbound:
			if envelope.Type == eventType {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return Envelope{}
		}
	}
}

func (f *fakeConn) expectNone(t *testing.T, eventType string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case envelope := <-f.outbound:
			if envelope.Type == eventType {
				t.Fatalf("unexpected %s event: %s", eventType, string(envelope.Data))
			}
		case <-deadline:
			return
		}
	}
}

type stubService struct {
	mu            sync.Mutex
	members       map[int64][]int64
	messages      map[int64]*models.ChatMessage
	readResult    []int64
	readErr       error
	markReadCalls int
}

func newStubService() *stubService {
	content := "Is this still available?"
	return &stubService{
		members: map[int64][]int64{7: {5, 11}},
		messages: map[int64]*models.ChatMessage{
			101: {ID: 101, ConversationID: 7, SenderID: 5, Content: &content, CreatedAt: time.Now().UTC()},
		},
	}
}

func (s *stubService) isMember(conversationID, userID int64) (bool, bool) {
	members, ok := s.members[conversationID]
	if !ok {
		return false, false
	}
	for _, member := range members {
		if member == userID {
			return true, true
		}
	}
	return true, false
}

func (s *stubService) GetConversation(_ context.Context, actorID int64, conversationID int64) (*models.Conversation, error) {
	exists, member := s.isMember(conversationID, actorID)
	if !exists {
		return nil, services.ErrNotFound
	}
	if !member {
		return nil, services.ErrForbidden
	}
	members := s.members[conversationID]
	return &models.Conversation{ID: conversationID, ParticipantIDs: [2]int64{members[0], members[1]}}, nil
}

func (s *stubService) VerifyAnnouncement(_ context.Context, actorID int64, conversationID int64, messageID int64) (*models.ChatMessage, error) {
	message, ok := s.messages[messageID]
	if !ok {
		return nil, services.ErrNotFound
	}
	if message.ConversationID != conversationID || message.SenderID != actorID {
		return nil, services.ErrForbidden
	}
	return message, nil
}

func (s *stubService) MarkRead(_ context.Context, actorID int64, conversationID int64, messageIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReadCalls++
	if _, member := s.isMember(conversationID, actorID); !member {
		return nil, services.ErrForbidden
	}
	return s.readResult, s.readErr
}

type testGateway struct {
	hub      *Hub
	registry *presence.Registry
	service  *stubService
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	service := newStubService()
	hub := NewHub(service, Options{SendBuffer: 32, Logger: zerolog.Nop()})
	registry := presence.NewRegistry(hub.PresenceChanged)
	hub.UsePresence(registry)
	t.Cleanup(hub.Close)
	t.Cleanup(registry.Close)
	return &testGateway{hub: hub, registry: registry, service: service}
}

func (g *testGateway) connect(t *testing.T, userID int64) *fakeConn {
	t.Helper()
	before := g.hub.ConnectionCount()
	userBefore := 0
	if g.registry != nil {
		userBefore = g.registry.ConnectionCount(userID)
	}
	conn := newFakeConn()
	go g.hub.Serve(conn, userID, models.RoleBuyer)
	require.Eventually(t, func() bool {
		if g.hub.ConnectionCount() <= before {
			return false
		}
		return g.registry == nil || g.registry.ConnectionCount(userID) > userBefore
	}, eventWait, 5*time.Millisecond)
	return conn
}

func (g *testGateway) join(t *testing.T, conn *fakeConn, conversationID int64) {
	t.Helper()
	conn.emit(t, EventJoinConversation, ConversationPayload{ConversationID: conversationID})
	conn.next(t, EventConversationJoined)
}

func decodeData(t *testing.T, envelope Envelope, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func TestSendMessageAcksSenderAndFansOutToRoom(t *testing.T) {
	g := newTestGateway(t)
	sender := g.connect(t, 5)
	receiver := g.connect(t, 11)
	g.join(t, sender, 7)
	g.join(t, receiver, 7)

	sender.emit(t, EventSendMessage, SendMessagePayload{
		ConversationID:   7,
		MessageID:        101,
		CorrelationToken: "tmp-1",
	})

	var ack MessageSentEvent
	decodeData(t, sender.next(t, EventMessageSent), &ack)
	assert.Equal(t, "tmp-1", ack.CorrelationToken)
	assert.Equal(t, int64(101), ack.MessageID)
	assert.Equal(t, StatusSent, ack.Status)

	var received MessageReceivedEvent
	decodeData(t, receiver.next(t, EventMessageReceived), &received)
	require.NotNil(t, received.Message)
	assert.Equal(t, int64(101), received.Message.ID)
	assert.Equal(t, "Is this still available?", *received.Message.Content)

	sender.expectNone(t, EventMessageReceived, 100*time.Millisecond)
}

func TestSendMessageWithoutDurableIDIsRejected(t *testing.T) {
	g := newTestGateway(t)
	sender := g.connect(t, 5)
	receiver := g.connect(t, 11)
	g.join(t, sender, 7)
	g.join(t, receiver, 7)

	sender.emit(t, EventSendMessage, map[string]any{
		"conversation_id":   7,
		"correlation_token": "tmp-2",
		"content":           "not persisted",
	})

	var failure ErrorEvent
	decodeData(t, sender.next(t, EventError), &failure)
	assert.Equal(t, CodeInvalid, failure.Code)
	assert.Equal(t, EventSendMessage, failure.Event)

	receiver.expectNone(t, EventMessageReceived, 100*time.Millisecond)
}

func TestSendMessageRejectsSpoofedID(t *testing.T) {
	g := newTestGateway(t)
	spoofer := g.connect(t, 11)
	victim := g.connect(t, 5)
	g.join(t, spoofer, 7)
	g.join(t, victim, 7)

	spoofer.emit(t, EventSendMessage, SendMessagePayload{
		ConversationID:   7,
		MessageID:        101,
		CorrelationToken: "tmp-3",
	})

	var failure ErrorEvent
	decodeData(t, spoofer.next(t, EventError), &failure)
	assert.Equal(t, CodeForbidden, failure.Code)
	victim.expectNone(t, EventMessageReceived, 100*time.Millisecond)
}

func TestJoinRequiresParticipant(t *testing.T) {
	g := newTestGateway(t)
	outsider := g.connect(t, 99)

	outsider.emit(t, EventJoinConversation, ConversationPayload{ConversationID: 7})
	var failure ErrorEvent
	decodeData(t, outsider.next(t, EventError), &failure)
	assert.Equal(t, CodeForbidden, failure.Code)
	assert.Equal(t, 0, g.hub.RoomSize(7))

	outsider.emit(t, EventJoinConversation, ConversationPayload{ConversationID: 404})
	decodeData(t, outsider.next(t, EventError), &failure)
	assert.Equal(t, CodeNotFound, failure.Code)
}

func TestJoinIsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect(t, 5)
	g.join(t, conn, 7)
	g.join(t, conn, 7)
	assert.Equal(t, 1, g.hub.RoomSize(7))

	conn.emit(t, EventLeaveConversation, ConversationPayload{ConversationID: 7})
	require.Eventually(t, func() bool { return g.hub.RoomSize(7) == 0 }, eventWait, 5*time.Millisecond)
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	g := newTestGateway(t)
	typer := g.connect(t, 5)
	watcher := g.connect(t, 11)
	g.join(t, typer, 7)
	g.join(t, watcher, 7)

	typer.emit(t, EventTypingStart, ConversationPayload{ConversationID: 7})
	var typing TypingEvent
	decodeData(t, watcher.next(t, EventTypingStart), &typing)
	assert.Equal(t, TypingEvent{ConversationID: 7, UserID: 5}, typing)

	typer.emit(t, EventTypingStop, ConversationPayload{ConversationID: 7})
	watcher.next(t, EventTypingStop)
	typer.expectNone(t, EventTypingStart, 100*time.Millisecond)
}

func TestTypingOutsideRoomIsForbidden(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect(t, 5)

	conn.emit(t, EventTypingStart, ConversationPayload{ConversationID: 7})
	var failure ErrorEvent
	decodeData(t, conn.next(t, EventError), &failure)
	assert.Equal(t, CodeForbidden, failure.Code)
}

func TestMarkReadRelaysReceiptToSender(t *testing.T) {
	g := newTestGateway(t)
	g.service.readResult = []int64{101}
	sender := g.connect(t, 5)
	reader := g.connect(t, 11)
	g.join(t, sender, 7)
	g.join(t, reader, 7)

	reader.emit(t, EventMarkRead, MarkReadPayload{ConversationID: 7, MessageIDs: []int64{101}})

	var receipt MessagesReadEvent
	decodeData(t, sender.next(t, EventMessagesRead), &receipt)
	assert.Equal(t, MessagesReadEvent{ConversationID: 7, MessageIDs: []int64{101}, ReaderID: 11}, receipt)
	reader.expectNone(t, EventMessagesRead, 100*time.Millisecond)
}

func TestMarkReadWithNothingTransitionedIsSilent(t *testing.T) {
	g := newTestGateway(t)
	g.service.readResult = []int64{}
	sender := g.connect(t, 5)
	reader := g.connect(t, 11)
	g.join(t, sender, 7)
	g.join(t, reader, 7)

	reader.emit(t, EventMarkRead, MarkReadPayload{ConversationID: 7, MessageIDs: []int64{101}})
	sender.expectNone(t, EventMessagesRead, 150*time.Millisecond)

	g.service.mu.Lock()
	defer g.service.mu.Unlock()
	assert.Equal(t, 1, g.service.markReadCalls)
}

func TestUnknownEventAndMalformedFrame(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect(t, 5)

	conn.emit(t, "teleport", struct{}{})
	var failure ErrorEvent
	decodeData(t, conn.next(t, EventError), &failure)
	assert.Equal(t, CodeInvalid, failure.Code)

	conn.inbound <- []byte("{not json")
	decodeData(t, conn.next(t, EventError), &failure)
	assert.Equal(t, CodeInvalid, failure.Code)

	conn.emit(t, EventPing, struct{}{})
	conn.next(t, EventPong)
}

func TestPresenceBroadcastsOnFirstAndLastConnection(t *testing.T) {
	g := newTestGateway(t)
	observer := g.connect(t, 11)

	first := g.connect(t, 5)
	var online PresenceEvent
	decodeData(t, observer.next(t, EventUserOnline), &online)
	if online.UserID == 11 {
		decodeData(t, observer.next(t, EventUserOnline), &online)
	}
	assert.Equal(t, int64(5), online.UserID)

	second := g.connect(t, 5)
	observer.expectNone(t, EventUserOnline, 100*time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return g.registry.ConnectionCount(5) == 1 }, eventWait, 5*time.Millisecond)
	observer.expectNone(t, EventUserOffline, 100*time.Millisecond)
	assert.True(t, g.registry.IsOnline(5))

	second.Close()
	var offline PresenceEvent
	decodeData(t, observer.next(t, EventUserOffline), &offline)
	assert.Equal(t, int64(5), offline.UserID)
	assert.NotEmpty(t, offline.LastSeen)
	assert.False(t, g.registry.IsOnline(5))
}

func TestDisconnectLeavesRoomsAndIsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	conn := g.connect(t, 5)
	g.join(t, conn, 7)
	require.Equal(t, 1, g.hub.RoomSize(7))

	g.hub.mu.RLock()
	var client *Client
	for _, c := range g.hub.clients {
		client = c
	}
	g.hub.mu.RUnlock()
	require.NotNil(t, client)

	g.hub.Disconnect(client)
	g.hub.Disconnect(client)

	assert.Equal(t, 0, g.hub.RoomSize(7))
	assert.Equal(t, 0, g.hub.ConnectionCount())
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, g.registry.IsOnline(5))
	assert.True(t, conn.isClosed())
}

func TestRejectSendsExplicitError(t *testing.T) {
	g := newTestGateway(t)
	conn := newFakeConn()

	g.hub.Reject(conn)

	var failure ErrorEvent
	decodeData(t, conn.next(t, EventError), &failure)
	assert.Equal(t, CodeUnauthenticated, failure.Code)
	assert.True(t, conn.isClosed())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.NotEmpty(t, conn.closeFrame)
}

type memoryBus struct {
	mu        sync.Mutex
	published []BusEvent
}

func (b *memoryBus) Publish(_ context.Context, event BusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, _ func(BusEvent)) error {
	<-ctx.Done()
	return nil
}

func (b *memoryBus) Close() error { return nil }

func TestRemoteBusEventsReachLocalRoom(t *testing.T) {
	service := newStubService()
	bus := &memoryBus{}
	hub := NewHub(service, Options{Logger: zerolog.Nop(), Bus: bus})
	t.Cleanup(hub.Close)

	g := &testGateway{hub: hub, service: service}
	conn := g.connect(t, 11)
	g.join(t, conn, 7)

	payload, err := encodeEvent(EventTypingStart, TypingEvent{ConversationID: 7, UserID: 5})
	require.NoError(t, err)

	hub.deliverRemote(BusEvent{Origin: hub.nodeID, Scope: ScopeRoom, ConversationID: 7, Payload: payload})
	conn.expectNone(t, EventTypingStart, 100*time.Millisecond)

	hub.deliverRemote(BusEvent{Origin: "other-node", Scope: ScopeRoom, ConversationID: 7, Payload: payload})
	var typing TypingEvent
	decodeData(t, conn.next(t, EventTypingStart), &typing)
	assert.Equal(t, int64(5), typing.UserID)

	hub.BroadcastRoom(7, EventTypingStop, TypingEvent{ConversationID: 7, UserID: 11}, "", true)
	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.NotEmpty(t, bus.published)
	last := bus.published[len(bus.published)-1]
	assert.Equal(t, hub.nodeID, last.Origin)
	assert.Equal(t, ScopeRoom, last.Scope)
	assert.Equal(t, int64(7), last.ConversationID)
}

func TestSendMessageBroadcastsStoredContent(t *testing.T) {
	g := newTestGateway(t)
	sender := g.connect(t, 5)
	receiver := g.connect(t, 11)
	g.join(t, sender, 7)
	g.join(t, receiver, 7)

	sender.emit(t, EventSendMessage, map[string]any{
		"conversation_id":   7,
		"message_id":        101,
		"correlation_token": "tmp-4",
		"content":           "forged text",
	})

	var received MessageReceivedEvent
	decodeData(t, receiver.next(t, EventMessageReceived), &received)
	require.NotNil(t, received.Message)
	assert.Equal(t, "Is this still available?", *received.Message.Content)
}

func TestAnnounceMessageUpdatedReachesWholeRoom(t *testing.T) {
	g := newTestGateway(t)
	author := g.connect(t, 5)
	other := g.connect(t, 11)
	g.join(t, author, 7)
	g.join(t, other, 7)

	content := models.DeletedMessagePlaceholder
	g.hub.AnnounceMessageUpdated(&models.ChatMessage{ID: 101, ConversationID: 7, SenderID: 5, Content: &content})

	for _, conn := range []*fakeConn{author, other} {
		var updated MessageUpdatedEvent
		decodeData(t, conn.next(t, EventMessageUpdated), &updated)
		require.NotNil(t, updated.Message)
		assert.Equal(t, models.DeletedMessagePlaceholder, *updated.Message.Content)
	}
}

func TestAnnounceReadSkipsEmptyTransitions(t *testing.T) {
	g := newTestGateway(t)
	author := g.connect(t, 5)
	g.join(t, author, 7)

	g.hub.AnnounceRead(7, 11, nil, "")
	author.expectNone(t, EventMessagesRead, 100*time.Millisecond)

	g.hub.AnnounceRead(7, 11, []int64{101}, "")
	var receipt MessagesReadEvent
	decodeData(t, author.next(t, EventMessagesRead), &receipt)
	assert.Equal(t, []int64{101}, receipt.MessageIDs)
}

func TestPresenceIsNotDroppedForSlowConsumer(t *testing.T) {
	hub := NewHub(newStubService(), Options{SendBuffer: 1, Logger: zerolog.Nop()})
	conn := newFakeConn()
	client := newClient(hub, conn, 11, models.RoleBuyer)
	hub.attach(client)

	require.True(t, client.Enqueue([]byte(`{"type":"message_received"}`), false))
	hub.PresenceChanged(presence.Transition{UserID: 5, Online: false, LastSeen: time.Now()})

	assert.True(t, conn.isClosed(), "a consumer that cannot take a presence change must be disconnected")
	assert.Equal(t, StateDisconnected, client.State())
}
