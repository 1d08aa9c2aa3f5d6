package chatws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/saeid-a/EstateHubBack/internal/models"
	"github.com/saeid-a/EstateHubBack/internal/presence"
	"github.com/saeid-a/EstateHubBack/internal/services"
)

// chatService is the durable store surface the gateway depends on. The
// gateway never persists messages itself.
type chatService interface {
	GetConversation(ctx context.Context, actorID int64, conversationID int64) (*models.Conversation, error)
	VerifyAnnouncement(ctx context.Context, actorID int64, conversationID int64, messageID int64) (*models.ChatMessage, error)
	MarkRead(ctx context.Context, actorID int64, conversationID int64, messageIDs []int64) ([]int64, error)
}

type Options struct {
	SendBuffer int
	Logger     zerolog.Logger
	// Bus, when set, fans room and presence events out to other processes.
	Bus Bus
}

// Hub owns the connections of this process and their room memberships.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[int64]map[string]*Client

	service    chatService
	presence   *presence.Registry
	bus        Bus
	nodeID     string
	sendBuffer int
	logger     zerolog.Logger
}

func NewHub(service chatService, opts Options) *Hub {
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[int64]map[string]*Client),
		service:    service,
		bus:        opts.Bus,
		nodeID:     uuid.NewString(),
		sendBuffer: sendBuffer,
		logger:     opts.Logger.With().Str("component", "chat_hub").Logger(),
	}
}

// UsePresence attaches the registry that tracks connections per user. The
// registry's notifier should be Hub.PresenceChanged.
func (h *Hub) UsePresence(registry *presence.Registry) {
	h.presence = registry
}

// Run consumes the cross-process bus until ctx is cancelled. Without a bus it
// returns immediately.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Subscribe(ctx, h.deliverRemote)
}

// Serve runs an authenticated connection to completion. It blocks until the
// peer disconnects.
func (h *Hub) Serve(conn Conn, userID int64, role string) {
	client := newClient(h, conn, userID, role)
	h.attach(client)
	go client.WritePump()
	client.ReadPump()
}

// Reject closes a connection that failed authentication with an explicit
// error event.
func (h *Hub) Reject(conn Conn) {
	rejectUnauthenticated(conn, h.logger)
}

func (h *Hub) attach(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	client.state.Store(int32(StateAuthenticated))
	client.logger.Debug().Msg("client connected")

	if h.presence != nil {
		h.presence.Register(client.UserID, client.ID)
	}
}

// Disconnect removes the client from every room and from presence. Running it
// more than once for the same client has no further effect.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.ID]; !ok {
		h.mu.Unlock()
		client.Close()
		return
	}
	delete(h.clients, client.ID)
	for conversationID := range client.rooms {
		h.leaveLocked(client, conversationID)
	}
	h.mu.Unlock()

	client.Close()
	client.logger.Debug().Msg("client disconnected")

	if h.presence != nil {
		h.presence.Unregister(client.UserID, client.ID)
	}
}

func (h *Hub) Join(client *Client, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[conversationID] = room
	}
	room[client.ID] = client
	client.rooms[conversationID] = struct{}{}
}

func (h *Hub) Leave(client *Client, conversationID int64) {
	h.mu.Lock()
	h.leaveLocked(client, conversationID)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(client *Client, conversationID int64) {
	delete(client.rooms, conversationID)
	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, client.ID)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

func (h *Hub) InRoom(client *Client, conversationID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := client.rooms[conversationID]
	return ok
}

// RoomSize returns the number of local connections joined to the room.
func (h *Hub) RoomSize(conversationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastRoom delivers an event to every connection in the room except the
// one identified by excludeID, locally and through the bus.
func (h *Hub) BroadcastRoom(conversationID int64, eventType string, data any, excludeID string, droppable bool) {
	payload, err := encodeEvent(eventType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", eventType).Msg("encode room event")
		return
	}

	delivered := h.deliverRoom(conversationID, payload, excludeID, droppable)
	h.logger.Debug().
		Int64("conversation_id", conversationID).
		Str("event", eventType).
		Int("delivered", delivered).
		Msg("room broadcast")

	h.publish(BusEvent{
		Scope:          ScopeRoom,
		ConversationID: conversationID,
		ExcludeID:      excludeID,
		Droppable:      droppable,
		Payload:        payload,
	})
}

// BroadcastAll delivers an event to every connection on every process.
func (h *Hub) BroadcastAll(eventType string, data any) {
	payload, err := encodeEvent(eventType, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", eventType).Msg("encode broadcast event")
		return
	}
	h.deliverAll(payload)
	h.publish(BusEvent{Scope: ScopeAll, Payload: payload})
}

// AnnounceRead tells the room which messages readerID has just read.
func (h *Hub) AnnounceRead(conversationID int64, readerID int64, messageIDs []int64, excludeID string) {
	if len(messageIDs) == 0 {
		return
	}
	h.BroadcastRoom(conversationID, EventMessagesRead, MessagesReadEvent{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		ReaderID:       readerID,
	}, excludeID, false)
}

// AnnounceMessageUpdated pushes an edited or deleted message to its room.
func (h *Hub) AnnounceMessageUpdated(message *models.ChatMessage) {
	if message == nil {
		return
	}
	h.BroadcastRoom(message.ConversationID, EventMessageUpdated, MessageUpdatedEvent{Message: message}, "", false)
}

// PresenceChanged is the presence.Notifier for this hub.
func (h *Hub) PresenceChanged(t presence.Transition) {
	if t.Online {
		h.BroadcastAll(EventUserOnline, PresenceEvent{UserID: t.UserID})
		return
	}
	h.BroadcastAll(EventUserOffline, PresenceEvent{
		UserID:   t.UserID,
		LastSeen: services.FormatChatTimestamp(t.LastSeen),
	})
}

// Close disconnects every local client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.Close()
	}
	if h.bus != nil {
		if err := h.bus.Close(); err != nil {
			h.logger.Warn().Err(err).Msg("close event bus")
		}
	}
}

func (h *Hub) deliverRoom(conversationID int64, payload []byte, excludeID string, droppable bool) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[conversationID]))
	for id, client := range h.rooms[conversationID] {
		if id == excludeID {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if client.Enqueue(payload, droppable) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) deliverAll(payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	// Presence is state, not a hint: a consumer that cannot take it is
	// disconnected and resyncs on reconnect.
	for _, client := range targets {
		client.Enqueue(payload, false)
	}
}

func (h *Hub) publish(event BusEvent) {
	if h.bus == nil {
		return
	}
	event.Origin = h.nodeID
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.Warn().Err(err).Str("scope", event.Scope).Msg("publish to event bus")
	}
}

func (h *Hub) deliverRemote(event BusEvent) {
	if event.Origin == h.nodeID {
		return
	}
	switch event.Scope {
	case ScopeRoom:
		h.deliverRoom(event.ConversationID, event.Payload, event.ExcludeID, event.Droppable)
	case ScopeAll:
		h.deliverAll(event.Payload)
	default:
		h.logger.Warn().Str("scope", event.Scope).Msg("unknown bus event scope")
	}
}
