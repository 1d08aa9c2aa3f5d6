package chatws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/saeid-a/EstateHubBack/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	eventTimeout   = 10 * time.Second

	closeUnauthenticated = 4401
)

// State is the lifecycle position of a single connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is the subset of the websocket connection the gateway relies on.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one authenticated websocket connection. Events from a client are
// handled one at a time in arrival order by ReadPump; outbound frames are
// queued on send and written by WritePump.
type Client struct {
	ID     string
	UserID int64
	Role   string

	hub    *Hub
	conn   Conn
	send   chan []byte
	done   chan struct{}
	state  atomic.Int32
	once   sync.Once
	logger zerolog.Logger

	// rooms is guarded by hub.mu.
	rooms map[int64]struct{}
}

func newClient(hub *Hub, conn Conn, userID int64, role string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.sendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[int64]struct{}),
	}
	c.logger = hub.logger.With().Str("conn_id", c.ID).Int64("user_id", userID).Logger()
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Enqueue queues payload for delivery. A full buffer means the peer is not
// keeping up; droppable frames are discarded, anything else disconnects the
// client so it can resync from the REST listing.
func (c *Client) Enqueue(payload []byte, droppable bool) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
	}

	if droppable {
		c.logger.Debug().Msg("dropping ephemeral event for slow client")
		return false
	}
	c.logger.Warn().Msg("send buffer full, disconnecting client")
	c.Close()
	return false
}

// Close stops the write loop and closes the socket. Safe to call repeatedly.
func (c *Client) Close() {
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) sendEvent(eventType string, data any) {
	payload, err := encodeEvent(eventType, data)
	if err != nil {
		c.logger.Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	c.Enqueue(payload, false)
}

func (c *Client) sendError(event string, err error) {
	code := errorCode(err)
	if code == CodeInternal {
		c.logger.Error().Err(err).Str("event", event).Msg("event failed")
	}
	c.sendEvent(EventError, ErrorEvent{Code: code, Message: errorMessage(code), Event: event})
}

// ReadPump processes inbound events until the connection fails, then runs the
// disconnect path.
func (c *Client) ReadPump() {
	defer c.hub.Disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
			c.sendError("", services.ErrInvalidInput)
			continue
		}

		c.handle(envelope)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(envelope Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	var err error
	switch envelope.Type {
	case EventPing:
		c.sendEvent(EventPong, struct{}{})
	case EventJoinConversation:
		err = c.handleJoin(ctx, envelope.Data)
	case EventLeaveConversation:
		err = c.handleLeave(envelope.Data)
	case EventSendMessage:
		err = c.handleSendMessage(ctx, envelope.Data)
	case EventTypingStart, EventTypingStop:
		err = c.handleTyping(envelope.Type, envelope.Data)
	case EventMarkRead:
		err = c.handleMarkRead(ctx, envelope.Data)
	default:
		err = services.ErrInvalidInput
	}

	if err != nil {
		c.sendError(envelope.Type, err)
	}
}

func (c *Client) handleJoin(ctx context.Context, data json.RawMessage) error {
	var payload ConversationPayload
	if err := decodePayload(data, &payload); err != nil {
		return err
	}
	if _, err := c.hub.service.GetConversation(ctx, c.UserID, payload.ConversationID); err != nil {
		return err
	}
	c.hub.Join(c, payload.ConversationID)
	c.sendEvent(EventConversationJoined, payload)
	return nil
}

func (c *Client) handleLeave(data json.RawMessage) error {
	var payload ConversationPayload
	if err := decodePayload(data, &payload); err != nil {
		return err
	}
	c.hub.Leave(c, payload.ConversationID)
	return nil
}

// handleSendMessage announces a message that is already durable. The
// broadcast carries the stored row, never the client's copy of the content.
func (c *Client) handleSendMessage(ctx context.Context, data json.RawMessage) error {
	var payload SendMessagePayload
	if err := decodePayload(data, &payload); err != nil {
		return err
	}

	message, err := c.hub.service.VerifyAnnouncement(ctx, c.UserID, payload.ConversationID, payload.MessageID)
	if err != nil {
		return err
	}

	c.sendEvent(EventMessageSent, MessageSentEvent{
		CorrelationToken: payload.CorrelationToken,
		MessageID:        message.ID,
		Status:           StatusSent,
		Message:          message,
	})
	c.hub.BroadcastRoom(payload.ConversationID, EventMessageReceived, MessageReceivedEvent{Message: message}, c.ID, false)
	return nil
}

func (c *Client) handleTyping(eventType string, data json.RawMessage) error {
	var payload ConversationPayload
	if err := decodePayload(data, &payload); err != nil {
		return err
	}
	if !c.hub.InRoom(c, payload.ConversationID) {
		return services.ErrForbidden
	}
	c.hub.BroadcastRoom(payload.ConversationID, eventType, TypingEvent{
		ConversationID: payload.ConversationID,
		UserID:         c.UserID,
	}, c.ID, true)
	return nil
}

func (c *Client) handleMarkRead(ctx context.Context, data json.RawMessage) error {
	var payload MarkReadPayload
	if err := decodePayload(data, &payload); err != nil {
		return err
	}

	transitioned, err := c.hub.service.MarkRead(ctx, c.UserID, payload.ConversationID, payload.MessageIDs)
	if err != nil {
		return err
	}
	c.hub.AnnounceRead(payload.ConversationID, c.UserID, transitioned, c.ID)
	return nil
}

// rejectUnauthenticated tells the peer why it is being dropped before the
// socket closes.
func rejectUnauthenticated(conn Conn, logger zerolog.Logger) {
	payload, err := encodeEvent(EventError, ErrorEvent{
		Code:    CodeUnauthenticated,
		Message: errorMessage(CodeUnauthenticated),
	})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Debug().Err(err).Msg("write unauthenticated error")
		}
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(closeUnauthenticated, CodeUnauthenticated),
		time.Now().Add(writeWait),
	)
	_ = conn.Close()
}
