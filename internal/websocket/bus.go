package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	ScopeRoom = "room"
	ScopeAll  = "all"

	DefaultBusChannel = "chat:events"
)

// BusEvent is a pre-encoded frame relayed between gateway processes.
type BusEvent struct {
	Origin         string          `json:"origin"`
	Scope          string          `json:"scope"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	ExcludeID      string          `json:"exclude_id,omitempty"`
	Droppable      bool            `json:"droppable,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Bus carries room and presence events across processes so that a horizontal
// deployment reaches connections held by other nodes.
type Bus interface {
	Publish(ctx context.Context, event BusEvent) error
	// Subscribe blocks, calling handle for every event, until ctx is done.
	Subscribe(ctx context.Context, handle func(BusEvent)) error
	Close() error
}

// RedisBus implements Bus with Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisBus connects to redisURL and verifies the server answers.
func NewRedisBus(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisBus, error) {
	if redisURL == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisBus{
		client:  client,
		channel: DefaultBusChannel,
		logger:  logger.With().Str("component", "redis_bus").Logger(),
	}, nil
}

var _ Bus = (*RedisBus)(nil)

func (b *RedisBus) Publish(ctx context.Context, event BusEvent) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, encoded).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(BusEvent)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event BusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn().Err(err).Msg("discarding malformed bus event")
				continue
			}
			handle(event)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
