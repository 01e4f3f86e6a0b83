package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/alem-hub/adaptive-core/internal/domain/shared"
	"github.com/alem-hub/adaptive-core/pkg/retry"
)

// DefaultChannel is the pub/sub channel for decision-core events.
const DefaultChannel = "adaptive:decisions"

// ══════════════════════════════════════════════════════════════════════════════
// REDIS EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// RedisClient is the pub/sub subset of Redis the bus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)
}

// RedisMessage represents a message received from Redis Pub/Sub.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RedisEventBus publishes every event to a Redis channel and delivers events
// from other instances to local handlers. Publishing to Redis never blocks
// the local delivery: a failed remote publish is logged and counted.
type RedisEventBus struct {
	client      RedisClient
	localBus    *InMemoryEventBus
	channelName string
	instanceID  string
	retryPolicy retry.Policy
	logger      *slog.Logger

	publishFailures int64
	received        int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Client RedisClient

	// ChannelName is the Redis channel (default: "adaptive:decisions")
	ChannelName string

	// InstanceID filters self-published events. Defaults to a random id.
	InstanceID string

	// LocalBusConfig is the config for the local in-memory bus
	LocalBusConfig InMemoryEventBusConfig

	// Subscribe enables delivery of remote events to local handlers.
	Subscribe bool

	// Logger for structured logging
	Logger *slog.Logger
}

// NewRedisEventBus creates a new Redis-backed event bus.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.ChannelName == "" {
		config.ChannelName = DefaultChannel
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &RedisEventBus{
		client:      config.Client,
		localBus:    NewInMemoryEventBus(config.LocalBusConfig),
		channelName: config.ChannelName,
		instanceID:  config.InstanceID,
		retryPolicy: retry.Publisher,
		logger:      config.Logger.With(slog.String("component", "redis_event_bus")),
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.Subscribe {
		if err := bus.startSubscriber(); err != nil {
			cancel()
			return nil, fmt.Errorf("start subscriber: %w", err)
		}
	}
	return bus, nil
}

// Subscribe registers a handler for a specific event type.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.localBus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *RedisEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.localBus.SubscribeAll(handler)
}

// Publish delivers the event locally and forwards it to Redis in the background.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	data, err := json.Marshal(envelope{
		InstanceID:  b.instanceID,
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	})
	if err != nil {
		b.wg.Done()
		return fmt.Errorf("marshal event: %w", err)
	}

	go func() {
		defer b.wg.Done()
		err := b.retryPolicy.Run(b.ctx, func(ctx context.Context) error {
			return b.client.Publish(ctx, b.channelName, string(data))
		}, nil)
		if err != nil && b.ctx.Err() == nil {
			b.mu.Lock()
			b.publishFailures++
			b.mu.Unlock()
			b.logger.Warn("failed to publish to redis",
				slog.String("event_type", string(event.EventType())),
				slog.String("error", err.Error()),
			)
		}
	}()

	return b.localBus.Publish(event)
}

func (b *RedisEventBus) startSubscriber() error {
	messages, err := b.client.Subscribe(b.ctx, b.channelName)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if msg.Err != nil {
					b.logger.Error("redis subscription error", slog.String("error", msg.Err.Error()))
					continue
				}
				b.handleRemote(msg)
			}
		}
	}()
	return nil
}

func (b *RedisEventBus) handleRemote(msg RedisMessage) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("discarding malformed event", slog.String("error", err.Error()))
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}

	b.mu.Lock()
	b.received++
	b.mu.Unlock()

	if err := b.localBus.Publish(&remoteEvent{env: env}); err != nil {
		b.logger.Error("failed to process remote event", slog.String("error", err.Error()))
	}
}

// Close stops the subscriber, waits for in-flight publishes and closes the local bus.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.localBus.Close()
}

// RedisBusStats reports remote traffic.
type RedisBusStats struct {
	Local           EventBusMetricsSnapshot `json:"local"`
	PublishFailures int64                   `json:"publish_failures"`
	Received        int64                   `json:"received"`
}

// Stats returns local metrics plus remote counters.
func (b *RedisEventBus) Stats() RedisBusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return RedisBusStats{
		Local:           b.localBus.Metrics().Snapshot(),
		PublishFailures: b.publishFailures,
		Received:        b.received,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

type envelope struct {
	InstanceID  string           `json:"instance_id"`
	EventType   shared.EventType `json:"event_type"`
	AggregateID string           `json:"aggregate_id"`
	OccurredAt  time.Time        `json:"occurred_at"`
	Payload     map[string]any   `json:"payload"`
}

// remoteEvent is an event received from another instance.
type remoteEvent struct {
	env envelope
}

func (e *remoteEvent) EventType() shared.EventType { return e.env.EventType }
func (e *remoteEvent) AggregateID() string         { return e.env.AggregateID }
func (e *remoteEvent) OccurredAt() time.Time       { return e.env.OccurredAt }
func (e *remoteEvent) Payload() map[string]any     { return e.env.Payload }

// ══════════════════════════════════════════════════════════════════════════════
// GO-REDIS ADAPTER
// ══════════════════════════════════════════════════════════════════════════════

// GoRedisClient adapts *goredis.Client to RedisClient.
type GoRedisClient struct {
	rdb *goredis.Client
}

// NewGoRedisClient wraps an existing client. The caller owns its lifecycle.
func NewGoRedisClient(rdb *goredis.Client) *GoRedisClient {
	return &GoRedisClient{rdb: rdb}
}

// Publish implements RedisClient.
func (c *GoRedisClient) Publish(ctx context.Context, channel string, message any) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe implements RedisClient. The returned channel closes when ctx is done.
func (c *GoRedisClient) Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error) {
	ps := c.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	out := make(chan RedisMessage, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- RedisMessage{Channel: m.Channel, Payload: m.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
