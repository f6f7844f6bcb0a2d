package eventbus

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the redis client used by the bridge.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisBridge mirrors a Bus onto a redis pub/sub channel. Events published
// locally are sent to redis; events received from redis with a foreign origin
// are delivered to local subscribers only, so they are never re-forwarded.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	bus     *Bus
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]*list.Element
	lru  *list.List
	max  int
}

// NewRedisBridge attaches a bridge to bus. Call Run to start receiving.
func NewRedisBridge(client redis.UniversalClient, channel string, bus *Bus, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	rb := &RedisBridge{
		client:  client,
		channel: channel,
		bus:     bus,
		logger:  logger.With(zap.String("component", "eventbus_redis")),
		seen:    make(map[string]*list.Element),
		lru:     list.New(),
		max:     4096,
	}
	bus.AddForwarder(rb.forward)
	return rb
}

func (rb *RedisBridge) forward(ctx context.Context, ev Event) {
	rb.markSeen(ev.ID)
	data, err := json.Marshal(ev)
	if err != nil {
		rb.logger.Error("failed to encode event", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	if err := rb.client.Publish(ctx, rb.channel, data).Err(); err != nil {
		rb.logger.Warn("failed to forward event to redis",
			zap.String("topic", ev.Topic),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
	}
}

// Run receives remote events until ctx is done.
func (rb *RedisBridge) Run(ctx context.Context) error {
	pubsub := rb.client.Subscribe(ctx, rb.channel)
	defer pubsub.Close()

	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", rb.channel, err)
	}
	rb.logger.Info("redis event bridge subscribed", zap.String("channel", rb.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rb.handle(msg.Payload)
		}
	}
}

func (rb *RedisBridge) handle(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		rb.logger.Warn("discarding malformed remote event", zap.Error(err))
		return
	}
	if ev.Origin == rb.bus.Origin() {
		return
	}
	if !rb.markSeen(ev.ID) {
		return
	}
	rb.bus.Deliver(ev)
}

// markSeen records id and reports whether it was new.
func (rb *RedisBridge) markSeen(id string) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if el, ok := rb.seen[id]; ok {
		rb.lru.MoveToFront(el)
		return false
	}
	rb.seen[id] = rb.lru.PushFront(id)
	if rb.lru.Len() > rb.max {
		oldest := rb.lru.Back()
		rb.lru.Remove(oldest)
		delete(rb.seen, oldest.Value.(string))
	}
	return true
}
