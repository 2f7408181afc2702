package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus distributes events across gateway instances over Redis Pub/Sub
// while also fanning out locally, so co-located subscribers (the websocket
// hub) see every event even when Redis is down.
type RedisBus struct {
	local  *LocalBus
	client redis.UniversalClient
	prefix string
	log    zerolog.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	cancel  []context.CancelFunc
}

// NewRedisBus creates a Redis-backed bus. prefix defaults to "tradegate:events:".
func NewRedisBus(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "tradegate:events:"
	}
	return &RedisBus{
		local:  NewLocalBus(logger),
		client: client,
		prefix: prefix,
		log:    logger.With().Str("component", "eventbus.redis").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(event.Type)).Msg("marshal event")
		return
	}
	// Local subscribers normally receive through the Redis round trip, same
	// as subscribers on other instances. Only a publish failure falls back
	// to direct local delivery, so nothing is delivered twice.
	if err := b.client.Publish(ctx, b.prefix+string(event.Type), data).Err(); err != nil {
		b.log.Warn().Err(err).Str("type", string(event.Type)).Msg("redis publish failed, local-only delivery")
		b.local.Publish(ctx, event)
	}
}

func (b *RedisBus) Subscribe(t Type, handler Handler) func() {
	unsubLocal := b.local.Subscribe(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.prefix+string(t))

	b.mu.Lock()
	b.pubsubs = append(b.pubsubs, pubsub)
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn().Err(err).Msg("unmarshal remote event")
				continue
			}
			handler(ctx, event)
		}
	}()

	return func() {
		cancel()
		_ = pubsub.Close()
		unsubLocal()
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancel {
		cancel()
	}
	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	return b.local.Close()
}
