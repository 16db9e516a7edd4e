package gateway

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Backplane replicates fanout envelopes to every gateway instance. A send
// issued here must reach clients connected elsewhere, so all sends are
// published and every instance delivers to its own connections on receipt.
type Backplane interface {
	Publish(ctx context.Context, payload []byte) error
	// Run delivers incoming envelopes to the handler until ctx ends.
	Run(ctx context.Context, handler func(payload []byte))
	Close() error
}

// RedisBackplane is a thin wrapper over redis pub/sub.
type RedisBackplane struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	pubsub  *redis.PubSub
}

func NewRedisBackplane(client *redis.Client, channel string, logger *slog.Logger) *RedisBackplane {
	return &RedisBackplane{client: client, channel: channel, logger: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBackplane) Run(ctx context.Context, handler func(payload []byte)) {
	b.pubsub = b.client.Subscribe(ctx, b.channel)
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			handler([]byte(m.Payload))
		}
	}
}

func (b *RedisBackplane) Close() error {
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	return nil
}

// LoopbackBackplane short-circuits publish to the local handler. It serves
// single-instance runs without redis and the gateway tests.
type LoopbackBackplane struct {
	handler func(payload []byte)
}

func NewLoopbackBackplane() *LoopbackBackplane { return &LoopbackBackplane{} }

func (b *LoopbackBackplane) Publish(ctx context.Context, payload []byte) error {
	if b.handler != nil {
		b.handler(payload)
	}
	return nil
}

func (b *LoopbackBackplane) Run(ctx context.Context, handler func(payload []byte)) {
	b.handler = handler
	<-ctx.Done()
}

func (b *LoopbackBackplane) Close() error { return nil }
