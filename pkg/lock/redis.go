package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// redisBackend implements the broadcast backend on a shared redis, making the
// single flight hold across all nodes of a deployment.
type redisBackend struct {
	rdb *redis.Client
}

// NewRedisLocker wires a BroadcastLocker to redis. The caller owns the client.
func NewRedisLocker(rdb *redis.Client, logger *zap.Logger) *BroadcastLocker {
	return NewBroadcastLocker(&redisBackend{rdb: rdb}, logger)
}

func (b *redisBackend) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, owner, ttl).Result()
}

func (b *redisBackend) LockHeld(ctx context.Context, key string) (bool, error) {
	_, err := b.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *redisBackend) ReleaseLock(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *redisBackend) StoreOutcome(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, payload, ttl).Err()
}

func (b *redisBackend) LoadOutcome(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := b.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (b *redisBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	// Receive the subscription confirmation so the subscribe is effective
	// before the caller re-checks the lock key.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgCh := pubsub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

func (b *redisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}
