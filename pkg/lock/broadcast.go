package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// broadcastBackend is the storage+pub/sub surface the broadcast locker needs.
// The in-memory backend serves single-node deployments; the redis backend is
// selected when REDIS_URI is configured.
type broadcastBackend interface {
	// AcquireLock atomically sets the lock key if absent, with a TTL.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// LockHeld reports whether the lock key still exists.
	LockHeld(ctx context.Context, key string) (bool, error)
	// ReleaseLock deletes the lock key.
	ReleaseLock(ctx context.Context, key string) error
	// StoreOutcome memoizes the winner's outcome under the result key.
	StoreOutcome(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// LoadOutcome returns a memoized outcome, if any.
	LoadOutcome(ctx context.Context, key string) ([]byte, bool, error)
	// Subscribe starts listening on the key's channel. The returned cancel
	// must always be called.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	// Publish broadcasts the outcome to all current subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error
}

// BroadcastLocker implements single flight over an atomic set-if-absent plus
// a pub/sub channel per key.
type BroadcastLocker struct {
	backend broadcastBackend
	logger  *zap.Logger
}

func NewBroadcastLocker(backend broadcastBackend, logger *zap.Logger) *BroadcastLocker {
	return &BroadcastLocker{backend: backend, logger: logger}
}

// NewMemoryLocker is the no-external-dependencies default.
func NewMemoryLocker(logger *zap.Logger) *BroadcastLocker {
	return NewBroadcastLocker(newMemoryBackend(), logger)
}

func (l *BroadcastLocker) WithLock(ctx context.Context, key string, produce Producer, opts Options) (Result, error) {
	opts = opts.withDefaults()
	lockKey := "aiolock:" + key
	resultKey := "aiolockres:" + key
	channel := "aiolockch:" + key
	owner := randomOwner()
	deadline := time.Now().Add(opts.Timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		// A memoized outcome short-circuits everything.
		if payload, found, err := l.backend.LoadOutcome(ctx, resultKey); err != nil {
			return Result{}, err
		} else if found {
			data, derr := decodeOutcome(payload)
			if derr != nil {
				return Result{}, derr
			}
			return Result{Data: data, Cached: true}, nil
		}

		acquired, err := l.backend.AcquireLock(ctx, lockKey, owner, opts.TTL)
		if err != nil {
			return Result{}, err
		}
		if acquired {
			return l.runProducer(ctx, lockKey, resultKey, channel, produce, opts)
		}

		// Someone else is producing. Subscribe BEFORE re-checking the lock so
		// a publish between check and subscribe can't be missed.
		msgCh, cancel, err := l.backend.Subscribe(ctx, channel)
		if err != nil {
			return Result{}, err
		}
		held, err := l.backend.LockHeld(ctx, lockKey)
		if err != nil {
			cancel()
			return Result{}, err
		}
		if !held {
			// The winner finished (or died) between our acquire attempt and
			// the subscribe. Loop: either the outcome is memoized now, or we
			// become the producer ourselves.
			cancel()
			continue
		}

		result, done, err := l.await(ctx, msgCh, deadline, opts.RetryInterval)
		cancel()
		if done {
			return result, err
		}
		// Periodic wakeup so a died winner (expired lock, no publish) is
		// detected via the loop's lock re-acquisition.
	}

	return Result{}, ErrLockTimeout
}

func (l *BroadcastLocker) runProducer(ctx context.Context, lockKey, resultKey, channel string, produce Producer, opts Options) (Result, error) {
	data, perr := produce(ctx)
	payload := encodeOutcome(data, perr)

	// Store before publish: late waiters (subscribed after the publish) find
	// the memoized outcome on their next loop iteration. Errors are kept only
	// briefly, long enough to cover in-flight waiters but not a client retry.
	storeTTL := opts.TTL
	if perr != nil {
		storeTTL = errorOutcomeTTL(opts)
	}
	if err := l.backend.StoreOutcome(ctx, resultKey, payload, storeTTL); err != nil {
		l.logger.Error("Couldn't store lock outcome", zap.Error(err), zap.String("key", resultKey))
	}
	if err := l.backend.Publish(ctx, channel, payload); err != nil {
		l.logger.Error("Couldn't publish lock outcome", zap.Error(err), zap.String("channel", channel))
	}
	if err := l.backend.ReleaseLock(ctx, lockKey); err != nil {
		l.logger.Error("Couldn't release lock", zap.Error(err), zap.String("key", lockKey))
	}

	if perr != nil {
		return Result{}, perr
	}
	return Result{Data: data, Cached: false}, nil
}

// await blocks for a published outcome. done is false when the caller should
// re-check state and keep waiting.
func (l *BroadcastLocker) await(ctx context.Context, msgCh <-chan []byte, deadline time.Time, retryInterval time.Duration) (Result, bool, error) {
	wait := time.Until(deadline)
	if retryInterval < wait {
		wait = retryInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case payload, ok := <-msgCh:
		if !ok {
			return Result{}, false, nil
		}
		data, err := decodeOutcome(payload)
		if err != nil {
			return Result{}, true, err
		}
		return Result{Data: data, Cached: true}, true, nil
	case <-timer.C:
		return Result{}, false, nil
	case <-ctx.Done():
		return Result{}, true, ctx.Err()
	}
}

func randomOwner() string {
	buf := make([]byte, 8)
	// crypto/rand never fails on supported platforms
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
