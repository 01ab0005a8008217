package lock

import (
	"context"
	"sync"
	"time"
)

// memoryBackend is the in-process broadcast backend: a TTL map plus a tiny
// pub/sub. It makes the locker work without redis and carries the lock tests.
type memoryBackend struct {
	mu          sync.Mutex
	entries     map[string]memoryEntry
	subscribers map[string][]chan []byte
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		entries:     map[string]memoryEntry{},
		subscribers: map[string][]chan []byte{},
	}
}

func (b *memoryBackend) get(key string) ([]byte, bool) {
	entry, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(b.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (b *memoryBackend) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.get(key); held {
		return false, nil
	}
	b.entries[key] = memoryEntry{value: []byte(owner), expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (b *memoryBackend) LockHeld(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, held := b.get(key)
	return held, nil
}

func (b *memoryBackend) ReleaseLock(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *memoryBackend) StoreOutcome(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = memoryEntry{value: payload, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *memoryBackend) LoadOutcome(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, found := b.get(key)
	return payload, found, nil
}

func (b *memoryBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (b *memoryBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers[channel] {
		select {
		case sub <- payload:
		default:
			// A subscriber that already got a message doesn't need another
		}
	}
	return nil
}
