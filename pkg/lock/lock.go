// Package lock implements the distributed single-flight primitive that
// collapses concurrent identical work across the whole deployment: at most
// one producer runs per key, and its result bytes are replayed to every
// concurrent and shortly-following caller.
package lock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLockTimeout is returned when a waiter's timeout elapses before the
// winning producer publishes an outcome. Waiters also see this when the
// winner died before publishing and its lock is still held when their
// timeout elapses; once the lock expires, the next waiter takes it over and
// runs the producer itself.
var ErrLockTimeout = errors.New("timed out waiting for lock result")

// Options control one WithLock call.
type Options struct {
	// TTL is both the crash-safety expiry of a held lock and the validity of
	// the memoized result.
	TTL time.Duration
	// Timeout bounds how long a waiter blocks for the winner's outcome.
	Timeout time.Duration
	// RetryInterval is how often waiters re-check state while blocked.
	RetryInterval time.Duration
}

var DefaultOptions = Options{
	TTL:           30 * time.Second,
	Timeout:       30 * time.Second,
	RetryInterval: 250 * time.Millisecond,
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultOptions.TTL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultOptions.Timeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultOptions.RetryInterval
	}
	return o
}

// Producer runs the guarded work and returns the payload to share.
type Producer func(ctx context.Context) ([]byte, error)

// Result is what every caller observes. Cached is false for exactly the one
// caller whose producer actually ran.
type Result struct {
	Data   []byte
	Cached bool
}

// Locker is the single-flight interface. Implementations: the broadcast
// locker (in-memory or redis pub/sub) and the transactional badger locker.
type Locker interface {
	WithLock(ctx context.Context, key string, produce Producer, opts Options) (Result, error)
}

// errorOutcomeTTL bounds how long a failed producer's outcome is memoized:
// concurrent waiters must see it, but a later retry should run the producer
// again.
func errorOutcomeTTL(opts Options) time.Duration {
	ttl := 4 * opts.RetryInterval
	if ttl > opts.TTL {
		ttl = opts.TTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// outcome is the wire format winners publish to waiters.
type outcome struct {
	Data  string `json:"data,omitempty"` // base64
	Error string `json:"error,omitempty"`
}

func encodeOutcome(data []byte, err error) []byte {
	o := outcome{}
	if err != nil {
		o.Error = err.Error()
	} else {
		o.Data = base64.StdEncoding.EncodeToString(data)
	}
	// Marshaling a struct of two strings can't fail
	payload, _ := json.Marshal(o)
	return payload
}

func decodeOutcome(payload []byte) ([]byte, error) {
	var o outcome
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("Couldn't decode lock outcome: %v", err)
	}
	if o.Error != "" {
		return nil, errors.New(o.Error)
	}
	data, err := base64.StdEncoding.DecodeString(o.Data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't decode lock outcome payload: %v", err)
	}
	return data, nil
}
