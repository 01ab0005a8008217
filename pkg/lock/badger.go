package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"
)

const lockRowPrefix = "distributed_locks:"

// lockRow is the transactional backend's lock table row. The winner writes
// its outcome into the same row that owns the lock.
type lockRow struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"` // unix nanos
	Done      bool   `json:"done"`
	Outcome   []byte `json:"outcome,omitempty"`
}

// TransactionalLocker implements single flight on a transactional store:
// insert-if-absent into a locks table, then poll the row for the stored
// result. Used when DATABASE_URI is configured instead of redis.
type TransactionalLocker struct {
	db     *badger.DB
	logger *zap.Logger
}

func NewTransactionalLocker(db *badger.DB, logger *zap.Logger) *TransactionalLocker {
	return &TransactionalLocker{db: db, logger: logger}
}

func (l *TransactionalLocker) WithLock(ctx context.Context, key string, produce Producer, opts Options) (Result, error) {
	opts = opts.withDefaults()
	rowKey := []byte(lockRowPrefix + key)
	owner := randomOwner()
	deadline := time.Now().Add(opts.Timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		acquired, row, err := l.tryAcquire(rowKey, owner, opts.TTL)
		if err != nil {
			return Result{}, err
		}
		if acquired {
			return l.runProducer(ctx, rowKey, owner, produce, opts)
		}
		if row.Done {
			data, derr := decodeOutcome(row.Outcome)
			if derr != nil {
				return Result{}, derr
			}
			return Result{Data: data, Cached: true}, nil
		}

		select {
		case <-time.After(opts.RetryInterval):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	return Result{}, ErrLockTimeout
}

// tryAcquire inserts the lock row if absent (or expired), in one transaction.
// Expired rows found along the way are cleaned up opportunistically.
func (l *TransactionalLocker) tryAcquire(rowKey []byte, owner string, ttl time.Duration) (acquired bool, existing lockRow, err error) {
	err = l.db.Update(func(txn *badger.Txn) error {
		l.sweepExpired(txn)

		item, gerr := txn.Get(rowKey)
		if gerr == nil {
			var row lockRow
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); verr != nil {
				return fmt.Errorf("Couldn't decode lock row: %v", verr)
			}
			if row.Done || time.Now().UnixNano() < row.ExpiresAt {
				existing = row
				return nil
			}
			// Held but expired: the previous owner died. Take it over.
		} else if !errors.Is(gerr, badger.ErrKeyNotFound) {
			return gerr
		}

		row := lockRow{Owner: owner, ExpiresAt: time.Now().Add(ttl).UnixNano()}
		rowJSON, merr := json.Marshal(row)
		if merr != nil {
			return fmt.Errorf("Couldn't encode lock row: %v", merr)
		}
		entry := badger.NewEntry(rowKey, rowJSON).WithTTL(2 * ttl)
		if serr := txn.SetEntry(entry); serr != nil {
			return serr
		}
		acquired = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another caller won the insert race; treat as not acquired.
		return false, lockRow{}, nil
	}
	return acquired, existing, err
}

func (l *TransactionalLocker) runProducer(ctx context.Context, rowKey []byte, owner string, produce Producer, opts Options) (Result, error) {
	data, perr := produce(ctx)
	payload := encodeOutcome(data, perr)

	rowTTL := opts.TTL
	if perr != nil {
		rowTTL = errorOutcomeTTL(opts)
	}
	row := lockRow{
		Owner:     owner,
		ExpiresAt: time.Now().Add(rowTTL).UnixNano(),
		Done:      true,
		Outcome:   payload,
	}
	rowJSON, merr := json.Marshal(row)
	if merr != nil {
		return Result{}, fmt.Errorf("Couldn't encode lock outcome row: %v", merr)
	}
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(rowKey, rowJSON).WithTTL(rowTTL))
	})
	if err != nil {
		l.logger.Error("Couldn't store lock outcome", zap.Error(err), zap.ByteString("key", rowKey))
	}

	if perr != nil {
		return Result{}, perr
	}
	return Result{Data: data, Cached: false}, nil
}

// sweepExpired deletes a bounded number of expired, unfinished lock rows.
// Bounded so acquisition latency stays flat on large tables.
func (l *TransactionalLocker) sweepExpired(txn *badger.Txn) {
	const sweepLimit = 16
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(lockRowPrefix)
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	swept := 0
	now := time.Now().UnixNano()
	for it.Rewind(); it.Valid() && swept < sweepLimit; it.Next() {
		item := it.Item()
		var row lockRow
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			continue
		}
		if !row.Done && now >= row.ExpiresAt {
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return
			}
			swept++
		}
	}
}
