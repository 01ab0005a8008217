package metadata

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, time.Hour, zap.NewNop())
}

func TestPutGetRoundTrip(t *testing.T) {
	store := testStore(t)
	record := Record{Titles: []string{"Big Buck Bunny"}, Year: 2008}

	id, err := store.Put(record)
	require.NoError(t, err)
	assert.Equal(t, record.ID(), id)

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestGetUnknownID(t *testing.T) {
	store := testStore(t)
	_, err := store.Get("deadbeefdeadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordIDIsCanonical(t *testing.T) {
	a := Record{Titles: []string{"Show"}, Year: 2020, Season: 2, Episode: 5}
	b := Record{Titles: []string{"Show"}, Year: 2020, Season: 2, Episode: 5}
	c := Record{Titles: []string{"Show"}, Year: 2020, Season: 2, Episode: 6}
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestPutIsIdempotent(t *testing.T) {
	store := testStore(t)
	record := Record{Titles: []string{"Movie"}, Year: 2001}
	id1, err := store.Put(record)
	require.NoError(t, err)
	id2, err := store.Put(record)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
