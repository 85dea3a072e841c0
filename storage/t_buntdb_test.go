package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *BuntDBProvider {
	t.Helper()
	p := NewBuntDBProvider(":memory:")
	require.NoError(t, p.Initialize())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestBuntDBSetGet tests the basic set/get round trip and overwriting.
func TestBuntDBSetGet(t *testing.T) {
	p := newTestProvider(t)

	require.NoError(t, p.Set("queue:orders", []byte("v1")))
	got, err := p.Get("queue:orders")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, p.Set("queue:orders", []byte("v2")))
	got, err = p.Get("queue:orders")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

// TestBuntDBGetMissing tests the not-found sentinel.
func TestBuntDBGetMissing(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.Get("queue:ghost")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestBuntDBDelete tests deletion, including of keys that never existed.
func TestBuntDBDelete(t *testing.T) {
	p := newTestProvider(t)

	require.NoError(t, p.Set("exchange:events", []byte("x")))
	require.NoError(t, p.Delete("exchange:events"))

	exists, err := p.Exists("exchange:events")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.Delete("exchange:events"), "deleting a missing key is not an error")
}

// TestBuntDBExists tests existence checks on both present and absent keys.
func TestBuntDBExists(t *testing.T) {
	p := newTestProvider(t)

	exists, err := p.Exists("queue:q")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, p.Set("queue:q", []byte("here")))
	exists, err = p.Exists("queue:q")
	require.NoError(t, err)
	assert.True(t, exists)
}

// TestBuntDBBatchOps tests batch set, batch get skipping absent keys, and
// batch delete tolerating absent keys.
func TestBuntDBBatchOps(t *testing.T) {
	p := newTestProvider(t)

	require.NoError(t, p.SetBatch(map[string][]byte{
		"message:q:001": []byte("a"),
		"message:q:002": []byte("b"),
		"message:q:003": []byte("c"),
	}))

	got, err := p.GetBatch([]string{"message:q:001", "message:q:003", "message:q:999"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got["message:q:001"])
	assert.Equal(t, []byte("c"), got["message:q:003"])
	assert.NotContains(t, got, "message:q:999")

	require.NoError(t, p.DeleteBatch([]string{"message:q:001", "message:q:002", "message:q:404"}))

	keys, err := p.Keys("message:q:")
	require.NoError(t, err)
	assert.Equal(t, []string{"message:q:003"}, keys)
}

// TestBuntDBKeysPrefix tests that prefix listing does not bleed across
// prefixes.
func TestBuntDBKeysPrefix(t *testing.T) {
	p := newTestProvider(t)

	require.NoError(t, p.Set("queue:a", []byte("1")))
	require.NoError(t, p.Set("queue:b", []byte("2")))
	require.NoError(t, p.Set("exchange:a", []byte("3")))

	keys, err := p.Keys("queue:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"queue:a", "queue:b"}, keys)

	keys, err = p.Keys("msgidx:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// TestBuntDBScan tests iteration with values and that a callback error stops
// the scan and surfaces.
func TestBuntDBScan(t *testing.T) {
	p := newTestProvider(t)

	require.NoError(t, p.Set("exchange:e1", []byte("direct")))
	require.NoError(t, p.Set("exchange:e2", []byte("topic")))

	seen := make(map[string]string)
	err := p.Scan("exchange:", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"exchange:e1": "direct", "exchange:e2": "topic"}, seen)

	boom := errors.New("boom")
	calls := 0
	err = p.Scan("exchange:", func(string, []byte) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "scan must stop on the first callback error")
}

// TestBuntDBTxCommit tests that buffered writes become visible only after
// commit, and that only one transaction can be open at a time.
func TestBuntDBTxCommit(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, p.Set("queue:old", []byte("stale")))

	tx, err := p.BeginTx()
	require.NoError(t, err)

	_, err = p.BeginTx()
	require.ErrorIs(t, err, ErrTxAlreadyOpen)

	require.NoError(t, tx.Set("queue:new", []byte("fresh")))
	require.NoError(t, tx.Delete("queue:old"))

	// Transaction view
	got, err := tx.Get("queue:new")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
	_, err = tx.Get("queue:old")
	require.ErrorIs(t, err, ErrKeyNotFound)
	exists, err := tx.Exists("queue:new")
	require.NoError(t, err)
	assert.True(t, exists)

	// Provider still sees the pre-transaction state
	_, err = p.Get("queue:new")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, tx.Commit())

	got, err = p.Get("queue:new")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
	_, err = p.Get("queue:old")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// A new transaction can start after commit
	tx2, err := p.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

// TestBuntDBTxRollback tests that rollback discards everything buffered.
func TestBuntDBTxRollback(t *testing.T) {
	p := newTestProvider(t)
	require.NoError(t, p.Set("queue:keep", []byte("untouched")))

	tx, err := p.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Set("queue:discard", []byte("never")))
	require.NoError(t, tx.Delete("queue:keep"))
	require.NoError(t, tx.Rollback())

	got, err := p.Get("queue:keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("untouched"), got)
	_, err = p.Get("queue:discard")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestBuntDBTxBatches tests the batch operations inside a transaction,
// including a later delete shadowing an earlier write.
func TestBuntDBTxBatches(t *testing.T) {
	p := newTestProvider(t)

	tx, err := p.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.SetBatch(map[string][]byte{
		"message:q:1": []byte("a"),
		"message:q:2": []byte("b"),
	}))
	require.NoError(t, tx.DeleteBatch([]string{"message:q:2"}))
	require.NoError(t, tx.Commit())

	_, err = p.Get("message:q:1")
	require.NoError(t, err)
	_, err = p.Get("message:q:2")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

// TestBuntDBFilePersistence tests that a file-backed database survives a
// close and reopen.
func TestBuntDBFilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	p1 := NewBuntDBProvider(path)
	require.NoError(t, p1.Initialize())
	require.NoError(t, p1.Set("queue:durable", []byte("still here")))
	require.NoError(t, p1.Close())

	p2 := NewBuntDBProvider(path)
	require.NoError(t, p2.Initialize())
	defer p2.Close()

	got, err := p2.Get("queue:durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("still here"), got)
}
