package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/buntdb"
)

// Prefixes that get a buntdb index, so Keys and Scan stay cheap even when a
// queue holds many persisted messages.
var indexedPrefixes = []string{
	KeyPrefixExchange,
	KeyPrefixQueue,
	KeyPrefixMessage,
	KeyPrefixMsgIndex,
}

// BuntDBProvider keeps all records in a single BuntDB database, either in
// memory or in an append-only file.
type BuntDBProvider struct {
	path   string
	db     *buntdb.DB
	txOpen atomic.Bool
}

// NewBuntDBProvider returns an uninitialized provider. An empty or ":memory:"
// path keeps the database in memory.
func NewBuntDBProvider(path string) *BuntDBProvider {
	return &BuntDBProvider{path: path}
}

// Initialize opens the database and sets up the prefix indices.
func (b *BuntDBProvider) Initialize() error {
	path := b.path
	if path == "" {
		path = ":memory:"
	}

	db, err := buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb at %q: %w", path, err)
	}
	for _, prefix := range indexedPrefixes {
		err := db.CreateIndex("idx_"+prefix, prefix+"*", buntdb.IndexString)
		if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
			db.Close()
			return fmt.Errorf("indexing %s: %w", prefix, err)
		}
	}

	b.db = db
	return nil
}

// Close shuts the database down. Closing an uninitialized provider is a no-op.
func (b *BuntDBProvider) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func putKey(tx *buntdb.Tx, key string, value []byte) error {
	_, _, err := tx.Set(key, string(value), nil)
	return err
}

// dropKey deletes key, treating a missing key as already deleted.
func dropKey(tx *buntdb.Tx, key string) error {
	if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	return nil
}

func (b *BuntDBProvider) Set(key string, value []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error { return putKey(tx, key, value) })
}

func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = []byte(v)
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (b *BuntDBProvider) Delete(key string) error {
	return b.db.Update(func(tx *buntdb.Tx) error { return dropKey(tx, key) })
}

func (b *BuntDBProvider) Exists(key string) (bool, error) {
	_, err := b.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BuntDBProvider) SetBatch(items map[string][]byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for key, value := range items {
			if err := putKey(tx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBatch returns the values that exist; absent keys are simply left out.
func (b *BuntDBProvider) GetBatch(keys []string) (map[string][]byte, error) {
	found := make(map[string][]byte, len(keys))
	err := b.db.View(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			switch v, err := tx.Get(key); {
			case err == nil:
				found[key] = []byte(v)
			case !errors.Is(err, buntdb.ErrNotFound):
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (b *BuntDBProvider) DeleteBatch(keys []string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if err := dropKey(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BuntDBProvider) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

// Scan visits every key/value under prefix. AscendKeys cannot carry an error
// out of its callback, so the first callback failure is captured and re-raised.
func (b *BuntDBProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	var fnErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			fnErr = fn(key, []byte(value))
			return fnErr == nil
		})
	})
	if err != nil {
		return err
	}
	return fnErr
}

// BeginTx claims the provider's single transaction slot.
func (b *BuntDBProvider) BeginTx() (Tx, error) {
	if !b.txOpen.CompareAndSwap(false, true) {
		return nil, ErrTxAlreadyOpen
	}
	return &buntDBTx{provider: b, staged: make(map[string]txOp)}, nil
}

// txOp is one staged mutation; drop wins over any earlier value for the key.
type txOp struct {
	value []byte
	drop  bool
}

// buntDBTx stages the latest mutation per key and applies them all in one
// update on Commit.
type buntDBTx struct {
	provider *BuntDBProvider
	mu       sync.Mutex
	staged   map[string]txOp
	done     bool
}

func (tx *buntDBTx) stage(key string, op txOp) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxFinished
	}
	tx.staged[key] = op
	return nil
}

func (tx *buntDBTx) Set(key string, value []byte) error {
	return tx.stage(key, txOp{value: value})
}

func (tx *buntDBTx) Delete(key string) error {
	return tx.stage(key, txOp{drop: true})
}

func (tx *buntDBTx) SetBatch(items map[string][]byte) error {
	for key, value := range items {
		if err := tx.stage(key, txOp{value: value}); err != nil {
			return err
		}
	}
	return nil
}

func (tx *buntDBTx) DeleteBatch(keys []string) error {
	for _, key := range keys {
		if err := tx.stage(key, txOp{drop: true}); err != nil {
			return err
		}
	}
	return nil
}

// Get observes staged mutations before falling through to the store.
func (tx *buntDBTx) Get(key string) ([]byte, error) {
	tx.mu.Lock()
	op, ok := tx.staged[key]
	tx.mu.Unlock()
	if ok {
		if op.drop {
			return nil, ErrKeyNotFound
		}
		return op.value, nil
	}
	return tx.provider.Get(key)
}

func (tx *buntDBTx) Exists(key string) (bool, error) {
	_, err := tx.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Commit applies the staged mutations atomically and finishes the
// transaction. A failed commit leaves the store untouched.
func (tx *buntDBTx) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxFinished
	}
	tx.done = true
	defer tx.provider.txOpen.Store(false)

	return tx.provider.db.Update(func(btx *buntdb.Tx) error {
		for key, op := range tx.staged {
			var err error
			if op.drop {
				err = dropKey(btx, key)
			} else {
				err = putKey(btx, key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Rollback discards the staged mutations and finishes the transaction.
func (tx *buntDBTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxFinished
	}
	tx.done = true
	tx.staged = nil
	tx.provider.txOpen.Store(false)
	return nil
}
