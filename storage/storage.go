// Package storage is the key-value persistence layer behind the broker's
// durable entities. Keys are namespaced by the prefixes below; values are
// opaque to this package.
package storage

import "errors"

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTxFinished    = errors.New("transaction already committed or rolled back")
	ErrTxAlreadyOpen = errors.New("transaction already open")
)

// Key namespaces. The message index is what preserves queue order across a
// restart; message records alone come back in key order.
const (
	KeyPrefixExchange = "exchange:"
	KeyPrefixQueue    = "queue:"
	KeyPrefixMessage  = "message:"
	KeyPrefixMsgIndex = "msgidx:"
	KeySeqCounter     = "system:msgseqno"
)

// Provider is implemented by storage backends. All methods are safe for
// concurrent use, but only one Tx may be open at a time.
type Provider interface {
	Initialize() error
	Close() error

	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	SetBatch(items map[string][]byte) error
	GetBatch(keys []string) (map[string][]byte, error)
	DeleteBatch(keys []string) error

	// Keys lists keys under a prefix; Scan visits key/value pairs under a
	// prefix until the callback returns an error.
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error

	BeginTx() (Tx, error)
}

// Tx buffers mutations until Commit applies them atomically. Reads observe
// the buffered mutations before falling through to the backing store.
type Tx interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	SetBatch(items map[string][]byte) error
	DeleteBatch(keys []string) error

	Commit() error
	Rollback() error
}
