// Package broker implements the in-process AMQP 0-9-1 broker engine the
// client core talks to over a transport.Transport. It owns a single vhost:
// exchange and queue registries, routing, consumer dispatch and optional
// durable-entity persistence.
package broker

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jondeandres/bunny/config"
	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/logger"
	"github.com/jondeandres/bunny/storage"
	"github.com/jondeandres/bunny/transport"
)

// ErrClosed is returned by Serve on a broker that has been shut down.
var ErrClosed = errors.New("broker closed")

type Broker struct {
	log logger.Logger

	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	persist *persister

	nameSeq atomic.Uint64
	tagSeq  atomic.Uint64
	closed  atomic.Bool

	topology *config.Topology
}

type Option func(*Broker)

// WithLogger replaces the default stdout logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithTopology pre-declares exchanges, queues and bindings before the broker
// accepts its first connection.
func WithTopology(t config.Topology) Option {
	return func(b *Broker) {
		b.topology = &t
	}
}

// WithStorage configures persistence from a storage config.
func WithStorage(cfg config.StorageConfig) Option {
	return func(b *Broker) {
		if err := cfg.Validate(); err != nil {
			b.log.Warn("Invalid storage config: %v, persistence disabled", err)
			return
		}

		switch cfg.Type {
		case config.StorageTypeNone:
			b.log.Info("Persistence disabled")

		case config.StorageTypeMemory:
			b.persist = newPersister(storage.NewBuntDBProvider(":memory:"), b.log)
			b.log.Info("Using in-memory storage (BuntDB)")

		case config.StorageTypeBuntDB:
			path := cfg.BuntDB.Path
			if path == "" {
				path = ":memory:"
			}
			b.persist = newPersister(storage.NewBuntDBProvider(path), b.log)
			if path == ":memory:" {
				b.log.Info("Using in-memory BuntDB storage")
			} else {
				b.log.Info("Using persistent BuntDB storage at: %s", path)
			}
		}
	}
}

// WithInMemoryStorage configures in-memory storage using BuntDB
func WithInMemoryStorage() Option {
	return WithStorage(config.StorageConfig{Type: config.StorageTypeMemory})
}

// WithBuntDBStorage configures persistent BuntDB storage
func WithBuntDBStorage(path string) Option {
	return WithStorage(config.StorageConfig{
		Type:   config.StorageTypeBuntDB,
		BuntDB: &config.BuntDBConfig{Path: path},
	})
}

// WithNoStorage explicitly disables persistence
func WithNoStorage() Option {
	return WithStorage(config.StorageConfig{Type: config.StorageTypeNone})
}

// WithStorageProvider wires a custom storage backend directly.
func WithStorageProvider(provider storage.Provider) Option {
	return func(b *Broker) {
		if provider != nil {
			b.persist = newPersister(provider, b.log)
		}
	}
}

// New builds a broker with the built-in exchanges ("", amq.direct, amq.fanout,
// amq.topic), recovers durable state when persistence is configured, then
// applies the configured topology.
func New(opts ...Option) *Broker {
	b := &Broker{
		log:       logger.New("broker"),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*conn]struct{}),
	}

	for _, builtin := range []struct{ name, kind string }{
		{"", "direct"},
		{"amq.direct", "direct"},
		{"amq.fanout", "fanout"},
		{"amq.topic", "topic"},
	} {
		b.exchanges[builtin.name] = newExchange(builtin.name, builtin.kind, true, false, false)
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.persist != nil {
		if err := b.persist.init(); err != nil {
			b.log.Err("Initializing persistence: %v, persistence disabled", err)
			b.persist = nil
		} else if err := b.recover(); err != nil {
			b.log.Err("Recovering persisted state: %v", err)
		}
	}

	if b.topology != nil {
		b.applyTopology(*b.topology)
	}

	return b
}

// Serve drives one client connection until its transport dies or the client
// disconnects. It blocks; run it in a goroutine per connection.
func (b *Broker) Serve(t transport.Transport) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := t.Connect(); err != nil {
		return fmt.Errorf("connecting transport: %w", err)
	}

	c := &conn{
		b:        b,
		t:        t,
		channels: make(map[uint16]*bchannel),
	}
	b.addConn(c)
	defer b.removeConn(c)
	defer c.cleanup()

	for {
		channelID, f, err := t.Next()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				b.log.Debug("Client transport closed")
				return nil
			}
			b.log.Err("Reading frame: %v", err)
			return err
		}

		if err := c.dispatch(channelID, f); err != nil {
			b.log.Err("Handling frame on channel %d: %v", channelID, err)
			return err
		}
	}
}

// Close disconnects every client and shuts persistence down. Unacked
// deliveries are requeued by the per-connection cleanup as the serve loops
// unwind.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.connsMu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.connsMu.Unlock()

	for _, c := range conns {
		_ = c.t.Disconnect()
	}

	if b.persist != nil {
		if err := b.persist.close(); err != nil {
			b.log.Err("Closing persistence: %v", err)
			return err
		}
	}
	return nil
}

func (b *Broker) addConn(c *conn) {
	b.connsMu.Lock()
	b.conns[c] = struct{}{}
	b.connsMu.Unlock()
}

func (b *Broker) removeConn(c *conn) {
	b.connsMu.Lock()
	delete(b.conns, c)
	b.connsMu.Unlock()
}

func (b *Broker) getExchange(name string) (*exchange, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ex, ok := b.exchanges[name]
	return ex, ok
}

func (b *Broker) getQueue(name string) (*queue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	return q, ok
}

// generateQueueName returns a fresh server-assigned queue name. Every call
// yields a distinct name; redeclaring with an empty name never reuses one.
func (b *Broker) generateQueueName() string {
	return fmt.Sprintf("amq.gen-%d-%08x-q", b.nameSeq.Add(1), rand.Uint32())
}

func (b *Broker) generateConsumerTag() string {
	return fmt.Sprintf("ctag-srv-%d", b.tagSeq.Add(1))
}

// applyTopology declares the configured entities directly into the
// registries, persisting durables the same way a client declare would.
func (b *Broker) applyTopology(t config.Topology) {
	for _, ec := range t.Exchanges {
		b.mu.Lock()
		if _, exists := b.exchanges[ec.Name]; exists {
			b.mu.Unlock()
			continue
		}
		ex := newExchange(ec.Name, ec.KindOrDefault(), ec.Durable, ec.AutoDelete, ec.Internal)
		b.exchanges[ec.Name] = ex
		b.mu.Unlock()

		if ex.durable {
			b.persistExchange(ex)
		}
		b.log.Info("Topology: declared exchange '%s' (%s)", ec.Name, ec.KindOrDefault())
	}

	for _, qc := range t.Queues {
		b.mu.Lock()
		if _, exists := b.queues[qc.Name]; exists {
			b.mu.Unlock()
			continue
		}
		q := newQueue(qc.Name, qc.Durable, false, qc.AutoDelete)
		b.queues[qc.Name] = q
		b.mu.Unlock()

		for _, bc := range qc.Bindings {
			ex, ok := b.getExchange(bc.Exchange)
			if !ok {
				b.log.Warn("Topology: queue '%s' binds to unknown exchange '%s', skipping", qc.Name, bc.Exchange)
				continue
			}
			ex.addBinding(bc.RoutingKey, q.name)
			q.addBinding(bc.Exchange, bc.RoutingKey)
		}

		if q.durable {
			b.persistQueue(q)
		}
		b.log.Info("Topology: declared queue '%s' with %d binding(s)", qc.Name, len(qc.Bindings))
	}
}

// requeue returns unacked deliveries to their queues in original order:
// entries are sorted by delivery tag and prepended as a block, so the oldest
// delivery ends up back at the head.
func (b *Broker) requeue(entries []*unacked) {
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].deliveryTag < entries[j].deliveryTag
	})

	byQueue := make(map[string][]message)
	for _, u := range entries {
		u.msg.redelivered = true
		byQueue[u.queueName] = append(byQueue[u.queueName], u.msg)
	}

	for name, msgs := range byQueue {
		q, ok := b.getQueue(name)
		if !ok {
			b.log.Warn("Queue '%s' is gone, dropping %d unacked message(s)", name, len(msgs))
			for i := range msgs {
				b.dropPersisted(name, &msgs[i])
			}
			continue
		}
		q.mu.Lock()
		q.messages = append(msgs, q.messages...)
		q.mu.Unlock()
		q.wake()
		b.log.Debug("Requeued %d message(s) to '%s'", len(msgs), name)
	}
}

// removeQueue unregisters a queue, stops its consumers and unbinds it
// everywhere. Returns the number of messages purged with it.
func (b *Broker) removeQueue(q *queue, notifyConsumers bool) uint32 {
	if !q.deleted.CompareAndSwap(false, true) {
		return 0
	}

	b.mu.Lock()
	delete(b.queues, q.name)
	b.mu.Unlock()

	q.mu.Lock()
	purged := uint32(len(q.messages))
	msgs := q.messages
	q.messages = nil
	consumers := make([]*consumer, 0, len(q.consumers))
	for _, cs := range q.consumers {
		consumers = append(consumers, cs)
	}
	q.consumers = make(map[string]*consumer)
	bindings := make([]string, 0, len(q.bindings))
	for bk := range q.bindings {
		bindings = append(bindings, bk)
	}
	q.bindings = make(map[string]bool)
	q.mu.Unlock()

	for _, cs := range consumers {
		cs.stop()
		cs.ch.removeConsumer(cs.tag)
		if notifyConsumers {
			// Tell the consuming client its subscription is gone
			_ = cs.ch.conn.send(cs.ch.id, &frame.BasicCancel{ConsumerTag: cs.tag, NoWait: true})
		}
	}

	for _, bk := range bindings {
		exName, key := splitBindingKey(bk)
		if ex, ok := b.getExchange(exName); ok {
			ex.removeBinding(key, q.name)
		}
	}

	if b.persist != nil && q.durable {
		b.persist.deleteQueue(q.name)
		for i := range msgs {
			b.dropPersisted(q.name, &msgs[i])
		}
	}

	b.log.Info("Queue '%s' removed (%d message(s) purged)", q.name, purged)
	return purged
}

// maybeAutoDelete removes an auto-delete queue once its last consumer is
// gone. Callers invoke it after deregistering a consumer.
func (b *Broker) maybeAutoDelete(q *queue) {
	if !q.autoDelete {
		return
	}
	q.mu.Lock()
	empty := len(q.consumers) == 0
	q.mu.Unlock()
	if empty {
		b.log.Info("Auto-deleting queue '%s' after last consumer detached", q.name)
		b.removeQueue(q, false)
	}
}

func (b *Broker) persistQueue(q *queue) {
	if b.persist == nil || !q.durable {
		return
	}
	b.persist.saveQueue(q)
}

func (b *Broker) persistExchange(ex *exchange) {
	if b.persist == nil || !ex.durable {
		return
	}
	b.persist.saveExchange(ex)
}

// dropPersisted deletes a settled message from storage, if it ever was there.
func (b *Broker) dropPersisted(queueName string, msg *message) {
	if b.persist == nil || msg.persistID == "" {
		return
	}
	b.persist.deleteMessage(queueName, msg.persistID)
	msg.persistID = ""
}

// enqueue appends a routed message to a queue and wakes its pumps. The body
// and header table are deep-copied so fanned-out queues never alias each
// other or the publisher.
func (b *Broker) enqueue(q *queue, msg message) {
	if q.deleted.Load() {
		return
	}

	msg.props = msg.props.Copy()
	body := make([]byte, len(msg.body))
	copy(body, msg.body)
	msg.body = body

	if b.persist != nil && q.durable && msg.props.DeliveryMode == frame.Persistent {
		msg.persistID = b.persist.saveMessage(q.name, &msg)
	}

	q.mu.Lock()
	q.messages = append(q.messages, msg)
	q.mu.Unlock()
	q.wake()
}
