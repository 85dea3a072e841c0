package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/logger"
	"github.com/jondeandres/bunny/storage"
)

// Storage record types that map to the broker's domain objects.

type exchangeRecord struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Internal   bool   `json:"internal"`
}

type queueRecord struct {
	Name       string   `json:"name"`
	Durable    bool     `json:"durable"`
	AutoDelete bool     `json:"auto_delete"`
	Bindings   []string `json:"bindings,omitempty"` // "exchange:routingKey"
}

type messageRecord struct {
	ID          string           `json:"id"`
	Exchange    string           `json:"exchange"`
	RoutingKey  string           `json:"routing_key"`
	Properties  propertiesRecord `json:"properties"`
	Body        []byte           `json:"body"`
	Redelivered bool             `json:"redelivered"`
}

type propertiesRecord struct {
	ContentType     string      `json:"content_type,omitempty"`
	ContentEncoding string      `json:"content_encoding,omitempty"`
	Headers         frame.Table `json:"headers,omitempty"`
	DeliveryMode    uint8       `json:"delivery_mode"`
	Priority        uint8       `json:"priority"`
	CorrelationId   string      `json:"correlation_id,omitempty"`
	ReplyTo         string      `json:"reply_to,omitempty"`
	Expiration      string      `json:"expiration,omitempty"`
	MessageId       string      `json:"message_id,omitempty"`
	Timestamp       uint64      `json:"timestamp"`
	Type            string      `json:"type,omitempty"`
	UserId          string      `json:"user_id,omitempty"`
	AppId           string      `json:"app_id,omitempty"`
	ClusterId       string      `json:"cluster_id,omitempty"`
}

// messageIndex keeps the per-queue message order; GetBatch alone returns
// records keyed by map, not by position.
type messageIndex struct {
	IDs []string `json:"ids"`
}

func propsToRecord(p frame.Properties) propertiesRecord {
	return propertiesRecord{
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		Headers:         p.Headers,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ClusterId:       p.ClusterId,
	}
}

func recordToProps(r propertiesRecord) frame.Properties {
	return frame.Properties{
		ContentType:     r.ContentType,
		ContentEncoding: r.ContentEncoding,
		Headers:         r.Headers,
		DeliveryMode:    r.DeliveryMode,
		Priority:        r.Priority,
		CorrelationId:   r.CorrelationId,
		ReplyTo:         r.ReplyTo,
		Expiration:      r.Expiration,
		MessageId:       r.MessageId,
		Timestamp:       r.Timestamp,
		Type:            r.Type,
		UserId:          r.UserId,
		AppId:           r.AppId,
		ClusterId:       r.ClusterId,
	}
}

func exchangeKey(name string) string       { return storage.KeyPrefixExchange + name }
func queueKey(name string) string          { return storage.KeyPrefixQueue + name }
func messageKey(queue, id string) string   { return storage.KeyPrefixMessage + queue + ":" + id }
func messageIndexKey(queue string) string  { return storage.KeyPrefixMsgIndex + queue }
func messageKeyPrefix(queue string) string { return storage.KeyPrefixMessage + queue + ":" }

// persister serializes durable entities and persistent messages through a
// storage.Provider. It knows nothing about connections or routing.
type persister struct {
	store storage.Provider
	log   logger.Logger

	// seq hands out ordered message ids; zero-padded so lexicographic key
	// order matches arrival order.
	seq atomic.Int64

	// mu guards the read-modify-write cycles on the per-queue indexes
	mu sync.Mutex
}

func newPersister(store storage.Provider, log logger.Logger) *persister {
	return &persister{store: store, log: log}
}

func (p *persister) init() error {
	if err := p.store.Initialize(); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	if data, err := p.store.Get(storage.KeySeqCounter); err == nil {
		if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			p.seq.Store(n)
		}
	}
	return nil
}

func (p *persister) close() error {
	if err := p.store.Set(storage.KeySeqCounter, []byte(strconv.FormatInt(p.seq.Load(), 10))); err != nil {
		p.log.Err("Saving message sequence counter: %v", err)
	}
	return p.store.Close()
}

// bumpSeq raises the sequence floor after recovery so fresh ids never
// collide with recovered ones, even when the counter was not saved cleanly.
func (p *persister) bumpSeq(n int64) {
	for {
		cur := p.seq.Load()
		if cur >= n || p.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *persister) saveQueue(q *queue) {
	rec := queueRecord{
		Name:       q.name,
		Durable:    q.durable,
		AutoDelete: q.autoDelete,
		Bindings:   q.bindingList(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Err("Marshaling queue record '%s': %v", q.name, err)
		return
	}
	if err := p.store.Set(queueKey(q.name), data); err != nil {
		p.log.Err("Persisting queue '%s': %v", q.name, err)
	}
}

func (p *persister) deleteQueue(name string) {
	if err := p.store.Delete(queueKey(name)); err != nil {
		p.log.Err("Deleting queue record '%s': %v", name, err)
	}
	p.deleteQueueMessages(name)
}

func (p *persister) saveExchange(ex *exchange) {
	rec := exchangeRecord{
		Name:       ex.name,
		Kind:       ex.kind,
		Durable:    ex.durable,
		AutoDelete: ex.autoDelete,
		Internal:   ex.internal,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Err("Marshaling exchange record '%s': %v", ex.name, err)
		return
	}
	if err := p.store.Set(exchangeKey(ex.name), data); err != nil {
		p.log.Err("Persisting exchange '%s': %v", ex.name, err)
	}
}

func (p *persister) deleteExchange(name string) {
	if err := p.store.Delete(exchangeKey(name)); err != nil {
		p.log.Err("Deleting exchange record '%s': %v", name, err)
	}
}

// saveMessage stores one persistent message and appends it to the queue's
// index in a single transaction. Returns the assigned id, or "" on failure.
func (p *persister) saveMessage(queueName string, msg *message) string {
	id := fmt.Sprintf("%016d", p.seq.Add(1))

	rec := messageRecord{
		ID:          id,
		Exchange:    msg.exchange,
		RoutingKey:  msg.routingKey,
		Properties:  propsToRecord(msg.props),
		Body:        msg.body,
		Redelivered: msg.redelivered,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Err("Marshaling message record for '%s': %v", queueName, err)
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.loadIndex(queueName)
	idx.IDs = append(idx.IDs, id)
	idxData, err := json.Marshal(idx)
	if err != nil {
		p.log.Err("Marshaling message index for '%s': %v", queueName, err)
		return ""
	}

	tx, err := p.store.BeginTx()
	if err != nil {
		p.log.Err("Beginning message save transaction: %v", err)
		return ""
	}
	_ = tx.Set(messageKey(queueName, id), data)
	_ = tx.Set(messageIndexKey(queueName), idxData)
	if err := tx.Commit(); err != nil {
		p.log.Err("Persisting message %s to '%s': %v", id, queueName, err)
		return ""
	}
	return id
}

func (p *persister) deleteMessage(queueName, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.loadIndex(queueName)
	for i, existing := range idx.IDs {
		if existing == id {
			idx.IDs = append(idx.IDs[:i], idx.IDs[i+1:]...)
			break
		}
	}

	tx, err := p.store.BeginTx()
	if err != nil {
		p.log.Err("Beginning message delete transaction: %v", err)
		return
	}
	_ = tx.Delete(messageKey(queueName, id))
	if len(idx.IDs) == 0 {
		_ = tx.Delete(messageIndexKey(queueName))
	} else {
		if idxData, err := json.Marshal(idx); err == nil {
			_ = tx.Set(messageIndexKey(queueName), idxData)
		}
	}
	if err := tx.Commit(); err != nil {
		p.log.Err("Deleting persisted message %s from '%s': %v", id, queueName, err)
	}
}

func (p *persister) deleteQueueMessages(queueName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.store.Keys(messageKeyPrefix(queueName))
	if err != nil {
		p.log.Err("Listing persisted messages for '%s': %v", queueName, err)
		return
	}
	keys = append(keys, messageIndexKey(queueName))
	if err := p.store.DeleteBatch(keys); err != nil {
		p.log.Err("Deleting persisted messages for '%s': %v", queueName, err)
	}
}

func (p *persister) loadIndex(queueName string) messageIndex {
	var idx messageIndex
	data, err := p.store.Get(messageIndexKey(queueName))
	if err != nil {
		return idx
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		p.log.Err("Unmarshaling message index for '%s': %v", queueName, err)
	}
	return idx
}

// load returns every persisted exchange, queue and per-queue ordered message
// list.
func (p *persister) load() ([]exchangeRecord, []queueRecord, map[string][]messageRecord, error) {
	var exchanges []exchangeRecord
	err := p.store.Scan(storage.KeyPrefixExchange, func(key string, value []byte) error {
		var rec exchangeRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling exchange record %s: %w", key, err)
		}
		exchanges = append(exchanges, rec)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var queues []queueRecord
	err = p.store.Scan(storage.KeyPrefixQueue, func(key string, value []byte) error {
		var rec queueRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshaling queue record %s: %w", key, err)
		}
		queues = append(queues, rec)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	messages := make(map[string][]messageRecord)
	var maxSeq int64
	for _, qr := range queues {
		idx := p.loadIndex(qr.Name)
		if len(idx.IDs) == 0 {
			continue
		}
		keys := make([]string, 0, len(idx.IDs))
		for _, id := range idx.IDs {
			keys = append(keys, messageKey(qr.Name, id))
		}
		batch, err := p.store.GetBatch(keys)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("loading messages for queue '%s': %w", qr.Name, err)
		}
		for _, id := range idx.IDs {
			data, ok := batch[messageKey(qr.Name, id)]
			if !ok {
				p.log.Warn("Indexed message %s missing for queue '%s'", id, qr.Name)
				continue
			}
			var rec messageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				p.log.Err("Unmarshaling message %s for queue '%s': %v", id, qr.Name, err)
				continue
			}
			messages[qr.Name] = append(messages[qr.Name], rec)
			if n, err := strconv.ParseInt(rec.ID, 10, 64); err == nil && n > maxSeq {
				maxSeq = n
			}
		}
	}
	p.bumpSeq(maxSeq)

	return exchanges, queues, messages, nil
}

// recover rebuilds registry state from storage: durable exchanges and queues,
// their bindings and any persistent messages, all marked redelivered.
func (b *Broker) recover() error {
	exchanges, queues, messages, err := b.persist.load()
	if err != nil {
		return err
	}

	for _, er := range exchanges {
		b.mu.Lock()
		if _, exists := b.exchanges[er.Name]; !exists {
			b.exchanges[er.Name] = newExchange(er.Name, er.Kind, er.Durable, er.AutoDelete, er.Internal)
		}
		b.mu.Unlock()
	}

	recovered := 0
	for _, qr := range queues {
		q := newQueue(qr.Name, qr.Durable, false, qr.AutoDelete)

		for _, bk := range qr.Bindings {
			exName, key := splitBindingKey(bk)
			ex, ok := b.getExchange(exName)
			if !ok {
				b.log.Warn("Recovered queue '%s' bound to missing exchange '%s', dropping binding", qr.Name, exName)
				continue
			}
			ex.addBinding(key, q.name)
			q.bindings[bk] = true
		}

		for _, mr := range messages[qr.Name] {
			q.messages = append(q.messages, message{
				exchange:    mr.Exchange,
				routingKey:  mr.RoutingKey,
				props:       recordToProps(mr.Properties),
				body:        mr.Body,
				redelivered: true, // anything that survived a restart was in flight
				persistID:   mr.ID,
			})
		}
		recovered += len(q.messages)

		b.mu.Lock()
		b.queues[qr.Name] = q
		b.mu.Unlock()
	}

	if len(exchanges) > 0 || len(queues) > 0 || recovered > 0 {
		b.log.Info("Recovered %d exchange(s), %d queue(s), %d message(s) from storage",
			len(exchanges), len(queues), recovered)
	}
	return nil
}
