package broker

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jondeandres/bunny/frame"
)

type exchange struct {
	name       string
	kind       string // "direct", "fanout" or "topic"
	durable    bool
	autoDelete bool
	internal   bool

	mu       sync.RWMutex
	bindings map[string][]string // routing key (or pattern) -> bound queue names
}

func newExchange(name, kind string, durable, autoDelete, internal bool) *exchange {
	return &exchange{
		name:       name,
		kind:       kind,
		durable:    durable,
		autoDelete: autoDelete,
		internal:   internal,
		bindings:   make(map[string][]string),
	}
}

func (ex *exchange) addBinding(routingKey, queueName string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, qn := range ex.bindings[routingKey] {
		if qn == queueName {
			return // binding already exists, declare is idempotent
		}
	}
	ex.bindings[routingKey] = append(ex.bindings[routingKey], queueName)
}

// removeBinding drops one queue from a routing key. Removing a binding that
// does not exist is a no-op.
func (ex *exchange) removeBinding(routingKey, queueName string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	queues := ex.bindings[routingKey]
	for i, qn := range queues {
		if qn == queueName {
			ex.bindings[routingKey] = append(queues[:i], queues[i+1:]...)
			break
		}
	}
	if len(ex.bindings[routingKey]) == 0 {
		delete(ex.bindings, routingKey)
	}
}

func (ex *exchange) hasBindings() bool {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return len(ex.bindings) > 0
}

type message struct {
	exchange    string
	routingKey  string
	props       frame.Properties
	body        []byte
	redelivered bool
	persistID   string // non-empty while the message is on disk
}

type queue struct {
	name       string
	durable    bool
	exclusive  bool
	autoDelete bool
	owner      *conn // exclusive owner, nil otherwise

	mu           sync.Mutex
	messages     []message
	bindings     map[string]bool // "exchange:routingKey"
	consumers    map[string]*consumer
	hasExclusive bool // an exclusive consumer holds the queue

	notify  chan struct{} // capacity 1, wakes pumps on enqueue
	deleted atomic.Bool
}

func newQueue(name string, durable, exclusive, autoDelete bool) *queue {
	return &queue{
		name:       name,
		durable:    durable,
		exclusive:  exclusive,
		autoDelete: autoDelete,
		bindings:   make(map[string]bool),
		consumers:  make(map[string]*consumer),
		notify:     make(chan struct{}, 1),
	}
}

// wake nudges the consumer pumps. The notify channel is never closed; a
// coalesced wakeup is fine because pumps drain until the queue is empty.
func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) counts() (messages, consumers uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint32(len(q.messages)), uint32(len(q.consumers))
}

func (q *queue) addBinding(exchangeName, routingKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bindings[bindingKey(exchangeName, routingKey)] = true
}

func (q *queue) removeBinding(exchangeName, routingKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := bindingKey(exchangeName, routingKey)
	if !q.bindings[key] {
		return false
	}
	delete(q.bindings, key)
	return true
}

func (q *queue) bindingList() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.bindings))
	for bk := range q.bindings {
		out = append(out, bk)
	}
	return out
}

// take pops the head message for a consumer, failing when the queue is empty
// or the consumer has been deregistered meanwhile.
func (q *queue) take(consumerTag string) (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return message{}, false
	}
	if _, ok := q.consumers[consumerTag]; !ok {
		return message{}, false
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, true
}

// putBack returns a message to the head of the queue after a failed delivery.
func (q *queue) putBack(msg message) {
	msg.redelivered = true
	q.mu.Lock()
	q.messages = append([]message{msg}, q.messages...)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

type consumer struct {
	tag   string
	noAck bool
	ch    *bchannel
	queue *queue

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newConsumer(tag string, noAck bool, ch *bchannel, q *queue) *consumer {
	return &consumer{
		tag:    tag,
		noAck:  noAck,
		ch:     ch,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

func (cs *consumer) stop() {
	cs.stopOnce.Do(func() { close(cs.stopCh) })
}

func (cs *consumer) stopped() bool {
	select {
	case <-cs.stopCh:
		return true
	default:
		return false
	}
}

// Binding keys pair an exchange with a routing key the way the queue side
// records them.
func bindingKey(exchangeName, routingKey string) string {
	return exchangeName + ":" + routingKey
}

func splitBindingKey(key string) (exchangeName, routingKey string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}
