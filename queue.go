package bunny

import (
	"fmt"
	"sync"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
)

// Queue is the client-side handle for a declared queue. Handles are cached
// on the connection: re-declaring a known name refreshes and returns the
// same handle, and LookupQueue finds it by name. After Delete the handle is
// unusable; the name can only be brought back by declaring it again through
// Channel.Queue.
type Queue struct {
	name string
	conn *Connection

	mu            sync.Mutex
	ch            *Channel
	durable       bool
	exclusive     bool
	autoDelete    bool
	messageCount  uint32
	consumerCount uint32
	deleted       bool
}

// Queue declares a queue and returns its handle. An empty name asks the
// broker to assign one; every empty-name call yields a fresh queue, never a
// reused name. Re-declaring an existing name with different properties is
// the broker's call: it force-closes the channel with 406.
func (ch *Channel) Queue(name string, opts ...DeclareOption) (*Queue, error) {
	o := applyDeclare(opts)

	reply, err := ch.invoke(&frame.QueueDeclare{
		Queue:      name,
		Passive:    o.passive,
		Durable:    o.durable,
		Exclusive:  o.exclusive,
		AutoDelete: o.autoDelete,
		Arguments:  o.args,
	})
	if err != nil {
		return nil, err
	}
	declareOk, ok := reply.method.(*frame.QueueDeclareOk)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s to queue.declare", reply.method.Name())
	}

	if q, cached := ch.conn.LookupQueue(declareOk.Queue); cached {
		q.refresh(ch, declareOk)
		return q, nil
	}

	q := &Queue{
		name:          declareOk.Queue,
		conn:          ch.conn,
		ch:            ch,
		durable:       o.durable,
		exclusive:     o.exclusive,
		autoDelete:    o.autoDelete,
		messageCount:  declareOk.MessageCount,
		consumerCount: declareOk.ConsumerCount,
	}
	ch.conn.registerQueue(q)
	return q, nil
}

// refresh updates the advisory counts and moves the handle onto the channel
// that just redeclared it, so a handle outlives the channel it was first
// declared on.
func (q *Queue) refresh(ch *Channel, ok *frame.QueueDeclareOk) {
	q.mu.Lock()
	q.ch = ch
	q.messageCount = ok.MessageCount
	q.consumerCount = ok.ConsumerCount
	q.mu.Unlock()
}

// Name returns the queue name, broker-assigned when declared empty.
func (q *Queue) Name() string { return q.name }

// MessageCount is the most recently server-reported depth. Advisory only:
// concurrent producers and consumers make it immediately stale. Refresh with
// Inspect or a re-declare.
func (q *Queue) MessageCount() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messageCount
}

// ConsumerCount is the most recently server-reported consumer count.
// Advisory, like MessageCount.
func (q *Queue) ConsumerCount() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumerCount
}

func (q *Queue) channel() *Channel {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch
}

func (q *Queue) usable() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return amqperror.ErrQueueDeleted
	}
	return nil
}

func (q *Queue) setCounts(messages, consumers uint32) {
	q.mu.Lock()
	q.messageCount = messages
	q.consumerCount = consumers
	q.mu.Unlock()
}

// Inspect refreshes the advisory counts with a passive declare and returns
// them. Inspecting a queue that no longer exists broker-side force-closes
// the channel with 404.
func (q *Queue) Inspect() (messages, consumers uint32, err error) {
	if err := q.usable(); err != nil {
		return 0, 0, err
	}
	reply, err := q.channel().invoke(&frame.QueueDeclare{Queue: q.name, Passive: true})
	if err != nil {
		return 0, 0, err
	}
	declareOk, ok := reply.method.(*frame.QueueDeclareOk)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected reply %s to passive queue.declare", reply.method.Name())
	}
	q.setCounts(declareOk.MessageCount, declareOk.ConsumerCount)
	return declareOk.MessageCount, declareOk.ConsumerCount, nil
}

// Bind routes messages from exchange to this queue. Binding to a missing
// exchange force-closes the channel: the call returns *ForcedChannelClose
// and the channel goes inactive.
func (q *Queue) Bind(exchange string, opts ...BindOption) (Result, error) {
	if err := q.usable(); err != nil {
		return "", err
	}
	o := applyBind(opts)
	reply, err := q.channel().invoke(&frame.QueueBind{
		Queue:      q.name,
		Exchange:   exchange,
		RoutingKey: o.key,
		Arguments:  o.args,
	})
	if err != nil {
		return "", err
	}
	if _, ok := reply.method.(*frame.QueueBindOk); !ok {
		return "", fmt.Errorf("unexpected reply %s to queue.bind", reply.method.Name())
	}
	return BindOk, nil
}

// Unbind removes a binding. Unbinding a binding that does not exist is
// accepted; a missing exchange or queue force-closes the channel.
func (q *Queue) Unbind(exchange string, opts ...BindOption) (Result, error) {
	if err := q.usable(); err != nil {
		return "", err
	}
	o := applyBind(opts)
	reply, err := q.channel().invoke(&frame.QueueUnbind{
		Queue:      q.name,
		Exchange:   exchange,
		RoutingKey: o.key,
		Arguments:  o.args,
	})
	if err != nil {
		return "", err
	}
	if _, ok := reply.method.(*frame.QueueUnbindOk); !ok {
		return "", fmt.Errorf("unexpected reply %s to queue.unbind", reply.method.Name())
	}
	return UnbindOk, nil
}

// Purge removes every ready message from the queue. Messages already
// delivered and awaiting ack are not touched.
func (q *Queue) Purge() (Result, error) {
	if err := q.usable(); err != nil {
		return "", err
	}
	reply, err := q.channel().invoke(&frame.QueuePurge{Queue: q.name})
	if err != nil {
		return "", err
	}
	purgeOk, ok := reply.method.(*frame.QueuePurgeOk)
	if !ok {
		return "", fmt.Errorf("unexpected reply %s to queue.purge", reply.method.Name())
	}
	q.setCounts(0, q.ConsumerCount())
	q.conn.log.Debug("Purged %d message(s) from queue '%s'", purgeOk.MessageCount, q.name)
	return PurgeOk, nil
}

// Delete removes the queue broker-side and drops the handle from the
// connection registry. Later operations on this handle fail with
// ErrQueueDeleted.
func (q *Queue) Delete(opts ...DeleteOption) (Result, error) {
	if err := q.usable(); err != nil {
		return "", err
	}
	o := applyDelete(opts)
	reply, err := q.channel().invoke(&frame.QueueDelete{
		Queue:    q.name,
		IfUnused: o.ifUnused,
		IfEmpty:  o.ifEmpty,
	})
	if err != nil {
		return "", err
	}
	if _, ok := reply.method.(*frame.QueueDeleteOk); !ok {
		return "", fmt.Errorf("unexpected reply %s to queue.delete", reply.method.Name())
	}

	q.mu.Lock()
	q.deleted = true
	q.mu.Unlock()
	q.conn.unregisterQueue(q.name)
	return DeleteOk, nil
}

// Pop fetches one message without waiting: (delivery, true, nil) when a
// message was ready, (nil, false, nil) when the queue was empty. By default
// the broker settles the message on delivery; WithManualAck leaves it
// unacked until the caller settles the returned delivery.
func (q *Queue) Pop(opts ...PopOption) (*Delivery, bool, error) {
	if err := q.usable(); err != nil {
		return nil, false, err
	}
	o := applyPop(opts)
	ch := q.channel()

	reply, err := ch.invoke(&frame.BasicGet{Queue: q.name, NoAck: !o.manualAck})
	if err != nil {
		return nil, false, err
	}
	switch m := reply.method.(type) {
	case *frame.BasicGetEmpty:
		return nil, false, nil
	case *frame.BasicGetOk:
		if o.manualAck {
			ch.tracker.add(reply.delivery)
		}
		q.setCounts(m.MessageCount, q.ConsumerCount())
		return reply.delivery, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected reply %s to basic.get", reply.method.Name())
	}
}

// PopWith invokes fn with the fetch result instead of returning it. fn sees
// ok == false when the queue was empty.
func (q *Queue) PopWith(fn func(d *Delivery, ok bool), opts ...PopOption) error {
	d, ok, err := q.Pop(opts...)
	if err != nil {
		return err
	}
	fn(d, ok)
	return nil
}

// Publish routes body through the default exchange straight to this queue.
func (q *Queue) Publish(body []byte, opts ...PublishOption) error {
	if err := q.usable(); err != nil {
		return err
	}
	return q.channel().DefaultExchange().Publish(body, append(opts, WithKey(q.name))...)
}
