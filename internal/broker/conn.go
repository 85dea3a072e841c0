package broker

import (
	"fmt"
	"sync"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/transport"
)

// conn is the broker-side state for one client connection.
type conn struct {
	b *Broker
	t transport.Transport

	mu       sync.RWMutex
	channels map[uint16]*bchannel

	// writeMu keeps the method+header+body frames of one content sequence
	// contiguous on the wire.
	writeMu sync.Mutex
}

// bchannel is the broker-side state for one client channel.
type bchannel struct {
	id   uint16
	conn *conn

	mu            sync.Mutex
	deliveryTag   uint64
	unacked       map[uint64]*unacked
	consumers     map[string]*consumer
	prefetchCount uint16
	closing       bool

	// ackNotify wakes pumps blocked on the prefetch window. Capacity 1;
	// coalesced signals are fine because pumps re-check the window.
	ackNotify chan struct{}

	pending *inboundPublish
}

// unacked is one delivered-but-unsettled message.
type unacked struct {
	msg         message
	consumerTag string // empty for basic.get deliveries
	queueName   string
	deliveryTag uint64
}

// inboundPublish assembles a basic.publish with its content header and body
// frames. Frames of one content sequence never interleave on a channel.
type inboundPublish struct {
	publish    *frame.BasicPublish
	props      frame.Properties
	body       []byte
	size       uint64
	haveHeader bool
}

func newBChannel(id uint16, c *conn) *bchannel {
	return &bchannel{
		id:        id,
		conn:      c,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
		ackNotify: make(chan struct{}, 1),
	}
}

func (c *conn) dispatch(channelID uint16, f frame.Frame) error {
	switch fr := f.(type) {
	case *frame.MethodFrame:
		return c.handleMethod(channelID, fr.Method)
	case *frame.HeaderFrame:
		return c.handleHeader(channelID, fr)
	case *frame.BodyFrame:
		return c.handleBody(channelID, fr)
	case *frame.HeartbeatFrame:
		// Liveness is the transport's concern
		return nil
	default:
		return fmt.Errorf("unknown frame type %d", f.Type())
	}
}

func (c *conn) getChannel(channelID uint16) (*bchannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	return ch, ok
}

func (c *conn) removeChannel(channelID uint16) {
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
}

func (c *conn) send(channelID uint16, m frame.Method) error {
	return c.t.Send(channelID, &frame.MethodFrame{Method: m})
}

// sendContent writes a content-bearing method followed by its header and
// body frames, splitting the body at the transport's frame limit.
func (c *conn) sendContent(channelID uint16, m frame.Method, props frame.Properties, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.t.Send(channelID, &frame.MethodFrame{Method: m}); err != nil {
		return err
	}
	if err := c.t.Send(channelID, &frame.HeaderFrame{
		ClassID:    frame.ClassBasic,
		BodySize:   uint64(len(body)),
		Properties: props,
	}); err != nil {
		return err
	}

	max := c.t.MaxFrameSize()
	for off := 0; off < len(body); off += max {
		end := off + max
		if end > len(body) {
			end = len(body)
		}
		if err := c.t.Send(channelID, &frame.BodyFrame{Chunk: body[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

// closeChannel force-closes a channel from the broker side: consumers are
// stopped, unacked deliveries go back to their queues, then channel.close is
// sent naming the offending method. The channel entry stays, marked closing,
// until the client replies close-ok.
func (c *conn) closeChannel(ch *bchannel, code amqperror.Code, text string, offending frame.Method) error {
	classID, methodID := uint16(0), uint16(0)
	name := ""
	if offending != nil {
		classID, methodID = offending.ID()
		name = offending.Name()
	}
	c.b.log.Warn("Closing channel %d: code=%d text='%s' method=%s", ch.id, uint16(code), text, name)

	c.releaseChannel(ch)

	return c.send(ch.id, &frame.ChannelClose{
		ReplyCode: uint16(code),
		ReplyText: text,
		ClassID:   classID,
		MethodID:  methodID,
	})
}

// releaseChannel marks the channel closing and gives its resources back to
// the broker: consumers stop, unacked deliveries are requeued in tag order.
func (c *conn) releaseChannel(ch *bchannel) {
	ch.mu.Lock()
	if ch.closing {
		ch.mu.Unlock()
		return
	}
	ch.closing = true
	ch.pending = nil

	entries := make([]*unacked, 0, len(ch.unacked))
	for _, u := range ch.unacked {
		entries = append(entries, u)
	}
	ch.unacked = make(map[uint64]*unacked)

	consumers := make([]*consumer, 0, len(ch.consumers))
	for _, cs := range ch.consumers {
		consumers = append(consumers, cs)
	}
	ch.consumers = make(map[string]*consumer)
	ch.mu.Unlock()

	for _, cs := range consumers {
		cs.stop()
		cs.queue.deregisterConsumer(cs.tag)
		c.b.maybeAutoDelete(cs.queue)
	}

	c.b.requeue(entries)
}

// cleanup runs when the serve loop exits: every channel is released and
// exclusive queues owned by this connection die with it.
func (c *conn) cleanup() {
	c.mu.Lock()
	channels := make([]*bchannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[uint16]*bchannel)
	c.mu.Unlock()

	for _, ch := range channels {
		c.releaseChannel(ch)
	}

	// Exclusive queues live and die with their connection
	c.b.mu.RLock()
	var owned []*queue
	for _, q := range c.b.queues {
		if q.exclusive && q.owner == c {
			owned = append(owned, q)
		}
	}
	c.b.mu.RUnlock()
	for _, q := range owned {
		c.b.removeQueue(q, false)
	}

	if len(channels) > 0 || len(owned) > 0 {
		c.b.log.Info("Connection cleaned up: %d channel(s) released, %d exclusive queue(s) dropped",
			len(channels), len(owned))
	}
}

// deregisterConsumer removes a consumer from the queue's dispatch set. An
// exclusive consumer is by definition the only one, so its hold clears when
// the set empties.
func (q *queue) deregisterConsumer(tag string) {
	q.mu.Lock()
	delete(q.consumers, tag)
	if len(q.consumers) == 0 {
		q.hasExclusive = false
	}
	q.mu.Unlock()
}

func (ch *bchannel) isClosing() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closing
}

func (ch *bchannel) removeConsumer(tag string) {
	ch.mu.Lock()
	delete(ch.consumers, tag)
	ch.mu.Unlock()
}

// trackDelivery assigns the next delivery tag and records the unsettled
// delivery unless the consumer is auto-ack. Fails when the channel is
// already closing.
func (ch *bchannel) trackDelivery(msg message, consumerTag string, queueName string, noAck bool) (uint64, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closing {
		return 0, false
	}
	ch.deliveryTag++
	tag := ch.deliveryTag
	if !noAck {
		ch.unacked[tag] = &unacked{
			msg:         msg,
			consumerTag: consumerTag,
			queueName:   queueName,
			deliveryTag: tag,
		}
	}
	return tag, true
}

func (ch *bchannel) untrack(tag uint64) {
	ch.mu.Lock()
	delete(ch.unacked, tag)
	ch.mu.Unlock()
}

// settle removes and returns unacked deliveries for an ack/nack/reject.
// With multiple set, every tag up to and including the given one is settled;
// tag 0 with multiple means everything outstanding. Returns false when the
// tag is unknown.
func (ch *bchannel) settle(tag uint64, multiple bool) ([]*unacked, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !multiple {
		u, ok := ch.unacked[tag]
		if !ok {
			return nil, false
		}
		delete(ch.unacked, tag)
		ch.signalAck()
		return []*unacked{u}, true
	}

	if tag != 0 {
		if _, ok := ch.unacked[tag]; !ok {
			return nil, false
		}
	}
	var out []*unacked
	for t, u := range ch.unacked {
		if tag == 0 || t <= tag {
			out = append(out, u)
			delete(ch.unacked, t)
		}
	}
	ch.signalAck()
	return out, true
}

// signalAck wakes one pump waiting on the prefetch window.
func (ch *bchannel) signalAck() {
	select {
	case ch.ackNotify <- struct{}{}:
	default:
	}
}

func (ch *bchannel) prefetchLimit() uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetchCount
}

// unackedFor counts outstanding deliveries for one consumer tag; the QoS
// prefetch window applies per consumer.
func (ch *bchannel) unackedFor(tag string) uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := uint16(0)
	for _, u := range ch.unacked {
		if u.consumerTag == tag {
			n++
		}
	}
	return n
}
