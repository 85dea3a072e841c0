package bunny

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/logger"
)

// defaultPrefetch bounds in-flight deliveries per consumer when the caller
// never set an explicit Qos. It also sizes the consumer buffer, so the
// connection reader never has to block on a slow handler.
const defaultPrefetch = 16

// callReply carries a synchronous reply to the blocked caller. For basic.get
// the content is fully reassembled before the caller wakes, so the reply
// includes the finished delivery.
type callReply struct {
	method   frame.Method
	delivery *Delivery
}

// inflightContent accumulates one content sequence (method, header, body
// fragments) until the announced body size is reached. Only the connection
// reader touches it.
type inflightContent struct {
	method frame.ContentMethod
	props  frame.Properties
	body   []byte
	size   uint64
}

// Channel is one multiplexed logical conversation with the broker. It owns
// its open/closed lifecycle, a single outstanding synchronous-call slot, its
// unacked set and its consumer subscriptions.
//
// Once a channel is closed, whether by Close, a broker-forced close or
// connection loss, every further operation fails with the same sticky error;
// the channel is never reused and a new one must be opened.
type Channel struct {
	id   uint16
	conn *Connection
	log  logger.Logger

	// pending is the synchronous-call slot: at most one caller may be
	// waiting for a reply at any time.
	pending atomic.Bool
	replyCh chan callReply

	closedCh  chan struct{}
	closeOnce sync.Once
	closeErr  error // written once, before closedCh is closed

	tracker *tracker

	// pubMu keeps one publish's method+header+body frames contiguous when
	// several goroutines publish on the same channel.
	pubMu sync.Mutex

	mu        sync.Mutex
	consumers map[string]*Consumer
	prefetch  uint16
	qosSet    bool

	inflight *inflightContent
}

func newChannel(id uint16, conn *Connection) *Channel {
	return &Channel{
		id:        id,
		conn:      conn,
		log:       conn.log,
		replyCh:   make(chan callReply, 1),
		closedCh:  make(chan struct{}),
		tracker:   newTracker(),
		consumers: make(map[string]*Consumer),
	}
}

// ID returns the channel number on the connection.
func (ch *Channel) ID() uint16 { return ch.id }

// Active reports whether the channel can still carry methods. It turns false
// on Close, on a broker-forced close and on connection loss, and never turns
// true again.
func (ch *Channel) Active() bool { return ch.closeReason() == nil }

// closeReason returns the sticky close error, nil while the channel is open.
func (ch *Channel) closeReason() error {
	select {
	case <-ch.closedCh:
		return ch.closeErr
	default:
		return nil
	}
}

// shutdown makes the channel permanently unusable with err as the sticky
// reason: it unblocks a pending synchronous call, clears the unacked set
// (the broker requeues those messages itself) and wakes every consumer loop.
// The first reason wins.
func (ch *Channel) shutdown(err error) {
	ch.closeOnce.Do(func() {
		ch.closeErr = err
		close(ch.closedCh)
		ch.tracker.clear()
	})
}

// open negotiates the channel with the broker after the id was allocated.
func (ch *Channel) open() error {
	reply, err := ch.invoke(&frame.ChannelOpen{})
	if err != nil {
		return &amqperror.ChannelOpenError{Reason: "channel.open rejected", Err: err}
	}
	if _, ok := reply.method.(*frame.ChannelOpenOk); !ok {
		return &amqperror.ChannelOpenError{
			Reason: fmt.Sprintf("unexpected reply %s to channel.open", reply.method.Name()),
		}
	}
	return nil
}

// Close gracefully closes the channel. Consumer loops on it finish with
// state Cancelled; subsequent operations fail with ErrChannelClosed. Closing
// an already-closed channel is a no-op.
func (ch *Channel) Close() error {
	if ch.closeReason() != nil {
		return nil
	}
	reply, err := ch.invoke(&frame.ChannelClose{ReplyCode: 200, ReplyText: "bye"})
	if err != nil {
		// The broker may have force-closed us concurrently; either way the
		// channel is done.
		ch.shutdown(amqperror.ErrChannelClosed)
		ch.conn.releaseChannel(ch.id)
		return err
	}
	if _, ok := reply.method.(*frame.ChannelCloseOk); !ok {
		ch.log.Warn("Channel %d: unexpected reply %s to channel.close", ch.id, reply.method.Name())
	}
	ch.shutdown(amqperror.ErrChannelClosed)
	ch.conn.releaseChannel(ch.id)
	return nil
}

// Qos asks the broker to stop delivering to consumers on this channel once
// prefetchCount deliveries are outstanding (delivered but unacked).
// prefetchSize is carried for protocol completeness; the embedded broker
// ignores it. A count of zero removes the limit. Values that do not fit the
// wire fields (count 16-bit, size 32-bit, neither negative) are rejected
// rather than silently truncated.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if prefetchCount < 0 || prefetchCount > math.MaxUint16 {
		return fmt.Errorf("prefetch count %d out of range 0..%d", prefetchCount, math.MaxUint16)
	}
	if prefetchSize < 0 || int64(prefetchSize) > math.MaxUint32 {
		return fmt.Errorf("prefetch size %d out of range 0..%d", prefetchSize, int64(math.MaxUint32))
	}
	return ch.qos(uint16(prefetchCount), uint32(prefetchSize), global)
}

func (ch *Channel) qos(count uint16, size uint32, global bool) error {
	reply, err := ch.invoke(&frame.BasicQos{PrefetchCount: count, PrefetchSize: size, Global: global})
	if err != nil {
		return err
	}
	if _, ok := reply.method.(*frame.BasicQosOk); !ok {
		return fmt.Errorf("unexpected reply %s to basic.qos", reply.method.Name())
	}
	ch.mu.Lock()
	ch.prefetch = count
	ch.qosSet = true
	ch.mu.Unlock()
	return nil
}

// ensureWindow makes sure consumers on this channel run under a prefetch
// window, applying the default one unless the caller already set Qos.
// Returns the effective per-consumer window, 0 meaning unlimited.
func (ch *Channel) ensureWindow() (uint16, error) {
	ch.mu.Lock()
	set, limit := ch.qosSet, ch.prefetch
	ch.mu.Unlock()
	if set {
		return limit, nil
	}
	if err := ch.qos(defaultPrefetch, 0, false); err != nil {
		return 0, err
	}
	return defaultPrefetch, nil
}

// invoke sends one method and, for synchronous methods, blocks the caller
// until the matching reply arrives or the channel is force-closed, whichever
// comes first. Only one synchronous call may be outstanding per channel; a
// concurrent second call fails fast with ErrPendingCall.
func (ch *Channel) invoke(m frame.Method) (callReply, error) {
	if err := ch.closeReason(); err != nil {
		return callReply{}, err
	}
	if !m.Synchronous() {
		return callReply{}, ch.send(m)
	}

	if !ch.pending.CompareAndSwap(false, true) {
		return callReply{}, amqperror.ErrPendingCall
	}
	defer ch.pending.Store(false)

	if err := ch.send(m); err != nil {
		return callReply{}, err
	}

	select {
	case reply := <-ch.replyCh:
		return reply, nil
	case <-ch.closedCh:
		// Prefer a reply that raced in just before the close.
		select {
		case reply := <-ch.replyCh:
			return reply, nil
		default:
		}
		return callReply{}, ch.closeErr
	}
}

func (ch *Channel) send(m frame.Method) error {
	return ch.conn.send(ch.id, &frame.MethodFrame{Method: m})
}

// publish writes one content-bearing method: the method frame, a header
// frame, then the body split into MaxFrameSize chunks.
func (ch *Channel) publish(m frame.ContentMethod, props frame.Properties, body []byte) error {
	if err := ch.closeReason(); err != nil {
		return err
	}
	classID, _ := m.ID()

	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()

	if err := ch.conn.send(ch.id, &frame.MethodFrame{Method: m}); err != nil {
		return err
	}
	header := &frame.HeaderFrame{ClassID: classID, BodySize: uint64(len(body)), Properties: props}
	if err := ch.conn.send(ch.id, header); err != nil {
		return err
	}
	max := ch.conn.t.MaxFrameSize()
	for off := 0; off < len(body); off += max {
		end := min(off+max, len(body))
		if err := ch.conn.send(ch.id, &frame.BodyFrame{Chunk: body[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

// ack settles a tracked delivery. multiple settles every earlier unacked
// delivery too, in one frame.
func (ch *Channel) ack(tag uint64, multiple bool) error {
	if err := ch.closeReason(); err != nil {
		return err
	}
	if !ch.tracker.settle(tag, multiple) {
		return amqperror.ErrUnknownDeliveryTag
	}
	return ch.send(&frame.BasicAck{DeliveryTag: tag, Multiple: multiple})
}

func (ch *Channel) nack(tag uint64, requeue bool) error {
	if err := ch.closeReason(); err != nil {
		return err
	}
	if !ch.tracker.settle(tag, false) {
		return amqperror.ErrUnknownDeliveryTag
	}
	return ch.send(&frame.BasicNack{DeliveryTag: tag, Requeue: requeue})
}

func (ch *Channel) reject(tag uint64, requeue bool) error {
	if err := ch.closeReason(); err != nil {
		return err
	}
	if !ch.tracker.settle(tag, false) {
		return amqperror.ErrUnknownDeliveryTag
	}
	return ch.send(&frame.BasicReject{DeliveryTag: tag, Requeue: requeue})
}

func (ch *Channel) registerConsumer(c *Consumer) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, dup := ch.consumers[c.tag]; dup {
		return fmt.Errorf("consumer tag %q already in use on channel %d", c.tag, ch.id)
	}
	ch.consumers[c.tag] = c
	return nil
}

func (ch *Channel) deregisterConsumer(tag string) {
	ch.mu.Lock()
	delete(ch.consumers, tag)
	ch.mu.Unlock()
}

func (ch *Channel) consumerByTag(tag string) *Consumer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consumers[tag]
}

// handleFrame demultiplexes one inbound frame onto this channel. It runs
// only on the connection reader goroutine, which keeps content reassembly
// and delivery-tag bookkeeping trivially serialized.
func (ch *Channel) handleFrame(f frame.Frame) {
	if ch.closeReason() != nil {
		return // late frames for a dead channel
	}
	switch fr := f.(type) {
	case *frame.MethodFrame:
		ch.handleMethod(fr.Method)
	case *frame.HeaderFrame:
		ch.handleHeader(fr)
	case *frame.BodyFrame:
		ch.handleBody(fr)
	case *frame.HeartbeatFrame:
		// liveness belongs to the transport
	}
}

func (ch *Channel) handleMethod(m frame.Method) {
	switch mt := m.(type) {
	case *frame.ChannelClose:
		// Acknowledge first so the broker can retire the channel, then make
		// the reason sticky for everyone blocked on or arriving at this
		// channel. The id goes back to the connection so it does not sit
		// dead in the registry.
		_ = ch.send(&frame.ChannelCloseOk{})
		ch.shutdown(&amqperror.ForcedChannelClose{
			Code: amqperror.Code(mt.ReplyCode),
			Text: mt.ReplyText,
		})
		ch.conn.releaseChannel(ch.id)

	case *frame.BasicDeliver:
		if ch.inflight != nil {
			ch.log.Warn("Channel %d: new content method while %s still incomplete", ch.id, ch.inflight.method.Name())
		}
		ch.inflight = &inflightContent{method: mt}

	case *frame.BasicGetOk:
		ch.inflight = &inflightContent{method: mt}

	case *frame.BasicCancel:
		// The broker cancelled the consumer, e.g. its queue was deleted.
		if c := ch.consumerByTag(mt.ConsumerTag); c != nil {
			c.cancelledByServer()
		}

	default:
		ch.deliverReply(callReply{method: m})
	}
}

func (ch *Channel) handleHeader(h *frame.HeaderFrame) {
	if ch.inflight == nil {
		ch.log.Warn("Channel %d: header frame without a content method", ch.id)
		return
	}
	ch.inflight.props = h.Properties
	ch.inflight.size = h.BodySize
	if h.BodySize == 0 {
		ch.completeContent()
	}
}

func (ch *Channel) handleBody(b *frame.BodyFrame) {
	if ch.inflight == nil {
		ch.log.Warn("Channel %d: body frame without a content method", ch.id)
		return
	}
	ch.inflight.body = append(ch.inflight.body, b.Chunk...)
	if uint64(len(ch.inflight.body)) >= ch.inflight.size {
		ch.completeContent()
	}
}

func (ch *Channel) completeContent() {
	ic := ch.inflight
	ch.inflight = nil

	switch m := ic.method.(type) {
	case *frame.BasicDeliver:
		ch.dispatchDelivery(&Delivery{
			Properties:  ic.props,
			Payload:     ic.body,
			ConsumerTag: m.ConsumerTag,
			DeliveryTag: m.DeliveryTag,
			Redelivered: m.Redelivered,
			Exchange:    m.Exchange,
			RoutingKey:  m.RoutingKey,
			ch:          ch,
		})

	case *frame.BasicGetOk:
		ch.deliverReply(callReply{
			method: m,
			delivery: &Delivery{
				Properties:   ic.props,
				Payload:      ic.body,
				DeliveryTag:  m.DeliveryTag,
				Redelivered:  m.Redelivered,
				Exchange:     m.Exchange,
				RoutingKey:   m.RoutingKey,
				MessageCount: m.MessageCount,
				ch:           ch,
			},
		})
	}
}

// dispatchDelivery hands a consumed message to its loop. Deliveries are
// tracked before they are buffered so a handler ack can never race the
// bookkeeping. When the consumer is gone or its buffer is full the message
// goes straight back to the broker.
func (ch *Channel) dispatchDelivery(d *Delivery) {
	c := ch.consumerByTag(d.ConsumerTag)
	if c == nil {
		_ = ch.send(&frame.BasicNack{DeliveryTag: d.DeliveryTag, Requeue: true})
		return
	}
	d.Consumer = c
	ch.tracker.add(d)
	if !c.push(d) {
		ch.tracker.settle(d.DeliveryTag, false)
		_ = ch.send(&frame.BasicNack{DeliveryTag: d.DeliveryTag, Requeue: true})
		ch.log.Warn("Channel %d: consumer '%s' buffer full, requeued delivery %d", ch.id, c.tag, d.DeliveryTag)
	}
}

// deliverReply wakes the caller parked in invoke. Replies nobody is waiting
// for are dropped rather than left to poison the next call.
func (ch *Channel) deliverReply(r callReply) {
	if !ch.pending.Load() {
		ch.log.Warn("Channel %d: dropping unexpected %s reply", ch.id, r.method.Name())
		return
	}
	select {
	case ch.replyCh <- r:
	default:
		ch.log.Warn("Channel %d: reply slot full, dropping %s", ch.id, r.method.Name())
	}
}
