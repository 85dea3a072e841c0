package broker

import (
	"fmt"
	"strings"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
)

func (c *conn) handleMethod(channelID uint16, m frame.Method) error {
	if channelID == 0 {
		c.b.log.Warn("Ignoring %s on channel 0", m.Name())
		return nil
	}

	if _, ok := m.(*frame.ChannelOpen); ok {
		return c.handleChannelOpen(channelID)
	}

	ch, ok := c.getChannel(channelID)
	if !ok {
		c.b.log.Warn("Method %s on channel %d which is not open", m.Name(), channelID)
		classID, methodID := m.ID()
		return c.send(channelID, &frame.ChannelClose{
			ReplyCode: uint16(amqperror.ChannelError),
			ReplyText: fmt.Sprintf("CHANNEL_ERROR - channel %d is not open", channelID),
			ClassID:   classID,
			MethodID:  methodID,
		})
	}

	if ch.isClosing() {
		if _, ok := m.(*frame.ChannelCloseOk); ok {
			c.removeChannel(channelID)
			return nil
		}
		c.b.log.Debug("Ignoring %s on closing channel %d", m.Name(), channelID)
		return nil
	}

	switch m := m.(type) {
	case *frame.ChannelClose:
		return c.handleChannelClose(ch, m)
	case *frame.ChannelCloseOk:
		// Unsolicited close-ok; drop it
		c.b.log.Warn("Unexpected channel.close-ok on open channel %d", channelID)
		return nil
	case *frame.ExchangeDeclare:
		return c.handleExchangeDeclare(ch, m)
	case *frame.ExchangeDelete:
		return c.handleExchangeDelete(ch, m)
	case *frame.QueueDeclare:
		return c.handleQueueDeclare(ch, m)
	case *frame.QueueBind:
		return c.handleQueueBind(ch, m)
	case *frame.QueueUnbind:
		return c.handleQueueUnbind(ch, m)
	case *frame.QueuePurge:
		return c.handleQueuePurge(ch, m)
	case *frame.QueueDelete:
		return c.handleQueueDelete(ch, m)
	case *frame.BasicQos:
		return c.handleBasicQos(ch, m)
	case *frame.BasicConsume:
		return c.handleBasicConsume(ch, m)
	case *frame.BasicCancel:
		return c.handleBasicCancel(ch, m)
	case *frame.BasicPublish:
		return c.handleBasicPublish(ch, m)
	case *frame.BasicGet:
		return c.handleBasicGet(ch, m)
	case *frame.BasicAck:
		return c.handleBasicAck(ch, m)
	case *frame.BasicNack:
		return c.handleBasicNack(ch, m)
	case *frame.BasicReject:
		return c.handleBasicReject(ch, m)
	default:
		return c.closeChannel(ch, amqperror.NotImplemented,
			fmt.Sprintf("NOT_IMPLEMENTED - method %s not implemented", m.Name()), m)
	}
}

func (c *conn) handleChannelOpen(channelID uint16) error {
	c.mu.Lock()
	if _, exists := c.channels[channelID]; exists {
		c.mu.Unlock()
		c.b.log.Warn("channel.open for channel %d which is already open", channelID)
		return c.send(channelID, &frame.ChannelClose{
			ReplyCode: uint16(amqperror.ChannelError),
			ReplyText: "CHANNEL_ERROR - channel ID already in use",
			ClassID:   frame.ClassChannel,
			MethodID:  frame.MethodChannelOpen,
		})
	}
	c.channels[channelID] = newBChannel(channelID, c)
	c.mu.Unlock()

	c.b.log.Info("Channel %d opened", channelID)
	return c.send(channelID, &frame.ChannelOpenOk{})
}

func (c *conn) handleChannelClose(ch *bchannel, m *frame.ChannelClose) error {
	c.b.log.Info("Channel %d closed by client: code=%d text='%s'", ch.id, m.ReplyCode, m.ReplyText)
	c.releaseChannel(ch)
	c.removeChannel(ch.id)
	return c.send(ch.id, &frame.ChannelCloseOk{})
}

func (c *conn) handleExchangeDeclare(ch *bchannel, m *frame.ExchangeDeclare) error {
	b := c.b

	kind := m.Kind
	if kind == "" {
		kind = "direct"
	}
	validKinds := map[string]bool{"direct": true, "fanout": true, "topic": true}
	if !validKinds[kind] {
		return c.closeChannel(ch, amqperror.NotImplemented,
			fmt.Sprintf("NOT_IMPLEMENTED - exchange type '%s' not implemented", m.Kind), m)
	}

	if m.Exchange == "" {
		return c.closeChannel(ch, amqperror.AccessRefused,
			"ACCESS_REFUSED - the default exchange cannot be declared", m)
	}

	b.mu.Lock()
	ex, exists := b.exchanges[m.Exchange]
	if !exists {
		if m.Passive {
			b.mu.Unlock()
			return c.closeChannel(ch, amqperror.NotFound,
				fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), m)
		}
		if strings.HasPrefix(m.Exchange, "amq.") {
			b.mu.Unlock()
			return c.closeChannel(ch, amqperror.AccessRefused,
				fmt.Sprintf("ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.'", m.Exchange), m)
		}
		ex = newExchange(m.Exchange, kind, m.Durable, m.AutoDelete, m.Internal)
		b.exchanges[m.Exchange] = ex
		b.mu.Unlock()

		b.persistExchange(ex)
		b.log.Info("Exchange declared: '%s' (%s, durable=%v)", ex.name, ex.kind, ex.durable)
		if m.NoWait {
			return nil
		}
		return c.send(ch.id, &frame.ExchangeDeclareOk{})
	}
	b.mu.Unlock()

	// Existing exchange: a passive declare only checks the type, a full
	// redeclare must match every property.
	if ex.kind != kind {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - exchange '%s' is of type '%s', not '%s'", ex.name, ex.kind, kind), m)
	}
	if !m.Passive && (ex.durable != m.Durable || ex.autoDelete != m.AutoDelete || ex.internal != m.Internal) {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - cannot redeclare exchange '%s' with different properties", ex.name), m)
	}

	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.ExchangeDeclareOk{})
}

func (c *conn) handleExchangeDelete(ch *bchannel, m *frame.ExchangeDelete) error {
	b := c.b

	if m.Exchange == "" || strings.HasPrefix(m.Exchange, "amq.") {
		return c.closeChannel(ch, amqperror.AccessRefused,
			fmt.Sprintf("ACCESS_REFUSED - exchange '%s' is reserved and cannot be deleted", m.Exchange), m)
	}

	ex, ok := b.getExchange(m.Exchange)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), m)
	}

	if m.IfUnused && ex.hasBindings() {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - exchange '%s' in use (has bindings)", m.Exchange), m)
	}

	b.mu.Lock()
	delete(b.exchanges, m.Exchange)
	b.mu.Unlock()

	// Drop the queue-side binding records that pointed here
	b.mu.RLock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()
	prefix := m.Exchange + ":"
	for _, q := range queues {
		changed := false
		q.mu.Lock()
		for bk := range q.bindings {
			if strings.HasPrefix(bk, prefix) {
				delete(q.bindings, bk)
				changed = true
			}
		}
		q.mu.Unlock()
		if changed {
			b.persistQueue(q)
		}
	}

	if b.persist != nil && ex.durable {
		b.persist.deleteExchange(ex.name)
	}

	b.log.Info("Exchange '%s' deleted", m.Exchange)
	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.ExchangeDeleteOk{})
}

func (c *conn) handleQueueDeclare(ch *bchannel, m *frame.QueueDeclare) error {
	b := c.b
	name := m.Queue

	if name == "" {
		if m.Passive {
			return c.closeChannel(ch, amqperror.NotFound,
				"NOT_FOUND - no queue '' in vhost '/'", m)
		}
		name = b.generateQueueName()
	}

	b.mu.Lock()
	q, exists := b.queues[name]
	if !exists {
		if m.Passive {
			b.mu.Unlock()
			return c.closeChannel(ch, amqperror.NotFound,
				fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name), m)
		}
		if m.Queue != "" && strings.HasPrefix(m.Queue, "amq.") {
			b.mu.Unlock()
			return c.closeChannel(ch, amqperror.AccessRefused,
				fmt.Sprintf("ACCESS_REFUSED - queue name '%s' contains reserved prefix 'amq.'", m.Queue), m)
		}
		q = newQueue(name, m.Durable, m.Exclusive, m.AutoDelete)
		if m.Exclusive {
			q.owner = c
		}
		b.queues[name] = q
		b.mu.Unlock()

		b.persistQueue(q)
		b.log.Info("Queue declared: '%s' (durable=%v, exclusive=%v, autoDelete=%v)",
			name, m.Durable, m.Exclusive, m.AutoDelete)
		if m.NoWait {
			return nil
		}
		return c.send(ch.id, &frame.QueueDeclareOk{Queue: name})
	}
	b.mu.Unlock()

	// Existing queue: the exclusivity guard applies to passive declares too
	if q.exclusive && q.owner != c {
		return c.closeChannel(ch, amqperror.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name), m)
	}
	if !m.Passive && (q.durable != m.Durable || q.exclusive != m.Exclusive || q.autoDelete != m.AutoDelete) {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - queue '%s' declared with different durable, exclusive or auto-delete values", name), m)
	}

	msgs, cons := q.counts()
	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.QueueDeclareOk{
		Queue:         name,
		MessageCount:  msgs,
		ConsumerCount: cons,
	})
}

func (c *conn) handleQueueBind(ch *bchannel, m *frame.QueueBind) error {
	b := c.b

	if m.Exchange == "" {
		return c.closeChannel(ch, amqperror.AccessRefused,
			"ACCESS_REFUSED - cannot bind to the default exchange", m)
	}

	q, ok := b.getQueue(m.Queue)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), m)
	}
	ex, ok := b.getExchange(m.Exchange)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), m)
	}

	ex.addBinding(m.RoutingKey, q.name)
	q.addBinding(ex.name, m.RoutingKey)
	b.persistQueue(q)

	b.log.Info("Bound queue '%s' to exchange '%s' with key '%s'", q.name, ex.name, m.RoutingKey)
	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.QueueBindOk{})
}

func (c *conn) handleQueueUnbind(ch *bchannel, m *frame.QueueUnbind) error {
	b := c.b

	q, ok := b.getQueue(m.Queue)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), m)
	}
	ex, ok := b.getExchange(m.Exchange)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), m)
	}

	// Unbinding a binding that does not exist still answers unbind-ok
	if q.removeBinding(ex.name, m.RoutingKey) {
		ex.removeBinding(m.RoutingKey, q.name)
		b.persistQueue(q)
		b.log.Info("Unbound queue '%s' from exchange '%s' (key '%s')", q.name, ex.name, m.RoutingKey)
	} else {
		b.log.Debug("Unbind of nonexistent binding %s:%s from '%s', nothing to do",
			ex.name, m.RoutingKey, q.name)
	}

	return c.send(ch.id, &frame.QueueUnbindOk{})
}

func (c *conn) handleQueuePurge(ch *bchannel, m *frame.QueuePurge) error {
	b := c.b

	q, ok := b.getQueue(m.Queue)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), m)
	}
	if q.exclusive && q.owner != c {
		return c.closeChannel(ch, amqperror.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - queue '%s' is exclusive to another connection", m.Queue), m)
	}

	// Purge removes ready messages only; unacked deliveries stay tracked
	q.mu.Lock()
	purged := q.messages
	q.messages = nil
	q.mu.Unlock()

	for i := range purged {
		b.dropPersisted(q.name, &purged[i])
	}

	b.log.Info("Purged %d message(s) from queue '%s'", len(purged), q.name)
	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.QueuePurgeOk{MessageCount: uint32(len(purged))})
}

func (c *conn) handleQueueDelete(ch *bchannel, m *frame.QueueDelete) error {
	b := c.b

	q, ok := b.getQueue(m.Queue)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), m)
	}
	if q.exclusive && q.owner != c {
		return c.closeChannel(ch, amqperror.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - queue '%s' is exclusive to another connection", m.Queue), m)
	}

	msgs, cons := q.counts()
	if m.IfUnused && cons > 0 {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - queue '%s' in use", m.Queue), m)
	}
	if m.IfEmpty && msgs > 0 {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - queue '%s' not empty", m.Queue), m)
	}

	purged := b.removeQueue(q, true)
	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.QueueDeleteOk{MessageCount: purged})
}

func (c *conn) handleBasicQos(ch *bchannel, m *frame.BasicQos) error {
	if m.PrefetchSize != 0 {
		c.b.log.Debug("basic.qos prefetch-size %d ignored, only prefetch-count is enforced", m.PrefetchSize)
	}
	ch.mu.Lock()
	ch.prefetchCount = m.PrefetchCount
	ch.mu.Unlock()
	ch.signalAck() // a raised limit may unblock a waiting pump

	c.b.log.Info("Channel %d prefetch count set to %d", ch.id, m.PrefetchCount)
	return c.send(ch.id, &frame.BasicQosOk{})
}

func (c *conn) handleBasicConsume(ch *bchannel, m *frame.BasicConsume) error {
	b := c.b

	q, ok := b.getQueue(m.Queue)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), m)
	}
	if q.exclusive && q.owner != c {
		return c.closeChannel(ch, amqperror.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - queue '%s' is exclusive to another connection", m.Queue), m)
	}

	tag := m.ConsumerTag
	if tag == "" {
		tag = b.generateConsumerTag()
	}

	ch.mu.Lock()
	if _, dup := ch.consumers[tag]; dup {
		ch.mu.Unlock()
		return c.closeChannel(ch, amqperror.NotAllowed,
			fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag), m)
	}
	ch.mu.Unlock()

	cs := newConsumer(tag, m.NoAck, ch, q)

	q.mu.Lock()
	if _, dup := q.consumers[tag]; dup {
		q.mu.Unlock()
		return c.closeChannel(ch, amqperror.NotAllowed,
			fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag), m)
	}
	if q.hasExclusive || (m.Exclusive && len(q.consumers) > 0) {
		q.mu.Unlock()
		return c.closeChannel(ch, amqperror.AccessRefused,
			fmt.Sprintf("ACCESS_REFUSED - queue '%s' in exclusive use", q.name), m)
	}
	q.consumers[tag] = cs
	if m.Exclusive {
		q.hasExclusive = true
	}
	q.mu.Unlock()

	ch.mu.Lock()
	ch.consumers[tag] = cs
	ch.mu.Unlock()

	b.log.Info("Consumer '%s' registered on queue '%s' (noAck=%v) via channel %d",
		tag, q.name, m.NoAck, ch.id)

	if !m.NoWait {
		if err := c.send(ch.id, &frame.BasicConsumeOk{ConsumerTag: tag}); err != nil {
			return err
		}
	}

	go b.runPump(cs)
	q.wake()
	return nil
}

func (c *conn) handleBasicCancel(ch *bchannel, m *frame.BasicCancel) error {
	ch.mu.Lock()
	cs, ok := ch.consumers[m.ConsumerTag]
	if ok {
		delete(ch.consumers, m.ConsumerTag)
	}
	ch.mu.Unlock()

	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no consumer '%s'", m.ConsumerTag), m)
	}

	cs.stop()
	cs.queue.deregisterConsumer(cs.tag)
	c.b.log.Info("Consumer '%s' cancelled on queue '%s'", cs.tag, cs.queue.name)
	c.b.maybeAutoDelete(cs.queue)

	if m.NoWait {
		return nil
	}
	return c.send(ch.id, &frame.BasicCancelOk{ConsumerTag: m.ConsumerTag})
}

func (c *conn) handleBasicPublish(ch *bchannel, m *frame.BasicPublish) error {
	if m.Exchange != "" {
		ex, ok := c.b.getExchange(m.Exchange)
		if !ok {
			return c.closeChannel(ch, amqperror.NotFound,
				fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", m.Exchange), m)
		}
		if ex.internal {
			return c.closeChannel(ch, amqperror.AccessRefused,
				fmt.Sprintf("ACCESS_REFUSED - exchange '%s' in vhost '/' is internal", m.Exchange), m)
		}
	}

	ch.mu.Lock()
	ch.pending = &inboundPublish{publish: m}
	ch.mu.Unlock()
	return nil
}

func (c *conn) handleBasicGet(ch *bchannel, m *frame.BasicGet) error {
	b := c.b

	q, ok := b.getQueue(m.Queue)
	if !ok {
		return c.closeChannel(ch, amqperror.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", m.Queue), m)
	}
	if q.exclusive && q.owner != c {
		return c.closeChannel(ch, amqperror.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - queue '%s' is exclusive to another connection", m.Queue), m)
	}

	q.mu.Lock()
	if len(q.messages) == 0 {
		q.mu.Unlock()
		return c.send(ch.id, &frame.BasicGetEmpty{})
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	remaining := uint32(len(q.messages))
	q.mu.Unlock()

	tag, ok := ch.trackDelivery(msg, "", q.name, m.NoAck)
	if !ok {
		q.putBack(msg)
		return nil
	}

	getOk := &frame.BasicGetOk{
		DeliveryTag:  tag,
		Redelivered:  msg.redelivered,
		Exchange:     msg.exchange,
		RoutingKey:   msg.routingKey,
		MessageCount: remaining,
	}
	if err := c.sendContent(ch.id, getOk, msg.props, msg.body); err != nil {
		return err
	}

	if m.NoAck {
		b.dropPersisted(q.name, &msg)
	}
	b.log.Debug("basic.get served tag %d from '%s' (%d remaining)", tag, q.name, remaining)
	return nil
}

func (c *conn) handleBasicAck(ch *bchannel, m *frame.BasicAck) error {
	settled, ok := ch.settle(m.DeliveryTag, m.Multiple)
	if !ok {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - unknown delivery-tag %d", m.DeliveryTag), m)
	}
	for _, u := range settled {
		c.b.dropPersisted(u.queueName, &u.msg)
	}
	c.b.log.Debug("Acked %d delivery(ies) up to tag %d on channel %d", len(settled), m.DeliveryTag, ch.id)
	return nil
}

func (c *conn) handleBasicNack(ch *bchannel, m *frame.BasicNack) error {
	settled, ok := ch.settle(m.DeliveryTag, m.Multiple)
	if !ok {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - unknown delivery-tag %d for nack", m.DeliveryTag), m)
	}
	c.settleNegative(settled, m.Requeue)
	return nil
}

func (c *conn) handleBasicReject(ch *bchannel, m *frame.BasicReject) error {
	settled, ok := ch.settle(m.DeliveryTag, false)
	if !ok {
		return c.closeChannel(ch, amqperror.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - unknown delivery-tag %d for reject", m.DeliveryTag), m)
	}
	c.settleNegative(settled, m.Requeue)
	return nil
}

// settleNegative finishes a nack/reject: requeued deliveries go back to
// their queues in tag order, dropped ones leave storage too.
func (c *conn) settleNegative(settled []*unacked, requeue bool) {
	if requeue {
		c.b.requeue(settled)
		return
	}
	for _, u := range settled {
		c.b.dropPersisted(u.queueName, &u.msg)
	}
	c.b.log.Debug("Dropped %d rejected delivery(ies)", len(settled))
}

func (c *conn) handleHeader(channelID uint16, hf *frame.HeaderFrame) error {
	ch, ok := c.getChannel(channelID)
	if !ok || ch.isClosing() {
		c.b.log.Debug("Dropping header frame on dead channel %d", channelID)
		return nil
	}

	ch.mu.Lock()
	p := ch.pending
	if p == nil {
		ch.mu.Unlock()
		return c.closeChannel(ch, amqperror.UnexpectedFrame,
			"UNEXPECTED_FRAME - content header without a publish", nil)
	}
	p.props = hf.Properties
	p.size = hf.BodySize
	p.haveHeader = true
	complete := p.size == 0
	if complete {
		ch.pending = nil
	}
	ch.mu.Unlock()

	if complete {
		return c.completePublish(p)
	}
	return nil
}

func (c *conn) handleBody(channelID uint16, bf *frame.BodyFrame) error {
	ch, ok := c.getChannel(channelID)
	if !ok || ch.isClosing() {
		c.b.log.Debug("Dropping body frame on dead channel %d", channelID)
		return nil
	}

	ch.mu.Lock()
	p := ch.pending
	if p == nil || !p.haveHeader {
		ch.mu.Unlock()
		return c.closeChannel(ch, amqperror.UnexpectedFrame,
			"UNEXPECTED_FRAME - content body without a header", nil)
	}
	p.body = append(p.body, bf.Chunk...)
	if uint64(len(p.body)) > p.size {
		ch.pending = nil
		ch.mu.Unlock()
		return c.closeChannel(ch, amqperror.FrameError,
			"FRAME_ERROR - content body exceeds declared size", p.publish)
	}
	complete := uint64(len(p.body)) == p.size
	if complete {
		ch.pending = nil
	}
	ch.mu.Unlock()

	if complete {
		return c.completePublish(p)
	}
	return nil
}

// completePublish routes a fully assembled message into every matching
// queue. Unroutable messages are dropped.
func (c *conn) completePublish(p *inboundPublish) error {
	msg := message{
		exchange:   p.publish.Exchange,
		routingKey: p.publish.RoutingKey,
		props:      p.props,
		body:       p.body,
	}

	queues := c.b.route(msg.exchange, msg.routingKey)
	if len(queues) == 0 {
		c.b.log.Debug("No route for message to exchange '%s' with key '%s', dropping",
			msg.exchange, msg.routingKey)
		return nil
	}

	for _, q := range queues {
		c.b.enqueue(q, msg)
	}
	c.b.log.Debug("Routed message (%d bytes) to %d queue(s) via exchange '%s' key '%s'",
		len(msg.body), len(queues), msg.exchange, msg.routingKey)
	return nil
}
