package bunny

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
)

// ConsumerState is where a consumer loop is in its lifecycle. Subscribe
// returns the terminal state it reached.
type ConsumerState int32

const (
	// ConsumerIdle - never started, e.g. the consume negotiation failed
	ConsumerIdle ConsumerState = iota

	// ConsumerRunning - the loop is waiting for or handling deliveries
	ConsumerRunning

	// ConsumerCancelled - stopped by Unsubscribe, the cancellator, a timeout,
	// a server-side cancel or a graceful close
	ConsumerCancelled

	// ConsumerExhausted - reached its message-max budget
	ConsumerExhausted

	// ConsumerErrored - the channel was force-closed or the connection lost
	ConsumerErrored
)

func (s ConsumerState) String() string {
	switch s {
	case ConsumerIdle:
		return "idle"
	case ConsumerRunning:
		return "running"
	case ConsumerCancelled:
		return "cancelled"
	case ConsumerExhausted:
		return "exhausted"
	case ConsumerErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DeliveryHandler processes one delivery inside a Subscribe loop. It runs on
// the subscribing goroutine; the loop never invokes it concurrently with
// itself and always lets a running invocation finish.
type DeliveryHandler func(d *Delivery)

// Consumer is one running subscription. The handler reaches it through
// Delivery.Consumer, typically to Unsubscribe from inside the loop.
type Consumer struct {
	tag   string
	queue *Queue
	ch    *Channel
	opts  consumeOptions

	handler    DeliveryHandler
	deliveries chan *Delivery

	state atomic.Int32

	unsubCh   chan struct{}
	unsubOnce sync.Once

	srvCancelCh   chan struct{}
	srvCancelOnce sync.Once
}

// Tag returns the consumer tag the subscription runs under.
func (c *Consumer) Tag() string { return c.tag }

// State returns the loop's current (or terminal) state.
func (c *Consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }

func (c *Consumer) setState(s ConsumerState) { c.state.Store(int32(s)) }

// Unsubscribe asks the loop to stop. Cooperative: called from inside the
// handler it takes effect once that invocation returns, called from outside
// it preempts the wait for the next delivery.
func (c *Consumer) Unsubscribe() {
	c.unsubOnce.Do(func() { close(c.unsubCh) })
}

func (c *Consumer) unsubRequested() bool {
	select {
	case <-c.unsubCh:
		return true
	default:
		return false
	}
}

// cancelledByServer is invoked by the connection reader when the broker
// cancels the consumer, e.g. because its queue was deleted.
func (c *Consumer) cancelledByServer() {
	c.srvCancelOnce.Do(func() { close(c.srvCancelCh) })
}

// push hands a delivery to the loop without ever blocking the reader.
func (c *Consumer) push(d *Delivery) bool {
	select {
	case c.deliveries <- d:
		return true
	default:
		return false
	}
}

// Subscribe consumes from the queue, invoking handler for each delivery on
// the calling goroutine until the loop reaches a terminal state, which it
// returns. Deliveries arrive in the order the broker sent them. By default
// every delivery is settled after its handler invocation returns; WithAck
// switches to manual settlement. WithMessageMax, WithTimeout, WithCancellator
// and Unsubscribe bound the loop; all of them leave messages the handler
// never saw available on the queue.
func (q *Queue) Subscribe(handler DeliveryHandler, opts ...ConsumeOption) (ConsumerState, error) {
	if err := q.usable(); err != nil {
		return ConsumerIdle, err
	}
	if handler == nil {
		return ConsumerIdle, errors.New("nil delivery handler")
	}
	o := applyConsume(opts)
	ch := q.channel()

	// Deliveries stay windowed so the connection reader can always buffer
	// the full in-flight set without blocking.
	window, err := ch.ensureWindow()
	if err != nil {
		return ConsumerIdle, err
	}
	capacity := int(window)
	if capacity == 0 {
		capacity = 1024 // caller disabled the window with Qos(0)
	}

	tag := o.tag
	if tag == "" {
		tag = q.conn.nextConsumerTag()
	}

	c := &Consumer{
		tag:         tag,
		queue:       q,
		ch:          ch,
		opts:        o,
		handler:     handler,
		deliveries:  make(chan *Delivery, capacity),
		unsubCh:     make(chan struct{}),
		srvCancelCh: make(chan struct{}),
	}

	// Registered before basic.consume goes out: the first deliver frame can
	// arrive ahead of our consume-ok handling.
	if err := ch.registerConsumer(c); err != nil {
		return ConsumerIdle, err
	}

	reply, err := ch.invoke(&frame.BasicConsume{
		Queue:       q.name,
		ConsumerTag: tag,
		NoAck:       false, // settlement is the loop's job in every ack mode
		Exclusive:   o.exclusive,
		Arguments:   o.args,
	})
	if err != nil {
		ch.deregisterConsumer(tag)
		return ConsumerIdle, err
	}
	if _, ok := reply.method.(*frame.BasicConsumeOk); !ok {
		ch.deregisterConsumer(tag)
		return ConsumerIdle, fmt.Errorf("unexpected reply %s to basic.consume", reply.method.Name())
	}

	c.setState(ConsumerRunning)
	return c.run()
}

// run is the consumer loop: each iteration waits for the next delivery, the
// cancellation signal or the idle timeout, first one wins. The checks are
// composed in a single select, so there is no missed-wakeup window.
func (c *Consumer) run() (ConsumerState, error) {
	defer c.ch.deregisterConsumer(c.tag)

	processed := uint(0)
	for {
		// Budget and cooperative-stop checks run between handler
		// invocations, never mid-delivery.
		if c.opts.maxSet && processed >= c.opts.messageMax {
			return c.finish(ConsumerExhausted, nil)
		}
		if c.unsubRequested() {
			return c.finish(ConsumerCancelled, nil)
		}

		var timer *time.Timer
		var timeoutC <-chan time.Time
		if c.opts.timeout > 0 {
			timer = time.NewTimer(c.opts.timeout)
			timeoutC = timer.C
		}

		select {
		case d := <-c.deliveries:
			if timer != nil {
				timer.Stop()
			}
			c.handler(d)
			processed++
			if !c.opts.manualAck {
				c.settleAfterHandler(d)
			}

		case <-timeoutC:
			return c.finish(ConsumerCancelled, nil)

		case <-c.opts.cancellator:
			if timer != nil {
				timer.Stop()
			}
			return c.finish(ConsumerCancelled, nil)

		case <-c.unsubCh:
			if timer != nil {
				timer.Stop()
			}
			return c.finish(ConsumerCancelled, nil)

		case <-c.srvCancelCh:
			if timer != nil {
				timer.Stop()
			}
			// The broker already tore the consumer down; no cancel frame,
			// and nothing to requeue onto a queue that is gone.
			c.setState(ConsumerCancelled)
			c.ch.deregisterConsumer(c.tag)
			c.drainAndRequeue(false)
			return ConsumerCancelled, nil

		case <-c.ch.closedCh:
			if timer != nil {
				timer.Stop()
			}
			return c.finishClosed()
		}
	}
}

// settleAfterHandler acks the delivery just handled, unless the handler
// already settled it itself.
func (c *Consumer) settleAfterHandler(d *Delivery) {
	if !c.ch.tracker.outstanding(d.DeliveryTag) {
		return
	}
	if err := d.Ack(); err != nil {
		c.ch.log.Warn("Consumer '%s': settling delivery %d failed: %v", c.tag, d.DeliveryTag, err)
	}
}

// finish is the graceful teardown: cancel the consumer broker-side,
// deregister it, then return every buffered delivery the handler never saw
// and report the terminal state. Deregistration must come before the drain:
// a deliver whose content frames complete after cancel-ok would otherwise
// land in the dead buffer with nobody left to return it, while after
// deregistration the reader nacks it straight back. Deliveries the handler
// processed but did not ack stay in the unacked set, exactly as a
// manual-ack caller expects.
func (c *Consumer) finish(state ConsumerState, err error) (ConsumerState, error) {
	c.setState(state)
	c.cancelRemote()
	c.ch.deregisterConsumer(c.tag)
	c.drainAndRequeue(true)
	return state, err
}

// cancelRemote performs a synchronous basic.cancel. Cancel-ok can overtake
// a deliver whose content frames are still streaming, so teardown must not
// trust the buffer to be complete once it returns.
func (c *Consumer) cancelRemote() {
	reply, err := c.ch.invoke(&frame.BasicCancel{ConsumerTag: c.tag})
	if err != nil {
		c.ch.log.Warn("Consumer '%s': basic.cancel failed: %v", c.tag, err)
		return
	}
	if _, ok := reply.method.(*frame.BasicCancelOk); !ok {
		c.ch.log.Warn("Consumer '%s': unexpected reply %s to basic.cancel", c.tag, reply.method.Name())
	}
}

// drainAndRequeue empties the delivery buffer. With nack set each message is
// returned to the broker newest-first: the broker puts every requeued
// message back at the head of its queue, so the oldest must land last to end
// up first and keep the original order. Without nack (queue gone) the
// entries are only dropped from the unacked set.
func (c *Consumer) drainAndRequeue(nack bool) {
	var buffered []*Delivery
drain:
	for {
		select {
		case d := <-c.deliveries:
			buffered = append(buffered, d)
		default:
			break drain
		}
	}
	if len(buffered) == 0 {
		return
	}

	if !nack {
		for _, d := range buffered {
			c.ch.tracker.settle(d.DeliveryTag, false)
		}
		return
	}

	sort.Slice(buffered, func(i, j int) bool {
		return buffered[i].DeliveryTag > buffered[j].DeliveryTag
	})
	for _, d := range buffered {
		if err := d.Nack(true); err != nil {
			c.ch.log.Debug("Consumer '%s': requeue of delivery %d failed: %v", c.tag, d.DeliveryTag, err)
			return
		}
	}
	c.ch.log.Debug("Consumer '%s': requeued %d undispatched delivery(ies)", c.tag, len(buffered))
}

// finishClosed maps the channel's sticky close reason onto a terminal state:
// graceful closes are a cancellation, everything else is a fault the
// subscriber needs to see. The broker requeued our unacked deliveries when
// the channel died, so there is nothing to send.
func (c *Consumer) finishClosed() (ConsumerState, error) {
	err := c.ch.closeErr
	if errors.Is(err, amqperror.ErrChannelClosed) || errors.Is(err, amqperror.ErrConnectionClosed) {
		c.setState(ConsumerCancelled)
		return ConsumerCancelled, nil
	}
	c.setState(ConsumerErrored)
	return ConsumerErrored, err
}
