package bunny

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
)

// TestSubscribeMessageMax tests that a budgeted subscription handles exactly
// the budget and leaves the rest on the queue in the original order.
func TestSubscribeMessageMax(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-max")

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four"), []byte("five")}
	for _, p := range payloads {
		require.NoError(t, q.Publish(p))
	}

	var got [][]byte
	state, err := q.Subscribe(func(d *Delivery) {
		got = append(got, d.Payload)
	}, WithMessageMax(3))
	require.NoError(t, err)
	assert.Equal(t, ConsumerExhausted, state)

	require.Len(t, got, 3)
	assert.Equal(t, payloads[:3], got)

	// The two undispatched messages are back in order
	msgs, _, err := q.Inspect()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msgs)

	for i := 3; i < 5; i++ {
		d, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok, "message %d missing after budgeted consume", i)
		assert.Equal(t, payloads[i], d.Payload)
	}
}

// TestSubscribeMessageMaxZero tests that a zero budget consumes nothing and
// leaves the queue depth untouched.
func TestSubscribeMessageMaxZero(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-max-zero")

	require.NoError(t, q.Publish([]byte("a")))
	require.NoError(t, q.Publish([]byte("b")))

	var calls atomic.Int32
	state, err := q.Subscribe(func(d *Delivery) {
		calls.Add(1)
	}, WithMessageMax(0))
	require.NoError(t, err)
	assert.Equal(t, ConsumerExhausted, state)
	assert.Zero(t, calls.Load(), "handler must never run with a zero budget")

	msgs, _, err := q.Inspect()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msgs)

	// Still in the original order
	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), d.Payload)
	d, ok, err = q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), d.Payload)
}

// TestSubscribeTimeout tests that an idle subscription ends as cancelled
// after the configured wait.
func TestSubscribeTimeout(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-timeout")

	start := time.Now()
	state, err := q.Subscribe(func(d *Delivery) {
		t.Error("handler must not run on an empty queue")
	}, WithTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, ConsumerCancelled, state)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

// TestSubscribeTimeoutAfterDeliveries tests that the idle timer restarts for
// every wait, so a fed consumer only times out once the queue goes quiet.
func TestSubscribeTimeoutAfterDeliveries(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-timeout-fed")
	require.NoError(t, q.Publish([]byte("snack")))

	var calls atomic.Int32
	state, err := q.Subscribe(func(d *Delivery) {
		calls.Add(1)
	}, WithTimeout(300*time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, ConsumerCancelled, state)
	assert.Equal(t, int32(1), calls.Load())
}

// TestSubscribeCancellator tests stopping the loop through an external
// cancellation channel.
func TestSubscribeCancellator(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-cancellator")

	stop := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(stop)
	}()

	state, err := q.Subscribe(func(d *Delivery) {}, WithCancellator(stop))
	require.NoError(t, err)
	assert.Equal(t, ConsumerCancelled, state)
}

// TestUnsubscribeFromHandler tests the cooperative stop from inside the
// handler: the current invocation finishes, nothing else is handled, the
// rest returns to the queue in order.
func TestUnsubscribeFromHandler(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-unsub")

	for _, p := range []string{"first", "second", "third"} {
		require.NoError(t, q.Publish([]byte(p)))
	}

	var calls atomic.Int32
	state, err := q.Subscribe(func(d *Delivery) {
		calls.Add(1)
		d.Consumer.Unsubscribe()
	})
	require.NoError(t, err)
	assert.Equal(t, ConsumerCancelled, state)
	assert.Equal(t, int32(1), calls.Load())

	msgs, _, err := q.Inspect()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msgs)

	d, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), d.Payload)
}

// TestUnsubscribeFromOutside tests preempting an idle wait from another
// goroutine.
func TestUnsubscribeFromOutside(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-unsub-out")

	type result struct {
		state ConsumerState
		err   error
	}
	resCh := make(chan result, 1)
	var consumer atomic.Pointer[Consumer]

	go func() {
		state, err := q.Subscribe(func(d *Delivery) {
			consumer.Store(d.Consumer)
		}, WithConsumerTag(uniqueName("ctag-unsub")))
		resCh <- result{state, err}
	}()

	// Feed one delivery so the handler can capture the consumer
	require.NoError(t, q.Publish([]byte("hi")))
	require.Eventually(t, func() bool { return consumer.Load() != nil },
		2*time.Second, 10*time.Millisecond)

	consumer.Load().Unsubscribe()

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, ConsumerCancelled, res.state)
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe did not stop the loop")
	}
}

// TestSubscribeAutoAckSettles tests that with the default ack mode handled
// messages are settled and never come back.
func TestSubscribeAutoAckSettles(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-autoack")

	require.NoError(t, q.Publish([]byte("a")))
	require.NoError(t, q.Publish([]byte("b")))

	state, err := q.Subscribe(func(d *Delivery) {}, WithMessageMax(2))
	require.NoError(t, err)
	require.Equal(t, ConsumerExhausted, state)

	// Cycle the channel: anything unacked would be requeued here
	require.NoError(t, ch.Close())
	ch2, err := conn.Channel()
	require.NoError(t, err)
	q2, err := ch2.Queue(q.Name())
	require.NoError(t, err)

	_, ok, err := q2.Pop()
	require.NoError(t, err)
	assert.False(t, ok, "auto-acked messages must not be redelivered")
}

// TestSubscribeManualAckUnackedRequeueOnClose tests that handled but
// unacked deliveries return to the queue when the channel closes, in order
// and flagged redelivered.
func TestSubscribeManualAckUnackedRequeueOnClose(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-manual-hold")

	require.NoError(t, q.Publish([]byte("hello")))
	require.NoError(t, q.Publish([]byte("world")))

	state, err := q.Subscribe(func(d *Delivery) {
		// deliberately no ack
	}, WithAck(), WithMessageMax(2))
	require.NoError(t, err)
	require.Equal(t, ConsumerExhausted, state)

	// Ready depth is zero: both are delivered, just not settled
	msgs, _, err := q.Inspect()
	require.NoError(t, err)
	assert.Zero(t, msgs)

	require.NoError(t, ch.Close())

	ch2, err := conn.Channel()
	require.NoError(t, err)
	q2, err := ch2.Queue(q.Name())
	require.NoError(t, err)

	d, ok, err := q2.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), d.Payload)
	assert.True(t, d.Redelivered)

	d, ok, err = q2.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("world"), d.Payload)
	assert.True(t, d.Redelivered)
}

// TestSubscribeManualAckInHandler tests explicit settlement from inside the
// handler.
func TestSubscribeManualAckInHandler(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-manual-ack")

	require.NoError(t, q.Publish([]byte("a")))
	require.NoError(t, q.Publish([]byte("b")))

	state, err := q.Subscribe(func(d *Delivery) {
		require.NoError(t, d.Ack())
	}, WithAck(), WithMessageMax(2))
	require.NoError(t, err)
	require.Equal(t, ConsumerExhausted, state)

	require.NoError(t, ch.Close())
	ch2, err := conn.Channel()
	require.NoError(t, err)
	q2, err := ch2.Queue(q.Name())
	require.NoError(t, err)

	_, ok, err := q2.Pop()
	require.NoError(t, err)
	assert.False(t, ok, "acked messages must not be redelivered")
}

// TestSubscribeQueueDeletedCancelsConsumer tests the broker-initiated
// cancel: deleting the queue under a live consumer ends the loop as
// cancelled without an error.
func TestSubscribeQueueDeletedCancelsConsumer(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-del-under")

	type result struct {
		state ConsumerState
		err   error
	}
	resCh := make(chan result, 1)
	started := make(chan struct{})

	go func() {
		close(started)
		state, err := q.Subscribe(func(d *Delivery) {})
		resCh <- result{state, err}
	}()

	<-started
	time.Sleep(150 * time.Millisecond) // let basic.consume finish

	res, err := q.Delete()
	require.NoError(t, err)
	require.Equal(t, DeleteOk, res)

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Equal(t, ConsumerCancelled, r.state)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer loop did not notice the queue deletion")
	}
	assert.True(t, ch.Active(), "server-side cancel must not close the channel")
}

// TestSubscribePrefetchWindow tests that a Qos window of one holds further
// deliveries until the outstanding one is settled.
func TestSubscribePrefetchWindow(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.Qos(1, 0, false))
	q := declareTestQueue(t, ch, "q-window")

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish([]byte{byte(i)}))
	}

	var calls atomic.Int32
	first := make(chan struct{}, 1)
	var consumer atomic.Pointer[Consumer]

	type result struct {
		state ConsumerState
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		state, err := q.Subscribe(func(d *Delivery) {
			consumer.Store(d.Consumer)
			if calls.Add(1) == 1 {
				first <- struct{}{}
			}
			// no ack: the window stays occupied
		}, WithAck())
		resCh <- result{state, err}
	}()

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never arrived")
	}

	// With a window of one and no ack, nothing further may arrive
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "prefetch window of 1 exceeded")

	consumer.Load().Unsubscribe()
	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		assert.Equal(t, ConsumerCancelled, r.state)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

// TestSubscribeDeliveryMetadata tests the fields stamped on a consumed
// delivery.
func TestSubscribeDeliveryMetadata(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-meta")

	tag := uniqueName("ctag-meta")
	require.NoError(t, q.Publish([]byte("meta"), WithCorrelationId("c-1")))

	var seen *Delivery
	state, err := q.Subscribe(func(d *Delivery) {
		seen = d
	}, WithMessageMax(1), WithConsumerTag(tag))
	require.NoError(t, err)
	require.Equal(t, ConsumerExhausted, state)

	require.NotNil(t, seen)
	assert.Equal(t, tag, seen.ConsumerTag)
	assert.NotZero(t, seen.DeliveryTag)
	assert.Equal(t, "", seen.Exchange)
	assert.Equal(t, q.Name(), seen.RoutingKey)
	assert.Equal(t, "c-1", seen.Properties.CorrelationId)
	require.NotNil(t, seen.Consumer)
	assert.Equal(t, tag, seen.Consumer.Tag())
	assert.Equal(t, ConsumerExhausted, seen.Consumer.State())
}

// TestSubscribeDuplicateTag tests that a second subscription under an
// in-use tag is refused locally.
func TestSubscribeDuplicateTag(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-dup-tag")

	tag := uniqueName("ctag-dup")
	started := make(chan struct{})
	done := make(chan struct{})
	var consumer atomic.Pointer[Consumer]

	go func() {
		defer close(done)
		close(started)
		_, _ = q.Subscribe(func(d *Delivery) {
			consumer.Store(d.Consumer)
		}, WithConsumerTag(tag))
	}()

	<-started
	time.Sleep(150 * time.Millisecond)

	state, err := q.Subscribe(func(d *Delivery) {}, WithConsumerTag(tag))
	require.Error(t, err)
	assert.Equal(t, ConsumerIdle, state)

	// Unblock the first loop
	require.NoError(t, q.Publish([]byte("x")))
	require.Eventually(t, func() bool { return consumer.Load() != nil },
		2*time.Second, 10*time.Millisecond)
	consumer.Load().Unsubscribe()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first subscription did not stop")
	}
}

// TestSubscribeNilHandler tests the guard against a missing handler.
func TestSubscribeNilHandler(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-nil-handler")

	state, err := q.Subscribe(nil)
	require.Error(t, err)
	assert.Equal(t, ConsumerIdle, state)
}

// TestSubscribeDeletedQueueHandle tests subscribing through a handle whose
// queue was deleted.
func TestSubscribeDeletedQueueHandle(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-handle-gone")
	_, err = q.Delete()
	require.NoError(t, err)

	state, err := q.Subscribe(func(d *Delivery) {})
	require.ErrorIs(t, err, amqperror.ErrQueueDeleted)
	assert.Equal(t, ConsumerIdle, state)
}

// TestTeardownDeregistersBeforeDrain tests that consumer teardown removes
// the consumer from the channel before draining its buffer. Cancel-ok can
// overtake a deliver whose content frames are still streaming; were the
// consumer still registered when such a delivery completes, it would be
// buried in a dead buffer and stay unacked until the channel closes.
func TestTeardownDeregistersBeforeDrain(t *testing.T) {
	conn, _, cleanup := setupTestPair(t)
	defer cleanup()

	ch, err := conn.Channel()
	require.NoError(t, err)
	q := declareTestQueue(t, ch, "q-late")

	require.NoError(t, q.Publish([]byte("first")))
	require.NoError(t, q.Publish([]byte("second")))

	// Wire the consumer by hand so teardown can be driven directly, with
	// the deliveries parked in the buffer instead of handled.
	_, err = ch.ensureWindow()
	require.NoError(t, err)
	c := &Consumer{
		tag:         uniqueName("ctag-late"),
		queue:       q,
		ch:          ch,
		deliveries:  make(chan *Delivery, 16),
		unsubCh:     make(chan struct{}),
		srvCancelCh: make(chan struct{}),
	}
	require.NoError(t, ch.registerConsumer(c))
	reply, err := ch.invoke(&frame.BasicConsume{Queue: q.Name(), ConsumerTag: c.tag, NoAck: false})
	require.NoError(t, err)
	require.IsType(t, &frame.BasicConsumeOk{}, reply.method)

	require.Eventually(t, func() bool { return len(c.deliveries) == 2 },
		2*time.Second, 10*time.Millisecond, "deliveries never reached the buffer")

	state, err := c.finish(ConsumerCancelled, nil)
	require.NoError(t, err)
	assert.Equal(t, ConsumerCancelled, state)

	// Deregistered by the teardown itself, not left to a caller.
	assert.Nil(t, ch.consumerByTag(c.tag))

	// A delivery completing after the drain takes the reader's requeue path
	// instead of the dead buffer. A real outstanding tag keeps the broker
	// honoring the nack.
	d, ok, err := q.Pop(WithManualAck())
	require.NoError(t, err)
	require.True(t, ok)
	ch.tracker.settle(d.DeliveryTag, false) // forget the pop client-side
	ch.dispatchDelivery(&Delivery{
		Payload:     d.Payload,
		ConsumerTag: c.tag,
		DeliveryTag: d.DeliveryTag,
		ch:          ch,
	})
	assert.Zero(t, len(c.deliveries), "late delivery landed in the dead buffer")
	assert.False(t, ch.tracker.outstanding(d.DeliveryTag), "late delivery left unacked")

	// Everything is back on the queue in the original order.
	require.Eventually(t, func() bool {
		msgs, _, err := q.Inspect()
		return err == nil && msgs == 2
	}, 2*time.Second, 10*time.Millisecond, "requeued messages never came back")
	for _, want := range []string{"first", "second"} {
		d, ok, err := q.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(want), d.Payload)
	}
}

// TestConsumerStateString tests the state names used in logs.
func TestConsumerStateString(t *testing.T) {
	assert.Equal(t, "idle", ConsumerIdle.String())
	assert.Equal(t, "running", ConsumerRunning.String())
	assert.Equal(t, "cancelled", ConsumerCancelled.String())
	assert.Equal(t, "exhausted", ConsumerExhausted.String())
	assert.Equal(t, "errored", ConsumerErrored.String())
}
