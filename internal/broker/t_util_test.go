package broker

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/logger"
	"github.com/jondeandres/bunny/transport"
)

var (
	testRandMu sync.Mutex
	testRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// uniqueName builds a name that will not collide across tests.
func uniqueName(prefix string) string {
	testRandMu.Lock()
	defer testRandMu.Unlock()
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), testRand.Intn(10000))
}

func testLogger() logger.Logger {
	return &logger.NilLogger{}
}

func brokerForTest(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return New(opts...)
}

// addTestExchange registers an exchange directly, bypassing the wire.
func addTestExchange(b *Broker, name, kind string) *exchange {
	ex := newExchange(name, kind, false, false, false)
	b.mu.Lock()
	b.exchanges[name] = ex
	b.mu.Unlock()
	return ex
}

// addTestQueue registers a queue directly, bypassing the wire.
func addTestQueue(b *Broker, name string) *queue {
	q := newQueue(name, false, false, false)
	b.mu.Lock()
	b.queues[name] = q
	b.mu.Unlock()
	return q
}

// serveBroker connects a raw pipe client to the broker and returns the client
// end plus a stop func that tears the session down and waits for the serve
// loop (and with it the unacked requeue) to finish.
func serveBroker(t *testing.T, b *Broker) (transport.Transport, func()) {
	t.Helper()

	clientEnd, serverEnd := transport.NewPipe(0)
	require.NoError(t, clientEnd.Connect())

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- b.Serve(serverEnd)
	}()

	stop := func() {
		_ = clientEnd.Disconnect()
		select {
		case err := <-serveDone:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Log("WARNING: serve loop did not exit within 2s")
		}
	}
	return clientEnd, stop
}

// nextFrame reads one frame from the client end with a deadline.
func nextFrame(t *testing.T, tr transport.Transport) (uint16, frame.Frame) {
	t.Helper()

	type result struct {
		channelID uint16
		f         frame.Frame
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		channelID, f, err := tr.Next()
		ch <- result{channelID, f, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.channelID, r.f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame from the broker")
		return 0, nil
	}
}

// nextMethod reads one frame and requires it to be a method frame.
func nextMethod(t *testing.T, tr transport.Transport) (uint16, frame.Method) {
	t.Helper()
	channelID, f := nextFrame(t, tr)
	mf, ok := f.(*frame.MethodFrame)
	require.True(t, ok, "expected a method frame, got %T", f)
	return channelID, mf.Method
}

func sendMethod(t *testing.T, tr transport.Transport, channelID uint16, m frame.Method) {
	t.Helper()
	require.NoError(t, tr.Send(channelID, &frame.MethodFrame{Method: m}))
}

// openChannelRaw opens a channel the way a client would and consumes the ok.
func openChannelRaw(t *testing.T, tr transport.Transport, channelID uint16) {
	t.Helper()
	sendMethod(t, tr, channelID, &frame.ChannelOpen{})
	gotCh, m := nextMethod(t, tr)
	require.Equal(t, channelID, gotCh)
	require.IsType(t, &frame.ChannelOpenOk{}, m)
}

// declareQueueRaw declares a queue and returns the declare-ok.
func declareQueueRaw(t *testing.T, tr transport.Transport, channelID uint16, m *frame.QueueDeclare) *frame.QueueDeclareOk {
	t.Helper()
	sendMethod(t, tr, channelID, m)
	gotCh, reply := nextMethod(t, tr)
	require.Equal(t, channelID, gotCh)
	ok, isOk := reply.(*frame.QueueDeclareOk)
	require.True(t, isOk, "expected queue.declare-ok, got %s", reply.Name())
	return ok
}

// publishRaw sends the full method+header+body content sequence for one
// message. The body must fit a single frame.
func publishRaw(t *testing.T, tr transport.Transport, channelID uint16, exchange, routingKey string, props frame.Properties, body []byte) {
	t.Helper()
	sendMethod(t, tr, channelID, &frame.BasicPublish{Exchange: exchange, RoutingKey: routingKey})
	require.NoError(t, tr.Send(channelID, &frame.HeaderFrame{
		ClassID:    frame.ClassBasic,
		BodySize:   uint64(len(body)),
		Properties: props,
	}))
	if len(body) > 0 {
		require.NoError(t, tr.Send(channelID, &frame.BodyFrame{Chunk: body}))
	}
}

// expectChannelClose reads frames until a channel.close arrives and asserts
// its reply code. A close-ok is sent back so the broker forgets the channel.
func expectChannelClose(t *testing.T, tr transport.Transport, channelID uint16, code amqperror.Code) *frame.ChannelClose {
	t.Helper()
	for {
		gotCh, m := nextMethod(t, tr)
		cl, isClose := m.(*frame.ChannelClose)
		if !isClose {
			continue // deliveries may race ahead of the close
		}
		require.Equal(t, channelID, gotCh)
		require.Equal(t, uint16(code), cl.ReplyCode)
		sendMethod(t, tr, channelID, &frame.ChannelCloseOk{})
		return cl
	}
}
