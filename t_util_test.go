package bunny

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jondeandres/bunny/internal/broker"
	"github.com/jondeandres/bunny/logger"
	"github.com/jondeandres/bunny/transport"
)

var testRand = rand.New(rand.NewSource(time.Now().UnixNano())) // For unique names
var testRandMu sync.Mutex

// uniqueName generates unique names for exchanges, queues and consumer tags
// so tests never collide on broker state.
func uniqueName(prefix string) string {
	testRandMu.Lock()
	n := testRand.Intn(10000)
	testRandMu.Unlock()
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), n)
}

// testLogger keeps test output quiet; failures are asserted, not logged.
func testLogger() logger.Logger {
	return &logger.NilLogger{}
}

// dialTestBroker attaches one started client connection to an already
// running broker over a fresh in-process pipe. The returned stop function
// tears the connection down and waits for the broker's serve goroutine, so
// by the time it returns the broker has finished the connection cleanup
// (including requeue of unacked deliveries).
func dialTestBroker(t *testing.T, b *broker.Broker, opts ...ConnectionOption) (*Connection, func()) {
	t.Helper()

	clientEnd, serverEnd := transport.NewPipe(0)

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = b.Serve(serverEnd)
	}()

	opts = append([]ConnectionOption{WithLogger(testLogger())}, opts...)
	conn := New(clientEnd, opts...)
	require.NoError(t, conn.Start())

	stop := func() {
		_ = conn.Stop()
		select {
		case <-serveDone:
		case <-time.After(2 * time.Second):
			t.Logf("Warning: broker serve goroutine did not exit in time")
		}
	}
	return conn, stop
}

// setupTestPair wires a started client connection to a fresh in-memory
// broker. The cleanup stops the connection first, then the broker.
func setupTestPair(t *testing.T, opts ...ConnectionOption) (*Connection, *broker.Broker, func()) {
	t.Helper()

	b := broker.New(broker.WithInMemoryStorage(), broker.WithLogger(testLogger()))
	conn, stop := dialTestBroker(t, b, opts...)

	cleanup := func() {
		stop()
		_ = b.Close()
	}
	return conn, b, cleanup
}

// declareTestQueue declares a fresh uniquely named queue on the channel.
func declareTestQueue(t *testing.T, ch *Channel, prefix string, opts ...DeclareOption) *Queue {
	t.Helper()
	q, err := ch.Queue(uniqueName(prefix), opts...)
	require.NoError(t, err)
	return q
}
