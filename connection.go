// Package bunny implements an AMQP 0-9-1 client core: one logical connection
// multiplexed into channels, each modeling queues, exchanges, bindings,
// publishing, consumption and acknowledgment against a broker reached over a
// frame-level transport.
//
// The package deliberately stops at the frame boundary: byte serialization,
// sockets, TLS and credential negotiation live behind transport.Transport.
// An embeddable broker speaking the same boundary lives in internal/broker
// and backs the test suite, the demo and any application that wants an
// in-process message bus.
package bunny

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jondeandres/bunny/amqperror"
	"github.com/jondeandres/bunny/config"
	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/logger"
	"github.com/jondeandres/bunny/transport"
)

// Connection multiplexes channels over one transport and owns the
// connection-wide registries: open channels and declared queue handles.
// A single reader goroutine demultiplexes every inbound frame, so a
// channel's synchronous call blocks only its caller while other channels
// make independent progress.
type Connection struct {
	t   transport.Transport
	log logger.Logger

	mu       sync.Mutex
	channels map[uint16]*Channel
	nextID   uint16

	queuesMu sync.Mutex
	queues   map[string]*Queue

	tagSeq atomic.Uint64

	topology *config.Topology
	cfgErr   error

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
	termErr  error // written once, before done is closed
}

// New wraps a transport end in a client connection. Call Start before
// opening channels.
func New(t transport.Transport, opts ...ConnectionOption) *Connection {
	c := &Connection{
		t:        t,
		log:      logger.New("bunny"),
		channels: make(map[uint16]*Channel),
		queues:   make(map[string]*Queue),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects the transport and launches the frame reader. A configured
// topology is declared before Start returns, so callers find its queues and
// bindings in place as soon as the connection is up.
func (c *Connection) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("connection already started")
	}
	if c.cfgErr != nil {
		c.started.Store(false)
		return c.cfgErr
	}
	if err := c.t.Connect(); err != nil {
		c.started.Store(false)
		return &amqperror.TransportError{Op: "connect", Err: err}
	}

	go c.readLoop()

	if c.topology != nil {
		if err := c.declareTopology(*c.topology); err != nil {
			_ = c.Stop()
			return fmt.Errorf("declaring topology: %w", err)
		}
	}
	return nil
}

// Stop disconnects the transport and invalidates every channel. Unacked
// deliveries are abandoned to the broker, which requeues them; consumer
// loops finish with state Cancelled. Safe to call more than once.
func (c *Connection) Stop() error {
	if !c.started.Load() {
		return nil
	}
	c.stopping.Store(true)
	_ = c.t.Disconnect()
	<-c.done
	return nil
}

// Done is closed once the connection has fully stopped, whether by Stop or
// by the transport dying underneath us.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection stopped: nil for a caller-initiated Stop,
// a *TransportError for a connection-level fault. Nil while still running.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.termErr
	default:
		return nil
	}
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (*Channel, error) {
	if !c.started.Load() {
		return nil, &amqperror.ChannelOpenError{Reason: "connection not started"}
	}
	select {
	case <-c.done:
		return nil, &amqperror.ChannelOpenError{Reason: "connection closed", Err: c.termErr}
	default:
	}

	c.mu.Lock()
	id, ok := c.allocateIDLocked()
	if !ok {
		c.mu.Unlock()
		return nil, amqperror.ErrChannelsExhausted
	}
	ch := newChannel(id, c)
	c.channels[id] = ch
	c.mu.Unlock()

	if err := ch.open(); err != nil {
		ch.shutdown(err)
		c.releaseChannel(id)
		return nil, err
	}
	return ch, nil
}

// allocateIDLocked finds the next free channel id. Ids of closed channels
// that were released become reusable; 0 stays reserved for connection
// control.
func (c *Connection) allocateIDLocked() (uint16, bool) {
	for i := 0; i < 1<<16-1; i++ {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, used := c.channels[c.nextID]; !used {
			return c.nextID, true
		}
	}
	return 0, false
}

func (c *Connection) releaseChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// LookupQueue returns the handle cached under name by an earlier declare.
func (c *Connection) LookupQueue(name string) (*Queue, bool) {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()
	q, ok := c.queues[name]
	return q, ok
}

func (c *Connection) registerQueue(q *Queue) {
	c.queuesMu.Lock()
	c.queues[q.name] = q
	c.queuesMu.Unlock()
}

func (c *Connection) unregisterQueue(name string) {
	c.queuesMu.Lock()
	delete(c.queues, name)
	c.queuesMu.Unlock()
}

func (c *Connection) nextConsumerTag() string {
	return fmt.Sprintf("ctag-cli-%d", c.tagSeq.Add(1))
}

func (c *Connection) send(channelID uint16, f frame.Frame) error {
	if err := c.t.Send(channelID, f); err != nil {
		return &amqperror.TransportError{Op: "send", Err: err}
	}
	return nil
}

// readLoop is the single demultiplexing reader: every inbound frame passes
// through here in transport order, which is what guarantees per-channel
// delivery ordering and serialized content reassembly.
func (c *Connection) readLoop() {
	for {
		channelID, f, err := c.t.Next()
		if err != nil {
			if c.stopping.Load() {
				c.teardown(nil)
			} else {
				c.teardown(&amqperror.TransportError{Op: "read", Err: err})
			}
			return
		}

		if channelID == 0 {
			// connection-class traffic; nothing for the core to do
			continue
		}

		c.mu.Lock()
		ch := c.channels[channelID]
		c.mu.Unlock()
		if ch == nil {
			c.log.Debug("Dropping frame for unknown channel %d", channelID)
			continue
		}
		ch.handleFrame(f)
	}
}

// teardown resolves the connection: every channel is closed with the
// terminal reason, the queue registry is dropped and Done is released.
// err nil means a caller-initiated Stop; consumer loops then finish
// Cancelled instead of Errored.
func (c *Connection) teardown(err error) {
	c.doneOnce.Do(func() {
		c.termErr = err

		chErr := err
		if chErr == nil {
			chErr = amqperror.ErrConnectionClosed
		}

		c.mu.Lock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.channels = make(map[uint16]*Channel)
		c.mu.Unlock()

		for _, ch := range channels {
			ch.shutdown(chErr)
		}

		c.queuesMu.Lock()
		c.queues = make(map[string]*Queue)
		c.queuesMu.Unlock()

		if err != nil {
			c.log.Err("Connection lost: %v", err)
		} else {
			c.log.Debug("Connection stopped")
		}
		close(c.done)
	})
}

// declareTopology replays the configured exchanges, queues and bindings.
// The channel it uses stays open so the registered queue handles remain
// usable for the life of the connection.
func (c *Connection) declareTopology(t config.Topology) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}

	for _, ec := range t.Exchanges {
		var opts []DeclareOption
		if ec.Durable {
			opts = append(opts, WithDurable())
		}
		if ec.AutoDelete {
			opts = append(opts, WithAutoDelete())
		}
		if ec.Internal {
			opts = append(opts, WithInternal())
		}
		if _, err := ch.Exchange(ec.Name, ec.KindOrDefault(), opts...); err != nil {
			return fmt.Errorf("declaring exchange %q: %w", ec.Name, err)
		}
	}

	for _, qc := range t.Queues {
		var opts []DeclareOption
		if qc.Durable {
			opts = append(opts, WithDurable())
		}
		if qc.Exclusive {
			opts = append(opts, WithExclusive())
		}
		if qc.AutoDelete {
			opts = append(opts, WithAutoDelete())
		}
		q, err := ch.Queue(qc.Name, opts...)
		if err != nil {
			return fmt.Errorf("declaring queue %q: %w", qc.Name, err)
		}
		for _, bc := range qc.Bindings {
			if _, err := q.Bind(bc.Exchange, WithRoutingKey(bc.RoutingKey)); err != nil {
				return fmt.Errorf("binding queue %q to exchange %q: %w", qc.Name, bc.Exchange, err)
			}
		}
	}

	c.log.Info("Topology declared: %d exchange(s), %d queue(s)", len(t.Exchanges), len(t.Queues))
	return nil
}
