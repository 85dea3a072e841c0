// Package transport defines the frame-level boundary the client core and the
// embedded broker are built against: reliable in-order delivery of discrete
// typed frames plus connection lifecycle. Byte serialization, sockets and TLS
// live behind implementations of this interface and never leak through it.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jondeandres/bunny/frame"
)

// ErrClosed is returned by every operation once either end has disconnected.
var ErrClosed = errors.New("transport closed")

// DefaultFrameMax is the negotiated maximum body chunk size used when a pipe
// is created without an explicit limit.
const DefaultFrameMax = 131072

// Transport moves typed frames for one connection. Send and Next are safe for
// concurrent use; Next is intended to be driven by a single reader. Body
// payloads larger than MaxFrameSize must be split by the caller before Send
// and reassembled after Next.
type Transport interface {
	Connect() error
	Disconnect() error

	// Send queues one frame for the peer, tagged with its channel id.
	Send(channelID uint16, f frame.Frame) error

	// Next blocks until a frame arrives or the transport dies.
	Next() (channelID uint16, f frame.Frame, err error)

	// MaxFrameSize is the largest body chunk one BodyFrame may carry.
	MaxFrameSize() int
}

type envelope struct {
	channel uint16
	frame   frame.Frame
}

// Pipe is an in-memory Transport: two connected ends exchanging typed frames
// over buffered channels. Disconnecting either end fails both directions,
// which is exactly the failure mode a dropped socket presents to the core.
type Pipe struct {
	in   <-chan envelope
	out  chan<- envelope
	done chan struct{}
	once *sync.Once

	frameMax  int
	connected atomic.Bool
}

// NewPipe returns two connected transport ends. Frames sent on one end arrive
// on the other in order. frameMax <= 0 selects DefaultFrameMax.
func NewPipe(frameMax int) (a, b *Pipe) {
	if frameMax <= 0 {
		frameMax = DefaultFrameMax
	}
	ab := make(chan envelope, 1024)
	ba := make(chan envelope, 1024)
	done := make(chan struct{})
	once := &sync.Once{}

	a = &Pipe{in: ba, out: ab, done: done, once: once, frameMax: frameMax}
	b = &Pipe{in: ab, out: ba, done: done, once: once, frameMax: frameMax}
	return a, b
}

func (p *Pipe) Connect() error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.connected.Store(true)
	return nil
}

// Disconnect tears down both directions. Safe to call from either end, any
// number of times.
func (p *Pipe) Disconnect() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *Pipe) Send(channelID uint16, f frame.Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- envelope{channel: channelID, frame: f}:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *Pipe) Next() (uint16, frame.Frame, error) {
	// Deliver frames already queued before the teardown raced in; a real
	// socket behaves the same way until its receive buffer drains.
	select {
	case env := <-p.in:
		return env.channel, env.frame, nil
	default:
	}
	select {
	case env := <-p.in:
		return env.channel, env.frame, nil
	case <-p.done:
		return 0, nil, ErrClosed
	}
}

func (p *Pipe) MaxFrameSize() int { return p.frameMax }
