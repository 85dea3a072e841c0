// Package frame defines the typed AMQP 0-9-1 frame and method model the
// client core and the embedded broker exchange over a Transport. Byte-level
// wire serialization is a transport concern and does not appear here.
package frame

// Frame type discriminators, as on the wire.
const (
	TypeMethod    = 1
	TypeHeader    = 2
	TypeBody      = 3
	TypeHeartbeat = 8
)

// Frame is one discrete protocol frame. Implementations are MethodFrame,
// HeaderFrame, BodyFrame and HeartbeatFrame.
type Frame interface {
	Type() byte
}

// MethodFrame carries a single protocol method.
type MethodFrame struct {
	Method Method
}

func (f *MethodFrame) Type() byte { return TypeMethod }

// HeaderFrame opens a content sequence: it announces the class, the total
// body size and the content properties. BodyFrames follow until BodySize
// bytes have been carried.
type HeaderFrame struct {
	ClassID    uint16
	BodySize   uint64
	Properties Properties
}

func (f *HeaderFrame) Type() byte { return TypeHeader }

// BodyFrame carries one chunk of a content body. A body larger than the
// negotiated maximum frame size spans multiple BodyFrames.
type BodyFrame struct {
	Chunk []byte
}

func (f *BodyFrame) Type() byte { return TypeBody }

// HeartbeatFrame keeps an otherwise idle connection alive. The core ignores
// it; liveness enforcement belongs to the transport.
type HeartbeatFrame struct{}

func (f *HeartbeatFrame) Type() byte { return TypeHeartbeat }

// Content pairs the properties and the fully assembled body of a
// content-bearing method.
type Content struct {
	Properties Properties
	Body       []byte
}
