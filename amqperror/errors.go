// Package amqperror defines the AMQP 0-9-1 reply codes shared by the client
// core and the embedded broker, and the error types the client surfaces to
// callers.
package amqperror

import (
	"errors"
	"fmt"
)

// Code is an AMQP protocol reply code as carried by channel.close and
// connection.close methods.
type Code uint16

const (
	// NoRoute - mandatory message could not be routed
	NoRoute Code = 312

	// ConnectionForced - connection terminated by the peer
	ConnectionForced Code = 320

	// AccessRefused - access denied, e.g. passive declare of a server-named queue
	AccessRefused Code = 403

	// NotFound - missing exchange, queue, binding or consumer
	NotFound Code = 404

	// ResourceLocked - exclusive queue accessed from another connection
	ResourceLocked Code = 405

	// PreconditionFailed - property mismatch on redeclare, unknown delivery tag,
	// if-unused/if-empty violations
	PreconditionFailed Code = 406

	// InternalError - broker-side failure
	InternalError Code = 500

	// FrameError - malformed frame
	FrameError Code = 501

	// SyntaxError - malformed method arguments
	SyntaxError Code = 502

	// CommandInvalid - method not legal in the current context
	CommandInvalid Code = 503

	// ChannelError - channel number in an invalid state
	ChannelError Code = 504

	// UnexpectedFrame - frame received out of order
	UnexpectedFrame Code = 505

	// ResourceError - broker resource limit reached
	ResourceError Code = 506

	// NotAllowed - operation rejected, e.g. duplicate consumer tag
	NotAllowed Code = 530

	// NotImplemented - method not implemented by the peer
	NotImplemented Code = 540
)

// String returns the protocol constant name for the code.
func (c Code) String() string {
	switch c {
	case NoRoute:
		return "NO_ROUTE"
	case ConnectionForced:
		return "CONNECTION_FORCED"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case PreconditionFailed:
		return "PRECONDITION_FAILED"
	case InternalError:
		return "INTERNAL_ERROR"
	case FrameError:
		return "FRAME_ERROR"
	case SyntaxError:
		return "SYNTAX_ERROR"
	case CommandInvalid:
		return "COMMAND_INVALID"
	case ChannelError:
		return "CHANNEL_ERROR"
	case UnexpectedFrame:
		return "UNEXPECTED_FRAME"
	case ResourceError:
		return "RESOURCE_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// ForcedChannelClose reports that the broker unilaterally closed a channel
// (bad bind target, delete/purge of a missing queue, protocol violation).
// The channel is permanently unusable; a new one must be opened. The core
// never retries the failed operation.
type ForcedChannelClose struct {
	Code Code
	Text string
}

func (e *ForcedChannelClose) Error() string {
	return fmt.Sprintf("channel closed by server: %d (%s) %s", uint16(e.Code), e.Code, e.Text)
}

// ChannelOpenError reports that channel negotiation failed at connection
// level, before the channel ever reached the open state.
type ChannelOpenError struct {
	Reason string
	Err    error
}

func (e *ChannelOpenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel open failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("channel open failed: %s", e.Reason)
}

func (e *ChannelOpenError) Unwrap() error { return e.Err }

// TransportError reports loss of the underlying connection. It cancels all
// consumer loops and clears all unacked sets; the broker is authoritative for
// redelivery from that point on.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s failed", e.Op)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Usage errors: local, immediate programming faults. Never queued, never sent
// to the broker.
var (
	// ErrPendingCall - a second synchronous call was issued on a channel that
	// already has one outstanding.
	ErrPendingCall = errors.New("synchronous call already pending on this channel")

	// ErrChannelClosed - the channel was closed gracefully and cannot be reused.
	ErrChannelClosed = errors.New("channel closed")

	// ErrConnectionClosed - the connection is stopped.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUnknownDeliveryTag - ack/reject of a delivery tag not in the unacked set.
	ErrUnknownDeliveryTag = errors.New("unknown delivery tag")

	// ErrQueueDeleted - operation on a queue handle after Delete.
	ErrQueueDeleted = errors.New("queue deleted")

	// ErrChannelsExhausted - no channel ids left to allocate on this connection.
	ErrChannelsExhausted = errors.New("channel ids exhausted")
)

// IsForcedClose reports whether err is (or wraps) a broker-forced channel
// close, optionally narrowed to specific reply codes.
func IsForcedClose(err error, codes ...Code) bool {
	var fc *ForcedChannelClose
	if !errors.As(err, &fc) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if fc.Code == c {
			return true
		}
	}
	return false
}
