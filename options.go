package bunny

import (
	"time"

	"github.com/jondeandres/bunny/config"
	"github.com/jondeandres/bunny/frame"
	"github.com/jondeandres/bunny/logger"
)

// ConnectionOption configures a Connection during New.
type ConnectionOption func(*Connection)

// WithLogger sets a custom logger implementing the logger.Logger interface.
// The default is the colorized stderr logger.
func WithLogger(l logger.Logger) ConnectionOption {
	return func(c *Connection) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTopology declares the given exchanges, queues and bindings during
// Start, before the connection is handed back to the caller.
func WithTopology(t config.Topology) ConnectionOption {
	return func(c *Connection) {
		c.topology = &t
	}
}

// WithTopologyFile loads a YAML topology from path and declares it during
// Start. A file that does not parse or validate fails Start.
func WithTopologyFile(path string) ConnectionOption {
	return func(c *Connection) {
		t, err := config.LoadTopology(path)
		if err != nil {
			c.cfgErr = err
			return
		}
		c.topology = t
	}
}

// DeclareOption configures a queue or exchange declare. Options that do not
// apply to the entity being declared (Exclusive on an exchange, Internal on
// a queue) are ignored.
type DeclareOption func(*declareOptions)

type declareOptions struct {
	durable    bool
	exclusive  bool
	autoDelete bool
	internal   bool
	passive    bool
	noWait     bool
	args       frame.Table
}

func applyDeclare(opts []DeclareOption) declareOptions {
	var o declareOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDurable declares the entity durable: it survives a broker restart
// when persistence is enabled.
func WithDurable() DeclareOption { return func(o *declareOptions) { o.durable = true } }

// WithExclusive restricts the queue to the declaring connection and deletes
// it when that connection goes away.
func WithExclusive() DeclareOption { return func(o *declareOptions) { o.exclusive = true } }

// WithAutoDelete deletes the entity once its last consumer detaches.
func WithAutoDelete() DeclareOption { return func(o *declareOptions) { o.autoDelete = true } }

// WithInternal marks an exchange internal: clients cannot publish to it
// directly.
func WithInternal() DeclareOption { return func(o *declareOptions) { o.internal = true } }

// WithPassive checks for existence instead of creating: the declare fails
// with a 404 forced close when the entity does not exist.
func WithPassive() DeclareOption { return func(o *declareOptions) { o.passive = true } }

// WithNoWait is accepted for API compatibility but does not change the
// call's behavior: the client always waits for the broker's reply, so the
// visible contract is identical with or without it.
func WithNoWait() DeclareOption { return func(o *declareOptions) { o.noWait = true } }

// WithArguments attaches an arguments table to the declare.
func WithArguments(t frame.Table) DeclareOption { return func(o *declareOptions) { o.args = t } }

// BindOption configures a queue bind or unbind.
type BindOption func(*bindOptions)

type bindOptions struct {
	key    string
	noWait bool
	args   frame.Table
}

func applyBind(opts []BindOption) bindOptions {
	var o bindOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRoutingKey sets the binding's routing key (or pattern, on a topic
// exchange). The default is the empty key.
func WithRoutingKey(key string) BindOption { return func(o *bindOptions) { o.key = key } }

// WithBindArguments attaches an arguments table to the binding.
func WithBindArguments(t frame.Table) BindOption { return func(o *bindOptions) { o.args = t } }

// WithBindNoWait is accepted for API compatibility; the call still waits
// for the broker's reply.
func WithBindNoWait() BindOption { return func(o *bindOptions) { o.noWait = true } }

// PopOption configures a single Pop fetch.
type PopOption func(*popOptions)

type popOptions struct {
	manualAck bool
}

func applyPop(opts []PopOption) popOptions {
	var o popOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithManualAck leaves the popped message unacked until the caller settles
// the returned delivery. Without it the broker settles on delivery.
func WithManualAck() PopOption { return func(o *popOptions) { o.manualAck = true } }

// DeleteOption configures a queue or exchange delete.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	ifUnused bool
	ifEmpty  bool
	noWait   bool
}

func applyDelete(opts []DeleteOption) deleteOptions {
	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithIfUnused only deletes the entity when nothing uses it: no consumers
// for a queue, no bindings for an exchange. Violations force-close the
// channel with 406.
func WithIfUnused() DeleteOption { return func(o *deleteOptions) { o.ifUnused = true } }

// WithIfEmpty only deletes a queue that holds no messages.
func WithIfEmpty() DeleteOption { return func(o *deleteOptions) { o.ifEmpty = true } }

// WithDeleteNoWait is accepted for API compatibility; the call still waits
// for the broker's reply.
func WithDeleteNoWait() DeleteOption { return func(o *deleteOptions) { o.noWait = true } }

// PublishOption sets the routing key and content properties of one publish.
// Whatever is set here is carried verbatim to the consuming side.
type PublishOption func(*publishOptions)

type publishOptions struct {
	key   string
	props frame.Properties
}

func applyPublish(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithKey sets the routing key. On the default exchange it must be the
// target queue's name.
func WithKey(key string) PublishOption { return func(o *publishOptions) { o.key = key } }

// WithContentType sets the content type explicitly, bypassing detection.
func WithContentType(ct string) PublishOption {
	return func(o *publishOptions) { o.props.ContentType = ct }
}

// WithContentEncoding sets the content encoding property.
func WithContentEncoding(enc string) PublishOption {
	return func(o *publishOptions) { o.props.ContentEncoding = enc }
}

// WithReplyTo names the queue the consumer should reply to.
func WithReplyTo(queue string) PublishOption {
	return func(o *publishOptions) { o.props.ReplyTo = queue }
}

// WithCorrelationId tags the message for request/reply correlation.
func WithCorrelationId(id string) PublishOption {
	return func(o *publishOptions) { o.props.CorrelationId = id }
}

// WithUserId sets the publishing user id property.
func WithUserId(id string) PublishOption {
	return func(o *publishOptions) { o.props.UserId = id }
}

// WithMessageId sets the application message id property.
func WithMessageId(id string) PublishOption {
	return func(o *publishOptions) { o.props.MessageId = id }
}

// WithAppId sets the publishing application id property.
func WithAppId(id string) PublishOption {
	return func(o *publishOptions) { o.props.AppId = id }
}

// WithType sets the application message type property.
func WithType(t string) PublishOption {
	return func(o *publishOptions) { o.props.Type = t }
}

// WithExpiration sets the per-message TTL property, in milliseconds as a
// string per the protocol.
func WithExpiration(exp string) PublishOption {
	return func(o *publishOptions) { o.props.Expiration = exp }
}

// WithPriority sets the message priority property.
func WithPriority(p uint8) PublishOption {
	return func(o *publishOptions) { o.props.Priority = p }
}

// WithTimestamp sets the message timestamp property, seconds since epoch.
func WithTimestamp(ts uint64) PublishOption {
	return func(o *publishOptions) { o.props.Timestamp = ts }
}

// WithHeaders attaches an application headers table.
func WithHeaders(t frame.Table) PublishOption {
	return func(o *publishOptions) { o.props.Headers = t }
}

// WithPersistent marks the message persistent: a durable queue holding it
// survives a broker restart when persistence is enabled.
func WithPersistent() PublishOption {
	return func(o *publishOptions) { o.props.DeliveryMode = frame.Persistent }
}

// ConsumeOption configures a Subscribe loop.
type ConsumeOption func(*consumeOptions)

type consumeOptions struct {
	tag         string
	manualAck   bool
	exclusive   bool
	messageMax  uint
	maxSet      bool
	timeout     time.Duration
	cancellator <-chan struct{}
	args        frame.Table
}

func applyConsume(opts []ConsumeOption) consumeOptions {
	var o consumeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAck switches the loop to manual settlement: the handler (or a later
// caller) must Ack, Nack or Reject each delivery itself, and unacked
// messages accumulate in the channel's unacked set.
func WithAck() ConsumeOption { return func(o *consumeOptions) { o.manualAck = true } }

// WithAutoAck makes the loop settle each delivery after its handler returns.
// This is the default; the option exists for callers that want to say so
// explicitly.
func WithAutoAck() ConsumeOption { return func(o *consumeOptions) { o.manualAck = false } }

// WithMessageMax caps how many deliveries the handler sees before the loop
// stops Exhausted. Zero is valid and means consume nothing: the loop returns
// immediately and the queue depth is untouched.
func WithMessageMax(n uint) ConsumeOption {
	return func(o *consumeOptions) {
		o.messageMax = n
		o.maxSet = true
	}
}

// WithTimeout stops the loop Cancelled when no delivery arrives within d of
// the previous one.
func WithTimeout(d time.Duration) ConsumeOption {
	return func(o *consumeOptions) { o.timeout = d }
}

// WithCancellator stops the loop Cancelled once c is closed. The signal is
// raced against the delivery wait in a single select, so there is no window
// in which it can be missed.
func WithCancellator(c <-chan struct{}) ConsumeOption {
	return func(o *consumeOptions) { o.cancellator = c }
}

// WithConsumerTag fixes the consumer tag instead of generating one.
func WithConsumerTag(tag string) ConsumeOption {
	return func(o *consumeOptions) { o.tag = tag }
}

// WithExclusiveConsumer requests sole consumption of the queue; other
// consume attempts are refused with a 403 forced close while it runs.
func WithExclusiveConsumer() ConsumeOption {
	return func(o *consumeOptions) { o.exclusive = true }
}

// WithConsumeArguments attaches an arguments table to the consume.
func WithConsumeArguments(t frame.Table) ConsumeOption {
	return func(o *consumeOptions) { o.args = t }
}
