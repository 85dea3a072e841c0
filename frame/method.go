package frame

// Class ids.
const (
	ClassChannel  = 20
	ClassExchange = 40
	ClassQueue    = 50
	ClassBasic    = 60
)

// Method ids within their class.
const (
	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41

	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11
	MethodExchangeDelete    = 20
	MethodExchangeDeleteOk  = 21

	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21
	MethodQueuePurge     = 30
	MethodQueuePurgeOk   = 31
	MethodQueueDelete    = 40
	MethodQueueDeleteOk  = 41
	MethodQueueUnbind    = 50
	MethodQueueUnbindOk  = 51

	MethodBasicQos       = 10
	MethodBasicQosOk     = 11
	MethodBasicConsume   = 20
	MethodBasicConsumeOk = 21
	MethodBasicCancel    = 30
	MethodBasicCancelOk  = 31
	MethodBasicPublish   = 40
	MethodBasicDeliver   = 60
	MethodBasicGet       = 70
	MethodBasicGetOk     = 71
	MethodBasicGetEmpty  = 72
	MethodBasicAck       = 80
	MethodBasicReject    = 90
	MethodBasicNack      = 120
)

// Method is one AMQP protocol method. Synchronous methods expect a matching
// reply method on the same channel before the caller may proceed.
type Method interface {
	ID() (classID, methodID uint16)
	Name() string
	Synchronous() bool
}

// ContentMethod marks methods followed by a content header and body frames
// (basic.publish, basic.deliver, basic.get-ok).
type ContentMethod interface {
	Method
	contentBearing()
}

// channel class

type ChannelOpen struct{}

func (*ChannelOpen) ID() (uint16, uint16) { return ClassChannel, MethodChannelOpen }
func (*ChannelOpen) Name() string         { return "channel.open" }
func (*ChannelOpen) Synchronous() bool    { return true }

type ChannelOpenOk struct{}

func (*ChannelOpenOk) ID() (uint16, uint16) { return ClassChannel, MethodChannelOpenOk }
func (*ChannelOpenOk) Name() string         { return "channel.open-ok" }
func (*ChannelOpenOk) Synchronous() bool    { return false }

// ChannelClose is sent by either peer to terminate a channel. ClassID and
// MethodID identify the method that provoked the close, when any did.
type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (*ChannelClose) ID() (uint16, uint16) { return ClassChannel, MethodChannelClose }
func (*ChannelClose) Name() string         { return "channel.close" }
func (*ChannelClose) Synchronous() bool    { return true }

type ChannelCloseOk struct{}

func (*ChannelCloseOk) ID() (uint16, uint16) { return ClassChannel, MethodChannelCloseOk }
func (*ChannelCloseOk) Name() string         { return "channel.close-ok" }
func (*ChannelCloseOk) Synchronous() bool    { return false }

// exchange class

type ExchangeDeclare struct {
	Exchange   string
	Kind       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  Table
}

func (*ExchangeDeclare) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDeclare }
func (*ExchangeDeclare) Name() string         { return "exchange.declare" }
func (*ExchangeDeclare) Synchronous() bool    { return true }

type ExchangeDeclareOk struct{}

func (*ExchangeDeclareOk) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDeclareOk }
func (*ExchangeDeclareOk) Name() string         { return "exchange.declare-ok" }
func (*ExchangeDeclareOk) Synchronous() bool    { return false }

type ExchangeDelete struct {
	Exchange string
	IfUnused bool
	NoWait   bool
}

func (*ExchangeDelete) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDelete }
func (*ExchangeDelete) Name() string         { return "exchange.delete" }
func (*ExchangeDelete) Synchronous() bool    { return true }

type ExchangeDeleteOk struct{}

func (*ExchangeDeleteOk) ID() (uint16, uint16) { return ClassExchange, MethodExchangeDeleteOk }
func (*ExchangeDeleteOk) Name() string         { return "exchange.delete-ok" }
func (*ExchangeDeleteOk) Synchronous() bool    { return false }

// queue class

type QueueDeclare struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  Table
}

func (*QueueDeclare) ID() (uint16, uint16) { return ClassQueue, MethodQueueDeclare }
func (*QueueDeclare) Name() string         { return "queue.declare" }
func (*QueueDeclare) Synchronous() bool    { return true }

type QueueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (*QueueDeclareOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueDeclareOk }
func (*QueueDeclareOk) Name() string         { return "queue.declare-ok" }
func (*QueueDeclareOk) Synchronous() bool    { return false }

type QueueBind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  Table
}

func (*QueueBind) ID() (uint16, uint16) { return ClassQueue, MethodQueueBind }
func (*QueueBind) Name() string         { return "queue.bind" }
func (*QueueBind) Synchronous() bool    { return true }

type QueueBindOk struct{}

func (*QueueBindOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueBindOk }
func (*QueueBindOk) Name() string         { return "queue.bind-ok" }
func (*QueueBindOk) Synchronous() bool    { return false }

type QueueUnbind struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  Table
}

func (*QueueUnbind) ID() (uint16, uint16) { return ClassQueue, MethodQueueUnbind }
func (*QueueUnbind) Name() string         { return "queue.unbind" }
func (*QueueUnbind) Synchronous() bool    { return true }

type QueueUnbindOk struct{}

func (*QueueUnbindOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueUnbindOk }
func (*QueueUnbindOk) Name() string         { return "queue.unbind-ok" }
func (*QueueUnbindOk) Synchronous() bool    { return false }

type QueuePurge struct {
	Queue  string
	NoWait bool
}

func (*QueuePurge) ID() (uint16, uint16) { return ClassQueue, MethodQueuePurge }
func (*QueuePurge) Name() string         { return "queue.purge" }
func (*QueuePurge) Synchronous() bool    { return true }

type QueuePurgeOk struct {
	MessageCount uint32
}

func (*QueuePurgeOk) ID() (uint16, uint16) { return ClassQueue, MethodQueuePurgeOk }
func (*QueuePurgeOk) Name() string         { return "queue.purge-ok" }
func (*QueuePurgeOk) Synchronous() bool    { return false }

type QueueDelete struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

func (*QueueDelete) ID() (uint16, uint16) { return ClassQueue, MethodQueueDelete }
func (*QueueDelete) Name() string         { return "queue.delete" }
func (*QueueDelete) Synchronous() bool    { return true }

type QueueDeleteOk struct {
	MessageCount uint32
}

func (*QueueDeleteOk) ID() (uint16, uint16) { return ClassQueue, MethodQueueDeleteOk }
func (*QueueDeleteOk) Name() string         { return "queue.delete-ok" }
func (*QueueDeleteOk) Synchronous() bool    { return false }

// basic class

type BasicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (*BasicQos) ID() (uint16, uint16) { return ClassBasic, MethodBasicQos }
func (*BasicQos) Name() string         { return "basic.qos" }
func (*BasicQos) Synchronous() bool    { return true }

type BasicQosOk struct{}

func (*BasicQosOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicQosOk }
func (*BasicQosOk) Name() string         { return "basic.qos-ok" }
func (*BasicQosOk) Synchronous() bool    { return false }

type BasicConsume struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   Table
}

func (*BasicConsume) ID() (uint16, uint16) { return ClassBasic, MethodBasicConsume }
func (*BasicConsume) Name() string         { return "basic.consume" }
func (*BasicConsume) Synchronous() bool    { return true }

type BasicConsumeOk struct {
	ConsumerTag string
}

func (*BasicConsumeOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicConsumeOk }
func (*BasicConsumeOk) Name() string         { return "basic.consume-ok" }
func (*BasicConsumeOk) Synchronous() bool    { return false }

type BasicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (*BasicCancel) ID() (uint16, uint16) { return ClassBasic, MethodBasicCancel }
func (*BasicCancel) Name() string         { return "basic.cancel" }
func (*BasicCancel) Synchronous() bool    { return true }

type BasicCancelOk struct {
	ConsumerTag string
}

func (*BasicCancelOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicCancelOk }
func (*BasicCancelOk) Name() string         { return "basic.cancel-ok" }
func (*BasicCancelOk) Synchronous() bool    { return false }

// BasicPublish is fire-and-forget: no reply is expected. A content header
// and body frames follow it.
type BasicPublish struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (*BasicPublish) ID() (uint16, uint16) { return ClassBasic, MethodBasicPublish }
func (*BasicPublish) Name() string         { return "basic.publish" }
func (*BasicPublish) Synchronous() bool    { return false }
func (*BasicPublish) contentBearing()      {}

// BasicDeliver pushes a message to a consumer. Content follows.
type BasicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (*BasicDeliver) ID() (uint16, uint16) { return ClassBasic, MethodBasicDeliver }
func (*BasicDeliver) Name() string         { return "basic.deliver" }
func (*BasicDeliver) Synchronous() bool    { return false }
func (*BasicDeliver) contentBearing()      {}

type BasicGet struct {
	Queue string
	NoAck bool
}

func (*BasicGet) ID() (uint16, uint16) { return ClassBasic, MethodBasicGet }
func (*BasicGet) Name() string         { return "basic.get" }
func (*BasicGet) Synchronous() bool    { return true }

// BasicGetOk answers basic.get with one message. Content follows.
// MessageCount is the number of messages remaining in the queue.
type BasicGetOk struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (*BasicGetOk) ID() (uint16, uint16) { return ClassBasic, MethodBasicGetOk }
func (*BasicGetOk) Name() string         { return "basic.get-ok" }
func (*BasicGetOk) Synchronous() bool    { return false }
func (*BasicGetOk) contentBearing()      {}

type BasicGetEmpty struct{}

func (*BasicGetEmpty) ID() (uint16, uint16) { return ClassBasic, MethodBasicGetEmpty }
func (*BasicGetEmpty) Name() string         { return "basic.get-empty" }
func (*BasicGetEmpty) Synchronous() bool    { return false }

type BasicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (*BasicAck) ID() (uint16, uint16) { return ClassBasic, MethodBasicAck }
func (*BasicAck) Name() string         { return "basic.ack" }
func (*BasicAck) Synchronous() bool    { return false }

type BasicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (*BasicReject) ID() (uint16, uint16) { return ClassBasic, MethodBasicReject }
func (*BasicReject) Name() string         { return "basic.reject" }
func (*BasicReject) Synchronous() bool    { return false }

type BasicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (*BasicNack) ID() (uint16, uint16) { return ClassBasic, MethodBasicNack }
func (*BasicNack) Name() string         { return "basic.nack" }
func (*BasicNack) Synchronous() bool    { return false }
