package bunny

import "github.com/jondeandres/bunny/frame"

// Delivery is one received message: the content properties exactly as the
// publisher set them, the fully reassembled payload, and the delivery
// metadata needed to acknowledge it.
type Delivery struct {
	// Properties is the content header. reply-to, correlation-id, user-id
	// and friends round-trip verbatim from the publish.
	Properties frame.Properties

	// Payload is the complete body, reassembled when it spanned multiple
	// body frames.
	Payload []byte

	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	// MessageCount is the queue depth remaining after this message. Only
	// set on deliveries fetched via Pop.
	MessageCount uint32

	// Consumer is the loop that dispatched this delivery, nil for Pop.
	// Handlers use it to Unsubscribe from inside the loop.
	Consumer *Consumer

	ch *Channel
}

// Ack acknowledges this delivery. Only valid for deliveries received under a
// manual-ack policy; anything else fails with ErrUnknownDeliveryTag.
func (d *Delivery) Ack() error {
	return d.ch.ack(d.DeliveryTag, false)
}

// AckMultiple acknowledges this delivery and every earlier unacked delivery
// on the same channel in one frame.
func (d *Delivery) AckMultiple() error {
	return d.ch.ack(d.DeliveryTag, true)
}

// Nack negatively acknowledges this delivery. With requeue the broker puts
// the message back at the head of its queue; without it the message is
// dropped.
func (d *Delivery) Nack(requeue bool) error {
	return d.ch.nack(d.DeliveryTag, requeue)
}

// Reject is the single-message form of Nack.
func (d *Delivery) Reject(requeue bool) error {
	return d.ch.reject(d.DeliveryTag, requeue)
}
