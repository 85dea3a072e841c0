package bunny

import (
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jondeandres/bunny/frame"
)

// Exchange is the client-side handle for a named exchange, or for the
// broker's built-in unnamed default exchange, which always exists and routes
// by queue name used as the routing key.
type Exchange struct {
	name string
	kind string
	ch   *Channel
}

// Exchange declares a named exchange of the given kind (direct, fanout or
// topic) and returns its handle. Declaring an existing name with a different
// kind or different properties force-closes the channel with 406; an
// unsupported kind closes it with 540.
func (ch *Channel) Exchange(name, kind string, opts ...DeclareOption) (*Exchange, error) {
	if name == "" {
		return nil, errors.New("the default exchange cannot be declared; use DefaultExchange")
	}
	o := applyDeclare(opts)

	reply, err := ch.invoke(&frame.ExchangeDeclare{
		Exchange:   name,
		Kind:       kind,
		Passive:    o.passive,
		Durable:    o.durable,
		AutoDelete: o.autoDelete,
		Internal:   o.internal,
		Arguments:  o.args,
	})
	if err != nil {
		return nil, err
	}
	if _, ok := reply.method.(*frame.ExchangeDeclareOk); !ok {
		return nil, fmt.Errorf("unexpected reply %s to exchange.declare", reply.method.Name())
	}
	return &Exchange{name: name, kind: kind, ch: ch}, nil
}

// DefaultExchange returns the built-in unnamed direct exchange without
// declaring anything. Publishing through it requires the routing key to be
// the target queue's name.
func (ch *Channel) DefaultExchange() *Exchange {
	return &Exchange{name: "", kind: "direct", ch: ch}
}

// Name returns the exchange name, empty for the default exchange.
func (e *Exchange) Name() string { return e.name }

// Kind returns the exchange type this handle was declared with.
func (e *Exchange) Kind() string { return e.kind }

// Publish sends body to the exchange, fire-and-forget: no reply is awaited
// for a non-transactional publish. Content properties set through options
// arrive verbatim on the consuming side. When no content type is given it
// is sniffed from the body.
func (e *Exchange) Publish(body []byte, opts ...PublishOption) error {
	o := applyPublish(opts)

	props := o.props
	if props.ContentType == "" && len(body) > 0 {
		props.ContentType = mimetype.Detect(body).String()
	}
	if props.DeliveryMode == 0 {
		props.DeliveryMode = frame.Transient
	}

	return e.ch.publish(&frame.BasicPublish{Exchange: e.name, RoutingKey: o.key}, props, body)
}

// Delete removes the exchange. Deleting a missing exchange, a built-in
// amq.* exchange or the default exchange force-closes the channel.
func (e *Exchange) Delete(opts ...DeleteOption) (Result, error) {
	o := applyDelete(opts)
	reply, err := e.ch.invoke(&frame.ExchangeDelete{Exchange: e.name, IfUnused: o.ifUnused})
	if err != nil {
		return "", err
	}
	if _, ok := reply.method.(*frame.ExchangeDeleteOk); !ok {
		return "", fmt.Errorf("unexpected reply %s to exchange.delete", reply.method.Name())
	}
	return DeleteOk, nil
}
