package frame

import "maps"

// Table carries application-defined field values on declares, bindings and
// content headers.
type Table map[string]any

// Delivery modes carried in Properties.DeliveryMode.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Properties is the full AMQP 0-9-1 content property set. Whatever the
// publisher sets here arrives verbatim on the consuming side.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// Copy returns a deep copy so a received delivery can never alias the
// publisher's header table.
func (p Properties) Copy() Properties {
	out := p
	if p.Headers != nil {
		out.Headers = make(Table, len(p.Headers))
		maps.Copy(out.Headers, p.Headers)
	}
	return out
}
