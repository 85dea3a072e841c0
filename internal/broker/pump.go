package broker

import (
	"time"

	"github.com/jondeandres/bunny/frame"
)

// pollInterval backs up the notify channels: a coalesced wakeup can leave a
// pump asleep with work pending, so it re-checks periodically.
const pollInterval = 100 * time.Millisecond

// runPump drives one consumer: it waits for work, honors the channel's
// prefetch window, then streams deliveries until the queue drains or the
// consumer stops.
func (b *Broker) runPump(cs *consumer) {
	q := cs.queue
	ch := cs.ch

	for {
		select {
		case <-cs.stopCh:
			return
		case <-q.notify:
		case <-time.After(pollInterval):
		}

		for {
			if cs.stopped() {
				return
			}

			if limit := ch.prefetchLimit(); !cs.noAck && limit > 0 && ch.unackedFor(cs.tag) >= limit {
				// Window full: hand the wakeup to a sibling consumer and
				// wait for an ack to reopen it.
				q.wake()
				select {
				case <-cs.stopCh:
					return
				case <-ch.ackNotify:
				case <-time.After(pollInterval):
				}
				continue
			}

			msg, ok := q.take(cs.tag)
			if !ok {
				break // empty, or the consumer was deregistered
			}

			tag, ok := ch.trackDelivery(msg, cs.tag, q.name, cs.noAck)
			if !ok {
				// Channel is closing; the message goes back to the head
				q.putBack(msg)
				return
			}

			deliver := &frame.BasicDeliver{
				ConsumerTag: cs.tag,
				DeliveryTag: tag,
				Redelivered: msg.redelivered,
				Exchange:    msg.exchange,
				RoutingKey:  msg.routingKey,
			}
			if err := cs.ch.conn.sendContent(ch.id, deliver, msg.props, msg.body); err != nil {
				b.log.Err("Delivering tag %d to consumer '%s': %v", tag, cs.tag, err)
				ch.untrack(tag)
				q.putBack(msg)
				return
			}

			if cs.noAck {
				// Auto-ack: settled the moment it leaves
				b.dropPersisted(q.name, &msg)
			}
			b.log.Debug("Delivered tag %d to consumer '%s' from '%s'", tag, cs.tag, q.name)
		}
	}
}
