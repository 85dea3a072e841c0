package bunny

import "sync"

// tracker is a channel's unacked set: every delivery handed out under a
// manual-ack policy, keyed by delivery tag, until the caller settles it.
// On channel or connection loss the set is simply cleared; the broker never
// saw an ack, so it requeues those messages itself.
type tracker struct {
	mu      sync.Mutex
	unacked map[uint64]*Delivery
}

func newTracker() *tracker {
	return &tracker{unacked: make(map[uint64]*Delivery)}
}

func (t *tracker) add(d *Delivery) {
	t.mu.Lock()
	t.unacked[d.DeliveryTag] = d
	t.mu.Unlock()
}

// settle removes one tag, or with multiple every tag up to and including it.
// Reports false when the tag is not outstanding, leaving the set untouched.
func (t *tracker) settle(tag uint64, multiple bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.unacked[tag]; !ok {
		return false
	}
	if !multiple {
		delete(t.unacked, tag)
		return true
	}
	for dt := range t.unacked {
		if dt <= tag {
			delete(t.unacked, dt)
		}
	}
	return true
}

func (t *tracker) outstanding(tag uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.unacked[tag]
	return ok
}

func (t *tracker) clear() {
	t.mu.Lock()
	t.unacked = make(map[uint64]*Delivery)
	t.mu.Unlock()
}

func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unacked)
}
