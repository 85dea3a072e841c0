package broker

import "strings"

// route resolves an exchange and routing key to the live queues that should
// receive the message. The default exchange routes straight to the queue
// whose name equals the routing key.
func (b *Broker) route(exchangeName, routingKey string) []*queue {
	if exchangeName == "" {
		if q, ok := b.getQueue(routingKey); ok {
			return []*queue{q}
		}
		return nil
	}

	ex, ok := b.getExchange(exchangeName)
	if !ok {
		return nil
	}

	var names []string
	switch ex.kind {
	case "direct":
		ex.mu.RLock()
		names = append(names, ex.bindings[routingKey]...)
		ex.mu.RUnlock()

	case "fanout":
		ex.mu.RLock()
		for _, bound := range ex.bindings {
			names = append(names, bound...)
		}
		ex.mu.RUnlock()

	case "topic":
		ex.mu.RLock()
		for pattern, bound := range ex.bindings {
			if topicMatch(pattern, routingKey) {
				names = append(names, bound...)
			}
		}
		ex.mu.RUnlock()

	default:
		b.log.Warn("Exchange '%s' has unroutable type '%s'", ex.name, ex.kind)
		return nil
	}

	// A queue bound several times still gets the message once
	seen := make(map[string]bool, len(names))
	queues := make([]*queue, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if q, ok := b.getQueue(name); ok {
			queues = append(queues, q)
		}
	}
	return queues
}

// topicMatch checks if a topic pattern matches a routing key.
// Supports AMQP wildcards: * (exactly one word) and # (zero or more words).
func topicMatch(pattern, routingKey string) bool {
	if pattern == "" {
		return routingKey == ""
	}
	if pattern == "#" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	routingParts := strings.Split(routingKey, ".")
	if routingKey == "" {
		// strings.Split("", ".") yields [""], but an empty key has no words
		routingParts = nil
	}

	return matchParts(patternParts, routingParts)
}

// matchParts performs iterative matching with backtracking for #.
func matchParts(patternParts, routingParts []string) bool {
	type state struct {
		pi, ri int
	}
	stack := []state{{0, 0}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pi, ri := current.pi, current.ri

		if pi >= len(patternParts) && ri >= len(routingParts) {
			return true
		}
		if pi >= len(patternParts) {
			continue // pattern exhausted with words left over
		}
		if ri >= len(routingParts) {
			// Key exhausted: the rest of the pattern must be all #
			allHash := true
			for i := pi; i < len(patternParts); i++ {
				if patternParts[i] != "#" {
					allHash = false
					break
				}
			}
			if allHash {
				return true
			}
			continue
		}

		switch patternParts[pi] {
		case "#":
			// Try every split point, longest match first
			for i := len(routingParts); i >= ri; i-- {
				stack = append(stack, state{pi + 1, i})
			}
		case "*":
			stack = append(stack, state{pi + 1, ri + 1})
		default:
			if patternParts[pi] == routingParts[ri] {
				stack = append(stack, state{pi + 1, ri + 1})
			}
		}
	}

	return false
}
