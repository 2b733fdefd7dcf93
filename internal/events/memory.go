package events

import (
	"context"
	"strings"
	"sync"
)

var _ Publisher = (*Memory)(nil)

type subscription struct {
	pattern string
	handler Handler
}

// Memory is an in-process publisher with pattern subscriptions.
type Memory struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewMemory returns a bus with no subscribers.
func NewMemory() *Memory {
	return &Memory{}
}

// Subscribe registers a handler for topics matching pattern. Patterns
// are dot-segmented: "*" matches exactly one segment, "**" the rest
// ("plugin.execution.*", "plugin.**").
func (m *Memory) Subscribe(pattern string, h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, subscription{pattern: pattern, handler: h})
	m.mu.Unlock()
}

// Publish fans the event out to matching handlers on the caller's
// goroutine. The subscriber lock is released first, so handlers may
// publish or subscribe without deadlocking.
func (m *Memory) Publish(ctx context.Context, e Event) error {
	m.mu.RLock()
	matched := make([]Handler, 0, len(m.subs))
	for _, sub := range m.subs {
		if matchTopic(sub.pattern, e.Topic) {
			matched = append(matched, sub.handler)
		}
	}
	m.mu.RUnlock()

	for _, h := range matched {
		h(e)
	}
	return nil
}

// matchTopic compares dot-segmented topics. "*" matches exactly one
// segment, "**" everything from its position on.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	for i, p := range ps {
		if p == "**" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
