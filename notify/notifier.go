// Package notify fans membership events out to in-process subscribers.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/gradm/telemetry"
)

// defaultEventBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 64

// EventType names a membership change
type EventType string

const (
	ClusterCreated   EventType = "cluster_created"
	InstanceAdded    EventType = "instance_added"
	InstanceRejoined EventType = "instance_rejoined"
	InstanceRemoved  EventType = "instance_removed"
	PrimaryChanged   EventType = "primary_changed"
	ClusterRebooted  EventType = "cluster_rebooted"
	ClusterDissolved EventType = "cluster_dissolved"
	StatusChanged    EventType = "status_changed"
)

// Event is one membership change
type Event struct {
	Seq       uint64            `msgpack:"seq" json:"seq"`
	Type      EventType         `msgpack:"type" json:"type"`
	Cluster   string            `msgpack:"cluster" json:"cluster"`
	Address   string            `msgpack:"address,omitempty" json:"address,omitempty"`
	Detail    map[string]string `msgpack:"detail,omitempty" json:"detail,omitempty"`
	Timestamp time.Time         `msgpack:"timestamp" json:"timestamp"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Clusters []string
	Types    []EventType
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

// matches checks if the event passes this subscription's filter.
func (s *subscription) matches(ev Event) bool {
	if len(s.filter.Clusters) > 0 && !contains(s.filter.Clusters, ev.Cluster) {
		return false
	}
	if len(s.filter.Types) > 0 {
		for _, t := range s.filter.Types {
			if t == ev.Type {
				return true
			}
		}
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for membership events.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	seq           atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish stamps the event with a sequence number and sends it to all matching
// subscribers (non-blocking). A nil hub discards events.
func (h *Hub) Publish(ev Event) Event {
	if h == nil {
		return ev
	}
	ev.Seq = h.seq.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- ev:
		default:
			telemetry.EventsDroppedTotal.Inc()
		}
	}
	return ev
}

// Subscribe creates a new subscription and returns the event channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up, events are
// dropped by Publish(). The cancel function is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Close cancels every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
