package publisher

import (
	"github.com/maxpert/gradm/notify"
)

// Event is one membership event as stored in the publish log
type Event struct {
	SeqNum  uint64       `msgpack:"seq"`  // Log sequence, assigned on append
	NodeID  uint64       `msgpack:"node"` // Originating gradm node
	Payload notify.Event `msgpack:"ev"`
}

// Sink represents a destination for membership events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an encoded event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer encodes events into a sink payload
type Transformer interface {
	Transform(event Event) ([]byte, error)
	ContentType() string
}

// Filter determines whether an event should be published
type Filter interface {
	Match(cluster string, eventType notify.EventType) bool
}
