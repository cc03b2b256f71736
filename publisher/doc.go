// Package publisher ships membership events to external brokers.
//
// The Registry subscribes to the notify.Hub and appends every event to a
// Pebble-backed PublishLog. One Worker per configured sink drains the log
// from its own persisted cursor, so events recorded before a restart are
// still delivered once the sink comes back (at-least-once).
//
// Key layout:
//
//	/outbox/{seq:016x}  -> sealed msgpack Event
//	/cursor/{sinkName}  -> uint64 (last consumed seq)
//	/next_seq           -> uint64 (last assigned seq)
//
// Topics are "<topic_prefix>.<cluster>" and the message key is the cluster
// name, so a partitioned broker keeps each cluster's events in order.
//
// Sinks register themselves by type through RegisterSink; see publisher/sink
// for the Kafka, NATS JetStream and mock implementations.
package publisher
