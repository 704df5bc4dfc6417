package mirror

import "context"

// Event is one enriched change event handed to the mirrors
type Event struct {
	Topic      string // Source topic the event arrived on
	Entity     string // ChangeEventHeader.entityName
	ChangeType string // ChangeEventHeader.changeType
	Key        string // Partition key, the primary record id when present
	Value      []byte // Enriched event JSON, identical to the relay payload
}

// Sink represents a destination for mirrored events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends one message to the sink
	Publish(ctx context.Context, topic, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Filter determines whether an event should be mirrored
type Filter interface {
	// Match returns true if the event should be mirrored
	Match(entity, changeType string) bool
}
