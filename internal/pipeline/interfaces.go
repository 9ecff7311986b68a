package pipeline

import (
	"context"
	"time"
)

// Queue is the durable publish/consume contract over a message broker.
type Queue interface {
	// Publish makes job available to consumers.
	Publish(ctx context.Context, job Job) error
	// Consume returns a stream of deliveries that stays open until ctx ends,
	// the connector closes, or the broker link drops.
	Consume(ctx context.Context) (<-chan Delivery, error)
	// Ack removes the delivery from the live queue.
	Ack(ctx context.Context, d Delivery) error
	// Nack releases the delivery. With requeue and a positive delay the Job
	// carried by d becomes visible again no earlier than delay.
	Nack(ctx context.Context, d Delivery, requeue bool, delay time.Duration) error
	// Close releases broker resources and closes open consume streams.
	Close() error
}

// Collector produces raw records for a job.
type Collector interface {
	Fetch(ctx context.Context, job Job) ([]RawRecord, error)
	Capabilities() Capabilities
}

// Storage persists validated records idempotently.
type Storage interface {
	// Name identifies the connector in retry markers and logs.
	Name() string
	Upsert(ctx context.Context, record ValidatedRecord) (UpsertResult, error)
}

// DeadLetterSink appends dead letters for operator inspection.
type DeadLetterSink interface {
	Write(ctx context.Context, dl DeadLetter) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for content-derived storage keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}
