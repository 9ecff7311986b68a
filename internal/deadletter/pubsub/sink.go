// Package pubsub publishes dead letters to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Sink wraps a Pub/Sub topic.
type Sink struct {
	topic *pubsub.Topic
}

// New creates a Sink for topic.
func New(topic *pubsub.Topic) (*Sink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Sink{topic: topic}, nil
}

// Write marshals dl to JSON and blocks until the server acknowledges it.
func (s *Sink) Write(ctx context.Context, dl pipeline.DeadLetter) error {
	const op = "pubsub dead letter"
	data, err := json.Marshal(dl)
	if err != nil {
		return pipeline.Constraint(op, fmt.Errorf("marshal dead letter: %w", err))
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id":        dl.Job.ID,
			"job_type":      string(dl.Job.Type),
			"reason":        string(dl.Reason),
			"attempt_count": strconv.Itoa(dl.Job.AttemptCount),
		},
	}
	if _, err := s.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return pipeline.Unavailable(op, fmt.Errorf("publish message: %w", err))
	}
	return nil
}

// Close flushes pending publishes.
func (s *Sink) Close() {
	s.topic.Stop()
}
