// Package queue defines the at-least-once messaging contract between pipeline
// stages. Handlers report failed message IDs; those messages are redelivered
// until they exceed the receive limit and are dead-lettered.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topics used by the pipeline.
const (
	TopicIngest   = "ingest"
	TopicDetect   = "detect"
	TopicRetrieve = "retrieve"
	TopicPlan     = "plan"
)

// Message is one delivery.
type Message struct {
	ID    string
	Topic string
	Body  []byte
	// Receives counts deliveries including this one.
	Receives int
}

// BatchResult lists the messages of a batch that must be redelivered.
type BatchResult struct {
	Failed []string
}

// Fail marks a message for redelivery.
func (r *BatchResult) Fail(id string) {
	r.Failed = append(r.Failed, id)
}

// OK reports whether every message in the batch succeeded.
func (r BatchResult) OK() bool {
	return len(r.Failed) == 0
}

// BatchHandler processes a batch. Failures are isolated per message.
type BatchHandler func(ctx context.Context, msgs []Message) BatchResult

// Publisher sends a message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Consumer delivers batches from a topic to h until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, h BatchHandler) error
}

// IncidentRef is the body of detect, retrieve and plan messages.
type IncidentRef struct {
	IncidentID string `json:"incidentId"`
}

// PublishRef publishes an IncidentRef for id.
func PublishRef(ctx context.Context, p Publisher, topic, id string) error {
	b, err := json.Marshal(IncidentRef{IncidentID: id})
	if err != nil {
		return fmt.Errorf("marshal ref: %w", err)
	}
	return p.Publish(ctx, topic, b)
}

// DecodeRef decodes an IncidentRef body. An empty ID is an error.
func DecodeRef(body []byte) (IncidentRef, error) {
	var ref IncidentRef
	if err := json.Unmarshal(body, &ref); err != nil {
		return ref, fmt.Errorf("decode ref: %w", err)
	}
	if ref.IncidentID == "" {
		return ref, fmt.Errorf("decode ref: missing incidentId")
	}
	return ref, nil
}

// Each adapts a per-message handler to a BatchHandler. A non-nil error marks
// the message failed.
func Each(fn func(ctx context.Context, m Message) error) BatchHandler {
	return func(ctx context.Context, msgs []Message) BatchResult {
		var res BatchResult
		for _, m := range msgs {
			if err := fn(ctx, m); err != nil {
				res.Fail(m.ID)
			}
		}
		return res
	}
}
