// Package broker provides ordered message delivery for push-stream sessions.
// Each session owns a namespace; the stream transport publishes outbound
// protocol messages into it. Subscriptions can resume from a known event ID,
// a property of the delivery substrate (the redis backend keeps a bounded
// replay window per namespace).
package broker

import (
	"context"

	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// Broker handles message queuing and delivery for push-stream transports.
// It provides namespace-based isolation and ordered delivery guarantees
// within each namespace.
type Broker interface {
	// Publish creates an envelope with a generated event ID and publishes it
	// to the namespace. Returns the generated event ID.
	Publish(ctx context.Context, namespace string, message jsonrpc.Message) (eventID string, err error)

	// Subscribe to namespace messages, resuming from lastEventID if provided.
	// If lastEventID is empty, the subscription starts from the next
	// published message; otherwise it resumes from the message after that ID.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (MessageStream, error)

	// Cleanup removes all resources associated with a namespace, including
	// stored messages and active subscriptions.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered message consumption within a namespace.
// Streams are safe for concurrent use by a single consumer.
type MessageStream interface {
	// Next blocks until the next message is available or the context is
	// cancelled. Returns io.EOF when the stream is closed and drained.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream. After Close,
	// Next returns an error.
	Close() error
}

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message
	// within the namespace.
	ID string `json:"id"`
	// Data is the JSON-serialized message content.
	Data []byte `json:"data"`
}
