package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/threads/features/stream/pulse/clients/pulse"
)

// Streams wires a caller-provided Pulse client into the conversation engine.
// It owns the event publisher and can spawn subscribers and sync ports that
// reuse the same client so services do not need to manage multiple Pulse
// connections.
type Streams struct {
	publisher *Publisher
	client    clientspulse.Client
}

// StreamsOptions configures the helper returned by NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for publishing, subscribing, and sync
	// frames. It is required and typically built via
	// features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Publisher holds optional overrides for the event publisher (stream ID
	// derivation, marshaling). Leave zero-valued for defaults.
	Publisher PublisherOptions
}

// NewStreams constructs helpers for publishing engine events to Pulse and
// consuming the resulting streams. Callers keep the helper around to create
// per-thread subscribers and the instance's sync port.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	pubOpts := opts.Publisher
	pubOpts.Client = opts.Client
	publisher, err := NewPublisher(pubOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{publisher: publisher, client: opts.Client}, nil
}

// Publisher exposes the event publisher.
func (s *Streams) Publisher() *Publisher {
	return s.publisher
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps stream publishing and consumption on the same Redis
// connection pool.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// NewPort constructs a sync port on the shared sync stream, reusing the
// helper's client.
func (s *Streams) NewPort(ctx context.Context, opts PortOptions) (*Port, error) {
	opts.Client = s.client
	return NewPort(ctx, opts)
}

// Close shuts down the publisher (and therefore the underlying Pulse client).
// Call this during service shutdown after all subscribers and ports have been
// closed.
func (s *Streams) Close(ctx context.Context) error {
	return s.publisher.Close(ctx)
}
