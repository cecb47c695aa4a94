package pulse

import (
	"context"
	"encoding/json"
	"errors"

	clientspulse "goa.design/threads/features/stream/pulse/clients/pulse"
	"goa.design/threads/event"
)

type (
	// PublisherOptions configures the Pulse event publisher.
	PublisherOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to the per-thread event stream.
		StreamID func(event.Event) (string, error)
		// Marshal serializes events to wire envelopes (primarily for tests).
		Marshal func(event.Event) ([]byte, error)
	}

	// Publisher writes events into per-thread Pulse streams using the same
	// wire envelope the normalizer reads, so anything it publishes round-trips
	// through the engine pipeline. Local echo of optimistic sends and test
	// feeders use it; production events normally arrive from the backend.
	// Thread-safe for concurrent Publish calls.
	Publisher struct {
		client   clientspulse.Client
		streamID func(event.Event) (string, error)
		marshal  func(event.Event) ([]byte, error)
	}
)

// NewPublisher constructs a Pulse-backed event publisher. The Client field in
// opts is required; StreamID and Marshal default to the built-in
// implementations if not provided.
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	p := &Publisher{
		client:   opts.Client,
		streamID: defaultStreamID,
		marshal:  event.Marshal,
	}
	if opts.StreamID != nil {
		p.streamID = opts.StreamID
	}
	if opts.Marshal != nil {
		p.marshal = opts.Marshal
	}
	return p, nil
}

// Publish marshals the event into its wire envelope and appends it to the
// derived Pulse stream.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) error {
	streamID, err := p.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := p.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := p.marshal(ev)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, ev.Name(), payload); err != nil {
		return err
	}
	return nil
}

// PublishRaw appends an already-encoded wire envelope to the thread's event
// stream. The payload must carry the event name; it is surfaced as the Pulse
// event name for observability.
func (p *Publisher) PublishRaw(ctx context.Context, threadID string, raw json.RawMessage) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	handle, err := p.client.Stream(EventStreamID(threadID))
	if err != nil {
		return err
	}
	name := rawEventName(raw)
	if _, err := handle.Add(ctx, name, raw); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the publisher. This delegates to the
// underlying Pulse client, which may or may not close the Redis connection
// depending on the client implementation.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's thread ID.
// Returns an error if the thread ID is empty.
func defaultStreamID(ev event.Event) (string, error) {
	if ev.ThreadID() == "" {
		return "", errors.New("event missing thread id")
	}
	return EventStreamID(ev.ThreadID()), nil
}

// rawEventName extracts the event name from a wire envelope, falling back to
// "event" when the payload cannot be decoded.
func rawEventName(raw json.RawMessage) string {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Event == "" {
		return "event"
	}
	return probe.Event
}
