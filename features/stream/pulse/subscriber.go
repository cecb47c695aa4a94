// Package pulse exposes the Pulse (Redis streams) transport adapter for the
// conversation engine: a Subscriber consuming per-thread event streams and a
// Port exchanging cross-instance sync frames. It mirrors the layering used by
// existing Pulse deployments: services build a Redis client, pass it to the
// Pulse client, and hand the resulting adapters to the syncer.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/threads/features/stream/pulse/clients/pulse"
)

type (
	// SubscriberOptions configures a Pulse-backed event subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Every engine instance
		// must use its own name so the transport fans events out to all
		// instances; the engine's dedup layer absorbs the duplicates.
		// Defaults to "threads_subscriber".
		SinkName string
		// Buffer specifies the payload channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes per-thread Pulse streams and emits raw event
	// payloads for the syncer pipeline. Decoding and validation belong to
	// the normalizer, not the transport.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "threads_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
	}, nil
}

// EventStreamID derives the Pulse stream name carrying a thread's events.
func EventStreamID(threadID string) string {
	return fmt.Sprintf("thread/%s", threadID)
}

// Subscribe opens a Pulse sink on the thread's event stream and returns
// channels for raw payloads and errors. It spawns a goroutine that consumes
// from the sink and acks each payload after emission. The returned cancel
// function stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	payloads, errs, cancel, err := sub.Subscribe(ctx, "t1")
//	defer cancel()
//	for raw := range payloads {
//	    sync.HandleRaw(ctx, raw)
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	threadID string,
	opts ...streamopts.Sink,
) (<-chan json.RawMessage, <-chan error, context.CancelFunc, error) {
	if threadID == "" {
		return nil, nil, nil, errors.New("thread id is required")
	}
	str, err := s.client.Stream(EventStreamID(threadID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	payloads := make(chan json.RawMessage, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, payloads, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return payloads, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel and forwards their
// payloads. It acks each event after successful emission and closes both
// channels when ctx is canceled or the sink channel closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- json.RawMessage, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- json.RawMessage(evt.Payload):
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
