package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/threads/features/stream/pulse/clients/pulse"
	"goa.design/threads/syncer"
)

// SyncStreamID is the shared Pulse stream carrying cross-instance sync frames.
// All engine instances publish and subscribe here; each filters out its own
// frames by sender id.
const SyncStreamID = "threads/sync"

type (
	// PortOptions configures a Pulse-backed sync port.
	PortOptions struct {
		// Client is the Pulse client used for the sync stream. Required.
		Client clientspulse.Client
		// SinkName identifies this instance's consumer group on the sync
		// stream. It must be unique per instance so every instance observes
		// every frame. Required.
		SinkName string
		// Buffer specifies the frame channel capacity. Defaults to 16.
		Buffer int
	}

	// Port bridges the syncer to a shared Pulse sync stream. Frames are
	// JSON-encoded on the wire; frames that fail to decode are dropped so a
	// misbehaving peer cannot wedge the channel.
	Port struct {
		sink   clientspulse.Sink
		stream clientspulse.Stream
		frames chan syncer.Frame
		cancel context.CancelFunc
	}
)

// NewPort opens the shared sync stream and starts consuming frames. The
// returned Port implements syncer.Port. Callers must Close it when done.
func NewPort(ctx context.Context, opts PortOptions) (*Port, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		return nil, errors.New("sink name is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 16
	}
	str, err := opts.Client.Stream(SyncStreamID)
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, opts.SinkName)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	p := &Port{
		sink:   sink,
		stream: str,
		frames: make(chan syncer.Frame, buffer),
		cancel: cancel,
	}
	go p.consume(runCtx)
	return p, nil
}

// Send publishes a frame to the shared sync stream.
func (p *Port) Send(ctx context.Context, frame syncer.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode sync frame: %w", err)
	}
	if _, err := p.stream.Add(ctx, string(frame.Type), payload); err != nil {
		return fmt.Errorf("publish sync frame: %w", err)
	}
	return nil
}

// Receive returns the channel of frames read from the sync stream. The
// channel closes when the port is closed.
func (p *Port) Receive() <-chan syncer.Frame {
	return p.frames
}

// Close stops consumption, closes the Pulse sink, and closes the frame
// channel.
func (p *Port) Close() {
	p.cancel()
	p.sink.Close(context.Background())
}

func (p *Port) consume(ctx context.Context) {
	defer close(p.frames)
	ch := p.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var frame syncer.Frame
			if err := json.Unmarshal(evt.Payload, &frame); err != nil {
				// Malformed peer frame. Ack and move on.
				_ = p.sink.Ack(ctx, evt)
				continue
			}
			select {
			case p.frames <- frame:
			case <-ctx.Done():
				return
			}
			_ = p.sink.Ack(ctx, evt)
		}
	}
}
