// Package syncer layers cross-instance idempotence and catch-up on top of
// the store. Multiple independent instances (duplicate subscriptions, several
// client sessions for the same identity) each run their own store; the syncer
// keeps them eventually consistent without a central authority beyond the
// per-thread sequence numbers:
//
//   - every applied event's dedup key is remembered, and repeated deliveries
//     are dropped before they reach the sequencer;
//   - every applied event is retained in a bounded, time-boxed replay buffer;
//   - an attaching instance requests a snapshot for its active thread, and
//     any peer with replay data responds; the requester re-applies the
//     response through the normal, idempotent pipeline.
//
// Peers exchange frames over an injected Port. There is no module-level
// broadcast singleton: instances without a port simply run standalone.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/threads/event"
	"goa.design/threads/store"
	"goa.design/threads/telemetry"
)

// FrameType enumerates the cross-instance sync frame kinds.
type FrameType string

const (
	// FrameEvent carries applied events to peers.
	FrameEvent FrameType = "evt"
	// FrameState announces instance presence and connectivity.
	FrameState FrameType = "state"
	// FrameSnapshotRequest asks peers for their replay buffer of a thread.
	FrameSnapshotRequest FrameType = "snapshot:request"
	// FrameSnapshotResponse carries a peer's replay buffer.
	FrameSnapshotResponse FrameType = "snapshot:response"
)

const (
	// DefaultDedupCapacity bounds the recent dedup key history.
	DefaultDedupCapacity = 4096
	// DefaultReplayLimit bounds the per-thread replay buffer entry count.
	DefaultReplayLimit = 128
	// DefaultReplayMaxAge time-boxes replay buffer entries.
	DefaultReplayMaxAge = 5 * time.Minute
)

type (
	// Frame is the cross-instance sync wire format.
	Frame struct {
		Type     FrameType         `json:"type"`
		Sender   string            `json:"sender"`
		ThreadID string            `json:"threadId,omitempty"`
		Events   []json.RawMessage `json:"events,omitempty"`
		// Connected is meaningful on state frames only.
		Connected bool `json:"connected,omitempty"`
	}

	// Port is the injected message-passing seam between instances. Send
	// publishes a frame to all peers; Receive yields frames from peers
	// (implementations may or may not echo the sender's own frames; the
	// syncer filters by sender id either way).
	Port interface {
		Send(ctx context.Context, frame Frame) error
		Receive() <-chan Frame
	}

	// Options configures a Syncer.
	Options struct {
		// Store holds the options for the underlying store. The syncer owns
		// the store so it can hook event application.
		Store store.Options
		// Scope is the subscriber scope applied during normalization.
		Scope event.Scope
		// Port connects the instance to its peers. Optional: a nil port
		// yields a standalone instance.
		Port Port
		// InstanceID identifies this instance in frame sender fields.
		// Defaults to a random id.
		InstanceID string
		// DedupCapacity bounds the dedup key history. Defaults to
		// DefaultDedupCapacity.
		DedupCapacity int
		// ReplayLimit bounds per-thread replay entries. Defaults to
		// DefaultReplayLimit.
		ReplayLimit int
		// ReplayMaxAge time-boxes replay entries. Defaults to
		// DefaultReplayMaxAge.
		ReplayMaxAge time.Duration
		// SnapshotLimiter bounds how often Attach issues snapshot requests.
		// Defaults to one request per 2 seconds with burst 1.
		SnapshotLimiter *rate.Limiter
		// Logger receives sync diagnostics. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics receives drop counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Clock overrides time.Now. Tests only.
		Clock func() time.Time
	}

	// Syncer is the cross-instance synchronization layer above one store.
	Syncer struct {
		store   *store.Store
		norm    *event.Normalizer
		port    Port
		id      string
		limiter *rate.Limiter
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time

		// deliver serializes pipeline runs; mu guards the maps below.
		deliver sync.Mutex
		mu      sync.Mutex
		seen    *dedup
		replay map[string]*replayBuffer
		// pending collects events applied during the current local delivery
		// so they can be forwarded to peers after the dispatch completes.
		// Nil while re-applying peer frames, which are never re-published.
		pending *[]json.RawMessage

		replayLimit  int
		replayMaxAge time.Duration
	}
)

// New constructs a syncer and its underlying store.
func New(opts Options) (*Syncer, error) {
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = DefaultDedupCapacity
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = DefaultReplayLimit
	}
	if opts.ReplayMaxAge <= 0 {
		opts.ReplayMaxAge = DefaultReplayMaxAge
	}
	if opts.SnapshotLimiter == nil {
		opts.SnapshotLimiter = rate.NewLimiter(rate.Every(2*time.Second), 1)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Syncer{
		norm:         event.NewNormalizer(opts.Scope),
		port:         opts.Port,
		id:           opts.InstanceID,
		limiter:      opts.SnapshotLimiter,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		seen:         newDedup(opts.DedupCapacity),
		replay:       make(map[string]*replayBuffer),
		replayLimit:  opts.ReplayLimit,
		replayMaxAge: opts.ReplayMaxAge,
	}
	storeOpts := opts.Store
	if observer := storeOpts.OnApplied; observer != nil {
		storeOpts.OnApplied = func(threadID string, ev event.Event) {
			s.recordApplied(threadID, ev)
			observer(threadID, ev)
		}
	} else {
		storeOpts.OnApplied = s.recordApplied
	}
	s.store = store.New(storeOpts)
	return s, nil
}

// Store exposes the underlying store for action dispatch and snapshots.
func (s *Syncer) Store() *store.Store { return s.store }

// InstanceID returns the id used in frame sender fields.
func (s *Syncer) InstanceID() string { return s.id }

// HandleRaw delivers one raw transport payload through the full pipeline:
// normalize, scope-filter, dedup, sequence, assemble. Applied events are
// forwarded to peers. Malformed and duplicate payloads are dropped silently;
// the engine never errors on input.
func (s *Syncer) HandleRaw(ctx context.Context, raw []byte) {
	ev, verdict := s.norm.Normalize(raw)
	if verdict != event.Accepted {
		s.metrics.IncCounter(dropMetric(verdict), 1)
		return
	}
	applied := s.apply(ctx, ev, true)
	if s.port == nil || len(applied) == 0 {
		return
	}
	frame := Frame{Type: FrameEvent, Sender: s.id, ThreadID: ev.ThreadID(), Events: applied}
	if err := s.port.Send(ctx, frame); err != nil {
		s.logger.Warn(ctx, "forwarding applied events failed", "error", err.Error())
	}
}

// apply runs one event through dedup and the store. It returns the wire
// encodings of the events actually applied when collect is true.
//
// Deliveries serialize on the deliver mutex: local transport events and
// re-applied peer frames arrive on different goroutines, but the instance is
// cooperative: one event runs the pipeline at a time.
func (s *Syncer) apply(ctx context.Context, ev event.Event, collect bool) []json.RawMessage {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	key := KeyOf(ev)
	s.mu.Lock()
	if s.seen.contains(key) {
		s.mu.Unlock()
		s.metrics.IncCounter(telemetry.MetricDuplicate, 1, "thread", ev.ThreadID())
		return nil
	}
	var applied []json.RawMessage
	if collect {
		s.pending = &applied
	} else {
		s.pending = nil
	}
	s.mu.Unlock()

	s.store.Dispatch(ctx, store.EventsReceived{Events: []event.Event{ev}})

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return applied
}

// recordApplied is the store's OnApplied hook. It remembers the dedup key,
// feeds the thread's replay buffer, and stages the event for peer forwarding.
func (s *Syncer) recordApplied(threadID string, ev event.Event) {
	raw, err := event.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen.remember(KeyOf(ev))
	buf, ok := s.replay[threadID]
	if !ok {
		buf = newReplayBuffer(s.replayLimit, s.replayMaxAge)
		s.replay[threadID] = buf
	}
	buf.add(raw, s.clock())
	if s.pending != nil {
		*s.pending = append(*s.pending, raw)
	}
}

// Attach announces this instance to its peers and requests a snapshot for
// the active thread. Rate-limited: rapid re-attach cycles (reconnect storms)
// collapse into one request per window.
func (s *Syncer) Attach(ctx context.Context) error {
	if s.port == nil {
		return nil
	}
	if err := s.port.Send(ctx, Frame{Type: FrameState, Sender: s.id, Connected: true}); err != nil {
		return err
	}
	threadID := s.store.CurrentThreadID()
	if threadID == "" {
		return nil
	}
	return s.RequestSnapshot(ctx, threadID)
}

// RequestSnapshot asks peers for their replay buffer of the given thread.
func (s *Syncer) RequestSnapshot(ctx context.Context, threadID string) error {
	if s.port == nil {
		return errors.New("syncer has no port")
	}
	if !s.limiter.Allow() {
		s.logger.Debug(ctx, "snapshot request suppressed by rate limit", "thread", threadID)
		return nil
	}
	return s.port.Send(ctx, Frame{Type: FrameSnapshotRequest, Sender: s.id, ThreadID: threadID})
}

// Run consumes peer frames until ctx is done or the port channel closes.
// Typically spawned once per instance.
func (s *Syncer) Run(ctx context.Context) error {
	if s.port == nil {
		return errors.New("syncer has no port")
	}
	ch := s.port.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleFrame(ctx, frame)
		}
	}
}

func (s *Syncer) handleFrame(ctx context.Context, frame Frame) {
	if frame.Sender == s.id {
		return
	}
	switch frame.Type {
	case FrameEvent, FrameSnapshotResponse:
		for _, raw := range frame.Events {
			ev, verdict := s.norm.Normalize(raw)
			if verdict != event.Accepted {
				s.metrics.IncCounter(dropMetric(verdict), 1)
				continue
			}
			// Peer events re-enter the normal pipeline; dedup makes the
			// re-application idempotent and nothing is re-published.
			s.apply(ctx, ev, false)
		}
	case FrameSnapshotRequest:
		s.respondSnapshot(ctx, frame)
	case FrameState:
		s.logger.Debug(ctx, "peer state", "sender", frame.Sender, "connected", frame.Connected)
	}
}

func (s *Syncer) respondSnapshot(ctx context.Context, frame Frame) {
	s.mu.Lock()
	var events []json.RawMessage
	if buf, ok := s.replay[frame.ThreadID]; ok {
		events = buf.events(s.clock())
	}
	s.mu.Unlock()
	if len(events) == 0 {
		return
	}
	resp := Frame{Type: FrameSnapshotResponse, Sender: s.id, ThreadID: frame.ThreadID, Events: events}
	if err := s.port.Send(ctx, resp); err != nil {
		s.logger.Warn(ctx, "snapshot response failed",
			"thread", frame.ThreadID, "peer", frame.Sender, "error", err.Error())
	}
}

// dropMetric maps a normalization verdict to its drop counter.
func dropMetric(v event.Verdict) string {
	if v == event.OutOfScope {
		return telemetry.MetricOutOfScope
	}
	return telemetry.MetricMalformed
}
