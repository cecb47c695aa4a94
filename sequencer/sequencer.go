// Package sequencer enforces ordered, gap-free delivery of sequence-numbered
// events for a single conversation thread. The transport is at-least-once and
// may deliver out of order; the sequencer buffers ahead-of-expectation events
// and releases them in sequence order.
//
// Sequence numbers restart at every top-level run (epoch). The sequencer
// tracks epoch boundaries via run.started events and rebases its expectations
// when a new epoch opens. Nested sub-agent runs share their parent's epoch
// and never rebase.
//
// Exact duplicates are the dedup layer's problem (package syncer); the
// sequencer only guards against duplicates it can see in its own buffer.
package sequencer

import (
	"context"
	"time"

	"goa.design/threads/event"
	"goa.design/threads/telemetry"
)

const (
	// DefaultMaxBuffer bounds the number of buffered out-of-order events per
	// thread. When exceeded, the smallest buffered sequence is evicted.
	DefaultMaxBuffer = 256

	// DefaultMaxAge bounds how long an event may sit in the buffer waiting
	// for its gap to fill. Protects memory when an epoch boundary never
	// arrives.
	DefaultMaxAge = 2 * time.Minute
)

type (
	// Options configures a Sequencer.
	Options struct {
		// MaxBuffer bounds the buffer entry count. Defaults to DefaultMaxBuffer.
		MaxBuffer int
		// MaxAge bounds buffered entry age. Defaults to DefaultMaxAge.
		MaxAge time.Duration
		// Logger receives gap-stall and forced-advance diagnostics. Defaults
		// to a no-op logger.
		Logger telemetry.Logger
		// Metrics receives drop/stall/advance counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Clock overrides time.Now for age-based eviction. Tests only.
		Clock func() time.Time
	}

	// Sequencer is the per-thread ordering buffer. Not safe for concurrent
	// use: each store instance owns its sequencers and drives them from a
	// single goroutine.
	Sequencer struct {
		threadID string
		next     uint64
		buf      map[uint64]entry
		active   bool
		// lastApplied is the producer timestamp of the most recently released
		// event. Used to tell a genuine epoch restart (boundary newer than
		// everything applied) from an out-of-order replay of the current
		// epoch's start.
		lastApplied time.Time

		maxBuffer int
		maxAge    time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		clock     func() time.Time
	}

	entry struct {
		ev      event.Event
		arrived time.Time
	}
)

// New constructs a sequencer for one thread.
func New(threadID string, opts Options) *Sequencer {
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
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
	return &Sequencer{
		threadID:  threadID,
		buf:       make(map[uint64]entry),
		maxBuffer: opts.MaxBuffer,
		maxAge:    opts.MaxAge,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
	}
}

// NextExpected returns the next sequence number the sequencer will release.
func (s *Sequencer) NextExpected() uint64 { return s.next }

// RunActive reports whether a run is currently in flight on the thread.
func (s *Sequencer) RunActive() bool { return s.active }

// Buffered returns the number of events waiting for their gap to fill.
func (s *Sequencer) Buffered() int { return len(s.buf) }

// Push offers one event to the sequencer and returns the events released for
// assembly, in order. The returned slice is empty when the event was buffered
// or dropped.
func (s *Sequencer) Push(ctx context.Context, ev event.Event) []event.Event {
	s.expire(ctx)

	if rs, ok := ev.(event.RunStarted); ok && rs.Boundary() {
		return s.openEpoch(ctx, rs)
	}

	seq := ev.Sequence()
	if _, dup := s.buf[seq]; dup {
		s.metrics.IncCounter(telemetry.MetricDuplicate, 1, "thread", s.threadID)
		return nil
	}

	// Fast path: harmless replay of an already-released slot. Applying it
	// again must not stall ordering; idempotence is enforced upstream.
	if seq < s.next && ev.Type() != event.TypeRunStarted {
		return s.release(ev)
	}

	s.buf[seq] = entry{ev: ev, arrived: s.clock()}

	// Drain before bounding so a gap-filling arrival is never evicted by the
	// very push that could release it.
	out := s.drain()
	s.bound(ctx)
	if len(out) == 0 && len(s.buf) > 0 {
		out = s.recover(ctx)
	}
	return out
}

// openEpoch handles a run.started that opens a new epoch: a network-scope run
// or a standalone agent run.
//
// The boundary rebases the expected sequence only when it is a genuine
// restart, i.e. the boundary was produced after everything released so far.
// An out-of-order delivery of the current epoch's own start (a late join that
// force-advanced past it) must not regress expectations it already satisfied.
func (s *Sequencer) openEpoch(ctx context.Context, rs event.RunStarted) []event.Event {
	seq := rs.Sequence()
	rebase := seq+1 >= s.next || rs.Timestamp().After(s.lastApplied)
	if rebase {
		s.next = seq + 1
	} else {
		s.logger.Debug(ctx, "stale epoch boundary replay",
			"thread", s.threadID, "seq", seq, "next", s.next)
	}

	// Buffered entries at or below the boundary belong to the old epoch by
	// definition. Entries above it survive only when produced after the
	// boundary; older ones are leftovers from a prior run whose counter ran
	// ahead and would otherwise drain into the new epoch.
	for k, e := range s.buf {
		if k <= seq || e.ev.Timestamp().Before(rs.Timestamp()) {
			delete(s.buf, k)
			s.metrics.IncCounter(telemetry.MetricEvicted, 1, "thread", s.threadID)
		}
	}

	s.active = true
	out := s.release(rs)
	return append(out, s.drain()...)
}

// drain releases consecutive buffered events starting at the expected
// sequence.
func (s *Sequencer) drain() []event.Event {
	var out []event.Event
	for {
		e, ok := s.buf[s.next]
		if !ok {
			return out
		}
		delete(s.buf, s.next)
		s.next++
		out = append(out, s.release(e.ev)...)
	}
}

// recover applies the stall-recovery heuristic: a late-joining subscriber
// that never observed the true epoch start can only make progress by jumping
// to the smallest buffered sequence, and only when that event is safe to
// align on. While a run is active a gap is never forced: a missing sequence
// there may be a nested sub-run event whose order matters.
func (s *Sequencer) recover(ctx context.Context) []event.Event {
	if _, pending := s.buf[s.next]; pending {
		return nil
	}
	if s.active {
		s.metrics.IncCounter(telemetry.MetricGapStall, 1, "thread", s.threadID)
		s.logger.Debug(ctx, "sequence gap during active run",
			"thread", s.threadID, "next", s.next, "buffered", len(s.buf))
		return nil
	}
	min, ok := s.smallest()
	if !ok || !alignable(s.buf[min].ev) {
		s.metrics.IncCounter(telemetry.MetricGapStall, 1, "thread", s.threadID)
		return nil
	}
	s.metrics.IncCounter(telemetry.MetricForcedAdvance, 1, "thread", s.threadID)
	s.logger.Warn(ctx, "forcing sequence advance",
		"thread", s.threadID, "from", s.next, "to", min)
	s.next = min
	return s.drain()
}

// release records bookkeeping for one event leaving the sequencer.
func (s *Sequencer) release(ev event.Event) []event.Event {
	if ts := ev.Timestamp(); ts.After(s.lastApplied) {
		s.lastApplied = ts
	}
	switch ev.Type() {
	case event.TypeStreamEnded:
		// Sole authoritative signal that the stream is over. run.completed
		// does not clear the run: multi-agent runs emit many of them.
		s.active = false
	case event.TypeRunStarted:
		s.active = true
	}
	return []event.Event{ev}
}

// bound enforces the entry-count limit, evicting smallest sequences first.
func (s *Sequencer) bound(ctx context.Context) {
	for len(s.buf) > s.maxBuffer {
		min, ok := s.smallest()
		if !ok {
			return
		}
		delete(s.buf, min)
		s.metrics.IncCounter(telemetry.MetricEvicted, 1, "thread", s.threadID)
		s.logger.Warn(ctx, "evicting buffered event",
			"thread", s.threadID, "seq", min, "buffered", len(s.buf))
	}
}

// expire drops entries that waited longer than the age bound.
func (s *Sequencer) expire(ctx context.Context) {
	cutoff := s.clock().Add(-s.maxAge)
	for k, e := range s.buf {
		if e.arrived.Before(cutoff) {
			delete(s.buf, k)
			s.metrics.IncCounter(telemetry.MetricEvicted, 1, "thread", s.threadID)
			s.logger.Debug(ctx, "expiring buffered event", "thread", s.threadID, "seq", k)
		}
	}
}

func (s *Sequencer) smallest() (uint64, bool) {
	var min uint64
	found := false
	for k := range s.buf {
		if !found || k < min {
			min = k
			found = true
		}
	}
	return min, found
}

// alignable reports whether an event is a safe target for a forced sequence
// jump: the start of an epoch's visible content. Nested sub-run starts are
// not safe; aligning on one would skip parent-run events that precede it.
func alignable(ev event.Event) bool {
	switch e := ev.(type) {
	case event.RunStarted:
		return e.Boundary()
	case event.PartCreated:
		return true
	}
	return false
}
