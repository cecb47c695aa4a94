// Package store holds the multi-thread conversation state and its reducer.
// Every transition goes through Dispatch, which is synchronous and atomic
// from the caller's perspective: the only suspension points live in
// LoadHistory, whose late results are discarded when the target moved.
//
// The store owns one sequencer per thread and feeds released events through
// the assembler. Cross-thread ordering is neither implied nor required; each
// thread's sequence numbers are its own.
package store

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"goa.design/threads/assembler"
	"goa.design/threads/event"
	"goa.design/threads/sequencer"
	"goa.design/threads/telemetry"
	"goa.design/threads/thread"
)

type (
	// Options configures a Store.
	Options struct {
		// Sequencer holds per-thread sequencer settings.
		Sequencer sequencer.Options
		// Logger receives reducer diagnostics. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics receives engine counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Tracer spans history reconciliation. Defaults to no-op.
		Tracer telemetry.Tracer
		// OnApplied is invoked for every event the store actually applied to
		// a thread, after the state transition. The synchronizer uses it to
		// record dedup keys and feed replay buffers. Optional.
		OnApplied func(threadID string, ev event.Event)
	}

	// Store is a single-writer conversation state container. Dispatch and
	// Snapshot are safe for concurrent use; transitions serialize on an
	// internal mutex so callers observe them atomically.
	Store struct {
		mu      sync.Mutex
		threads map[string]*thread.State
		seqs    map[string]*sequencer.Sequencer
		current string
		conn    bool
		connErr string

		opts Options
	}

	// StreamingState is an immutable snapshot of the store. Thread states are
	// immutable by convention; holding a snapshot is always safe.
	StreamingState struct {
		Threads         map[string]*thread.State
		CurrentThreadID string
		IsConnected     bool
		ConnectionError string
	}

	// Fetcher loads the persisted message history of a thread. It is the
	// store's only collaborator interface; persistence itself is opaque.
	Fetcher interface {
		FetchMessages(ctx context.Context, threadID string) ([]thread.Message, error)
	}
)

// New constructs an empty store.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Sequencer.Logger == nil {
		opts.Sequencer.Logger = opts.Logger
	}
	if opts.Sequencer.Metrics == nil {
		opts.Sequencer.Metrics = opts.Metrics
	}
	s := &Store{
		threads: make(map[string]*thread.State),
		seqs:    make(map[string]*sequencer.Sequencer),
		opts:    opts,
	}
	return s
}

// Dispatch applies one action. Transitions are total: malformed or unhandled
// actions leave the state untouched and never error.
func (s *Store) Dispatch(ctx context.Context, action Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reduce(ctx, action)
}

func (s *Store) reduce(ctx context.Context, action Action) {
	switch a := action.(type) {
	case ConnectionChanged:
		s.conn = a.Connected
		s.connErr = a.Err
	case ThreadSelected:
		s.current = a.ThreadID
	case EventsReceived:
		for _, ev := range a.Events {
			s.applyEvent(ctx, ev)
		}
	case MessageSent:
		st := s.state(a.ThreadID).Clone()
		st.Messages = append(st.Messages, thread.Message{
			ID:          a.MessageID,
			Role:        thread.RoleUser,
			Parts:       []thread.Part{thread.TextPart{ID: a.MessageID, Content: a.Text, Status: thread.TextComplete}},
			Timestamp:   a.Timestamp,
			SendStatus:  thread.SendSending,
			ClientState: a.ClientState,
		})
		st.LastActivity = a.Timestamp
		s.threads[a.ThreadID] = st
	case SendSucceeded:
		s.flipSend(a.ThreadID, a.MessageID, thread.SendSent, "")
	case SendFailed:
		s.flipSend(a.ThreadID, a.MessageID, thread.SendFailed, a.Err)
	case MessagesReplaced:
		st := s.state(a.ThreadID).Clone()
		st.Messages = append([]thread.Message(nil), a.Messages...)
		st.HistoryLoaded = true
		s.threads[a.ThreadID] = st
	case MessagesCleared:
		st := s.state(a.ThreadID).Clone()
		st.Messages = nil
		s.threads[a.ThreadID] = st
	case ThreadCreated:
		s.state(a.ThreadID)
	case ThreadRemoved:
		delete(s.threads, a.ThreadID)
		delete(s.seqs, a.ThreadID)
		if s.current == a.ThreadID {
			s.current = ""
		}
	case ThreadViewed:
		if st, ok := s.threads[a.ThreadID]; ok && st.HasNewMessages {
			dup := st.Clone()
			dup.HasNewMessages = false
			s.threads[a.ThreadID] = dup
		}
	}
}

// applyEvent routes one realtime event through its thread's sequencer and
// assembles whatever the sequencer releases.
func (s *Store) applyEvent(ctx context.Context, ev event.Event) {
	threadID := ev.ThreadID()
	if threadID == "" {
		s.opts.Metrics.IncCounter(telemetry.MetricMalformed, 1)
		s.opts.Logger.Debug(ctx, "dropping unroutable event", "event", ev.Name(), "id", ev.ID())
		return
	}
	seq, ok := s.seqs[threadID]
	if !ok {
		seq = sequencer.New(threadID, s.opts.Sequencer)
		s.seqs[threadID] = seq
	}
	for _, released := range seq.Push(ctx, ev) {
		st := assembler.Apply(s.state(threadID), released)
		if threadID != s.current {
			if !st.HasNewMessages {
				st = st.Clone()
				st.HasNewMessages = true
			}
		}
		s.threads[threadID] = st
		if s.opts.OnApplied != nil {
			s.opts.OnApplied(threadID, released)
		}
	}
}

// state returns the thread's state, creating it lazily on first reference.
func (s *Store) state(threadID string) *thread.State {
	st, ok := s.threads[threadID]
	if !ok {
		st = thread.NewState()
		s.threads[threadID] = st
	}
	return st
}

func (s *Store) flipSend(threadID, messageID string, status thread.SendStatus, errMsg string) {
	st, ok := s.threads[threadID]
	if !ok {
		return
	}
	i := st.MessageIndex(messageID)
	if i < 0 {
		return
	}
	dup := st.Clone()
	msg := thread.CloneMessage(dup.Messages[i])
	msg.SendStatus = status
	dup.Messages[i] = msg
	if errMsg != "" {
		dup.Err = errMsg
	}
	s.threads[threadID] = dup
}

// Snapshot returns an immutable view of the streaming state.
func (s *Store) Snapshot() StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make(map[string]*thread.State, len(s.threads))
	for id, st := range s.threads {
		threads[id] = st
	}
	return StreamingState{
		Threads:         threads,
		CurrentThreadID: s.current,
		IsConnected:     s.conn,
		ConnectionError: s.connErr,
	}
}

// Thread returns the state of one thread, or nil when it does not exist.
func (s *Store) Thread(threadID string) *thread.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads[threadID]
}

// CurrentThreadID returns the focused thread.
func (s *Store) CurrentThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RunActive reports whether a run is in flight on the thread.
func (s *Store) RunActive(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[threadID]
	return ok && seq.RunActive()
}

// LoadHistory fetches the thread's persisted messages and reconciles them
// into the store. The fetch runs outside the store lock, concurrently with
// realtime event application. A late result is discarded when the user moved
// to another thread in the meantime: stale history must never clobber the
// thread the user is looking at.
func (s *Store) LoadHistory(ctx context.Context, threadID string, fetcher Fetcher) error {
	ctx, span := s.opts.Tracer.Start(ctx, "threads.load_history")
	defer span.End()

	target := s.CurrentThreadID()
	msgs, err := fetcher.FetchMessages(ctx, threadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history fetch failed")
		return fmt.Errorf("fetch history for %q: %w", threadID, err)
	}
	if cur := s.CurrentThreadID(); cur != target {
		s.opts.Logger.Debug(ctx, "discarding stale history fetch",
			"thread", threadID, "captured", target, "current", cur)
		return nil
	}
	s.Dispatch(ctx, MessagesReplaced{ThreadID: threadID, Messages: msgs})
	return nil
}
