package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/threads/event"
	"goa.design/threads/thread"
)

var base = time.UnixMilli(1700000000000)

func at(offset int) time.Time { return base.Add(time.Duration(offset) * time.Millisecond) }

func runStarted(threadID string, seq uint64) event.RunStarted {
	return event.RunStarted{
		Base: event.NewBase("run.started", threadID, seq, at(int(seq)), ""),
		Data: event.RunPayload{RunID: "r1", Scope: event.ScopeNetwork, AgentName: "triage"},
	}
}

func textCreated(threadID string, seq uint64) event.PartCreated {
	return event.PartCreated{
		Base: event.NewBase("part.created", threadID, seq, at(int(seq)), ""),
		Data: event.PartPayload{MessageID: "m1", PartID: "p1", Kind: event.PartKindText},
	}
}

func textDelta(threadID string, seq uint64, delta string) event.TextDelta {
	return event.TextDelta{
		Base: event.NewBase("text.delta", threadID, seq, at(int(seq)), ""),
		Data: event.DeltaPayload{MessageID: "m1", PartID: "p1", Delta: delta},
	}
}

func streamEnded(threadID string, seq uint64) event.StreamEnded {
	return event.StreamEnded{
		Base: event.NewBase("stream.ended", threadID, seq, at(int(seq)), ""),
		Data: event.RunPayload{RunID: "r1"},
	}
}

func receive(s *Store, evs ...event.Event) {
	s.Dispatch(context.Background(), EventsReceived{Events: evs})
}

func TestEventsAssembleIntoThreadState(t *testing.T) {
	s := New(Options{})
	s.Dispatch(context.Background(), ThreadSelected{ThreadID: "t1"})
	receive(s,
		runStarted("t1", 0),
		textCreated("t1", 1),
		textDelta("t1", 2, "hello"),
		streamEnded("t1", 3),
	)

	st := s.Thread("t1")
	require.NotNil(t, st)
	require.Equal(t, thread.StatusReady, st.AgentStatus)
	require.Len(t, st.Messages, 1)
	part, ok := st.Messages[0].Parts[0].(thread.TextPart)
	require.True(t, ok)
	require.Equal(t, "hello", part.Content)
	require.False(t, st.HasNewMessages)
}

func TestBackgroundThreadGetsUnreadFlag(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	s.Dispatch(ctx, ThreadSelected{ThreadID: "t1"})
	receive(s, runStarted("t2", 0), textCreated("t2", 1), textDelta("t2", 2, "psst"))

	require.True(t, s.Thread("t2").HasNewMessages)

	s.Dispatch(ctx, ThreadViewed{ThreadID: "t2"})
	require.False(t, s.Thread("t2").HasNewMessages)
}

func TestUnroutableEventDropped(t *testing.T) {
	s := New(Options{})
	receive(s, textDelta("", 0, "nowhere"))
	require.Empty(t, s.Snapshot().Threads)
}

func TestOptimisticSendLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})

	action := NewMessageSent("t1", "hi there", map[string]any{"draft": true})
	s.Dispatch(ctx, action)

	st := s.Thread("t1")
	require.Len(t, st.Messages, 1)
	msg := st.Messages[0]
	require.Equal(t, thread.RoleUser, msg.Role)
	require.Equal(t, thread.SendSending, msg.SendStatus)
	require.Equal(t, map[string]any{"draft": true}, msg.ClientState)
	part, ok := msg.Parts[0].(thread.TextPart)
	require.True(t, ok)
	require.Equal(t, "hi there", part.Content)
	require.Equal(t, thread.TextComplete, part.Status)

	s.Dispatch(ctx, SendSucceeded{ThreadID: "t1", MessageID: action.MessageID})
	require.Equal(t, thread.SendSent, s.Thread("t1").Messages[0].SendStatus)

	s.Dispatch(ctx, SendFailed{ThreadID: "t1", MessageID: action.MessageID, Err: "timeout"})
	st = s.Thread("t1")
	require.Equal(t, thread.SendFailed, st.Messages[0].SendStatus)
	require.Equal(t, "timeout", st.Err)
}

func TestMessagesReplacedMarksHistoryLoaded(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	history := []thread.Message{{ID: "m0", Role: thread.RoleUser}}
	s.Dispatch(ctx, MessagesReplaced{ThreadID: "t1", Messages: history})

	st := s.Thread("t1")
	require.True(t, st.HistoryLoaded)
	require.Len(t, st.Messages, 1)

	s.Dispatch(ctx, MessagesCleared{ThreadID: "t1"})
	require.Empty(t, s.Thread("t1").Messages)
	require.True(t, s.Thread("t1").HistoryLoaded)
}

func TestThreadLifecycleActions(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	s.Dispatch(ctx, ThreadCreated{ThreadID: "t1"})
	require.NotNil(t, s.Thread("t1"))

	s.Dispatch(ctx, ThreadSelected{ThreadID: "t1"})
	s.Dispatch(ctx, ThreadRemoved{ThreadID: "t1"})
	require.Nil(t, s.Thread("t1"))
	require.Empty(t, s.CurrentThreadID())
}

func TestConnectionChanged(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	s.Dispatch(ctx, ConnectionChanged{Connected: true})
	require.True(t, s.Snapshot().IsConnected)

	s.Dispatch(ctx, ConnectionChanged{Connected: false, Err: "websocket closed"})
	snap := s.Snapshot()
	require.False(t, snap.IsConnected)
	require.Equal(t, "websocket closed", snap.ConnectionError)
}

func TestRunActive(t *testing.T) {
	s := New(Options{})
	require.False(t, s.RunActive("t1"))
	receive(s, runStarted("t1", 0))
	require.True(t, s.RunActive("t1"))
	receive(s, streamEnded("t1", 1))
	require.False(t, s.RunActive("t1"))
}

func TestSnapshotIsStable(t *testing.T) {
	s := New(Options{})
	receive(s, runStarted("t1", 0), textCreated("t1", 1), textDelta("t1", 2, "v1"))
	snap := s.Snapshot()
	before := snap.Threads["t1"]

	receive(s, textDelta("t1", 3, " v2"))
	// The snapshot's state pointer is immutable: later events produce new
	// state values instead of mutating the captured one.
	part := before.Messages[0].Parts[0].(thread.TextPart)
	require.Equal(t, "v1", part.Content)
}

func TestOnAppliedSeesEveryAppliedEvent(t *testing.T) {
	var applied []string
	s := New(Options{OnApplied: func(threadID string, ev event.Event) {
		applied = append(applied, ev.Name())
	}})
	receive(s,
		runStarted("t1", 0),
		textDelta("t1", 2, "early"), // buffered on the seq gap
		textCreated("t1", 1),
	)
	require.Equal(t, []string{"run.started", "part.created", "text.delta"}, applied)
}

type scriptedFetcher struct {
	msgs   []thread.Message
	err    error
	during func()
}

func (f scriptedFetcher) FetchMessages(ctx context.Context, threadID string) ([]thread.Message, error) {
	if f.during != nil {
		f.during()
	}
	return f.msgs, f.err
}

func TestLoadHistoryReplacesMessages(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	s.Dispatch(ctx, ThreadSelected{ThreadID: "t1"})

	err := s.LoadHistory(ctx, "t1", scriptedFetcher{msgs: []thread.Message{{ID: "m0"}}})
	require.NoError(t, err)
	st := s.Thread("t1")
	require.True(t, st.HistoryLoaded)
	require.Len(t, st.Messages, 1)
}

func TestLoadHistoryDiscardsStaleResult(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	s.Dispatch(ctx, ThreadSelected{ThreadID: "t1"})

	fetcher := scriptedFetcher{
		msgs: []thread.Message{{ID: "old"}},
		during: func() {
			// The user switched threads while the fetch was in flight.
			s.Dispatch(ctx, ThreadSelected{ThreadID: "t2"})
		},
	}
	err := s.LoadHistory(ctx, "t1", fetcher)
	require.NoError(t, err)
	st := s.Thread("t1")
	if st != nil {
		require.Empty(t, st.Messages)
		require.False(t, st.HistoryLoaded)
	}
}

func TestLoadHistoryPropagatesFetchError(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	err := s.LoadHistory(ctx, "t1", scriptedFetcher{err: context.DeadlineExceeded})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
