package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"goa.design/threads/store"
	"goa.design/threads/thread"
)

// memPort is an in-memory Port pair half. Send records the frame and
// delivers it to the peer unless muted.
type memPort struct {
	mu    sync.Mutex
	sent  []Frame
	muted bool
	peer  *memPort
	in    chan Frame
}

func newPortPair() (*memPort, *memPort) {
	a := &memPort{in: make(chan Frame, 64)}
	b := &memPort{in: make(chan Frame, 64)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *memPort) Send(ctx context.Context, frame Frame) error {
	p.mu.Lock()
	p.sent = append(p.sent, frame)
	muted := p.muted
	p.mu.Unlock()
	if !muted && p.peer != nil {
		p.peer.in <- frame
	}
	return nil
}

func (p *memPort) Receive() <-chan Frame { return p.in }

func (p *memPort) setMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *memPort) frames() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.sent...)
}

func (p *memPort) countType(ft FrameType) int {
	n := 0
	for _, f := range p.frames() {
		if f.Type == ft {
			n++
		}
	}
	return n
}

func wireEvent(name string, seq uint64, ts int64, data map[string]any) []byte {
	raw, err := json.Marshal(map[string]any{
		"event":          name,
		"timestamp":      ts,
		"sequenceNumber": seq,
		"data":           data,
	})
	if err != nil {
		panic(err)
	}
	return raw
}

// runScript is a complete single-run event stream for thread t1.
func runScript() [][]byte {
	return [][]byte{
		wireEvent("run.started", 0, 1000, map[string]any{"threadId": "t1", "runId": "r1", "scope": "network", "agentName": "triage"}),
		wireEvent("part.created", 1, 1001, map[string]any{"threadId": "t1", "messageId": "m1", "partId": "p1", "partType": "text"}),
		wireEvent("text.delta", 2, 1002, map[string]any{"threadId": "t1", "messageId": "m1", "partId": "p1", "delta": "hello "}),
		wireEvent("text.delta", 3, 1003, map[string]any{"threadId": "t1", "messageId": "m1", "partId": "p1", "delta": "world"}),
		wireEvent("part.completed", 4, 1004, map[string]any{"threadId": "t1", "messageId": "m1", "partId": "p1", "partType": "text", "finalContent": "hello world"}),
		wireEvent("stream.ended", 5, 1005, map[string]any{"threadId": "t1", "runId": "r1"}),
	}
}

func messageText(t *testing.T, st *thread.State) string {
	t.Helper()
	require.NotNil(t, st)
	require.NotEmpty(t, st.Messages)
	part, ok := st.Messages[0].Parts[0].(thread.TextPart)
	require.True(t, ok)
	return part.Content
}

func TestHandleRawAppliesAndForwards(t *testing.T) {
	ctx := context.Background()
	port := &memPort{in: make(chan Frame, 8)}
	s, err := New(Options{Port: port, InstanceID: "inst-a"})
	require.NoError(t, err)

	for _, raw := range runScript() {
		s.HandleRaw(ctx, raw)
	}

	st := s.Store().Thread("t1")
	require.Equal(t, "hello world", messageText(t, st))
	require.Equal(t, thread.StatusReady, st.AgentStatus)

	// Every applied event was forwarded exactly once, re-encoded so peers
	// can run it through their own pipeline.
	frames := port.frames()
	require.Len(t, frames, len(runScript()))
	for _, f := range frames {
		require.Equal(t, FrameEvent, f.Type)
		require.Equal(t, "inst-a", f.Sender)
		require.Equal(t, "t1", f.ThreadID)
		require.Len(t, f.Events, 1)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	ctx := context.Background()
	port := &memPort{in: make(chan Frame, 8)}
	s, err := New(Options{Port: port, InstanceID: "inst-a"})
	require.NoError(t, err)

	s.HandleRaw(ctx, []byte(`not json`))
	s.HandleRaw(ctx, []byte(`{"event": "text.delta"}`))
	require.Empty(t, s.Store().Snapshot().Threads)
	require.Empty(t, port.frames())
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	port := &memPort{in: make(chan Frame, 8)}
	s, err := New(Options{Port: port, InstanceID: "inst-a"})
	require.NoError(t, err)

	script := runScript()
	for _, raw := range script[:3] {
		s.HandleRaw(ctx, raw)
	}
	sentBefore := len(port.frames())

	// At-least-once transport redelivers the delta. The dedup layer absorbs
	// it: no state change, no re-forwarding.
	s.HandleRaw(ctx, script[2])
	require.Equal(t, "hello ", messageText(t, s.Store().Thread("t1")))
	require.Len(t, port.frames(), sentBefore)
}

func TestPeerEventsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aPort, bPort := newPortPair()
	a, err := New(Options{Port: aPort, InstanceID: "inst-a"})
	require.NoError(t, err)
	b, err := New(Options{Port: bPort, InstanceID: "inst-b"})
	require.NoError(t, err)

	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	for _, raw := range runScript() {
		a.HandleRaw(ctx, raw)
	}

	require.Eventually(t, func() bool {
		st := b.Store().Thread("t1")
		return st != nil && len(st.Messages) == 1 && st.AgentStatus == thread.StatusReady
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "hello world", messageText(t, b.Store().Thread("t1")))
	require.Len(t, b.Store().Thread("t1").Messages[0].Parts, 1)
	// Re-applied peer events are never re-published.
	require.Empty(t, bPort.frames())
}

func TestSnapshotCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aPort, bPort := newPortPair()
	// Mute A while it applies the run so B misses the live stream entirely.
	aPort.setMuted(true)

	a, err := New(Options{Port: aPort, InstanceID: "inst-a"})
	require.NoError(t, err)
	b, err := New(Options{Port: bPort, InstanceID: "inst-b"})
	require.NoError(t, err)

	for _, raw := range runScript() {
		a.HandleRaw(ctx, raw)
	}
	require.Nil(t, b.Store().Thread("t1"))

	aPort.setMuted(false)
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	// B attaches late: presence plus a snapshot request for its thread.
	b.Store().Dispatch(ctx, store.ThreadSelected{ThreadID: "t1"})
	require.NoError(t, b.Attach(ctx))

	require.Eventually(t, func() bool {
		st := b.Store().Thread("t1")
		return st != nil && len(st.Messages) == 1 && st.AgentStatus == thread.StatusReady
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "hello world", messageText(t, b.Store().Thread("t1")))
	// Structural equality: duplicate application would show up as extra parts.
	require.Len(t, b.Store().Thread("t1").Messages[0].Parts, 1)
}

func TestSnapshotRequestRateLimited(t *testing.T) {
	ctx := context.Background()
	port := &memPort{in: make(chan Frame, 8)}
	s, err := New(Options{
		Port:            port,
		InstanceID:      "inst-a",
		SnapshotLimiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})
	require.NoError(t, err)

	require.NoError(t, s.RequestSnapshot(ctx, "t1"))
	// Reconnect storm: further requests inside the window are suppressed.
	require.NoError(t, s.RequestSnapshot(ctx, "t1"))
	require.NoError(t, s.RequestSnapshot(ctx, "t1"))
	require.Equal(t, 1, port.countType(FrameSnapshotRequest))
}

func TestOwnFramesSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := &memPort{in: make(chan Frame, 8)}
	s, err := New(Options{Port: port, InstanceID: "inst-a"})
	require.NoError(t, err)
	go func() { _ = s.Run(ctx) }()

	// A transport that echoes the sender's own frames must not double-apply.
	port.in <- Frame{
		Type:     FrameEvent,
		Sender:   "inst-a",
		ThreadID: "t1",
		Events:   []json.RawMessage{runScript()[0]},
	}
	time.Sleep(50 * time.Millisecond)
	require.Nil(t, s.Store().Thread("t1"))
}
