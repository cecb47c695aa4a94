package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/threads/event"
)

var base = time.UnixMilli(1700000000000)

func at(offset int) time.Time { return base.Add(time.Duration(offset) * time.Millisecond) }

func boundary(seq uint64, ts time.Time) event.RunStarted {
	return event.RunStarted{
		Base: event.NewBase("run.started", "t1", seq, ts, ""),
		Data: event.RunPayload{RunID: "r1", Scope: event.ScopeNetwork},
	}
}

func nestedStart(seq uint64, ts time.Time) event.RunStarted {
	return event.RunStarted{
		Base: event.NewBase("run.started", "t1", seq, ts, ""),
		Data: event.RunPayload{RunID: "r2", ParentRunID: "r1", Scope: event.ScopeAgent},
	}
}

func partCreated(seq uint64, ts time.Time) event.PartCreated {
	return event.PartCreated{
		Base: event.NewBase("part.created", "t1", seq, ts, ""),
		Data: event.PartPayload{MessageID: "m1", PartID: "p1", Kind: event.PartKindText},
	}
}

func textDelta(seq uint64, ts time.Time, delta string) event.TextDelta {
	return event.TextDelta{
		Base: event.NewBase("text.delta", "t1", seq, ts, ""),
		Data: event.DeltaPayload{MessageID: "m1", PartID: "p1", Delta: delta},
	}
}

func streamEnded(seq uint64, ts time.Time) event.StreamEnded {
	return event.StreamEnded{
		Base: event.NewBase("stream.ended", "t1", seq, ts, ""),
		Data: event.RunPayload{RunID: "r1"},
	}
}

func seqs(events []event.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence()
	}
	return out
}

func TestInOrderRelease(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	require.Equal(t, []uint64{0}, seqs(s.Push(ctx, boundary(0, at(0)))))
	require.True(t, s.RunActive())
	require.Equal(t, []uint64{1}, seqs(s.Push(ctx, partCreated(1, at(1)))))
	require.Equal(t, []uint64{2}, seqs(s.Push(ctx, textDelta(2, at(2), "hi"))))
	require.Zero(t, s.Buffered())
}

func TestGapBuffersUntilFilled(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	s.Push(ctx, boundary(0, at(0)))
	require.Empty(t, s.Push(ctx, textDelta(3, at(3), "c")))
	require.Empty(t, s.Push(ctx, textDelta(2, at(2), "b")))
	require.Equal(t, 2, s.Buffered())

	out := s.Push(ctx, partCreated(1, at(1)))
	require.Equal(t, []uint64{1, 2, 3}, seqs(out))
	require.Zero(t, s.Buffered())
}

func TestDuplicateBufferedDropped(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})
	s.Push(ctx, boundary(0, at(0)))

	require.Empty(t, s.Push(ctx, textDelta(2, at(2), "b")))
	require.Empty(t, s.Push(ctx, textDelta(2, at(2), "b")))
	require.Equal(t, 1, s.Buffered())
}

func TestReleasedSlotReplayPassesThrough(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})
	s.Push(ctx, boundary(0, at(0)))
	s.Push(ctx, textDelta(1, at(1), "a"))

	// A redelivery of an already-released slot must not stall ordering.
	// Idempotence is the dedup layer's job, not the sequencer's.
	out := s.Push(ctx, textDelta(1, at(1), "a"))
	require.Equal(t, []uint64{1}, seqs(out))
	require.Equal(t, uint64(2), s.NextExpected())
}

func TestEpochResetRebasesAndDiscardsOldEntries(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	// First run counts 0..6, leaving a leftover buffered at 8 behind a gap
	// that never fills.
	s.Push(ctx, boundary(0, at(0)))
	s.Push(ctx, partCreated(1, at(1)))
	for i := uint64(2); i <= 5; i++ {
		s.Push(ctx, textDelta(i, at(int(i)), "x"))
	}
	s.Push(ctx, streamEnded(6, at(6)))
	require.False(t, s.RunActive())
	require.Empty(t, s.Push(ctx, textDelta(8, at(8), "leftover")))
	require.Equal(t, 1, s.Buffered())

	// New run restarts the counter. Buffered leftovers from the old epoch
	// are discarded and expectations rebase to the boundary.
	out := s.Push(ctx, boundary(0, at(100)))
	require.Equal(t, []uint64{0}, seqs(out))
	require.Equal(t, uint64(1), s.NextExpected())
	require.Zero(t, s.Buffered())
	require.True(t, s.RunActive())

	out = s.Push(ctx, partCreated(1, at(101)))
	require.Equal(t, []uint64{1}, seqs(out))
}

func TestEpochResetKeepsEntriesProducedAfterBoundary(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	// The new epoch's seq 2 arrives before its boundary.
	require.Empty(t, s.Push(ctx, textDelta(2, at(102), "b")))
	out := s.Push(ctx, boundary(0, at(100)))
	require.Equal(t, []uint64{0}, seqs(out))
	require.Equal(t, 1, s.Buffered())

	out = s.Push(ctx, partCreated(1, at(101)))
	require.Equal(t, []uint64{1, 2}, seqs(out))
}

func TestStaleBoundaryReplayDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	s.Push(ctx, boundary(0, at(0)))
	s.Push(ctx, partCreated(1, at(1)))
	for i := uint64(2); i <= 5; i++ {
		s.Push(ctx, textDelta(i, at(int(i)), "x"))
	}
	require.Equal(t, uint64(6), s.NextExpected())

	// The same boundary redelivered must not rewind expectations.
	out := s.Push(ctx, boundary(0, at(0)))
	require.Equal(t, []uint64{0}, seqs(out))
	require.Equal(t, uint64(6), s.NextExpected())
}

func TestNestedRunStartDoesNotReset(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	s.Push(ctx, boundary(0, at(0)))
	s.Push(ctx, partCreated(1, at(1)))

	out := s.Push(ctx, nestedStart(2, at(2)))
	require.Equal(t, []uint64{2}, seqs(out))
	require.Equal(t, uint64(3), s.NextExpected())
}

func TestLateJoinAlignsOnPartCreated(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	// Subscriber joined mid-run and never saw the epoch start.
	out := s.Push(ctx, partCreated(7, at(7)))
	require.Equal(t, []uint64{7}, seqs(out))
	require.Equal(t, uint64(8), s.NextExpected())

	out = s.Push(ctx, textDelta(8, at(8), "x"))
	require.Equal(t, []uint64{8}, seqs(out))
}

func TestLateJoinNeverAlignsOnDelta(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	// A bare delta is not a safe alignment target: the part it belongs to is
	// unknown. It stays buffered until something alignable shows up.
	require.Empty(t, s.Push(ctx, textDelta(8, at(8), "x")))
	require.Equal(t, 1, s.Buffered())

	out := s.Push(ctx, partCreated(7, at(7)))
	require.Equal(t, []uint64{7, 8}, seqs(out))
}

func TestNoForcedAdvanceDuringActiveRun(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	s.Push(ctx, boundary(0, at(0)))
	require.Empty(t, s.Push(ctx, partCreated(3, at(3))))
	require.Equal(t, 1, s.Buffered())
	require.Equal(t, uint64(1), s.NextExpected())
}

func TestStreamEndedClearsRun(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{})

	s.Push(ctx, boundary(0, at(0)))
	require.True(t, s.RunActive())
	s.Push(ctx, streamEnded(1, at(1)))
	require.False(t, s.RunActive())
}

func TestBufferBoundEvictsSmallest(t *testing.T) {
	ctx := context.Background()
	s := New("t1", Options{MaxBuffer: 2})
	s.Push(ctx, boundary(0, at(0)))

	s.Push(ctx, textDelta(5, at(5), "e"))
	s.Push(ctx, textDelta(6, at(6), "f"))
	s.Push(ctx, textDelta(7, at(7), "g"))
	require.Equal(t, 2, s.Buffered())

	// Seq 5 was evicted: filling 1..4 only drains up to the eviction gap.
	s.Push(ctx, textDelta(1, at(1), "a"))
	s.Push(ctx, textDelta(2, at(2), "b"))
	s.Push(ctx, textDelta(3, at(3), "c"))
	out := s.Push(ctx, textDelta(4, at(4), "d"))
	require.Equal(t, []uint64{4}, seqs(out))
	require.Equal(t, uint64(5), s.NextExpected())
}

func TestBufferedEntriesExpire(t *testing.T) {
	now := at(0)
	clock := func() time.Time { return now }
	ctx := context.Background()
	s := New("t1", Options{MaxAge: time.Minute, Clock: clock})

	s.Push(ctx, boundary(0, at(0)))
	s.Push(ctx, textDelta(5, at(5), "x"))
	require.Equal(t, 1, s.Buffered())

	now = now.Add(2 * time.Minute)
	s.Push(ctx, textDelta(6, at(6), "y"))
	// The stale entry at 5 is gone; 6 remains.
	require.Equal(t, 1, s.Buffered())
}
