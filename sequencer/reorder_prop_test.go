package sequencer

import (
	"context"
	"math/rand"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/threads/assembler"
	"goa.design/threads/event"
	"goa.design/threads/thread"
)

// script is a complete run in sequence order: epoch boundary, part creation,
// content deltas, authoritative completion, end of stream.
func script() []event.Event {
	evs := []event.Event{
		boundary(0, at(0)),
		partCreated(1, at(1)),
	}
	for i, frag := range []string{"every ", "delivery ", "order ", "converges"} {
		evs = append(evs, textDelta(uint64(2+i), at(2+i), frag))
	}
	evs = append(evs,
		event.PartCompleted{
			Base: event.NewBase("part.completed", "t1", 6, at(6), ""),
			Data: event.PartPayload{
				MessageID:    "m1",
				PartID:       "p1",
				Kind:         event.PartKindText,
				FinalContent: []byte(`"every delivery order converges"`),
			},
		},
		streamEnded(7, at(7)),
	)
	return evs
}

func assembleThrough(s *Sequencer, evs []event.Event) *thread.State {
	ctx := context.Background()
	st := thread.NewState()
	for _, ev := range evs {
		for _, released := range s.Push(ctx, ev) {
			st = assembler.Apply(st, released)
		}
	}
	return st
}

// TestReorderInvariance feeds every run script to the sequencer under random
// delivery permutations and checks that the assembled messages match the
// in-order result. Run status may differ transiently; message content must
// not.
func TestReorderInvariance(t *testing.T) {
	evs := script()
	want := assembleThrough(New("t1", Options{}), evs).Messages

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("assembled messages are delivery-order independent", prop.ForAll(
		func(seed int64) bool {
			shuffled := append([]event.Event(nil), evs...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			got := assembleThrough(New("t1", Options{}), shuffled).Messages
			return reflect.DeepEqual(want, got)
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestRedeliveryConvergence re-pushes a prefix of already-released events and
// checks the sequencer passes them through without stalling the tail.
func TestRedeliveryConvergence(t *testing.T) {
	ctx := context.Background()
	evs := script()
	s := New("t1", Options{})

	var released []event.Event
	for _, ev := range evs[:4] {
		released = append(released, s.Push(ctx, ev)...)
	}
	require4 := len(released)
	if require4 != 4 {
		t.Fatalf("expected 4 released, got %d", require4)
	}

	// Redeliver the deltas; the sequencer must not block the remaining tail.
	for _, ev := range evs[2:4] {
		s.Push(ctx, ev)
	}
	var tail []event.Event
	for _, ev := range evs[4:] {
		tail = append(tail, s.Push(ctx, ev)...)
	}
	if len(tail) != len(evs[4:]) {
		t.Fatalf("tail stalled: released %d of %d", len(tail), len(evs[4:]))
	}
	if s.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", s.Buffered())
	}
}
