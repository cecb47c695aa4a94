package syncer

import (
	"encoding/json"
	"time"
)

type (
	// replayBuffer retains the recently applied raw events of one thread so
	// the instance can answer snapshot requests from late-attaching peers.
	// Bounded by count and age; oldest entries evicted first.
	replayBuffer struct {
		entries []replayEntry
		limit   int
		maxAge  time.Duration
	}

	replayEntry struct {
		raw json.RawMessage
		at  time.Time
	}
)

func newReplayBuffer(limit int, maxAge time.Duration) *replayBuffer {
	return &replayBuffer{limit: limit, maxAge: maxAge}
}

// add appends one applied event.
func (b *replayBuffer) add(raw json.RawMessage, now time.Time) {
	b.prune(now)
	b.entries = append(b.entries, replayEntry{raw: raw, at: now})
	if over := len(b.entries) - b.limit; over > 0 {
		b.entries = append([]replayEntry(nil), b.entries[over:]...)
	}
}

// events returns the buffered raw events in application order.
func (b *replayBuffer) events(now time.Time) []json.RawMessage {
	b.prune(now)
	out := make([]json.RawMessage, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.raw)
	}
	return out
}

func (b *replayBuffer) prune(now time.Time) {
	cutoff := now.Add(-b.maxAge)
	i := 0
	for i < len(b.entries) && b.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.entries = append([]replayEntry(nil), b.entries[i:]...)
	}
}
