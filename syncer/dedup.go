package syncer

import (
	"goa.design/threads/event"
)

type (
	// Key is the approximate event identity used to recognize repeated
	// deliveries. It is sufficient for idempotent re-application, not a
	// global uniqueness guarantee.
	Key struct {
		ThreadID  string
		MessageID string
		PartID    string
		EventName string
		Sequence  uint64
		ID        string
	}

	// dedup is a bounded recent-history set with FIFO eviction.
	dedup struct {
		seen  map[Key]struct{}
		order []Key
		cap   int
	}
)

// KeyOf derives the dedup key of an event.
func KeyOf(ev event.Event) Key {
	k := Key{
		ThreadID:  ev.ThreadID(),
		EventName: ev.Name(),
		Sequence:  ev.Sequence(),
		ID:        ev.ID(),
	}
	switch e := ev.(type) {
	case event.PartCreated:
		k.MessageID, k.PartID = e.Data.MessageID, e.Data.PartID
	case event.PartCompleted:
		k.MessageID, k.PartID = e.Data.MessageID, e.Data.PartID
	case event.TextDelta:
		k.MessageID, k.PartID = e.Data.MessageID, e.Data.PartID
	case event.ToolArgsDelta:
		k.MessageID, k.PartID = e.Data.MessageID, e.Data.PartID
	case event.ToolOutputDelta:
		k.MessageID, k.PartID = e.Data.MessageID, e.Data.PartID
	}
	return k
}

func newDedup(capacity int) *dedup {
	return &dedup{seen: make(map[Key]struct{}, capacity), cap: capacity}
}

// contains reports whether the key was recorded recently.
func (d *dedup) contains(k Key) bool {
	_, ok := d.seen[k]
	return ok
}

// remember records a key, evicting the oldest entries beyond capacity.
func (d *dedup) remember(k Key) {
	if _, ok := d.seen[k]; ok {
		return
	}
	d.seen[k] = struct{}{}
	d.order = append(d.order, k)
	for len(d.order) > d.cap {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}
