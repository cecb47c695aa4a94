package store

import (
	"time"

	"github.com/google/uuid"
	"goa.design/threads/event"
	"goa.design/threads/thread"
)

type (
	// Action is the closed set of state transitions a store accepts. Actions
	// the reducer does not handle leave the state untouched.
	Action interface {
		isAction()
	}

	// ConnectionChanged records transport connectivity. Reconnection itself
	// is the transport's responsibility; the store only surfaces the state.
	ConnectionChanged struct {
		Connected bool
		// Err carries the connection error message when Connected is false.
		Err string
	}

	// ThreadSelected focuses a thread. Events applied to any other thread
	// set its unread flag.
	ThreadSelected struct {
		ThreadID string
	}

	// EventsReceived delivers a batch of realtime events. Events are routed
	// to their owning thread's sequencer in delivery order; ordering only
	// matters within a thread.
	EventsReceived struct {
		Events []event.Event
	}

	// MessageSent optimistically appends a user message, independent of
	// server acknowledgment. Build with NewMessageSent.
	MessageSent struct {
		ThreadID  string
		MessageID string
		Text      string
		Timestamp time.Time
		// ClientState is opaque presentation-layer data carried on the message.
		ClientState map[string]any
	}

	// SendSucceeded flips an optimistic message to sent.
	SendSucceeded struct {
		ThreadID  string
		MessageID string
	}

	// SendFailed flips an optimistic message to failed; the user may retry.
	SendFailed struct {
		ThreadID  string
		MessageID string
		Err       string
	}

	// MessagesReplaced swaps a thread's message list wholesale, typically
	// after a history fetch.
	MessagesReplaced struct {
		ThreadID string
		Messages []thread.Message
	}

	// MessagesCleared empties a thread's message list.
	MessagesCleared struct {
		ThreadID string
	}

	// ThreadCreated ensures a thread exists.
	ThreadCreated struct {
		ThreadID string
	}

	// ThreadRemoved destroys a thread's state and sequencer.
	ThreadRemoved struct {
		ThreadID string
	}

	// ThreadViewed clears a thread's unread flag.
	ThreadViewed struct {
		ThreadID string
	}
)

func (ConnectionChanged) isAction() {}
func (ThreadSelected) isAction()    {}
func (EventsReceived) isAction()    {}
func (MessageSent) isAction()       {}
func (SendSucceeded) isAction()     {}
func (SendFailed) isAction()        {}
func (MessagesReplaced) isAction()  {}
func (MessagesCleared) isAction()   {}
func (ThreadCreated) isAction()     {}
func (ThreadRemoved) isAction()     {}
func (ThreadViewed) isAction()      {}

// NewMessageSent builds the optimistic-send action, assigning the message id
// and timestamp so Dispatch itself stays deterministic.
func NewMessageSent(threadID, text string, clientState map[string]any) MessageSent {
	return MessageSent{
		ThreadID:    threadID,
		MessageID:   uuid.NewString(),
		Text:        text,
		Timestamp:   time.Now().UTC(),
		ClientState: clientState,
	}
}
