// Package thread defines the reconstructed conversation state for a single
// thread: the ordered message list, its incrementally streamed parts, and the
// thread-level status flags.
//
// State values are treated as immutable by convention: the assembler and the
// store return new State pointers with structural sharing of untouched
// sub-objects instead of mutating in place. Callers holding a snapshot never
// observe later mutations. The Clone helpers implement the copy-on-write
// discipline; they copy only the containers that are about to change.
package thread

import (
	"encoding/json"
	"time"
)

// AgentStatus describes what the backend is currently doing on a thread.
type AgentStatus string

const (
	// StatusReady means no run is in flight.
	StatusReady AgentStatus = "ready"
	// StatusSubmitted means a run has started but no content arrived yet.
	StatusSubmitted AgentStatus = "submitted"
	// StatusStreaming means assistant content is actively arriving.
	StatusStreaming AgentStatus = "streaming"
	// StatusError means the last run surfaced a thread-scoped error.
	StatusError AgentStatus = "error"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages authored by the local user.
	RoleUser Role = "user"
	// RoleAssistant marks messages assembled from backend events.
	RoleAssistant Role = "assistant"
)

// SendStatus tracks the optimistic-send lifecycle of user messages.
type SendStatus string

const (
	// SendSending means the message was appended optimistically and the
	// round-trip has not resolved yet.
	SendSending SendStatus = "sending"
	// SendSent means the backend acknowledged the message.
	SendSent SendStatus = "sent"
	// SendFailed means the send round-trip failed; the user may retry.
	SendFailed SendStatus = "failed"
)

// TextStatus tracks whether a text part is still receiving deltas.
type TextStatus string

const (
	// TextStreaming means more deltas may arrive.
	TextStreaming TextStatus = "streaming"
	// TextComplete means the part holds its final content.
	TextComplete TextStatus = "complete"
)

// ToolState tracks the lifecycle of a tool-call part.
type ToolState string

const (
	// ToolInputStreaming means argument fragments are still arriving.
	ToolInputStreaming ToolState = "input-streaming"
	// ToolInputAvailable means the full input is known.
	ToolInputAvailable ToolState = "input-available"
	// ToolAwaitingApproval means the call is parked on a human decision.
	ToolAwaitingApproval ToolState = "awaiting-approval"
	// ToolExecuting means the tool is running and may stream output.
	ToolExecuting ToolState = "executing"
	// ToolOutputAvailable means the final output is attached.
	ToolOutputAvailable ToolState = "output-available"
)

type (
	// Part is one incrementally streamed constituent of a message. Concrete
	// variants are TextPart, ToolCallPart, and InertPart.
	Part interface {
		// PartID returns the part identity within its message.
		PartID() string
	}

	// TextPart is a streaming text chunk.
	TextPart struct {
		ID      string
		Content string
		Status  TextStatus
	}

	// ToolCallPart is a tool invocation with incrementally streamed input
	// and output.
	ToolCallPart struct {
		ID         string
		ToolCallID string
		ToolName   string
		State      ToolState
		// Input holds the shallow-merged argument object assembled from
		// parseable JSON fragments.
		Input map[string]any
		// InputRaw accumulates fragments that did not parse as standalone
		// JSON objects. The completion event's final content supersedes both.
		InputRaw string
		// Output is the tool output: a string while deltas accumulate, the
		// decoded final content once the completion event arrives.
		Output any
	}

	// InertPart carries part kinds the engine passes through without bespoke
	// assembly (data, file, source, reasoning, status, error, hitl).
	InertPart struct {
		ID      string
		Kind    string
		Payload json.RawMessage
	}

	// Message is one conversation entry.
	Message struct {
		ID        string
		Role      Role
		Parts     []Part
		Timestamp time.Time
		// SendStatus is set on user messages only.
		SendStatus SendStatus
		// ClientState carries opaque presentation-layer data attached at send
		// time. The engine never reads it.
		ClientState map[string]any
	}

	// State is the reconstructed conversation state of one thread.
	State struct {
		Messages       []Message
		AgentStatus    AgentStatus
		CurrentAgent   string
		HasNewMessages bool
		HistoryLoaded  bool
		LastActivity   time.Time
		// Err is the thread-scoped error message, empty when healthy.
		Err string
	}
)

// PartID implements Part.
func (p TextPart) PartID() string { return p.ID }

// PartID implements Part.
func (p ToolCallPart) PartID() string { return p.ID }

// PartID implements Part.
func (p InertPart) PartID() string { return p.ID }

// NewState returns an empty ready thread state. Threads are created lazily on
// first reference.
func NewState() *State {
	return &State{AgentStatus: StatusReady}
}

// Clone returns a copy of the state with a fresh Messages slice header. The
// Message values themselves are shared until CloneMessage is used on the one
// being modified.
func (s *State) Clone() *State {
	if s == nil {
		return NewState()
	}
	dup := *s
	dup.Messages = append([]Message(nil), s.Messages...)
	return &dup
}

// CloneMessage returns a copy of the message with a fresh Parts slice header.
func CloneMessage(m Message) Message {
	dup := m
	dup.Parts = append([]Part(nil), m.Parts...)
	return dup
}

// MessageIndex returns the index of the message with the given id, or -1.
func (s *State) MessageIndex(id string) int {
	if s == nil {
		return -1
	}
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// CloneInput returns a copy of a tool input map for copy-on-write merges.
func CloneInput(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
