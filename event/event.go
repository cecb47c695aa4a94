// Package event defines the closed set of normalized network events consumed
// by the conversation engine. Raw transport payloads are shaped into typed
// variants by Normalize; everything downstream (sequencer, assembler, store)
// operates on the Event interface and type-asserts to concrete variants.
//
// Events carry per-run, per-thread monotonically increasing sequence numbers.
// Sequence numbers are not globally unique: a new top-level run restarts the
// counter, which is why the sequencer tracks epochs rather than assuming a
// single monotonic stream per thread.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates the known event kinds. Unrecognized wire names map to
// TypeUnknown and retain their raw payload so newer producers never have
// their events silently dropped at the normalization layer.
type Type string

const (
	// TypeRunStarted marks the start of a run. Only network-scope runs and
	// standalone agent runs open a new epoch; nested sub-agent starts share
	// their parent's epoch.
	TypeRunStarted Type = "run.started"

	// TypeRunCompleted marks the completion of a run. A multi-agent run emits
	// one per nested run, so completion does not by itself change thread status.
	TypeRunCompleted Type = "run.completed"

	// TypeStreamEnded is the sole authoritative end-of-stream signal for a
	// thread. It finalizes dangling tool parts and returns the thread to ready.
	TypeStreamEnded Type = "stream.ended"

	// TypePartCreated announces a new message part (text, tool call, or one of
	// the inert variants).
	TypePartCreated Type = "part.created"

	// TypeTextDelta appends a content fragment to a streaming text part.
	TypeTextDelta Type = "text.delta"

	// TypeToolArgsDelta streams a tool-call input fragment. Fragments are not
	// guaranteed to be valid JSON on their own.
	TypeToolArgsDelta Type = "tool_call.arguments.delta"

	// TypeToolOutputDelta streams a tool output fragment while the tool runs.
	TypeToolOutputDelta Type = "tool_call.output.delta"

	// TypePartCompleted carries the authoritative final content for a part,
	// overriding whatever was accumulated from deltas.
	TypePartCompleted Type = "part.completed"

	// TypeUnknown is the pass-through variant for unrecognized event names.
	TypeUnknown Type = "unknown"
)

// Run scopes carried by run.started/run.completed events.
const (
	// ScopeNetwork identifies a top-level multi-agent run.
	ScopeNetwork = "network"
	// ScopeAgent identifies a single-agent run. An agent-scope run with no
	// parent run ID is standalone and opens its own epoch.
	ScopeAgent = "agent"
)

// Part kinds carried by part.created/part.completed events. Only text and
// tool parts receive bespoke assembly; the rest pass through inert.
const (
	PartKindText       = "text"
	PartKindToolCall   = "tool-call"
	PartKindToolOutput = "tool-output"
	PartKindData       = "data"
	PartKindFile       = "file"
	PartKindSource     = "source"
	PartKindReasoning  = "reasoning"
	PartKindStatus     = "status"
	PartKindError      = "error"
	PartKindHITL       = "hitl"
)

type (
	// Event is a normalized network event. All concrete variants embed Base.
	// Consumers type-assert to concrete types for payload access; the
	// sequencer only needs the Base metadata.
	Event interface {
		// Type returns the mapped event kind, TypeUnknown for pass-through events.
		Type() Type
		// Name returns the raw wire event name. For known variants this equals
		// string(Type()); for unknown variants it preserves the producer's name.
		Name() string
		// ThreadID returns the conversation thread the event belongs to. Empty
		// when the producer omitted it; such events cannot be routed and are
		// dropped by the scope filter.
		ThreadID() string
		// Sequence returns the per-run, per-thread sequence number.
		Sequence() uint64
		// Timestamp returns the producer-side emission time.
		Timestamp() time.Time
		// ID returns the event identity. Synthesized as "<name>:<sequence>"
		// when the producer did not assign one.
		ID() string
	}

	// Base provides the Event metadata shared by all variants.
	Base struct {
		name   string
		thread string
		seq    uint64
		ts     time.Time
		id     string
	}

	// RunStarted signals that a run began executing on the thread.
	RunStarted struct {
		Base
		Data RunPayload
	}

	// RunCompleted signals that a run (possibly a nested sub-run) finished.
	RunCompleted struct {
		Base
		Data RunPayload
	}

	// StreamEnded signals that no further events will arrive for the current
	// stream on this thread.
	StreamEnded struct {
		Base
		Data RunPayload
	}

	// PartCreated announces a new message part.
	PartCreated struct {
		Base
		Data PartPayload
	}

	// TextDelta appends content to a streaming text part.
	TextDelta struct {
		Base
		Data DeltaPayload
	}

	// ToolArgsDelta streams a tool-call input fragment.
	ToolArgsDelta struct {
		Base
		Data DeltaPayload
	}

	// ToolOutputDelta streams a tool output fragment.
	ToolOutputDelta struct {
		Base
		Data DeltaPayload
	}

	// PartCompleted carries the authoritative final content for a part.
	PartCompleted struct {
		Base
		Data PartPayload
	}

	// Unknown preserves events the normalizer does not recognize. The engine
	// treats them as no-ops but they still occupy their sequence slot so the
	// sequencer can advance past them.
	Unknown struct {
		Base
		Raw json.RawMessage
	}

	// RunPayload is the data carried by run lifecycle events.
	RunPayload struct {
		// RunID identifies the run execution.
		RunID string `json:"runId,omitempty"`
		// ParentRunID identifies the parent run when this is a nested
		// sub-agent run. Empty for top-level runs.
		ParentRunID string `json:"parentRunId,omitempty"`
		// Scope is "network" or "agent".
		Scope string `json:"scope,omitempty"`
		// AgentName identifies the agent executing the run.
		AgentName string `json:"agentName,omitempty"`
	}

	// PartPayload is the data carried by part.created and part.completed.
	PartPayload struct {
		// MessageID identifies the message the part belongs to.
		MessageID string `json:"messageId,omitempty"`
		// PartID identifies the part within the message.
		PartID string `json:"partId,omitempty"`
		// Kind is the part kind ("text", "tool-call", "tool-output", ...).
		Kind string `json:"partType,omitempty"`
		// ToolCallID correlates tool parts across their lifecycle.
		ToolCallID string `json:"toolCallId,omitempty"`
		// ToolName is the tool identifier for tool parts.
		ToolName string `json:"toolName,omitempty"`
		// FinalContent is the authoritative content on part.completed. It
		// overrides any accumulation from deltas.
		FinalContent json.RawMessage `json:"finalContent,omitempty"`
	}

	// DeltaPayload is the data carried by incremental delta events.
	DeltaPayload struct {
		// MessageID identifies the target message when known.
		MessageID string `json:"messageId,omitempty"`
		// PartID identifies the target part when known. Producers drop it
		// under load; the assembler falls back to recency matching.
		PartID string `json:"partId,omitempty"`
		// ToolCallID identifies the target tool call when known.
		ToolCallID string `json:"toolCallId,omitempty"`
		// Delta is the raw fragment.
		Delta string `json:"delta"`
	}
)

// NewBase constructs event metadata. The id is synthesized from name and
// sequence when empty.
func NewBase(name, threadID string, seq uint64, ts time.Time, id string) Base {
	if id == "" {
		id = fmt.Sprintf("%s:%d", name, seq)
	}
	return Base{name: name, thread: threadID, seq: seq, ts: ts, id: id}
}

// Name implements Event.Name.
func (b Base) Name() string { return b.name }

// ThreadID implements Event.ThreadID.
func (b Base) ThreadID() string { return b.thread }

// Sequence implements Event.Sequence.
func (b Base) Sequence() uint64 { return b.seq }

// Timestamp implements Event.Timestamp.
func (b Base) Timestamp() time.Time { return b.ts }

// ID implements Event.ID.
func (b Base) ID() string { return b.id }

// Type implementations. Unknown reports TypeUnknown regardless of wire name.

func (RunStarted) Type() Type      { return TypeRunStarted }
func (RunCompleted) Type() Type    { return TypeRunCompleted }
func (StreamEnded) Type() Type     { return TypeStreamEnded }
func (PartCreated) Type() Type     { return TypePartCreated }
func (TextDelta) Type() Type       { return TypeTextDelta }
func (ToolArgsDelta) Type() Type   { return TypeToolArgsDelta }
func (ToolOutputDelta) Type() Type { return TypeToolOutputDelta }
func (PartCompleted) Type() Type   { return TypePartCompleted }
func (Unknown) Type() Type         { return TypeUnknown }

// Boundary reports whether this run start opens a new epoch: a network-scope
// run, or a standalone agent run with no parent. A nested sub-agent start is
// a sibling inside an already-open epoch and must not reset sequence
// expectations.
func (e RunStarted) Boundary() bool {
	switch e.Data.Scope {
	case ScopeNetwork:
		return true
	case ScopeAgent:
		return e.Data.ParentRunID == ""
	}
	return false
}

// Nested reports whether this run start belongs to a nested sub-agent run.
func (e RunStarted) Nested() bool { return !e.Boundary() }
