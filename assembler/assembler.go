// Package assembler applies one ordered network event to a thread's
// conversation state. Apply is a pure function: it returns a new state with
// structural sharing of untouched messages and never mutates its input. The
// sequencer guarantees ordering; the assembler only decides what each event
// means for messages and parts.
//
// Every delta kind has a completion counterpart carrying the authoritative
// value, and completion always overrides accumulation. A single dropped delta
// therefore never corrupts final state as long as the completion arrives.
package assembler

import (
	"encoding/json"

	"goa.design/threads/event"
	"goa.design/threads/thread"
)

// Apply returns the state after ev. Events the assembler does not recognize
// return the same state reference. A nil state stands for a thread referenced
// for the first time.
func Apply(st *thread.State, ev event.Event) *thread.State {
	if st == nil {
		st = thread.NewState()
	}
	switch e := ev.(type) {
	case event.RunStarted:
		return applyRunStarted(st, e)
	case event.PartCreated:
		return applyPartCreated(st, e)
	case event.TextDelta:
		return applyTextDelta(st, e)
	case event.ToolArgsDelta:
		return applyToolArgsDelta(st, e)
	case event.ToolOutputDelta:
		return applyToolOutputDelta(st, e)
	case event.PartCompleted:
		return applyPartCompleted(st, e)
	case event.RunCompleted:
		return finalizeTools(st, false)
	case event.StreamEnded:
		return finalizeTools(st, true)
	default:
		return st
	}
}

func applyRunStarted(st *thread.State, e event.RunStarted) *thread.State {
	dup := st.Clone()
	dup.AgentStatus = thread.StatusSubmitted
	if e.Data.AgentName != "" {
		dup.CurrentAgent = e.Data.AgentName
	}
	dup.LastActivity = e.Timestamp()
	return dup
}

func applyPartCreated(st *thread.State, e event.PartCreated) *thread.State {
	var part thread.Part
	switch e.Data.Kind {
	case event.PartKindText:
		part = thread.TextPart{ID: e.Data.PartID, Status: thread.TextStreaming}
	case event.PartKindToolCall:
		part = thread.ToolCallPart{
			ID:         e.Data.PartID,
			ToolCallID: e.Data.ToolCallID,
			ToolName:   e.Data.ToolName,
			State:      thread.ToolInputStreaming,
			Input:      map[string]any{},
		}
	default:
		part = thread.InertPart{
			ID:      e.Data.PartID,
			Kind:    e.Data.Kind,
			Payload: e.Data.FinalContent,
		}
	}
	dup, mi := ensureMessage(st, e.Data.MessageID, e.Data.PartID, e)
	if hasPart(dup.Messages[mi], e.Data.PartID) {
		// Replayed creation; the part already exists.
		return st
	}
	msg := thread.CloneMessage(dup.Messages[mi])
	msg.Parts = append(msg.Parts, part)
	dup.Messages[mi] = msg
	dup.LastActivity = e.Timestamp()
	return dup
}

func applyTextDelta(st *thread.State, e event.TextDelta) *thread.State {
	dup := st.Clone()
	loc, ok := findText(dup, e.Data.MessageID, e.Data.PartID)
	if !ok {
		// The creation event was dropped; create message and part lazily.
		var mi int
		dup, mi = ensureMessage(dup, e.Data.MessageID, e.Data.PartID, e)
		msg := thread.CloneMessage(dup.Messages[mi])
		msg.Parts = append(msg.Parts, thread.TextPart{ID: e.Data.PartID, Status: thread.TextStreaming})
		dup.Messages[mi] = msg
		loc = location{mi, len(msg.Parts) - 1}
	}
	part := dup.Messages[loc.msg].Parts[loc.part].(thread.TextPart)
	if part.Status == thread.TextComplete {
		// Late replay after the authoritative completion; ignore.
		return st
	}
	part.Content += e.Data.Delta
	dup = setPart(dup, loc, part)
	dup.AgentStatus = thread.StatusStreaming
	dup.LastActivity = e.Timestamp()
	return dup
}

func applyToolArgsDelta(st *thread.State, e event.ToolArgsDelta) *thread.State {
	loc, ok := findTool(st, e.Data.ToolCallID, e.Data.PartID, acceptingInput)
	if !ok {
		return st
	}
	part := st.Messages[loc.msg].Parts[loc.part].(thread.ToolCallPart)
	if fragment := parseObject(e.Data.Delta); fragment != nil {
		input := thread.CloneInput(part.Input)
		for k, v := range fragment {
			input[k] = v
		}
		part.Input = input
	} else {
		part.InputRaw += e.Data.Delta
	}
	dup := setPart(st.Clone(), loc, part)
	dup.LastActivity = e.Timestamp()
	return dup
}

func applyToolOutputDelta(st *thread.State, e event.ToolOutputDelta) *thread.State {
	loc, ok := findTool(st, e.Data.ToolCallID, e.Data.PartID, receivingOutput)
	if !ok {
		return st
	}
	part := st.Messages[loc.msg].Parts[loc.part].(thread.ToolCallPart)
	part.Output = appendOutput(part.Output, e.Data.Delta)
	part.State = thread.ToolExecuting
	dup := setPart(st.Clone(), loc, part)
	dup.LastActivity = e.Timestamp()
	return dup
}

func applyPartCompleted(st *thread.State, e event.PartCompleted) *thread.State {
	switch e.Data.Kind {
	case event.PartKindText:
		return completeText(st, e)
	case event.PartKindToolCall:
		return completeToolCall(st, e)
	case event.PartKindToolOutput:
		return completeToolOutput(st, e)
	default:
		return completeInert(st, e)
	}
}

func completeText(st *thread.State, e event.PartCompleted) *thread.State {
	loc, ok := findText(st, e.Data.MessageID, e.Data.PartID)
	if !ok {
		return st
	}
	part := st.Messages[loc.msg].Parts[loc.part].(thread.TextPart)
	if final, ok := decodeString(e.Data.FinalContent); ok {
		part.Content = final
	}
	part.Status = thread.TextComplete
	dup := setPart(st.Clone(), loc, part)
	dup.LastActivity = e.Timestamp()
	return dup
}

func completeToolCall(st *thread.State, e event.PartCompleted) *thread.State {
	loc, ok := findTool(st, e.Data.ToolCallID, e.Data.PartID, acceptingInput)
	if !ok {
		return st
	}
	part := st.Messages[loc.msg].Parts[loc.part].(thread.ToolCallPart)
	if final := parseObject(string(e.Data.FinalContent)); final != nil {
		part.Input = final
		part.InputRaw = ""
	}
	part.State = thread.ToolInputAvailable
	dup := setPart(st.Clone(), loc, part)
	dup.LastActivity = e.Timestamp()
	return dup
}

func completeToolOutput(st *thread.State, e event.PartCompleted) *thread.State {
	loc, ok := findTool(st, e.Data.ToolCallID, e.Data.PartID, notFinalized)
	if !ok {
		return st
	}
	part := st.Messages[loc.msg].Parts[loc.part].(thread.ToolCallPart)
	if len(e.Data.FinalContent) > 0 {
		var out any
		if err := json.Unmarshal(e.Data.FinalContent, &out); err == nil {
			part.Output = out
		} else {
			part.Output = string(e.Data.FinalContent)
		}
	}
	part.State = thread.ToolOutputAvailable
	dup := setPart(st.Clone(), loc, part)
	dup.LastActivity = e.Timestamp()
	return dup
}

func completeInert(st *thread.State, e event.PartCompleted) *thread.State {
	dup, mi := ensureMessage(st, e.Data.MessageID, e.Data.PartID, e)
	msg := thread.CloneMessage(dup.Messages[mi])
	replaced := false
	for j, p := range msg.Parts {
		if ip, ok := p.(thread.InertPart); ok && ip.ID == e.Data.PartID {
			ip.Payload = e.Data.FinalContent
			msg.Parts[j] = ip
			replaced = true
			break
		}
	}
	if !replaced {
		msg.Parts = append(msg.Parts, thread.InertPart{
			ID:      e.Data.PartID,
			Kind:    e.Data.Kind,
			Payload: e.Data.FinalContent,
		})
	}
	dup.Messages[mi] = msg
	return dup
}

// finalizeTools promotes tool parts that already hold output but are stuck in
// executing. run.completed only finalizes (a multi-agent run emits many of
// them); stream.ended additionally returns the thread to ready.
func finalizeTools(st *thread.State, ended bool) *thread.State {
	dup := st.Clone()
	changed := false
	for i := range dup.Messages {
		var msg thread.Message
		cloned := false
		for j, p := range dup.Messages[i].Parts {
			tc, ok := p.(thread.ToolCallPart)
			if !ok || tc.State != thread.ToolExecuting || tc.Output == nil {
				continue
			}
			if !cloned {
				msg = thread.CloneMessage(dup.Messages[i])
				cloned = true
			}
			tc.State = thread.ToolOutputAvailable
			msg.Parts[j] = tc
		}
		if cloned {
			dup.Messages[i] = msg
			changed = true
		}
	}
	if ended {
		dup.AgentStatus = thread.StatusReady
		return dup
	}
	if !changed {
		return st
	}
	return dup
}

// ensureMessage returns a cloned state guaranteed to contain the target
// message, creating an empty assistant message lazily when needed. The
// lazily created message id derives from the part id so that whichever event
// creates it first, every delivery order converges on the same identity.
func ensureMessage(st *thread.State, msgID, partID string, ev event.Event) (*thread.State, int) {
	id := msgID
	if id == "" {
		id = "msg:" + partID
	}
	if i := st.MessageIndex(id); i >= 0 {
		return st.Clone(), i
	}
	dup := st.Clone()
	dup.Messages = append(dup.Messages, thread.Message{
		ID:        id,
		Role:      thread.RoleAssistant,
		Timestamp: ev.Timestamp(),
	})
	return dup, len(dup.Messages) - 1
}

// setPart replaces one part in an already-cloned state.
func setPart(dup *thread.State, loc location, part thread.Part) *thread.State {
	msg := thread.CloneMessage(dup.Messages[loc.msg])
	msg.Parts[loc.part] = part
	dup.Messages[loc.msg] = msg
	return dup
}

func hasPart(m thread.Message, partID string) bool {
	if partID == "" {
		return false
	}
	for _, p := range m.Parts {
		if p.PartID() == partID {
			return true
		}
	}
	return false
}

// parseObject decodes a fragment as a standalone JSON object. Returns nil for
// anything else (partial JSON, arrays, scalars).
func parseObject(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// decodeString extracts the final text content: a JSON string when the
// producer encoded one, otherwise the raw bytes.
func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

// appendOutput accumulates an output fragment, stringifying any non-string
// prior value first.
func appendOutput(prior any, delta string) any {
	switch v := prior.(type) {
	case nil:
		return delta
	case string:
		return v + delta
	default:
		buf, err := json.Marshal(v)
		if err != nil {
			return delta
		}
		return string(buf) + delta
	}
}
