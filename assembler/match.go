package assembler

import "goa.design/threads/thread"

// Part targeting is best-effort: producers drop part and tool-call ids under
// load, so delta events fall back to matching by recency. The fallback is a
// heuristic, not a protocol guarantee. It lives here, behind pure functions,
// so it can be tested and tuned on its own. It only ever binds within the
// parts currently held by the state; it never resurrects parts.

// location addresses a part inside a state.
type location struct {
	msg  int
	part int
}

// findText returns the location of the text part with the given id, searching
// the message with msgID first when provided.
func findText(st *thread.State, msgID, partID string) (location, bool) {
	if partID == "" {
		return latestText(st)
	}
	if i := st.MessageIndex(msgID); i >= 0 {
		for j := len(st.Messages[i].Parts) - 1; j >= 0; j-- {
			if p, ok := st.Messages[i].Parts[j].(thread.TextPart); ok && p.ID == partID {
				return location{i, j}, true
			}
		}
	}
	for i := len(st.Messages) - 1; i >= 0; i-- {
		for j := len(st.Messages[i].Parts) - 1; j >= 0; j-- {
			if p, ok := st.Messages[i].Parts[j].(thread.TextPart); ok && p.ID == partID {
				return location{i, j}, true
			}
		}
	}
	return location{}, false
}

// latestText returns the most recent text part still streaming.
func latestText(st *thread.State) (location, bool) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		for j := len(st.Messages[i].Parts) - 1; j >= 0; j-- {
			if p, ok := st.Messages[i].Parts[j].(thread.TextPart); ok && p.Status == thread.TextStreaming {
				return location{i, j}, true
			}
		}
	}
	return location{}, false
}

// findTool returns the location of the tool part matching toolCallID or
// partID. When neither matches, fallback selects the most recent tool part
// satisfying the predicate.
func findTool(st *thread.State, toolCallID, partID string, fallback func(thread.ToolCallPart) bool) (location, bool) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		for j := len(st.Messages[i].Parts) - 1; j >= 0; j-- {
			p, ok := st.Messages[i].Parts[j].(thread.ToolCallPart)
			if !ok {
				continue
			}
			if (toolCallID != "" && p.ToolCallID == toolCallID) || (partID != "" && p.ID == partID) {
				return location{i, j}, true
			}
		}
	}
	if fallback == nil {
		return location{}, false
	}
	return latestTool(st, fallback)
}

// latestTool returns the most recent tool part satisfying pred.
func latestTool(st *thread.State, pred func(thread.ToolCallPart) bool) (location, bool) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		for j := len(st.Messages[i].Parts) - 1; j >= 0; j-- {
			if p, ok := st.Messages[i].Parts[j].(thread.ToolCallPart); ok && pred(p) {
				return location{i, j}, true
			}
		}
	}
	return location{}, false
}

// acceptingInput matches tool parts whose argument stream is still open.
func acceptingInput(p thread.ToolCallPart) bool {
	return p.State == thread.ToolInputStreaming
}

// receivingOutput matches tool parts that can plausibly be producing output:
// executing, or input-complete but not yet marked executing because the
// backend skipped the transition event.
func receivingOutput(p thread.ToolCallPart) bool {
	return p.State == thread.ToolExecuting || p.State == thread.ToolInputAvailable
}

// notFinalized matches tool parts that have not attached final output yet.
func notFinalized(p thread.ToolCallPart) bool {
	return p.State != thread.ToolOutputAvailable
}
