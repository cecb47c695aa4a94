package event

import (
	"encoding/json"
)

// wireFrame is the canonical outbound wire shape, mirroring envelope.
type wireFrame struct {
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	ID             string          `json:"id,omitempty"`
}

// Marshal encodes an event back into its wire envelope. The thread id is
// folded into the data payload so the result round-trips through Normalize.
// Replay buffers and cross-instance snapshots use this to re-transmit applied
// events without retaining the original transport bytes.
func Marshal(ev Event) ([]byte, error) {
	data, err := payloadJSON(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireFrame{
		Event:          ev.Name(),
		Data:           data,
		Timestamp:      ev.Timestamp().UnixMilli(),
		SequenceNumber: ev.Sequence(),
		ID:             ev.ID(),
	})
}

func payloadJSON(ev Event) (json.RawMessage, error) {
	var payload any
	switch e := ev.(type) {
	case RunStarted:
		payload = e.Data
	case RunCompleted:
		payload = e.Data
	case StreamEnded:
		payload = e.Data
	case PartCreated:
		payload = e.Data
	case TextDelta:
		payload = e.Data
	case ToolArgsDelta:
		payload = e.Data
	case ToolOutputDelta:
		payload = e.Data
	case PartCompleted:
		payload = e.Data
	case Unknown:
		return withThreadID(e.Raw, ev.ThreadID())
	default:
		payload = struct{}{}
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return withThreadID(buf, ev.ThreadID())
}

// withThreadID injects the routing thread id into a payload object.
func withThreadID(data json.RawMessage, threadID string) (json.RawMessage, error) {
	if threadID == "" {
		return data, nil
	}
	m := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	}
	m["threadId"] = threadID
	return json.Marshal(m)
}
