package event

import (
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the structural contract for wire events. Anything that
// fails it is unparseable and dropped; the engine never errors on bad input.
const envelopeSchema = `{
	"type": "object",
	"required": ["event", "timestamp", "sequenceNumber"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"data": {"type": "object"},
		"timestamp": {"type": "number"},
		"sequenceNumber": {"type": "number", "minimum": 0},
		"id": {"type": "string"}
	}
}`

var compiledEnvelope = mustCompileEnvelope()

func mustCompileEnvelope() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		panic(err)
	}
	return schema
}

type (
	// Scope constrains which events a subscriber accepts. Events whose
	// embedded thread or user identifiers do not match are dropped before
	// they reach the sequencer. Zero-value fields accept everything.
	Scope struct {
		// ThreadID restricts events to a single thread when non-empty.
		ThreadID string
		// UserID restricts events to a single user when non-empty.
		UserID string
	}

	// Normalizer shapes raw transport payloads into typed events and applies
	// the subscriber scope filter. It is pure and safe for concurrent use.
	Normalizer struct {
		scope Scope
	}

	// envelope mirrors the wire event shape.
	envelope struct {
		Event          string          `json:"event"`
		Data           json.RawMessage `json:"data"`
		Timestamp      float64         `json:"timestamp"`
		SequenceNumber float64         `json:"sequenceNumber"`
		ID             string          `json:"id"`
	}

	// dataIdentity is the subset of payload fields used for routing and
	// scope filtering.
	dataIdentity struct {
		ThreadID string `json:"threadId"`
		UserID   string `json:"userId"`
	}
)

// Verdict reports why a payload was or was not normalized.
type Verdict int

const (
	// Accepted means the payload normalized and passed the scope filter.
	Accepted Verdict = iota
	// Malformed means the payload failed structural validation.
	Malformed
	// OutOfScope means the payload belongs to another thread or user.
	OutOfScope
)

// NewNormalizer constructs a Normalizer with the given subscriber scope.
func NewNormalizer(scope Scope) *Normalizer {
	return &Normalizer{scope: scope}
}

// Normalize validates and shapes a raw transport payload. The event is nil
// unless the verdict is Accepted.
func (n *Normalizer) Normalize(raw []byte) (Event, Verdict) {
	ev, ident, ok := normalize(raw)
	if !ok {
		return nil, Malformed
	}
	if !n.admits(ident) {
		return nil, OutOfScope
	}
	return ev, Accepted
}

// Normalize shapes a raw transport payload without scope filtering.
func Normalize(raw []byte) (Event, bool) {
	ev, _, ok := normalize(raw)
	return ev, ok
}

func (n *Normalizer) admits(ident dataIdentity) bool {
	if n.scope.ThreadID != "" && ident.ThreadID != "" && ident.ThreadID != n.scope.ThreadID {
		return false
	}
	if n.scope.UserID != "" && ident.UserID != "" && ident.UserID != n.scope.UserID {
		return false
	}
	return true
}

func normalize(raw []byte) (Event, dataIdentity, bool) {
	var ident dataIdentity
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ident, false
	}
	doc = unwrap(doc)
	if err := compiledEnvelope.Validate(doc); err != nil {
		return nil, ident, false
	}
	// The schema guarantees the round-trip below succeeds.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, ident, false
	}
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return nil, ident, false
	}
	if len(env.Data) > 0 {
		// Identity fields are best-effort; a decode failure here only means
		// the event cannot be scope-filtered or routed by thread.
		_ = json.Unmarshal(env.Data, &ident)
	}

	base := NewBase(env.Event, ident.ThreadID, uint64(env.SequenceNumber), time.UnixMilli(int64(env.Timestamp)), env.ID)
	ev := shape(base, Type(env.Event), env.Data)
	return ev, ident, true
}

// unwrap peels one level of envelope nesting: some producers wrap the event
// in an outer {data: {...}} frame. The inner object wins only when it looks
// like an event itself.
func unwrap(doc any) any {
	outer, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	inner, ok := outer["data"].(map[string]any)
	if !ok {
		return doc
	}
	if _, ok := inner["event"].(string); !ok {
		return doc
	}
	if _, ok := inner["sequenceNumber"].(float64); !ok {
		return doc
	}
	return inner
}

// shape maps a validated envelope into a typed variant. Decode failures on
// the data payload degrade to zero-valued payload fields rather than dropping
// the event: the sequence slot must still be occupied for ordering.
func shape(base Base, t Type, data json.RawMessage) Event {
	switch t {
	case TypeRunStarted:
		var p RunPayload
		decode(data, &p)
		return RunStarted{Base: base, Data: p}
	case TypeRunCompleted:
		var p RunPayload
		decode(data, &p)
		return RunCompleted{Base: base, Data: p}
	case TypeStreamEnded:
		var p RunPayload
		decode(data, &p)
		return StreamEnded{Base: base, Data: p}
	case TypePartCreated:
		var p PartPayload
		decode(data, &p)
		return PartCreated{Base: base, Data: p}
	case TypeTextDelta:
		var p DeltaPayload
		decode(data, &p)
		return TextDelta{Base: base, Data: p}
	case TypeToolArgsDelta:
		var p DeltaPayload
		decode(data, &p)
		return ToolArgsDelta{Base: base, Data: p}
	case TypeToolOutputDelta:
		var p DeltaPayload
		decode(data, &p)
		return ToolOutputDelta{Base: base, Data: p}
	case TypePartCompleted:
		var p PartPayload
		decode(data, &p)
		return PartCompleted{Base: base, Data: p}
	default:
		return Unknown{Base: base, Raw: append(json.RawMessage(nil), data...)}
	}
}

func decode(data json.RawMessage, into any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, into)
}
