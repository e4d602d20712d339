package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of envelope kinds
type MessageType string

const (
	TypeTask  MessageType = "task"
	TypeEvent MessageType = "event"
	TypeReply MessageType = "reply"
	TypeLog   MessageType = "log"
)

// Valid reports whether t belongs to the closed set
func (t MessageType) Valid() bool {
	switch t {
	case TypeTask, TypeEvent, TypeReply, TypeLog:
		return true
	}
	return false
}

// ParseMessageType parses a wire type name
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown type %q (want task|event|reply|log)", s)}
	}
	return t, nil
}

const (
	metaTraceID  = "trace_id"
	metaPriority = "priority"
)

// Meta carries correlation and scheduling hints. Higher Priority dequeues
// first; equal priorities dequeue in arrival order.
type Meta struct {
	TraceID  string
	Priority int
	Extra    map[string]Value
}

func (m Meta) clone() Meta {
	out := Meta{TraceID: m.TraceID, Priority: m.Priority}
	if len(m.Extra) > 0 {
		out.Extra = make(map[string]Value, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// MarshalJSON flattens Extra next to trace_id and priority
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out[metaTraceID] = m.TraceID
	out[metaPriority] = m.Priority
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Meta) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return &ValidationError{Field: "meta", Message: err.Error()}
	}

	parsed := Meta{}
	for k, v := range fields {
		switch k {
		case metaTraceID:
			if v.IsNull() {
				continue
			}
			s, ok := v.AsString()
			if !ok {
				return &ValidationError{Field: "meta.trace_id", Message: "must be a string"}
			}
			parsed.TraceID = s
		case metaPriority:
			if v.IsNull() {
				continue
			}
			p, ok := v.AsInt64()
			if !ok {
				return &ValidationError{Field: "meta.priority", Message: "must be an integer"}
			}
			parsed.Priority = int(p)
		default:
			if parsed.Extra == nil {
				parsed.Extra = make(map[string]Value)
			}
			parsed.Extra[k] = v
		}
	}
	*m = parsed
	return nil
}

// Envelope is the unit routed by the bus. It is treated as immutable once
// created: the bus stores and hands out clones.
type Envelope struct {
	ID        string
	To        string
	From      string
	Type      MessageType
	Topic     string
	Timestamp time.Time
	Payload   map[string]Value
	Meta      Meta
}

type wireEnvelope struct {
	ID      string           `json:"id"`
	To      string           `json:"to"`
	From    string           `json:"from"`
	Type    MessageType      `json:"type"`
	Topic   string           `json:"topic"`
	TS      int64            `json:"ts"`
	Payload map[string]Value `json:"payload"`
	Meta    Meta             `json:"meta"`
}

// New creates a validated envelope with a fresh id and timestamp. An empty
// trace id is replaced with a new one.
func New(to, from string, typ MessageType, topic string, payload map[string]any, meta Meta) (*Envelope, error) {
	values, err := PayloadFromMap(payload)
	if err != nil {
		return nil, err
	}
	return NewWithValues(to, from, typ, topic, values, meta)
}

// NewWithValues is New for payloads that are already structured values
func NewWithValues(to, from string, typ MessageType, topic string, payload map[string]Value, meta Meta) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		To:        strings.TrimSpace(to),
		From:      strings.TrimSpace(from),
		Type:      typ,
		Topic:     topic,
		Timestamp: time.Unix(time.Now().Unix(), 0).UTC(),
		Payload:   make(map[string]Value, len(payload)),
		Meta:      meta.clone(),
	}
	for k, v := range payload {
		env.Payload[k] = v
	}
	if env.Meta.TraceID == "" {
		env.Meta.TraceID = uuid.New().String()
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the envelope invariants
func (e *Envelope) Validate() error {
	if e == nil {
		return &ValidationError{Message: "envelope is nil"}
	}
	if strings.TrimSpace(e.ID) == "" {
		return &ValidationError{Field: "id", Message: "must not be empty"}
	}
	if strings.TrimSpace(e.To) == "" {
		return &ValidationError{Field: "to", Message: "must not be empty"}
	}
	if strings.TrimSpace(e.From) == "" {
		return &ValidationError{Field: "from", Message: "must not be empty"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown type %q (want task|event|reply|log)", e.Type)}
	}
	for k := range e.Meta.Extra {
		if k == metaTraceID || k == metaPriority {
			return &ValidationError{Field: "meta." + k, Message: "reserved key must not appear in extra meta"}
		}
	}
	return nil
}

// Clone returns a copy that shares no mutable state with e
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Payload = make(map[string]Value, len(e.Payload))
	for k, v := range e.Payload {
		out.Payload[k] = v
	}
	out.Meta = e.Meta.clone()
	return &out
}

// Priority is shorthand for Meta.Priority
func (e *Envelope) Priority() int { return e.Meta.Priority }

// String implements fmt.Stringer
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{ID: %s, From: %s, To: %s, Type: %s, Topic: %s}", e.ID, e.From, e.To, e.Type, e.Topic)
}

// MarshalJSON writes the wire format
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]Value{}
	}
	return json.Marshal(wireEnvelope{
		ID:      e.ID,
		To:      e.To,
		From:    e.From,
		Type:    e.Type,
		Topic:   e.Topic,
		TS:      e.Timestamp.Unix(),
		Payload: payload,
		Meta:    e.Meta,
	})
}

// UnmarshalJSON reads the wire format. It does not validate; call Validate.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload := w.Payload
	if payload == nil {
		payload = map[string]Value{}
	}
	*e = Envelope{
		ID:        w.ID,
		To:        w.To,
		From:      w.From,
		Type:      w.Type,
		Topic:     w.Topic,
		Timestamp: time.Unix(w.TS, 0).UTC(),
		Payload:   payload,
		Meta:      w.Meta,
	}
	return nil
}

// Parse decodes and validates one wire envelope
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("malformed envelope: %v", err)}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
