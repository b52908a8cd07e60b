// Package changefeed defines the typed change events delivered by the realtime
// transports and the boundary check that turns raw payloads into them.
package changefeed

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Topics carried by the change feed.
const (
	TopicHazardsValidated = "hazards:validated"
	TopicHazardsNew       = "hazards:new"
	TopicRSSFeeds         = "rss:feeds"
	TopicRSSProcessing    = "rss:processing"
	TopicCitizenReports   = "reports:citizen"
)

// Operation is the row-level change kind.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOperation accepts the lower or upper case operation name.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	return op, op.Valid()
}

// Record is a row image. Values keep whatever JSON type the backend sent.
type Record map[string]any

// String returns the value at key formatted as a string, or "" when absent or null.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns the boolean at key. The second result is false when the key
// is missing or not a boolean.
func (r Record) Bool(key string) (val, ok bool) {
	b, ok := r[key].(bool)
	return b, ok
}

// Float returns the number at key.
func (r Record) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ChangeEvent is a normalized change delivered on a topic.
type ChangeEvent struct {
	Topic      string    `json:"topic"`
	Operation  Operation `json:"operation"`
	Before     Record    `json:"before,omitempty"`
	After      Record    `json:"after,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Value returns the record value for key, preferring the after image.
func (e *ChangeEvent) Value(key string) string {
	if e.After != nil {
		if s := e.After.String(key); s != "" {
			return s
		}
	}
	if e.Before != nil {
		return e.Before.String(key)
	}
	return ""
}

// InvalidEventError reports a payload that failed the shape check.
type InvalidEventError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *InvalidEventError) Error() string {
	msg := "invalid change event"
	if e.Topic != "" {
		msg += " on " + e.Topic
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

// wireEvent is the inbound payload shape.
type wireEvent struct {
	Topic     string          `json:"topic"`
	Operation string          `json:"operation"`
	Before    json.RawMessage `json:"before"`
	After     json.RawMessage `json:"after"`
}

// Decode validates a raw payload and normalizes it into a ChangeEvent stamped
// with receivedAt. When topic is non-empty the payload topic must be empty or
// equal to it.
func Decode(data []byte, topic string, receivedAt time.Time) (*ChangeEvent, error) {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, &InvalidEventError{Topic: topic, Reason: "malformed payload", Err: err}
	}

	if w.Topic == "" {
		w.Topic = topic
	}
	if topic != "" && w.Topic != topic {
		return nil, &InvalidEventError{Topic: topic, Reason: fmt.Sprintf("topic mismatch %q", w.Topic)}
	}

	before, err := decodeRecord(w.Before)
	if err != nil {
		return nil, &InvalidEventError{Topic: w.Topic, Reason: "before is not an object", Err: err}
	}
	after, err := decodeRecord(w.After)
	if err != nil {
		return nil, &InvalidEventError{Topic: w.Topic, Reason: "after is not an object", Err: err}
	}

	return Normalize(w.Topic, w.Operation, before, after, receivedAt)
}

// Normalize builds a ChangeEvent from already-decoded parts, applying the same
// checks as Decode.
func Normalize(topic, operation string, before, after Record, receivedAt time.Time) (*ChangeEvent, error) {
	if topic == "" {
		return nil, &InvalidEventError{Reason: "missing topic"}
	}
	op, ok := ParseOperation(operation)
	if !ok {
		return nil, &InvalidEventError{Topic: topic, Reason: fmt.Sprintf("unknown operation %q", operation)}
	}

	switch op {
	case OpInsert, OpUpdate:
		if after == nil {
			return nil, &InvalidEventError{Topic: topic, Reason: string(op) + " without after image"}
		}
	case OpDelete:
		if before == nil {
			return nil, &InvalidEventError{Topic: topic, Reason: "delete without before image"}
		}
	}

	return &ChangeEvent{
		Topic:      topic,
		Operation:  op,
		Before:     before,
		After:      after,
		ReceivedAt: receivedAt,
	}, nil
}

func decodeRecord(raw json.RawMessage) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("got %c", trimmed[0])
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}
