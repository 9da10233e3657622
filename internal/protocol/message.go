// Package protocol defines the free-form JSON message envelope exchanged
// over hub connections and the per-direction validation tables the router
// enforces.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the wire envelope: {type, id?, ts?, task_id?, ...payload}.
// Payload fields beyond the envelope are type-specific and pass through
// the router untouched.
type Message map[string]any

func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

func (m Message) ID() string {
	s, _ := m["id"].(string)
	return s
}

func (m Message) TaskID() string {
	s, _ := m["task_id"].(string)
	return s
}

// Stamp fills in id, ts and task_id when absent. Senders that need a known
// correlation id set it before calling.
func (m Message) Stamp(taskID string) {
	if m.ID() == "" {
		m["id"] = uuid.New().String()
	}
	if _, ok := m["ts"]; !ok {
		m["ts"] = time.Now().UnixMilli()
	}
	if m.TaskID() == "" && taskID != "" {
		m["task_id"] = taskID
	}
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// String returns a string payload field, or "" when absent or not a
// string.
func (m Message) String(field string) string {
	s, _ := m[field].(string)
	return s
}

// Int returns an integer payload field. JSON numbers decode as float64;
// both forms are accepted.
func (m Message) Int(field string) (int, bool) {
	switch v := m[field].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
