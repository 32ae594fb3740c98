// Package codec implements the on-wire encoding of task invocations.
//
// The scheme is JSON with a version field ("v") in every message so a
// future migration to a different payload representation (e.g. a binary
// tagged format) can be introduced without breaking consumers running the
// previous version.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fluxforge/taskforge/internal/task"
)

// Version identifies the wire format. Bump and branch on this byte if the
// encoding ever changes shape.
const Version byte = 1

// ErrUnsupportedVersion is returned by Decode when the message's version
// byte does not match a version this codec knows how to read.
var ErrUnsupportedVersion = errors.New("codec: unsupported message version")

// Message is the on-wire form of a Task.
type Message struct {
	Version          byte            `json:"v"`
	TypeName         string          `json:"type"`
	TaskID           string          `json:"id"`
	Payload          json.RawMessage `json:"payload"`
	ExecuteTime      *time.Time      `json:"execute_time,omitempty"`
	RetriesRemaining int             `json:"retries"`
	RetryDelay       time.Duration   `json:"retry_delay"`
}

// Encode produces the wire Message for a Task.
func Encode(t *task.Task) Message {
	payload := t.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return Message{
		Version:          Version,
		TypeName:         t.TypeName,
		TaskID:           t.TaskID,
		Payload:          payload,
		ExecuteTime:      t.ExecuteTime,
		RetriesRemaining: t.RetriesRemaining,
		RetryDelay:       t.RetryDelay,
	}
}

// ToTask converts a decoded Message back into a Task.
func (m Message) ToTask() *task.Task {
	return &task.Task{
		TypeName:         m.TypeName,
		TaskID:           m.TaskID,
		Payload:          []byte(m.Payload),
		ExecuteTime:      m.ExecuteTime,
		RetriesRemaining: m.RetriesRemaining,
		RetryDelay:       m.RetryDelay,
	}
}

// Marshal encodes a Message to bytes for a Queue/ScheduleStore backend.
func Marshal(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal message: %w", err)
	}
	return b, nil
}

// Unmarshal decodes bytes into a Message, rejecting unknown versions.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("codec: unmarshal message: %w", err)
	}
	if m.Version != Version {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, m.Version, Version)
	}
	return m, nil
}
