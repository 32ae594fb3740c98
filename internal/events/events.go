// Package events defines the lifecycle event shape emitted by the Worker
// Pool and Scheduler Loop, and the Emitter sink they write to.
package events

import (
	"context"
	"time"
)

// Status is a task lifecycle event kind.
type Status string

const (
	Enqueued  Status = "enqueued"
	Scheduled Status = "scheduled"
	Started   Status = "started"
	Finished  Status = "finished"
	Error     Status = "error"
	Retrying  Status = "retrying"
	Revoked   Status = "revoked"
)

// Event is a single lifecycle notification. Mandatory fields are Status,
// TaskID, TypeName, Timestamp; the rest are populated where applicable.
type Event struct {
	Status      Status         `json:"status"`
	TaskID      string         `json:"id"`
	TypeName    string         `json:"task"`
	Timestamp   time.Time      `json:"ts"`
	Error       bool           `json:"error,omitempty"`
	Retries     *int           `json:"retries,omitempty"`
	RetryDelay  *time.Duration `json:"retry_delay,omitempty"`
	ExecuteTime *int64         `json:"execute_time,omitempty"` // epoch seconds
}

// Emitter is a write-only sink for lifecycle events. Implementations must
// not block the caller for long: publish failures are logged and
// swallowed by callers, never allowed to affect task execution.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}
