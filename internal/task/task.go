// Package task defines the consumer runtime's core data model: the Task
// itself and the Clock abstraction every loop in this module is driven by.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Task is a unit of deferred work. See the package-level invariants in
// the project spec for the exact lifecycle and ownership rules.
type Task struct {
	TypeName         string
	TaskID           string
	Payload          []byte
	ExecuteTime      *time.Time
	RetriesRemaining int
	RetryDelay       time.Duration
}

// RevokeID is the ResultStore key used for this task's revoke record.
func (t *Task) RevokeID() string {
	return "r:" + t.TaskID
}

// Equal reports whether two tasks refer to the same logical unit of work:
// same type, same ID, same execute time (nil treated as equal to nil).
func (t *Task) Equal(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.TypeName != other.TypeName || t.TaskID != other.TaskID {
		return false
	}
	if (t.ExecuteTime == nil) != (other.ExecuteTime == nil) {
		return false
	}
	if t.ExecuteTime != nil && !t.ExecuteTime.Equal(*other.ExecuteTime) {
		return false
	}
	return true
}

// NewID returns a fresh random task identifier.
func NewID() string {
	return uuid.NewString()
}

// Clock abstracts wall-clock access so the scheduler, periodic, and worker
// loops can be driven by a virtual clock in tests instead of monkey-patching
// time.Now/time.Sleep.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// WallClock is the real Clock implementation used in production.
type WallClock struct {
	UTC bool
}

func (c WallClock) Now() time.Time {
	if c.UTC {
		return time.Now().UTC()
	}
	return time.Now()
}

func (c WallClock) Sleep(d time.Duration) { time.Sleep(d) }

func (c WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
