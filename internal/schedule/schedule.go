// Package schedule holds the in-memory set of tasks deferred to a future
// execute_time, mirrored into a ScheduleStore under one well-known key.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fluxforge/taskforge/internal/backend"
	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/task"
)

// marshalSnapshot/unmarshalSnapshot encode the schedule's message set as a
// plain JSON array; the snapshot itself is not on the wire protocol the
// codec package documents, so it doesn't need the version byte.
func marshalSnapshot(messages []codec.Message) ([]byte, error) {
	return json.Marshal(messages)
}

func unmarshalSnapshot(b []byte, out *[]codec.Message) error {
	return json.Unmarshal(b, out)
}

// DefaultKey is the ScheduleStore key the snapshot is stored under.
const DefaultKey = "taskforge:schedule"

// Schedule is a task_id -> Task map, safe for concurrent use by the
// Worker Pool (which adds deferred tasks) and the Scheduler Loop (which
// owns it otherwise).
type Schedule struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	store backend.ScheduleStore // may be nil: schedule then lives only in memory
	reg   *registry.Registry
	key   string
}

// New constructs an empty Schedule. store may be nil to disable
// persistence (the in-memory set is still fully functional; it just
// won't survive a restart).
func New(store backend.ScheduleStore, reg *registry.Registry) *Schedule {
	return &Schedule{
		tasks: make(map[string]*task.Task),
		store: store,
		reg:   reg,
		key:   DefaultKey,
	}
}

// Add inserts or replaces t in the schedule.
func (s *Schedule) Add(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = t
}

// Remove deletes taskID from the schedule.
func (s *Schedule) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

// Contains reports whether taskID is currently deferred.
func (s *Schedule) Contains(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// All returns a snapshot slice of every currently deferred task.
func (s *Schedule) All() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Len reports the number of deferred tasks.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ShouldRun reports whether t is due: execute_time is nil or <= now.
func ShouldRun(t *task.Task, now time.Time) bool {
	return t.ExecuteTime == nil || !t.ExecuteTime.After(now)
}

// CanRun reports whether t is not currently revoked, consulting the
// Invoker with a non-preserving check (consumes a revoke-once record).
func CanRun(ctx context.Context, inv *invoker.Invoker, t *task.Task, now time.Time) (bool, error) {
	revoked, err := inv.IsRevoked(ctx, t, now, false)
	if err != nil {
		return false, err
	}
	return !revoked, nil
}

// Load replaces the in-memory set with the snapshot in the ScheduleStore,
// skipping (and logging) entries whose task type is no longer registered
// — the same tolerance the teacher's store layer shows toward rows it
// can't fully decode.
func (s *Schedule) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	b, ok, err := s.store.Peek(ctx, s.key)
	if err != nil {
		return fmt.Errorf("schedule: load: %w", err)
	}
	if !ok {
		return nil
	}

	var messages []codec.Message
	if err := unmarshalSnapshot(b, &messages); err != nil {
		return fmt.Errorf("schedule: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*task.Task, len(messages))
	for _, m := range messages {
		if _, ok := s.reg.Lookup(m.TypeName); !ok {
			log.Printf("schedule: skipping unknown task type %q from snapshot", m.TypeName)
			continue
		}
		t := m.ToTask()
		s.tasks[t.TaskID] = t
	}
	return nil
}

// Save persists the current in-memory set to the ScheduleStore under the
// well-known key.
func (s *Schedule) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	messages := make([]codec.Message, 0, len(s.tasks))
	for _, t := range s.tasks {
		messages = append(messages, s.reg.Encode(t))
	}
	s.mu.Unlock()

	b, err := marshalSnapshot(messages)
	if err != nil {
		return fmt.Errorf("schedule: save: %w", err)
	}
	if err := s.store.Put(ctx, s.key, b); err != nil {
		return fmt.Errorf("schedule: save: %w", err)
	}
	return nil
}
