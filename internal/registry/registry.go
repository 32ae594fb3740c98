// Package registry maps task-type names to task classes and rehydrates
// wire messages back into Tasks. It is a plain injected dependency, not a
// package-level global: each Consumer owns one instance, and tests build
// their own, matching the teacher's dependency-injection posture toward
// its Store/Coordinator abstractions.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/task"
)

// TaskClass is a registered task type. TypeName is the registry key; Run
// executes the user code for a decoded payload and returns the encoded
// result (or an error, which the Worker Pool treats as a user task
// exception subject to retry).
type TaskClass interface {
	TypeName() string
	Run(ctx context.Context, payload []byte) ([]byte, error)
}

// PeriodicTaskClass is implemented by task classes that are also driven by
// a cron-like predicate instead of explicit enqueue calls. Its TaskID
// equals TypeName, making periodic activations singletons in the
// ResultStore/revoke namespace.
type PeriodicTaskClass interface {
	TaskClass
	// CronExpr returns a standard 5-field cron expression (minute hour dom
	// month dow) describing when this task should activate.
	CronExpr() string
}

// ErrUnknownTaskType is returned by Decode when a message names a
// type_name that was never registered.
type ErrUnknownTaskType struct {
	TypeName string
}

func (e *ErrUnknownTaskType) Error() string {
	return fmt.Sprintf("registry: unknown task type %q", e.TypeName)
}

// ErrAlreadyRegistered is returned by Register when the same type name
// is registered twice with a different class. Re-registering the exact
// same class is tolerated (idempotent insertion, per spec).
type ErrAlreadyRegistered struct {
	TypeName string
}

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("registry: task type %q already registered", e.TypeName)
}

// Registry is a process-wide map of task-type name to TaskClass. It is
// write-only at startup and read-only thereafter (no locking needed once
// construction completes, but Register itself is safe to call
// concurrently during initialization).
type Registry struct {
	mu      sync.RWMutex
	classes map[string]TaskClass
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{classes: make(map[string]TaskClass)}
}

// Register records a task class, keyed by its TypeName. Idempotent: a
// second Register call for the same TypeName with the same TaskClass
// value is a no-op success.
func (r *Registry) Register(class TaskClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := class.TypeName()
	if existing, ok := r.classes[name]; ok {
		if existing == class {
			return nil
		}
		return &ErrAlreadyRegistered{TypeName: name}
	}
	r.classes[name] = class
	return nil
}

// Lookup returns the TaskClass registered under name, if any.
func (r *Registry) Lookup(name string) (TaskClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.classes[name]
	return class, ok
}

// Periodic returns every registered task class that is also periodic.
func (r *Registry) Periodic() []PeriodicTaskClass {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []PeriodicTaskClass
	for _, class := range r.classes {
		if p, ok := class.(PeriodicTaskClass); ok {
			out = append(out, p)
		}
	}
	return out
}

// Encode emits the wire Message for a Task. Encode never fails against a
// registered type; it does not itself check registration (a producer may
// enqueue a task type a consumer hasn't yet learned about).
func (r *Registry) Encode(t *task.Task) codec.Message {
	return codec.Encode(t)
}

// Decode parses wire bytes into a Task, failing with ErrUnknownTaskType
// when type_name names a class nobody registered.
func (r *Registry) Decode(b []byte) (*task.Task, error) {
	m, err := codec.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	if _, ok := r.Lookup(m.TypeName); !ok {
		return nil, &ErrUnknownTaskType{TypeName: m.TypeName}
	}
	return m.ToTask(), nil
}

// Run looks up t's registered class and invokes its user code. Returns
// ErrUnknownTaskType if the class was never registered (should not
// normally happen for a Task that already passed through Decode).
func (r *Registry) Run(ctx context.Context, t *task.Task) ([]byte, error) {
	class, ok := r.Lookup(t.TypeName)
	if !ok {
		return nil, &ErrUnknownTaskType{TypeName: t.TypeName}
	}
	return class.Run(ctx, t.Payload)
}
