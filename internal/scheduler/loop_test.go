package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxforge/taskforge/internal/backend/memory"
	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/events"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/schedule"
	"github.com/fluxforge/taskforge/internal/task"
	"github.com/fluxforge/taskforge/internal/worker"
)

type noopClass struct{ name string }

func (n noopClass) TypeName() string { return n.name }
func (n noopClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func TestTickReleasesDueTasks(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(noopClass{name: "send_email"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	results := memory.NewResultStore()
	inv := invoker.New(q, results, reg, task.WallClock{}, invoker.Options{})
	sched := schedule.New(nil, reg)

	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)
	sched.Add(&task.Task{TypeName: "send_email", TaskID: "due", ExecuteTime: &past})
	sched.Add(&task.Task{TypeName: "send_email", TaskID: "not-due", ExecuteTime: &future})

	loop := &Loop{Schedule: sched, Invoker: inv, Clock: task.WallClock{}}
	loop.tick(context.Background())

	if sched.Contains("due") {
		t.Fatalf("expected due task to be removed from the schedule")
	}
	if !sched.Contains("not-due") {
		t.Fatalf("expected non-due task to remain in the schedule")
	}

	size, err := q.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Fatalf("queue size = %d, want 1", size)
	}
	b, ok, err := q.Read(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected to read the released task: ok=%v err=%v", ok, err)
	}
	m, err := codec.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.TaskID != "due" {
		t.Fatalf("released task id = %q, want %q", m.TaskID, "due")
	}
}

func TestTickSkipsRevokedTasks(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(noopClass{name: "send_email"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	results := memory.NewResultStore()
	inv := invoker.New(q, results, reg, task.WallClock{}, invoker.Options{})
	sched := schedule.New(nil, reg)

	past := time.Now().Add(-time.Second)
	tk := &task.Task{TypeName: "send_email", TaskID: "revoked", ExecuteTime: &past}
	sched.Add(tk)
	if err := inv.Revoke(context.Background(), tk, nil, false); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	loop := &Loop{Schedule: sched, Invoker: inv, Clock: task.WallClock{}}
	loop.tick(context.Background())

	if sched.Contains("revoked") {
		t.Fatalf("revoked task should still be removed from the schedule once due")
	}
	size, err := q.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("queue size = %d, want 0 (revoked task must not be released)", size)
	}
}

func TestTickSavesOnMinuteBoundary(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(noopClass{name: "send_email"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	store := memory.NewResultStore()
	inv := invoker.New(q, store, reg, task.WallClock{}, invoker.Options{})
	sched := schedule.New(store, reg)
	eta := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC) // not due during this test
	sched.Add(&task.Task{TypeName: "send_email", TaskID: "t1", ExecuteTime: &eta})

	clock := task.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC))
	loop := &Loop{Schedule: sched, Invoker: inv, Clock: clock}

	// First tick just records the starting minute; nothing saved yet.
	loop.tick(context.Background())

	fresh := schedule.New(store, reg)
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fresh.Len() != 0 {
		t.Fatalf("expected no snapshot saved before a minute boundary crossing")
	}

	clock.Advance(40 * time.Second) // crosses into the next minute
	loop.tick(context.Background())

	fresh2 := schedule.New(store, reg)
	if err := fresh2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fresh2.Len() != 1 {
		t.Fatalf("expected the schedule to be persisted once the minute boundary was crossed")
	}
}

type modifyStatePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type modifyStateClass struct {
	mu   sync.Mutex
	data map[string]string
}

func newModifyStateClass() *modifyStateClass { return &modifyStateClass{data: make(map[string]string)} }

func (c *modifyStateClass) TypeName() string { return "modify_state" }
func (c *modifyStateClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	var p modifyStatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.data[p.Key] = p.Value
	c.mu.Unlock()
	return []byte(`"` + p.Value + `"`), nil
}

func (c *modifyStateClass) get(k string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[k]
	return v, ok
}

type alwaysFailClass struct{}

func (alwaysFailClass) TypeName() string { return "retry_task" }
func (alwaysFailClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, errors.New("always fails")
}

// TestS4FutureSchedule: a task scheduled far in the future is deferred by
// the worker, left untouched by an early scheduler tick, and released and
// executed once the clock passes its ETA.
func TestS4FutureSchedule(t *testing.T) {
	reg := registry.New()
	class := newModifyStateClass()
	if err := reg.Register(class); err != nil {
		t.Fatalf("register: %v", err)
	}

	q := memory.NewQueue()
	inv := invoker.New(q, memory.NewResultStore(), reg, task.WallClock{}, invoker.Options{})
	clock := task.NewFakeClock(time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC))
	sched := schedule.New(nil, reg)
	emitter := &recordingEmitter{}
	pool := &worker.Pool{Invoker: inv, Registry: reg, Schedule: sched, Emitter: emitter, Clock: clock, N: 1}

	eta := time.Date(2037, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := []byte(`{"key":"k2","value":"v2"}`)
	if _, err := inv.Enqueue(context.Background(), &task.Task{TypeName: "modify_state", TaskID: "s4", Payload: payload, ExecuteTime: &eta}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	decoded, ok, err := inv.Dequeue(context.Background())
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	pool.Dispatch(context.Background(), decoded)

	if _, ok := class.get("k2"); ok {
		t.Fatalf("state[k2] should not be set before the ETA")
	}
	if sched.Len() != 1 {
		t.Fatalf("schedule size = %d, want 1", sched.Len())
	}

	loop := &Loop{Schedule: sched, Invoker: inv, Clock: clock}

	clock.Set(time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC))
	loop.tick(context.Background())
	if size, _ := q.Size(context.Background()); size != 0 {
		t.Fatalf("queue should still be empty before the ETA, size = %d", size)
	}

	clock.Set(time.Date(2037, 1, 2, 0, 0, 0, 0, time.UTC))
	loop.tick(context.Background())
	if size, _ := q.Size(context.Background()); size != 1 {
		t.Fatalf("queue should hold the released task, size = %d", size)
	}

	decoded, ok, err = inv.Dequeue(context.Background())
	if err != nil || !ok {
		t.Fatalf("Dequeue after release: ok=%v err=%v", ok, err)
	}
	pool.Dispatch(context.Background(), decoded)

	if v, ok := class.get("k2"); !ok || v != "v2" {
		t.Fatalf("state[k2] = %q (ok=%v), want %q", v, ok, "v2")
	}
}

// TestS5RetryWithDelay: a task with retries=3, retry_delay=10s fails
// once at t0; the schedule holds it with execute_time=t0+10s and
// retries==2; the scheduler at t0+11s re-enqueues it.
func TestS5RetryWithDelay(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(alwaysFailClass{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	inv := invoker.New(q, memory.NewResultStore(), reg, task.WallClock{}, invoker.Options{})
	clock := task.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sched := schedule.New(nil, reg)
	emitter := &recordingEmitter{}
	pool := &worker.Pool{Invoker: inv, Registry: reg, Schedule: sched, Emitter: emitter, Clock: clock, N: 1}

	t0 := clock.Now()
	if _, err := inv.Enqueue(context.Background(), &task.Task{TypeName: "retry_task", TaskID: "s5", RetriesRemaining: 3, RetryDelay: 10 * time.Second}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	decoded, ok, err := inv.Dequeue(context.Background())
	if err != nil || !ok {
		t.Fatalf("Dequeue: ok=%v err=%v", ok, err)
	}
	pool.Dispatch(context.Background(), decoded)

	if sched.Len() != 1 {
		t.Fatalf("schedule size = %d, want 1", sched.Len())
	}
	deferred := sched.All()[0]
	if deferred.RetriesRemaining != 2 {
		t.Fatalf("RetriesRemaining = %d, want 2", deferred.RetriesRemaining)
	}
	if deferred.ExecuteTime == nil || !deferred.ExecuteTime.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("ExecuteTime = %v, want %v", deferred.ExecuteTime, t0.Add(10*time.Second))
	}

	loop := &Loop{Schedule: sched, Invoker: inv, Clock: clock}
	clock.Set(t0.Add(11 * time.Second))
	loop.tick(context.Background())

	if size, _ := q.Size(context.Background()); size != 1 {
		t.Fatalf("expected the retry to be re-enqueued after t0+11s, size = %d", size)
	}
}

type recordingEmitter struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}
