package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/fluxforge/taskforge/internal/backend/memory"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/task"
)

type noopClass struct{ name string }

func (n noopClass) TypeName() string { return n.name }
func (n noopClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func newTestRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, n := range names {
		if err := reg.Register(noopClass{name: n}); err != nil {
			t.Fatalf("register %q: %v", n, err)
		}
	}
	return reg
}

func TestScheduleAddRemoveContains(t *testing.T) {
	reg := newTestRegistry(t, "send_email")
	s := New(nil, reg)

	tk := &task.Task{TypeName: "send_email", TaskID: "t1"}
	s.Add(tk)

	if !s.Contains("t1") {
		t.Fatalf("expected schedule to contain t1")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}

	s.Remove("t1")
	if s.Contains("t1") {
		t.Fatalf("expected t1 to be removed")
	}
}

func TestShouldRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name string
		t    *task.Task
		want bool
	}{
		{"nil execute time is due", &task.Task{}, true},
		{"past execute time is due", &task.Task{ExecuteTime: &past}, true},
		{"exact now is due", &task.Task{ExecuteTime: &now}, true},
		{"future execute time is not due", &task.Task{ExecuteTime: &future}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ShouldRun(c.t, now); got != c.want {
				t.Errorf("ShouldRun() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestCanRunRespectsRevoke(t *testing.T) {
	reg := newTestRegistry(t, "send_email")
	results := memory.NewResultStore()
	inv := invoker.New(nil, results, reg, task.WallClock{}, invoker.Options{})

	tk := &task.Task{TypeName: "send_email", TaskID: "t1"}
	ctx := context.Background()
	now := time.Now()

	ok, err := CanRun(ctx, inv, tk, now)
	if err != nil {
		t.Fatalf("CanRun: %v", err)
	}
	if !ok {
		t.Fatalf("expected task to be runnable before revoke")
	}

	if err := inv.Revoke(ctx, tk, nil, false); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	ok, err = CanRun(ctx, inv, tk, now)
	if err != nil {
		t.Fatalf("CanRun: %v", err)
	}
	if ok {
		t.Fatalf("expected task to be suppressed after indefinite revoke")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, "send_email", "cleanup")
	store := memory.NewResultStore()

	s1 := New(store, reg)
	future := time.Now().Add(time.Hour)
	s1.Add(&task.Task{TypeName: "send_email", TaskID: "t1", ExecuteTime: &future})
	s1.Add(&task.Task{TypeName: "cleanup", TaskID: "t2"})

	ctx := context.Background()
	if err := s1.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := New(store, reg)
	if err := s2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("Len() after load = %d, want 2", s2.Len())
	}
	if !s2.Contains("t1") || !s2.Contains("t2") {
		t.Fatalf("expected both tasks to survive the round trip")
	}
}

func TestLoadSkipsUnknownTaskType(t *testing.T) {
	writerReg := newTestRegistry(t, "send_email", "ghost_task")
	store := memory.NewResultStore()

	s1 := New(store, writerReg)
	s1.Add(&task.Task{TypeName: "send_email", TaskID: "t1"})
	s1.Add(&task.Task{TypeName: "ghost_task", TaskID: "t2"})
	if err := s1.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	readerReg := newTestRegistry(t, "send_email")
	s2 := New(store, readerReg)
	if err := s2.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s2.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (ghost_task should be skipped)", s2.Len())
	}
	if !s2.Contains("t1") {
		t.Fatalf("expected t1 to survive")
	}
}
