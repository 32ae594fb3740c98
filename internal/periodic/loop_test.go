package periodic

import (
	"context"
	"testing"
	"time"

	"github.com/fluxforge/taskforge/internal/backend/memory"
	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/task"
)

type everyMinuteClass struct{}

func (everyMinuteClass) TypeName() string { return "heartbeat" }
func (everyMinuteClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, nil
}
func (everyMinuteClass) CronExpr() string { return "* * * * *" }

type noonOnlyClass struct{}

func (noonOnlyClass) TypeName() string { return "noon_report" }
func (noonOnlyClass) Run(ctx context.Context, payload []byte) ([]byte, error) {
	return nil, nil
}
func (noonOnlyClass) CronExpr() string { return "0 12 * * *" }

func TestTickActivatesMatchingCronPredicate(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(everyMinuteClass{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(noonOnlyClass{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	q := memory.NewQueue()
	inv := invoker.New(q, memory.NewResultStore(), reg, task.WallClock{}, invoker.Options{})

	clock := task.NewFakeClock(time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC))
	loop := &Loop{Registry: reg, Invoker: inv, Clock: clock}
	if err := loop.compileSchedules(); err != nil {
		t.Fatalf("compileSchedules: %v", err)
	}

	loop.tick(context.Background())

	size, err := q.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Fatalf("queue size = %d, want 1 (only heartbeat should fire at 09:30)", size)
	}

	b, ok, err := q.Read(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected to read the activation: ok=%v err=%v", ok, err)
	}
	m, err := codec.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.TypeName != "heartbeat" || m.TaskID != "heartbeat" {
		t.Fatalf("activation = %+v, want TypeName=TaskID=heartbeat", m)
	}
}

func TestTickFiresNoonOnlyAtNoon(t *testing.T) {
	reg := registry.New()
	if err := reg.Register(noonOnlyClass{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	inv := invoker.New(q, memory.NewResultStore(), reg, task.WallClock{}, invoker.Options{})

	clock := task.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	loop := &Loop{Registry: reg, Invoker: inv, Clock: clock}
	if err := loop.compileSchedules(); err != nil {
		t.Fatalf("compileSchedules: %v", err)
	}

	loop.tick(context.Background())

	size, err := q.Size(context.Background())
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Fatalf("queue size = %d, want 1 at noon", size)
	}
}

// TestS6PeriodicRevokeOnce: a one-shot revoke suppresses exactly the next
// activation of a periodic task; the activation after that fires normally.
func TestS6PeriodicRevokeOnce(t *testing.T) {
	reg := registry.New()
	class := everyMinuteClass{}
	if err := reg.Register(class); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	results := memory.NewResultStore()
	inv := invoker.New(q, results, reg, task.WallClock{}, invoker.Options{})

	clock := task.NewFakeClock(time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC))
	loop := &Loop{Registry: reg, Invoker: inv, Clock: clock}
	if err := loop.compileSchedules(); err != nil {
		t.Fatalf("compileSchedules: %v", err)
	}

	revokeTarget := &task.Task{TypeName: class.TypeName(), TaskID: class.TypeName()}
	if err := inv.Revoke(context.Background(), revokeTarget, nil, true); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	loop.tick(context.Background())

	revoked, err := inv.IsRevoked(context.Background(), revokeTarget, clock.Now(), true)
	if err != nil {
		t.Fatalf("IsRevoked (peek): %v", err)
	}
	if !revoked {
		t.Fatalf("expected the revoke record to still exist before a consuming check")
	}

	// The Periodic Loop itself does not consult revoke state (the Worker
	// Pool does, at dispatch time); simulate that consuming check here, the
	// way handleTask's IsRevoked(..., preserve=false) call would.
	consumed, err := inv.IsRevoked(context.Background(), revokeTarget, clock.Now(), false)
	if err != nil {
		t.Fatalf("IsRevoked (consume): %v", err)
	}
	if !consumed {
		t.Fatalf("expected the activation to be revoked")
	}

	stillRevoked, err := inv.IsRevoked(context.Background(), revokeTarget, clock.Now(), true)
	if err != nil {
		t.Fatalf("IsRevoked (peek after consume): %v", err)
	}
	if stillRevoked {
		t.Fatalf("one-shot revoke record should be consumed after the first check")
	}

	clock.Advance(time.Minute)
	loop.tick(context.Background())

	notRevoked, err := inv.IsRevoked(context.Background(), revokeTarget, clock.Now(), false)
	if err != nil {
		t.Fatalf("IsRevoked: %v", err)
	}
	if notRevoked {
		t.Fatalf("the activation after the consumed one-shot revoke should run normally")
	}
}

func TestPeriodicTaskIDEqualsTypeName(t *testing.T) {
	reg := registry.New()
	class := everyMinuteClass{}
	if err := reg.Register(class); err != nil {
		t.Fatalf("register: %v", err)
	}
	q := memory.NewQueue()
	inv := invoker.New(q, memory.NewResultStore(), reg, task.WallClock{}, invoker.Options{})
	clock := task.NewFakeClock(time.Now())
	loop := &Loop{Registry: reg, Invoker: inv, Clock: clock}

	loop.activate(context.Background(), class)

	b, ok, err := q.Read(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected activation on queue: ok=%v err=%v", ok, err)
	}
	m, err := codec.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	tk := m.ToTask()
	if tk.TaskID != tk.TypeName {
		t.Fatalf("periodic task id %q should equal type name %q", tk.TaskID, tk.TypeName)
	}
	if tk.RevokeID() != "r:"+class.TypeName() {
		t.Fatalf("RevokeID() = %q, want %q", tk.RevokeID(), "r:"+class.TypeName())
	}
}
