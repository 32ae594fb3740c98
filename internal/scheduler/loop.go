// Package scheduler implements the Scheduler Loop: the single thread that
// releases due tasks from the Schedule back onto the Queue, per spec.md
// §4.5. Despite the name, it has nothing to do with the teacher's
// reconciliation Scheduler beyond the ticker-driven loop shape it borrows.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/events"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/observability"
	"github.com/fluxforge/taskforge/internal/schedule"
	"github.com/fluxforge/taskforge/internal/task"
)

// DefaultInterval is the tick period used when Loop.Interval is zero.
const DefaultInterval = 1 * time.Second

// Loop releases eligible Schedule entries back onto the Queue on a fixed
// tick, and snapshots the Schedule to its backing store at each integer
// minute boundary and always on clean shutdown.
type Loop struct {
	Schedule *schedule.Schedule
	Invoker  *invoker.Invoker
	Emitter  events.Emitter
	Clock    task.Clock
	Interval time.Duration

	lastMinute int
	haveTick   bool
}

// Run ticks until ctx is cancelled, saving the Schedule one final time
// before returning.
func (l *Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Schedule.Save(context.Background()); err != nil {
				log.Printf("scheduler: final save on shutdown failed: %v", err)
			}
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}()

	now := l.Clock.Now()

	for _, t := range l.Schedule.All() {
		if !schedule.ShouldRun(t, now) {
			continue
		}
		l.Schedule.Remove(t.TaskID)

		canRun, err := schedule.CanRun(ctx, l.Invoker, t, now)
		if err != nil {
			log.Printf("scheduler: revoke check failed for task %s: %v", t.TaskID, err)
			continue
		}
		if !canRun {
			continue
		}

		if err := l.release(ctx, t); err != nil {
			log.Printf("scheduler: failed to release task %s: %v", t.TaskID, err)
			continue
		}
		l.emit(ctx, events.Event{Status: events.Enqueued, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: l.Clock.Now()})
	}

	observability.ScheduleSize.Set(float64(l.Schedule.Len()))

	minute := now.Minute()
	if !l.haveTick {
		l.haveTick = true
		l.lastMinute = minute
		return
	}
	if minute != l.lastMinute {
		l.lastMinute = minute
		if err := l.Schedule.Save(ctx); err != nil {
			log.Printf("scheduler: periodic save failed: %v", err)
		}
	}
}

func (l *Loop) release(ctx context.Context, t *task.Task) error {
	m := codec.Encode(t)
	b, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	return l.Invoker.Queue.Write(ctx, b)
}

func (l *Loop) emit(ctx context.Context, ev events.Event) {
	if l.Emitter == nil {
		return
	}
	if err := l.Emitter.Emit(ctx, ev); err != nil {
		log.Printf("scheduler: event emit failed: %v", err)
		observability.EventPublishFailures.WithLabelValues(string(ev.Status)).Inc()
	}
}
