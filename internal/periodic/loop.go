// Package periodic implements the Periodic Loop: a single thread that
// wakes once per minute, evaluates every registered periodic task class's
// cron predicate, and writes matching activations onto the Queue, per
// spec.md §4.6.
package periodic

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/events"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/observability"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/task"
)

// Loop wakes on each minute boundary and enqueues an activation of every
// registered PeriodicTaskClass whose cron predicate matches that minute.
type Loop struct {
	Registry *registry.Registry
	Invoker  *invoker.Invoker
	Emitter  events.Emitter
	Clock    task.Clock

	schedules map[string]cron.Schedule
}

// Run blocks, aligning to the next second=0 boundary and then firing once
// per minute until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	if err := l.compileSchedules(); err != nil {
		log.Printf("periodic: %v", err)
	}

	if !l.sleepUntilNextMinute(ctx) {
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) sleepUntilNextMinute(ctx context.Context) bool {
	now := l.Clock.Now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	select {
	case <-ctx.Done():
		return false
	case <-l.Clock.After(next.Sub(now)):
		return true
	}
}

func (l *Loop) compileSchedules() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	l.schedules = make(map[string]cron.Schedule)
	var firstErr error
	for _, class := range l.Registry.Periodic() {
		sched, err := parser.Parse(class.CronExpr())
		if err != nil {
			log.Printf("periodic: invalid cron expression %q for task type %q: %v", class.CronExpr(), class.TypeName(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		l.schedules[class.TypeName()] = sched
	}
	if firstErr != nil {
		return fmt.Errorf("periodic: one or more cron expressions failed to parse: %w", firstErr)
	}
	return nil
}

// tick evaluates every periodic task class's predicate against the
// current minute boundary. A class matches when Next(boundary - 1ns)
// equals boundary — the standard "does this instant satisfy the
// schedule" test for a robfig/cron/v3 cron.Schedule.
func (l *Loop) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.PeriodicLoopDuration.Observe(time.Since(start).Seconds())
	}()

	now := l.Clock.Now()
	boundary := now.Truncate(time.Minute)

	for _, class := range l.Registry.Periodic() {
		sched, ok := l.schedules[class.TypeName()]
		if !ok {
			continue
		}
		if sched.Next(boundary.Add(-time.Nanosecond)) != boundary {
			continue
		}
		l.activate(ctx, class)
	}
}

func (l *Loop) activate(ctx context.Context, class registry.PeriodicTaskClass) {
	t := &task.Task{TypeName: class.TypeName(), TaskID: class.TypeName()}

	m := codec.Encode(t)
	b, err := codec.Marshal(m)
	if err != nil {
		log.Printf("periodic: failed to encode activation of %q: %v", class.TypeName(), err)
		return
	}
	if err := l.Invoker.Queue.Write(ctx, b); err != nil {
		log.Printf("periodic: failed to enqueue activation of %q: %v", class.TypeName(), err)
		return
	}

	if l.Emitter == nil {
		return
	}
	ev := events.Event{Status: events.Enqueued, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: l.Clock.Now()}
	if err := l.Emitter.Emit(ctx, ev); err != nil {
		log.Printf("periodic: event emit failed: %v", err)
		observability.EventPublishFailures.WithLabelValues(string(ev.Status)).Inc()
	}
}
