// Package worker implements the consumer's worker pool: N identical
// goroutines draining the Queue and running the dispatch state machine
// from spec.md §4.4 (check_message / handle_task / process_task).
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fluxforge/taskforge/internal/backend"
	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/events"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/observability"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/schedule"
	"github.com/fluxforge/taskforge/internal/task"
)

// BackoffConfig governs the empty-queue poll backoff applied between
// Queue.Read misses.
type BackoffConfig struct {
	Default time.Duration // initial sleep, e.g. 200ms
	Max     time.Duration // cap on sleep, e.g. 5s
	Factor  float64       // multiplier applied per consecutive miss, e.g. 1.5
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	if b.Default <= 0 {
		b.Default = 200 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Second
	}
	if b.Factor <= 1 {
		b.Factor = 1.5
	}
	return b
}

// Pool mirrors the teacher's Scheduler in shape: an injected Invoker,
// Registry, Schedule, Emitter, Clock, and N worker goroutines.
type Pool struct {
	Invoker  *invoker.Invoker
	Registry *registry.Registry
	Schedule *schedule.Schedule
	Emitter  events.Emitter
	Clock    task.Clock
	Backoff  BackoffConfig
	N        int
	Limiter  *TypeLimiter // optional; nil disables per-type throttling

	wg sync.WaitGroup
}

// Start launches N worker goroutines, each running loop until ctx is
// cancelled. Start returns immediately; callers drain with Wait.
func (p *Pool) Start(ctx context.Context) {
	p.Backoff = p.Backoff.withDefaults()
	n := p.N
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker goroutine has returned (after ctx is
// cancelled and in-flight task execution drains).
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	delay := p.Backoff.Default
	for {
		if ctx.Err() != nil {
			return
		}
		t, decoded, _ := p.checkMessage(ctx)
		if t == nil {
			if !decoded {
				select {
				case <-ctx.Done():
					return
				case <-p.Clock.After(delay):
				}
				delay = time.Duration(float64(delay) * p.Backoff.Factor)
				if delay > p.Backoff.Max {
					delay = p.Backoff.Max
				}
			}
			continue
		}
		delay = p.Backoff.Default
		p.handleTask(ctx, t)
	}
}

// checkMessage dequeues and decodes one message. t is nil when the queue
// was empty (decoded=false) or the message failed to decode
// (decoded=true, logged and discarded, t still nil).
func (p *Pool) checkMessage(ctx context.Context) (t *task.Task, decoded bool, err error) {
	b, ok, err := p.Invoker.Queue.Read(ctx)
	if err != nil {
		log.Printf("worker: queue read failed: %v", err)
		return nil, false, err
	}
	if n, sizeErr := p.Invoker.Queue.Size(ctx); sizeErr == nil {
		observability.QueueDepth.Set(float64(n))
	}
	if !ok {
		return nil, false, nil
	}

	m, decErr := p.Registry.Decode(b)
	if decErr != nil {
		log.Printf("worker: discarding undecodable message: %v", decErr)
		observability.DecodeFailures.WithLabelValues("worker").Inc()
		return nil, true, nil
	}
	return m, true, nil
}

// Dispatch runs the §4.4 dispatch state machine for a single
// already-dequeued task. loop calls it internally; it is also exported so
// a one-shot debug runner (or a test driving the pool from outside this
// package) can feed it a task directly without going through the Queue.
func (p *Pool) Dispatch(ctx context.Context, t *task.Task) {
	p.handleTask(ctx, t)
}

// handleTask runs the §4.4 state machine for a single dequeued task.
func (p *Pool) handleTask(ctx context.Context, t *task.Task) {
	now := p.Clock.Now()

	p.emit(ctx, events.Event{Status: events.Started, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: now})
	observability.TasksStarted.WithLabelValues(t.TypeName).Inc()

	revoked, err := p.Invoker.IsRevoked(ctx, t, now, false)
	if err != nil {
		log.Printf("worker: revoke check failed for task %s: %v", t.TaskID, err)
	}
	if revoked {
		p.emit(ctx, events.Event{Status: events.Revoked, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: p.Clock.Now()})
		observability.TasksRevoked.WithLabelValues(t.TypeName).Inc()
		return
	}

	if !schedule.ShouldRun(t, now) {
		p.Schedule.Add(t)
		observability.ScheduleSize.Set(float64(p.Schedule.Len()))
		execAt := t.ExecuteTime
		p.emit(ctx, events.Event{
			Status:      events.Scheduled,
			TaskID:      t.TaskID,
			TypeName:    t.TypeName,
			Timestamp:   p.Clock.Now(),
			ExecuteTime: epochPtr(execAt),
		})
		return
	}

	if p.Limiter != nil {
		if allowed, delay := p.Limiter.Reserve(t.TypeName); !allowed {
			deferred := now.Add(delay)
			t.ExecuteTime = &deferred
			p.Schedule.Add(t)
			p.emit(ctx, events.Event{
				Status:      events.Scheduled,
				TaskID:      t.TaskID,
				TypeName:    t.TypeName,
				Timestamp:   p.Clock.Now(),
				ExecuteTime: epochPtr(&deferred),
			})
			return
		}
	}

	p.processTask(ctx, t)
}

// processTask runs the user task via the Invoker, applying the retry
// policy from spec.md §4.4 on failure. A panicking task body is recovered
// and treated identically to a returned error.
func (p *Pool) processTask(ctx context.Context, t *task.Task) {
	start := time.Now()
	_, err := p.runRecovered(ctx, t)
	observability.TaskExecutionSeconds.WithLabelValues(t.TypeName).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(err, backend.ErrResultPut) {
		// The task body succeeded; result storage is best-effort.
		log.Printf("worker: failed to store result for task %s: %v", t.TaskID, err)
		err = nil
	}

	if err == nil {
		p.emit(ctx, events.Event{Status: events.Finished, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: p.Clock.Now()})
		observability.TasksFinished.WithLabelValues(t.TypeName).Inc()
		return
	}

	var panicErr *taskPanicError
	if !errors.As(err, &panicErr) {
		// runRecovered has already logged a recovered panic.
		log.Printf("Unhandled exception in worker thread: task %s (%s): %v", t.TaskID, t.TypeName, err)
	}
	observability.TasksErrored.WithLabelValues(t.TypeName).Inc()
	p.emit(ctx, events.Event{Status: events.Error, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: p.Clock.Now(), Error: true})

	if t.RetriesRemaining <= 0 {
		return
	}
	t.RetriesRemaining--

	if t.RetryDelay > 0 {
		execAt := p.Clock.Now().Add(t.RetryDelay)
		t.ExecuteTime = &execAt
		p.Schedule.Add(t)
		observability.ScheduleSize.Set(float64(p.Schedule.Len()))
	} else {
		m := p.Registry.Encode(t)
		b, encErr := codec.Marshal(m)
		if encErr != nil {
			log.Printf("worker: failed to re-encode task %s for retry: %v", t.TaskID, encErr)
			return
		}
		if qErr := p.Invoker.Queue.Write(ctx, b); qErr != nil {
			log.Printf("worker: failed to re-enqueue task %s for retry: %v", t.TaskID, qErr)
			return
		}
	}

	retries := t.RetriesRemaining
	retryDelay := t.RetryDelay
	p.emit(ctx, events.Event{
		Status:     events.Retrying,
		TaskID:     t.TaskID,
		TypeName:   t.TypeName,
		Timestamp:  p.Clock.Now(),
		Retries:    &retries,
		RetryDelay: &retryDelay,
	})
	observability.TasksRetried.WithLabelValues(t.TypeName).Inc()
	p.emit(ctx, events.Event{Status: events.Enqueued, TaskID: t.TaskID, TypeName: t.TypeName, Timestamp: p.Clock.Now()})
}

// runRecovered executes t's user code, converting a panic into an error
// so the retry policy treats it exactly like a returned error — the same
// defer/recover shape as the teacher's processNextTask goroutine.
func (p *Pool) runRecovered(ctx context.Context, t *task.Task) (value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Unhandled exception in worker thread: task %s (%s): %v", t.TaskID, t.TypeName, r)
			err = &taskPanicError{recovered: r}
		}
	}()
	return p.Invoker.Execute(ctx, t)
}

type taskPanicError struct{ recovered interface{} }

func (e *taskPanicError) Error() string { return "worker: task panicked" }

func (p *Pool) emit(ctx context.Context, ev events.Event) {
	if p.Emitter == nil {
		return
	}
	if err := p.Emitter.Emit(ctx, ev); err != nil {
		log.Printf("worker: event emit failed: %v", err)
		observability.EventPublishFailures.WithLabelValues(string(ev.Status)).Inc()
	}
}

func epochPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	sec := t.Unix()
	return &sec
}
