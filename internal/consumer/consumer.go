// Package consumer wires the Registry, Invoker, Schedule, Worker Pool,
// Scheduler Loop, and Periodic Loop into one supervised runtime, per
// spec.md §4.7.
package consumer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fluxforge/taskforge/internal/events"
	"github.com/fluxforge/taskforge/internal/invoker"
	"github.com/fluxforge/taskforge/internal/periodic"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/schedule"
	"github.com/fluxforge/taskforge/internal/scheduler"
	"github.com/fluxforge/taskforge/internal/task"
	"github.com/fluxforge/taskforge/internal/worker"
)

// Config holds the knobs spec.md §4.7 lists for the Consumer Supervisor.
type Config struct {
	Workers           int
	DefaultDelay      time.Duration
	MaxDelay          time.Duration
	Backoff           float64
	UTC               bool
	Periodic          bool
	SchedulerInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Backoff <= 1 {
		c.Backoff = 1.5
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = scheduler.DefaultInterval
	}
	return c
}

// Consumer supervises every loop of the runtime and owns its shutdown
// signal — a cancelable context, the same ctx.Done()-based shape the
// teacher uses throughout its own supervision code, rather than a bare
// bool flag.
type Consumer struct {
	Registry *registry.Registry
	Invoker  *invoker.Invoker
	Schedule *schedule.Schedule
	Emitter  events.Emitter
	Config   Config

	pool      *worker.Pool
	schedLoop *scheduler.Loop
	perLoop   *periodic.Loop

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Consumer from its collaborators. clock drives every loop;
// pass task.WallClock{} in production and a task.FakeClock in tests.
func New(reg *registry.Registry, inv *invoker.Invoker, sched *schedule.Schedule, emitter events.Emitter, clock task.Clock, cfg Config) *Consumer {
	cfg = cfg.withDefaults()

	pool := &worker.Pool{
		Invoker:  inv,
		Registry: reg,
		Schedule: sched,
		Emitter:  emitter,
		Clock:    clock,
		N:        cfg.Workers,
		Backoff: worker.BackoffConfig{
			Default: cfg.DefaultDelay,
			Max:     cfg.MaxDelay,
			Factor:  cfg.Backoff,
		},
	}

	schedLoop := &scheduler.Loop{
		Schedule: sched,
		Invoker:  inv,
		Emitter:  emitter,
		Clock:    clock,
		Interval: cfg.SchedulerInterval,
	}

	var perLoop *periodic.Loop
	if cfg.Periodic {
		perLoop = &periodic.Loop{
			Registry: reg,
			Invoker:  inv,
			Emitter:  emitter,
			Clock:    clock,
		}
	}

	return &Consumer{
		Registry:  reg,
		Invoker:   inv,
		Schedule:  sched,
		Emitter:   emitter,
		Config:    cfg,
		pool:      pool,
		schedLoop: schedLoop,
		perLoop:   perLoop,
	}
}

// Start loads the persisted schedule snapshot, then launches the
// scheduler thread, the periodic thread (if enabled), and the N worker
// threads. Start returns once every goroutine has been spawned; it does
// not block for completion.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.Schedule.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.schedLoop.Run(runCtx)
	}()

	if c.perLoop != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.perLoop.Run(runCtx)
		}()
	}

	c.pool.Start(runCtx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pool.Wait()
	}()

	log.Printf("consumer: started with %d workers (periodic=%v, scheduler_interval=%s)", c.Config.Workers, c.perLoop != nil, c.Config.SchedulerInterval)
	return nil
}

// Shutdown signals every loop to stop, waits for in-flight task execution
// to drain, and returns once the supervised goroutines have exited or ctx
// expires first.
func (c *Consumer) Shutdown(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("consumer: clean shutdown complete")
		return nil
	case <-ctx.Done():
		log.Println("consumer: shutdown deadline exceeded, returning without full drain")
		return ctx.Err()
	}
}
