package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrResultTimeout is raised by AsyncResult.Get when a blocking wait
// exceeds its timeout.
var ErrResultTimeout = errors.New("invoker: result timeout")

// GetOptions configures AsyncResult.Get.
type GetOptions struct {
	// Blocking enables polling with exponential backoff instead of a
	// single lookup.
	Blocking bool
	// Timeout bounds a blocking wait. Zero means wait forever.
	Timeout time.Duration
	// Backoff multiplies the poll interval after each empty poll.
	// Defaults to 1.15 when zero.
	Backoff float64
	// MaxDelay caps the poll interval. Defaults to 1s when zero.
	MaxDelay time.Duration
	// RevokeOnTimeout issues a revoke before returning ErrResultTimeout.
	RevokeOnTimeout bool
}

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultBackoff      = 1.15
	defaultMaxDelay     = 1 * time.Second
)

// AsyncResult is a lazy handle over a task_id. It holds only a
// back-reference to the Invoker it polls against, not an ownership
// cycle (per the spec's design note on the source's cyclic reference).
type AsyncResult struct {
	taskID string
	inv    *Invoker
	cached []byte
	have   bool
}

// TaskID returns the handle's bound task id.
func (a *AsyncResult) TaskID() string { return a.taskID }

// Get returns the task's result. A non-blocking call performs one
// ResultStore lookup; a blocking call polls with exponential backoff
// until the value appears or Timeout elapses. The first non-empty value
// observed is cached locally; subsequent calls are pure reads of that
// cache.
func (a *AsyncResult) Get(ctx context.Context, opts GetOptions) ([]byte, bool, error) {
	if a.have {
		return a.cached, true, nil
	}

	if !opts.Blocking {
		b, ok, err := a.inv.GetResult(ctx, a.taskID, true)
		if err != nil {
			return nil, false, err
		}
		if ok {
			a.cached, a.have = b, true
		}
		return b, ok, nil
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	delay := defaultPollInterval

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		deadline = a.inv.Clock.After(opts.Timeout)
	}

	for {
		b, ok, err := a.inv.GetResult(ctx, a.taskID, true)
		if err != nil {
			return nil, false, err
		}
		if ok {
			a.cached, a.have = b, true
			return b, true, nil
		}

		wait := a.inv.Clock.After(delay)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-deadline:
			if opts.RevokeOnTimeout {
				if err := a.inv.RevokeByID(ctx, a.taskID, nil, false); err != nil {
					// Best-effort: a failed revoke must not mask the
					// timeout itself.
					_ = err
				}
			}
			return nil, false, fmt.Errorf("%w: task %s", ErrResultTimeout, a.taskID)
		case <-wait:
		}

		delay = time.Duration(float64(delay) * backoff)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
