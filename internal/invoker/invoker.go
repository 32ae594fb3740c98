// Package invoker is the thin façade over the Queue/ResultStore backends
// that spec.md §4.2 describes: enqueue, dequeue, result put/get,
// revoke/restore, is-revoked, all behind one object workers and producers
// share.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fluxforge/taskforge/internal/backend"
	"github.com/fluxforge/taskforge/internal/codec"
	"github.com/fluxforge/taskforge/internal/registry"
	"github.com/fluxforge/taskforge/internal/task"
)

// ErrConfig reports caller misuse, e.g. revoking with no ResultStore
// configured. It is returned synchronously to the caller.
var ErrConfig = errors.New("invoker: misconfigured")

// revokeRecord is the ResultStore-encoded value for a RevokeID key.
type revokeRecord struct {
	RevokeUntil *time.Time `json:"revoke_until,omitempty"`
	RevokeOnce  bool       `json:"revoke_once"`
}

// Options configures Invoker policy flags.
type Options struct {
	// StoreNullResults, when false (the default), skips persisting a
	// successful result whose encoded value is the JSON null/none value.
	StoreNullResults bool
	// Eager bypasses the queue and runs tasks synchronously on Enqueue,
	// for tests.
	Eager bool
}

// Invoker bundles backend handles and the two policy flags from spec §4.2.
type Invoker struct {
	Queue    backend.Queue
	Results  backend.ResultStore // may be nil: results/revokes are then unsupported
	Registry *registry.Registry
	Clock    task.Clock
	Opts     Options
}

// New constructs an Invoker. results may be nil for queue-only
// deployments that never call PutResult/Revoke/GetResult.
func New(q backend.Queue, results backend.ResultStore, reg *registry.Registry, clock task.Clock, opts Options) *Invoker {
	return &Invoker{Queue: q, Results: results, Registry: reg, Clock: clock, Opts: opts}
}

// Enqueue writes t onto the Queue (or, in Eager mode, executes it
// synchronously) and returns an AsyncResult bound to its TaskID when a
// ResultStore is configured.
func (inv *Invoker) Enqueue(ctx context.Context, t *task.Task) (*AsyncResult, error) {
	if t.TaskID == "" {
		t.TaskID = task.NewID()
	}
	if inv.Opts.Eager {
		if _, err := inv.Execute(ctx, t); err != nil {
			return nil, err
		}
		return inv.asyncResult(t.TaskID), nil
	}

	m := inv.Registry.Encode(t)
	b, err := codec.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := inv.Queue.Write(ctx, b); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrQueueWrite, err)
	}
	return inv.asyncResult(t.TaskID), nil
}

func (inv *Invoker) asyncResult(taskID string) *AsyncResult {
	if inv.Results == nil {
		return nil
	}
	return &AsyncResult{taskID: taskID, inv: inv}
}

// Dequeue reads one message off the Queue and decodes it. ok is false
// when the queue was empty.
func (inv *Invoker) Dequeue(ctx context.Context) (t *task.Task, ok bool, err error) {
	b, ok, err := inv.Queue.Read(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", backend.ErrQueueRead, err)
	}
	if !ok {
		return nil, false, nil
	}
	t, err = inv.Registry.Decode(b)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// Execute runs t's user code and persists its result per the
// null-result/periodic-task rules in spec §4.2.
func (inv *Invoker) Execute(ctx context.Context, t *task.Task) ([]byte, error) {
	value, err := inv.Registry.Run(ctx, t)
	if err != nil {
		return nil, err
	}

	isPeriodic := t.TaskID == t.TypeName
	if isPeriodic {
		return value, nil
	}

	if inv.Results == nil {
		return value, nil
	}

	if !inv.Opts.StoreNullResults && isNullValue(value) {
		return value, nil
	}

	if err := inv.PutResult(ctx, t.TaskID, value); err != nil {
		// Best-effort: result persistence failures are logged and
		// swallowed by the caller (the Worker Pool), not here, so the
		// error still needs to flow back to it.
		return value, err
	}
	return value, nil
}

func isNullValue(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return false
	}
	return v == nil
}

// PutResult stores the encoded return value for taskID.
func (inv *Invoker) PutResult(ctx context.Context, taskID string, value []byte) error {
	if inv.Results == nil {
		return fmt.Errorf("%w: no result store configured", ErrConfig)
	}
	if err := inv.Results.Put(ctx, taskID, value); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}

// GetResult reads taskID's result. peek=true reads without deleting;
// peek=false is a destructive read.
func (inv *Invoker) GetResult(ctx context.Context, taskID string, peek bool) ([]byte, bool, error) {
	if inv.Results == nil {
		return nil, false, fmt.Errorf("%w: no result store configured", ErrConfig)
	}
	var (
		b   []byte
		ok  bool
		err error
	)
	if peek {
		b, ok, err = inv.Results.Peek(ctx, taskID)
	} else {
		b, ok, err = inv.Results.Get(ctx, taskID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	return b, ok, nil
}

// Revoke writes a revoke record for t. until, if non-nil, bounds the
// revocation in time; once makes it a single-activation suppression.
func (inv *Invoker) Revoke(ctx context.Context, t *task.Task, until *time.Time, once bool) error {
	if inv.Results == nil {
		return fmt.Errorf("%w: revoke requires a result store", ErrConfig)
	}
	rec := revokeRecord{RevokeUntil: until, RevokeOnce: once}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := inv.Results.Put(ctx, t.RevokeID(), b); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}

// RevokeByID writes a revoke record keyed directly off a task id, for
// callers (AsyncResult's revoke-on-timeout) that don't hold a full Task.
func (inv *Invoker) RevokeByID(ctx context.Context, taskID string, until *time.Time, once bool) error {
	if inv.Results == nil {
		return fmt.Errorf("%w: revoke requires a result store", ErrConfig)
	}
	rec := revokeRecord{RevokeUntil: until, RevokeOnce: once}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := inv.Results.Put(ctx, "r:"+taskID, b); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}

// Restore destructively clears t's revoke record.
func (inv *Invoker) Restore(ctx context.Context, t *task.Task) error {
	if inv.Results == nil {
		return fmt.Errorf("%w: restore requires a result store", ErrConfig)
	}
	_, _, err := inv.Results.Get(ctx, t.RevokeID())
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	return nil
}

// IsRevoked reports whether t is currently suppressed. preserve=true
// peeks the revoke record (for read-only checks); preserve=false
// consumes a revoke-once record on a true result, the behavior the
// Worker Pool relies on at dispatch time.
func (inv *Invoker) IsRevoked(ctx context.Context, t *task.Task, now time.Time, preserve bool) (bool, error) {
	if inv.Results == nil {
		return false, nil
	}

	b, ok, err := inv.Results.Peek(ctx, t.RevokeID())
	if err != nil {
		return false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	if !ok {
		return false, nil
	}

	var rec revokeRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return false, nil
	}

	revoked := rec.RevokeOnce || rec.RevokeUntil == nil || rec.RevokeUntil.After(now)

	if revoked && rec.RevokeOnce && !preserve {
		// Consume the one-shot record.
		if _, _, err := inv.Results.Get(ctx, t.RevokeID()); err != nil {
			return false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
		}
	}

	return revoked, nil
}
