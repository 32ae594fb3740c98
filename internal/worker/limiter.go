package worker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypeLimiter is an optional per-task-type token-bucket throttle. A worker
// that would dispatch a rate-limited type delays instead of dropping the
// task, the same "delay, don't reject" idiom as the teacher's
// TokenBucketLimiter.Reserve.
type TypeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewTypeLimiter builds a limiter allowing r activations/sec per task type,
// with burst b.
func NewTypeLimiter(r float64, b int) *TypeLimiter {
	return &TypeLimiter{limiters: make(map[string]*rate.Limiter), r: rate.Limit(r), b: b}
}

// Reserve checks whether typeName may proceed now; if not, it returns the
// delay the caller should wait before retrying, and cancels the
// reservation (callers of Reserve never consume a token they didn't use).
func (l *TypeLimiter) Reserve(typeName string) (allowed bool, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[typeName]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[typeName] = lim
	}

	res := lim.Reserve()
	d := res.Delay()
	if d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}
