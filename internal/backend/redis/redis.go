// Package redis implements backend.Queue and backend.ResultStore on top
// of Redis, grounded on the teacher's RedisStore: a plain *redis.Client,
// preloaded Lua script SHAs for the operations that must be atomic, and
// the same connectivity check (Ping) at construction time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fluxforge/taskforge/internal/backend"
	"github.com/redis/go-redis/v9"
)

// getdelScript performs a destructive read: return the value and delete
// the key atomically. Redis 6.2+ ships GETDEL natively, but we preload a
// script (as the teacher does for RenewLock/ReleaseLock) so this backend
// keeps working against older Redis deployments too.
const getdelScript = `
local val = redis.call("get", KEYS[1])
if val then
	redis.call("del", KEYS[1])
end
return val
`

// Queue is a FIFO backend.Queue backed by a single Redis list.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue connects to addr and returns a Queue that stores messages
// under the Redis list key.
func NewQueue(addr, password string, db int, key string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrQueueWrite, err)
	}

	return &Queue{client: client, key: key}, nil
}

func (q *Queue) Write(ctx context.Context, b []byte) error {
	if err := q.client.RPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrQueueWrite, err)
	}
	return nil
}

func (q *Queue) Read(ctx context.Context) ([]byte, bool, error) {
	b, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", backend.ErrQueueRead, err)
	}
	return b, true, nil
}

// Remove deletes the first occurrence of b from the list. Never called on
// the revoke path per the spec's open question on queue remove semantics;
// kept for callers (admin tooling) that need selective removal.
func (q *Queue) Remove(ctx context.Context, b []byte) error {
	if err := q.client.LRem(ctx, q.key, 1, b).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrQueueRemove, err)
	}
	return nil
}

func (q *Queue) Flush(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrQueueWrite, err)
	}
	return nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", backend.ErrQueueRead, err)
	}
	return int(n), nil
}

// ResultStore is a backend.ResultStore backed by plain Redis string keys,
// one per result/revoke record, namespaced under prefix.
type ResultStore struct {
	client    *redis.Client
	prefix    string
	getdelSHA string
}

// NewResultStore connects to addr and preloads the getdel script, the
// same "load scripts once at construction" idiom the teacher uses for its
// versioned-set/versioned-get Lua scripts.
func NewResultStore(addr, password string, db int, prefix string) (*ResultStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}

	sha, err := client.ScriptLoad(ctx, getdelScript).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to preload getdel script: %v", backend.ErrResultGet, err)
	}

	return &ResultStore{client: client, prefix: prefix, getdelSHA: sha}, nil
}

func (s *ResultStore) key(k string) string { return s.prefix + k }

func (s *ResultStore) Put(ctx context.Context, key string, b []byte) error {
	if err := s.client.Set(ctx, s.key(key), b, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}

func (s *ResultStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.client.EvalSha(ctx, s.getdelSHA, []string{s.key(key)}).Result()
	if errors.Is(err, redis.Nil) || (err == nil && res == nil) {
		return nil, false, nil
	}
	if err != nil {
		// SHA not cached server-side (e.g. after a FLUSHSCRIPT); fall back
		// to the raw script body once.
		res, err = s.client.Eval(ctx, getdelScript, []string{s.key(key)}).Result()
		if errors.Is(err, redis.Nil) || (err == nil && res == nil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
		}
	}
	str, ok := res.(string)
	if !ok {
		return nil, false, nil
	}
	return []byte(str), true, nil
}

func (s *ResultStore) Peek(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", backend.ErrResultGet, err)
	}
	return b, true, nil
}

func (s *ResultStore) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrResultPut, err)
	}
	return nil
}
