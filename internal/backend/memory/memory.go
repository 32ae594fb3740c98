// Package memory implements backend.Queue and backend.ResultStore entirely
// in process memory. It backs the --queue-backend=memory /
// --result-backend=memory CLI modes and is what the Invoker's Eager/test
// configuration uses by default.
package memory

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/fluxforge/taskforge/internal/backend"
)

// Queue is a FIFO, thread-safe, in-memory backend.Queue.
type Queue struct {
	mu sync.Mutex
	l  *list.List
}

// NewQueue returns an empty in-memory queue.
func NewQueue() *Queue {
	return &Queue{l: list.New()}
}

func (q *Queue) Write(ctx context.Context, b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := append([]byte(nil), b...)
	q.l.PushBack(cp)
	return nil
}

func (q *Queue) Read(ctx context.Context) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.l.Front()
	if front == nil {
		return nil, false, nil
	}
	q.l.Remove(front)
	return front.Value.([]byte), true, nil
}

// Remove deletes the first matching message still sitting in the queue.
// Per the spec's revoke-removal note, this is never called by the worker
// on revoke (revocation is detected at dequeue time); it exists only to
// satisfy the Queue contract for callers that genuinely need it (e.g.
// compaction tooling).
func (q *Queue) Remove(ctx context.Context, b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.l.Front(); e != nil; e = e.Next() {
		if bytes.Equal(e.Value.([]byte), b) {
			q.l.Remove(e)
			return nil
		}
	}
	return fmt.Errorf("%w: message not found", backend.ErrQueueRemove)
}

func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.l.Init()
	return nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len(), nil
}

// ResultStore is a thread-safe, in-memory backend.ResultStore.
type ResultStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewResultStore returns an empty in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{data: make(map[string][]byte)}
}

func (s *ResultStore) Put(ctx context.Context, key string, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), b...)
	return nil
}

func (s *ResultStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if ok {
		delete(s.data, key)
	}
	return b, ok, nil
}

func (s *ResultStore) Peek(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	return b, ok, nil
}

func (s *ResultStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}
