// Package keyed provides per-key serialization: callers holding different
// keys proceed in parallel, callers holding the same key run one at a time.
// It backs the at-most-one-writer-per-token and one-in-flight-intent-per-rule
// invariants without a process-wide lock.
package keyed

import (
	"context"
	"sync"
)

// Serializer hands out one lane per key on demand. Lanes are never reaped;
// the key space here (tokens, rules) is small and fixed by configuration.
type Serializer struct {
	mu    sync.Mutex
	lanes map[string]chan struct{}
}

func NewSerializer() *Serializer {
	return &Serializer{lanes: make(map[string]chan struct{})}
}

func (s *Serializer) lane(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.lanes[key] = l
	}
	return l
}

// Do runs fn while holding the lane for key, waiting for any in-flight
// holder first. It returns ctx.Err() without running fn if the context is
// done before the lane is acquired.
func (s *Serializer) Do(ctx context.Context, key string, fn func() error) error {
	l := s.lane(key)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()
	return fn()
}

// TryDo runs fn if the lane for key is free, otherwise reports busy=false
// without blocking.
func (s *Serializer) TryDo(key string, fn func() error) (busy bool, err error) {
	l := s.lane(key)
	select {
	case l <- struct{}{}:
	default:
		return true, nil
	}
	defer func() { <-l }()
	return false, fn()
}
