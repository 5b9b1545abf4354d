// Package debounce coalesces bursts of work per key. Each key keeps only the
// most recent payload and its callback fires once the key has been quiet for
// the scheduled delay.
package debounce

import (
	"sync"
	"time"
)

type entry[T any] struct {
	timer   *time.Timer
	payload T
	gen     uint64
}

// Scheduler is a trailing per-key debouncer.
type Scheduler[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	gen     uint64
	stopped bool
}

// New creates an empty scheduler.
func New[T any]() *Scheduler[T] {
	return &Scheduler[T]{entries: make(map[string]*entry[T])}
}

// Schedule replaces any pending payload for key and restarts its timer.
// A zero delay still fires asynchronously. Schedule after Stop is a no-op.
func (s *Scheduler[T]) Schedule(key string, payload T, delay time.Duration, fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleLocked(key, payload, delay, fn)
}

// Update schedules the result of merge applied to the pending payload for key
// (or the zero value when nothing is pending). merge runs under the scheduler
// lock and must not call back into s.
func (s *Scheduler[T]) Update(key string, delay time.Duration, merge func(pending T, ok bool) T, fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending T
	e, ok := s.entries[key]
	if ok {
		pending = e.payload
	}
	s.scheduleLocked(key, merge(pending, ok), delay, fn)
}

func (s *Scheduler[T]) scheduleLocked(key string, payload T, delay time.Duration, fn func(T)) {
	if s.stopped {
		return
	}
	if delay < 0 {
		delay = 0
	}

	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
	}

	s.gen++
	e := &entry[T]{payload: payload, gen: s.gen}
	gen := e.gen
	e.timer = time.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.entries[key] = e
}

// fire runs fn for key unless the entry was replaced or cancelled since the
// timer was armed.
func (s *Scheduler[T]) fire(key string, gen uint64, fn func(T)) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	payload := e.payload
	s.mu.Unlock()

	fn(payload)
}

// Cancel drops the pending payload for key.
func (s *Scheduler[T]) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

// CancelAll drops every pending payload.
func (s *Scheduler[T]) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, key)
	}
}

// Stop cancels everything and rejects further scheduling.
func (s *Scheduler[T]) Stop() {
	s.CancelAll()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Pending returns the number of keys waiting to fire.
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
