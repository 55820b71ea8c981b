// Package frameslot provides a single-value cell that always holds the most
// recent item. Writers overwrite, readers get a private copy.
package frameslot

import (
	"sync"
	"time"
)

// Slot is a mutex-guarded latest-value cell. The lock is held only for the
// copy in or out, never while the caller processes the value.
type Slot[T any] struct {
	clone func(T) T

	mu        sync.Mutex
	value     T
	set       bool
	version   uint64
	updatedAt time.Time
	overwrote uint64
}

// New returns an empty slot. clone must return a value that shares no mutable
// state with its argument; nil means values are copied by assignment.
func New[T any](clone func(T) T) *Slot[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Slot[T]{clone: clone}
}

// Publish replaces the held value with a copy of v.
func (s *Slot[T]) Publish(v T) {
	c := s.clone(v)

	s.mu.Lock()
	if s.set {
		s.overwrote++
	}
	s.value = c
	s.set = true
	s.version++
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// TryReadLatest returns a copy of the latest value, or false if nothing has
// been published yet.
func (s *Slot[T]) TryReadLatest() (T, bool) {
	s.mu.Lock()
	if !s.set {
		s.mu.Unlock()
		var zero T
		return zero, false
	}
	v := s.clone(s.value)
	s.mu.Unlock()
	return v, true
}

// Version increases by one on every Publish. Readers use it to detect new values.
func (s *Slot[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Stats reports when the slot was last written and how many values were
// replaced before anyone could have read them.
func (s *Slot[T]) Stats() (updatedAt time.Time, version, overwritten uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt, s.version, s.overwrote
}

// CloneBytes copies a byte slice. Use it for encoded image slots.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
