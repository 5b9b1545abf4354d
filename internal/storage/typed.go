package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kinds persisted by groupd.
const (
	KindGroup       = "group"
	KindGroupValues = "group_values"
)

// TypedStore wraps Store with JSON marshaling for a specific type.
type TypedStore[T any] struct {
	store *Store
	kind  string

	// serializes Update so concurrent read-modify-write cycles do not lose data
	updateMu sync.Mutex
}

// NewTypedStore creates a new typed store wrapper for the given kind.
func NewTypedStore[T any](store *Store, kind string) *TypedStore[T] {
	return &TypedStore[T]{
		store: store,
		kind:  kind,
	}
}

// Kind returns the resource kind this store handles.
func (s *TypedStore[T]) Kind() string {
	return s.kind
}

// Get retrieves and unmarshals the state for an ID.
// Returns zero value and version 0 if not found.
func (s *TypedStore[T]) Get(ctx context.Context, id string) (value T, version int64, err error) {
	payload, version, err := s.store.Get(ctx, s.kind, id)
	if err != nil {
		return value, 0, err
	}

	if payload == nil {
		return value, 0, nil
	}

	if err := json.Unmarshal(payload, &value); err != nil {
		return value, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return value, version, nil
}

// Set marshals and stores the state for an ID.
func (s *TypedStore[T]) Set(ctx context.Context, id string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return s.store.Set(ctx, s.kind, id, payload)
}

// Delete removes the state for an ID.
func (s *TypedStore[T]) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, s.kind, id)
}

// Clear removes all state for this kind.
func (s *TypedStore[T]) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.kind)
}

// GetAll retrieves all entries for this kind.
func (s *TypedStore[T]) GetAll(ctx context.Context) (map[string]T, map[string]int64, error) {
	payloads, versions, err := s.store.GetAll(ctx, s.kind)
	if err != nil {
		return nil, nil, err
	}

	values := make(map[string]T, len(payloads))
	for id, payload := range payloads {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal state for %s: %w", id, err)
		}
		values[id] = value
	}

	return values, versions, nil
}

// Update applies a modification function to the current state.
// If the ID doesn't exist, the modify function receives the zero value.
func (s *TypedStore[T]) Update(ctx context.Context, id string, modify func(current T) T) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	current, _, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	updated := modify(current)
	return s.Set(ctx, id, updated)
}
