// Package kv defines the key/value primitive that all notara data is stored
// in, along with an in-memory implementation.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed is returned by a store that has been closed.
var ErrClosed = errors.New("kv store closed")

// Store is a flat key/value store with whole-value reads and writes. Each call
// is atomic on its own; callers composing read-modify-write sequences get no
// isolation from concurrent writers.
type Store interface {
	// Get returns the values of the given keys. Keys that are not stored are
	// absent from the result. With no keys, every entry is returned.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	// Set writes every entry of values.
	Set(ctx context.Context, values map[string]json.RawMessage) error
	// Remove deletes the given keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
}

// GetJSON reads key into v. found is false when key is not stored.
func GetJSON(ctx context.Context, s Store, key string, v any) (found bool, err error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, map[string]json.RawMessage{key: raw})
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]json.RawMessage
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		for k, v := range m.data {
			out[k] = clone(v)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, values map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k, v := range values {
		m.data[k] = clone(v)
	}
	return nil
}

func (m *Memory) Remove(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Close makes every later call fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
