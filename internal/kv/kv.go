// Package kv stores small JSON documents by name in Pebble. It backs values
// that are shared between the CLI and the backend, such as user permissions.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

var kvPrefix = []byte("kv/")

func kvKey(name string) []byte {
	k := make([]byte, 0, len(kvPrefix)+len(name))
	k = append(k, kvPrefix...)
	k = append(k, name...)
	return k
}

// Store reads and writes JSON values.
type Store struct {
	db *pebblestore.DB
	mu sync.Mutex
}

// New returns a Store over db.
func New(db *pebblestore.DB) *Store { return &Store{db: db} }

// Get decodes the value stored under name into v. It reports false when the
// name has never been set.
func (s *Store) Get(_ context.Context, name string, v any) (bool, error) {
	b, err := s.db.Get(kvKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: get %s: %w", name, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", name, err)
	}
	return true, nil
}

// Set stores v under name.
func (s *Store) Set(_ context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", name, err)
	}
	return s.db.Set(kvKey(name), b)
}

// Update applies fn to the current value of name (zero value when unset) and
// stores the result. Updates through the same Store are serialized.
func Update[T any](ctx context.Context, s *Store, name string, fn func(*T) error) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur T
	if _, err := s.Get(ctx, name, &cur); err != nil {
		return cur, err
	}
	if err := fn(&cur); err != nil {
		return cur, err
	}
	return cur, s.Set(ctx, name, cur)
}
