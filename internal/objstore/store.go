// Package objstore is the blob store for task results, mirrored subfeed
// entries, consolidated ranges and backend config objects. Paths are plain
// slash-separated strings; there is no rename, so callers rely on
// only-if-absent writes to get first-writer-wins semantics.
package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for paths that were never written.
var ErrNotFound = errors.New("objstore: object not found")

// PutOptions tunes a Put.
type PutOptions struct {
	// IfAbsent skips the write when the path already holds an object.
	IfAbsent bool
}

// Store reads and writes blobs by path.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	// Put reports whether the object was written; with IfAbsent a false
	// result means another writer got there first.
	Put(ctx context.Context, path string, data []byte, opts PutOptions) (bool, error)
	// URI renders a locator for path that clients can resolve.
	URI(path string) string
}

// GetJSON decodes the object at path into v, reporting false when absent.
func GetJSON(ctx context.Context, s Store, path string, v any) (bool, error) {
	b, err := s.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("objstore: decode %s: %w", path, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at path.
func PutJSON(ctx context.Context, s Store, path string, v any, opts PutOptions) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("objstore: encode %s: %w", path, err)
	}
	return s.Put(ctx, path, b, opts)
}
