package objstore

import (
	"context"
	"errors"

	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

var objPrefix = []byte("obj/")

// Local keeps objects in the backend's own Pebble database.
type Local struct {
	db *pebblestore.DB
}

// NewLocal returns a Local store over db.
func NewLocal(db *pebblestore.DB) *Local { return &Local{db: db} }

func objKey(path string) []byte {
	k := make([]byte, 0, len(objPrefix)+len(path))
	k = append(k, objPrefix...)
	return append(k, path...)
}

func (l *Local) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := l.db.Get(objKey(path))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

func (l *Local) Put(ctx context.Context, path string, data []byte, opts PutOptions) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if opts.IfAbsent {
		return l.db.SetIfAbsent(objKey(path), data)
	}
	if err := l.db.Set(objKey(path), data); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Local) URI(path string) string { return "pebble:///" + path }

// List returns every object path under prefix in key order.
func (l *Local) List(prefix string) ([]string, error) {
	var out []string
	err := l.db.ScanPrefix(objKey(prefix), func(k, _ []byte) bool {
		out = append(out, string(k[len(objPrefix):]))
		return true
	})
	return out, err
}
