package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/feedlog"
	"github.com/rzbill/relay/internal/kv"
	"github.com/rzbill/relay/internal/objstore"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	// Objects overrides the object store selected by Config.Objects.
	Objects objstore.Store
}

// Runtime is the explicit service context: storage, config and the stores
// built on them. It is opened once and handed to every component.
type Runtime struct {
	db      *pebblestore.DB
	config  cfgpkg.Config
	feeds   *feedlog.Store
	kv      *kv.Store
	objects objstore.Store
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval})
	if err != nil {
		return nil, err
	}
	objects := opts.Objects
	if objects == nil {
		objects, err = objstore.Open(context.Background(), opts.Config.Objects, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Runtime{
		db:      db,
		config:  opts.Config,
		feeds:   feedlog.NewStore(db),
		kv:      kv.New(db),
		objects: objects,
	}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	var errs []error
	if c, ok := r.objects.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, r.db.Close())
	r.db = nil
	return errors.Join(errs...)
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Feeds returns the subfeed log store.
func (r *Runtime) Feeds() *feedlog.Store { return r.feeds }

// KV returns the small-document store.
func (r *Runtime) KV() *kv.Store { return r.kv }

// Objects returns the blob store.
func (r *Runtime) Objects() objstore.Store { return r.objects }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
