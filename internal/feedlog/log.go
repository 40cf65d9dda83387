package feedlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// ErrCorrupt is returned when a stored entry fails its checksum.
var ErrCorrupt = errors.New("feedlog: corrupt entry")

// Log is the append-only message list of one subfeed. Entries are addressed
// by 0-based index and never change once written.
type Log struct {
	store   *Store
	feedID  string
	subfeed string

	mu       sync.Mutex
	count    uint64
	notifyCh chan struct{}
}

func openLog(s *Store, feedID, subfeedHash string) (*Log, error) {
	l := &Log{store: s, feedID: feedID, subfeed: subfeedHash, notifyCh: make(chan struct{})}
	meta, err := s.db.Get(KeyMeta(feedID, subfeedHash))
	switch {
	case err == nil && len(meta) >= 8:
		l.count = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, fmt.Errorf("feedlog: load meta %s/%s: %w", feedID, subfeedHash, err)
	}
	return l, nil
}

// FeedID returns the owning feed id.
func (l *Log) FeedID() string { return l.feedID }

// SubfeedHash returns the subfeed hash.
func (l *Log) SubfeedHash() string { return l.subfeed }

// Count returns how many messages the subfeed holds.
func (l *Log) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.count)
}

// Append appends messages as a single atomic batch and returns the index of
// the first one.
func (l *Log) Append(ctx context.Context, messages []json.RawMessage) (int64, error) {
	if len(messages) == 0 {
		return l.Count(), nil
	}
	for i, m := range messages {
		if !json.Valid(m) {
			return 0, fmt.Errorf("feedlog: message %d is not valid JSON", i)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.store.db.NewBatch()
	defer b.Close()

	first := l.count
	now := l.store.now()
	for i, m := range messages {
		if err := b.Set(KeyEntry(l.feedID, l.subfeed, first+uint64(i)), encodeRecord(now, m), nil); err != nil {
			return 0, err
		}
	}
	next := first + uint64(len(messages))
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyMeta(l.feedID, l.subfeed), meta[:], nil); err != nil {
		return 0, err
	}
	if err := l.store.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	l.count = next

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	l.store.notifyAppend()
	return int64(first), nil
}

// WaitForAppend blocks until the next append to this subfeed or until the
// timeout elapses. A non-positive timeout waits indefinitely.
func (l *Log) WaitForAppend(timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.notifyCh
	l.mu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
