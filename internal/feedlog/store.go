package feedlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
)

// Store owns every subfeed log kept in one Pebble database.
type Store struct {
	db  *pebblestore.DB
	now func() time.Time

	mu       sync.Mutex
	logs     map[string]*Log
	notifyCh chan struct{}
}

// NewStore returns a Store over db.
func NewStore(db *pebblestore.DB) *Store {
	return &Store{db: db, now: time.Now, logs: make(map[string]*Log), notifyCh: make(chan struct{})}
}

// Subfeed opens (or returns the cached) log for feedID/subfeedHash.
func (s *Store) Subfeed(feedID, subfeedHash string) (*Log, error) {
	if feedID == "" || subfeedHash == "" {
		return nil, errors.New("feedlog: feed id and subfeed hash are required")
	}
	key := feedID + "/" + subfeedHash
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[key]; ok {
		return l, nil
	}
	l, err := openLog(s, feedID, subfeedHash)
	if err != nil {
		return nil, err
	}
	s.logs[key] = l
	return l, nil
}

// Append is a shorthand for Subfeed(...).Append.
func (s *Store) Append(ctx context.Context, feedID, subfeedHash string, messages []json.RawMessage) (int64, error) {
	l, err := s.Subfeed(feedID, subfeedHash)
	if err != nil {
		return 0, err
	}
	return l.Append(ctx, messages)
}

// Messages reads every message of a subfeed in order.
func (s *Store) Messages(ctx context.Context, feedID, subfeedHash string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := s.Subfeed(feedID, subfeedHash)
	if err != nil {
		return nil, err
	}
	return l.Read(0, 0)
}

// SubfeedInfo summarizes one subfeed of a feed.
type SubfeedInfo struct {
	SubfeedHash  string `json:"subfeedHash"`
	MessageCount int64  `json:"messageCount"`
}

// ListSubfeeds returns the subfeeds of a feed with their message counts.
func (s *Store) ListSubfeeds(feedID string) ([]SubfeedInfo, error) {
	var out []SubfeedInfo
	err := s.db.ScanPrefix(KeyFeedPrefix(feedID), func(k, v []byte) bool {
		name, ok := subfeedFromMetaKey(feedID, k)
		if ok && len(v) >= 8 {
			out = append(out, SubfeedInfo{SubfeedHash: name, MessageCount: int64(binary.BigEndian.Uint64(v[:8]))})
		}
		return true
	})
	return out, err
}

// Changed returns a channel closed on the next append to any subfeed.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyCh
}

func (s *Store) notifyAppend() {
	s.mu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.mu.Unlock()
}
