package feedlog

import (
	"context"
	"encoding/json"
	"time"
)

// Watch asks for messages of one subfeed from Position on.
type Watch struct {
	FeedID      string `json:"feedId"`
	SubfeedHash string `json:"subfeedHash"`
	Position    int64  `json:"position"`
}

// WatchForNewMessages long-polls the given watches. It returns as soon as at
// least one watch has messages past its position, or when wait elapses.
// Results are keyed like the input and start exactly at each watch's position.
func (s *Store) WatchForNewMessages(ctx context.Context, watches map[string]Watch, wait time.Duration) (map[string][]json.RawMessage, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	for {
		changed := s.Changed()
		out, err := s.collect(watches)
		if err != nil || len(out) > 0 {
			return out, err
		}
		select {
		case <-changed:
		case <-deadline.C:
			return map[string][]json.RawMessage{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) collect(watches map[string]Watch) (map[string][]json.RawMessage, error) {
	out := make(map[string][]json.RawMessage)
	for key, w := range watches {
		l, err := s.Subfeed(w.FeedID, w.SubfeedHash)
		if err != nil {
			return nil, err
		}
		if l.Count() <= w.Position {
			continue
		}
		msgs, err := l.Read(w.Position, 0)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			out[key] = msgs
		}
	}
	return out, nil
}
