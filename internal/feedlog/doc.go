// Package feedlog implements relay's append-only subfeed logs.
//
// # Overview
//
// A feed groups many subfeeds; each subfeed is an ordered list of JSON
// messages addressed by 0-based index. Logs are persisted in Pebble under
// lexicographically ordered keys:
//   - feed/{feed}/sub/{subfeed}/m              (metadata: message count)
//   - feed/{feed}/sub/{subfeed}/e/{index_be8}  (entries)
//
// Records are stored as: appendedAtMs(8B BE) | payload | crc32c.
//
// API surface (internal)
//
//	s := feedlog.NewStore(db)
//	l, _ := s.Subfeed(feedID, subfeedHash)
//	first, _ := l.Append(ctx, msgs)
//	msgs, _ := l.Read(first, 0)
//
//	// Long-poll several subfeeds at once
//	got, _ := s.WatchForNewMessages(ctx, map[string]feedlog.Watch{"k": {FeedID: f, SubfeedHash: h, Position: 3}}, 6*time.Second)
package feedlog
