package feedlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - feed/{feed}/sub/{subfeed}/m              (subfeed metadata: message count)
// - feed/{feed}/sub/{subfeed}/e/{index_be8}  (entries, 0-based)
// - feed/{feed}/sub/{subfeed}/                prefix used to list subfeeds

var (
	sep        = byte('/')
	feedPrefix = []byte("feed/")
	subSeg     = []byte("/sub/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func subfeedPrefix(feedID, subfeedHash string) []byte {
	k := make([]byte, 0, len(feedID)+len(subfeedHash)+24)
	k = append(k, feedPrefix...)
	k = append(k, feedID...)
	k = append(k, subSeg...)
	k = append(k, subfeedHash...)
	return k
}

// KeyMeta builds the subfeed metadata key.
func KeyMeta(feedID, subfeedHash string) []byte {
	return append(subfeedPrefix(feedID, subfeedHash), metaSuffix...)
}

// KeyEntry builds the entry key with a big-endian index for proper ordering.
func KeyEntry(feedID, subfeedHash string, index uint64) []byte {
	k := append(subfeedPrefix(feedID, subfeedHash), entrySeg...)
	return appendBE8(k, index)
}

// KeyFeedPrefix returns the prefix shared by every subfeed of a feed.
func KeyFeedPrefix(feedID string) []byte {
	k := make([]byte, 0, len(feedID)+len(subSeg)+len(feedPrefix))
	k = append(k, feedPrefix...)
	k = append(k, feedID...)
	k = append(k, subSeg...)
	return k
}

// subfeedFromMetaKey extracts the subfeed hash from a meta key under KeyFeedPrefix.
func subfeedFromMetaKey(feedID string, key []byte) (string, bool) {
	p := KeyFeedPrefix(feedID)
	if len(key) < len(p)+len(metaSuffix) {
		return "", false
	}
	rest := key[len(p):]
	if string(rest[len(rest)-len(metaSuffix):]) != string(metaSuffix) {
		return "", false
	}
	name := rest[:len(rest)-len(metaSuffix)]
	for _, c := range name {
		if c == sep {
			return "", false
		}
	}
	return string(name), true
}
