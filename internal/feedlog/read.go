package feedlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Read returns up to limit messages starting at index from (inclusive).
// A limit of 0 reads to the end of the subfeed.
func (l *Log) Read(from int64, limit int) ([]json.RawMessage, error) {
	if from < 0 {
		from = 0
	}
	count := l.Count()
	if from >= count {
		return nil, nil
	}
	end := count
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}

	low := KeyEntry(l.feedID, l.subfeed, uint64(from))
	hi := KeyEntry(l.feedID, l.subfeed, uint64(end))
	iter, err := l.store.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]json.RawMessage, 0, end-from)
	expect := uint64(from)
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		idx := binary.BigEndian.Uint64(k[len(k)-8:])
		if idx != expect {
			return nil, fmt.Errorf("feedlog: %s/%s missing entry %d", l.feedID, l.subfeed, expect)
		}
		dec, ok := decodeRecord(iter.Value())
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s index %d", ErrCorrupt, l.feedID, l.subfeed, idx)
		}
		out = append(out, json.RawMessage(dec.Payload))
		expect++
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}
