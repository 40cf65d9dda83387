package id

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ID is 16 bytes: a big-endian millisecond timestamp followed by a
// big-endian per-millisecond counter. Byte order equals creation order
// within one Generator.
type ID [16]byte

// String is the 32-character lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time is the millisecond the ID was minted in.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[:8])))
}

// Less reports whether i was minted before other.
func (i ID) Less(other ID) bool {
	for k := range i {
		if i[k] != other[k] {
			return i[k] < other[k]
		}
	}
	return false
}

// Parse reverses String.
func Parse(s string) (ID, error) {
	var i ID
	if len(s) != 2*len(i) {
		return i, fmt.Errorf("id: want %d hex characters, got %d", 2*len(i), len(s))
	}
	if _, err := hex.Decode(i[:], []byte(s)); err != nil {
		return i, fmt.Errorf("id: %w", err)
	}
	return i, nil
}

// Generator mints strictly increasing IDs. A clock that steps back is
// ignored: the last millisecond is reused and the counter keeps growing.
type Generator struct {
	now func() time.Time

	mu      sync.Mutex
	lastMs  int64
	counter uint64
}

func NewGenerator() *Generator { return &Generator{now: time.Now} }

// Next returns the next ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	if ms > g.lastMs {
		g.lastMs = ms
		g.counter = 0
	} else {
		g.counter++
	}
	var i ID
	binary.BigEndian.PutUint64(i[:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(i[8:], g.counter)
	return i
}
