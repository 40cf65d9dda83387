package feedlog

import (
	"encoding/binary"
	"hash/crc32"
	"time"
)

// Record encoding: appendedAtMs(8B BE) | payload | crc32c(ts|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(appendedAt time.Time, payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload)+4)
	out = appendBE8(out, uint64(appendedAt.UnixMilli()))
	out = append(out, payload...)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc32.Checksum(out, castagnoli))
	return append(out, crcb[:]...)
}

type decoded struct {
	AppendedAtMs int64
	Payload      []byte
}

func decodeRecord(b []byte) (decoded, bool) {
	if len(b) < 8+4 {
		return decoded{}, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return decoded{}, false
	}
	return decoded{
		AppendedAtMs: int64(binary.BigEndian.Uint64(body[:8])),
		Payload:      append([]byte(nil), body[8:]...),
	}, true
}
