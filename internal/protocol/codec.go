package protocol

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// appendVarint clamps v to the varint range; quicvarint.Append panics above it.
func appendVarint(b []byte, v uint64) []byte {
	return quicvarint.Append(b, min(v, quicvarint.Max))
}

// appendDuration encodes d in nanoseconds. Negative durations encode as zero.
func appendDuration(b []byte, d time.Duration) []byte {
	return appendVarint(b, uint64(max(d, 0)))
}

func appendString(b []byte, s string) []byte {
	b = quicvarint.Append(b, uint64(len(s)))
	return append(b, s...)
}

// bufReader reads fields sequentially from a payload. The first failure is
// sticky: later reads return zero values and err stays set.
type bufReader struct {
	data []byte
	pos  int
	err  error
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) remaining() int { return len(b.data) - b.pos }

func (b *bufReader) fail() {
	if b.err == nil {
		b.err = ErrShortPayload
	}
}

func (b *bufReader) varint() uint64 {
	if b.err != nil {
		return 0
	}
	if b.pos >= len(b.data) {
		b.fail()
		return 0
	}
	v, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		b.fail()
		return 0
	}
	b.pos += n
	return v
}

func (b *bufReader) uint32() uint32 {
	v := b.varint()
	if v > math.MaxUint32 {
		b.fail()
		return 0
	}
	return uint32(v)
}

func (b *bufReader) duration() time.Duration {
	return time.Duration(b.varint())
}

func (b *bufReader) bytes(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n > b.remaining() {
		b.fail()
		return nil
	}
	v := b.data[b.pos : b.pos+n]
	b.pos += n
	return v
}

func (b *bufReader) float32() float32 {
	v := b.bytes(4)
	if v == nil {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(v))
}

func (b *bufReader) string() string {
	n := b.varint()
	if b.err != nil {
		return ""
	}
	if n > uint64(b.remaining()) {
		b.fail()
		return ""
	}
	return string(b.bytes(int(n)))
}
