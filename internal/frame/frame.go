// Package frame adds frame semantics on top of shard reassembly: one
// assembly per stream, whole-frame loss detection by frame-index jumps, and
// ready/lost events for the decoder.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chronologos/govr/internal/shard"
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 21

const flagKeyframe = 1 << 0

var ErrShortFrame = errors.New("frame shorter than header")

// Header precedes the media bytes of every frame.
type Header struct {
	FrameIndex     uint64 // monotonically increasing per stream
	ByteSize       uint32 // media bytes following the header
	CompanionIndex uint64 // e.g. the tracking sample the frame was rendered for
	// Keyframe marks a frame that decodes without any earlier one.
	Keyframe bool
}

// AppendFrame appends header and data to dst. ByteSize is taken from data.
func AppendFrame(dst []byte, h Header, data []byte) []byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint64(b[0:8], h.FrameIndex)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(data)))
	binary.BigEndian.PutUint64(b[12:20], h.CompanionIndex)
	if h.Keyframe {
		b[20] |= flagKeyframe
	}
	dst = append(dst, b[:]...)
	return append(dst, data...)
}

// ParseFrame splits a reassembled packet into its header and media bytes.
// The returned data aliases p.
func ParseFrame(p []byte) (Header, []byte, error) {
	if len(p) < HeaderSize {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		FrameIndex:     binary.BigEndian.Uint64(p[0:8]),
		ByteSize:       binary.BigEndian.Uint32(p[8:12]),
		CompanionIndex: binary.BigEndian.Uint64(p[12:20]),
		Keyframe:       p[20]&flagKeyframe != 0,
	}
	data := p[HeaderSize:]
	if int(h.ByteSize) != len(data) {
		return Header{}, nil, fmt.Errorf("frame %d: header says %d bytes, got %d", h.FrameIndex, h.ByteSize, len(data))
	}
	return h, data, nil
}

// PeekCompanion reads the companion index from the first shard of a frame,
// which carries the header. It lets the receiver timestamp a frame's arrival
// before reassembly finishes.
func PeekCompanion(s shard.Shard) (uint64, bool) {
	if s.ShardIndex != 0 || len(s.Payload) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint64(s.Payload[12:20]), true
}

// Sender assigns frame indices and ships frames through a shard.Sender. The
// low 32 bits of the frame index double as the shard packet index, which is
// what the receiver uses to detect loss.
type Sender struct {
	s    *shard.Sender
	next uint64
	buf  []byte
}

// NewSender wraps a shard sender for one stream.
func NewSender(s *shard.Sender) *Sender {
	return &Sender{s: s}
}

// Send ships one frame and returns the index it was assigned.
func (fs *Sender) Send(companion uint64, keyframe bool, data []byte) (uint64, error) {
	idx := fs.next
	fs.next++
	fs.buf = AppendFrame(fs.buf[:0], Header{FrameIndex: idx, CompanionIndex: companion, Keyframe: keyframe}, data)
	if err := fs.s.SendIndexed(uint32(idx), fs.buf); err != nil {
		return idx, err
	}
	return idx, nil
}

// NextIndex returns the index the next frame will get.
func (fs *Sender) NextIndex() uint64 { return fs.next }

// Shards exposes the underlying shard sender (for byte counters).
func (fs *Sender) Shards() *shard.Sender { return fs.s }
