// Package shard splits payloads that exceed the safe datagram size into
// MTU-bound shards and reassembles them at the receiver.
//
// The package knows nothing about frames. Video, audio and haptics payloads
// all go through the same Split / Assembler pair; frame semantics live in
// the frame package.
//
// Datagram layout (big-endian):
//
//	[2B stream_id][4B packet_index][4B shard_count][4B shard_index][4B packet_size][payload]
//
// packet_size is the length of the whole reassembled packet. It is repeated
// on every shard so the receiver can size its buffer on whichever shard
// arrives first.
package shard

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed per-datagram header length.
const HeaderSize = 18

// DefaultMaxShardPayload keeps a shard plus its header and QUIC datagram
// overhead under the 1200-byte initial packet size used by the transport.
const DefaultMaxShardPayload = 1100

// MaxPacketSize bounds the size of a single reassembled packet (64 MB).
const MaxPacketSize = 64 * 1024 * 1024

var (
	ErrMalformed     = errors.New("malformed shard")
	ErrShortDatagram = errors.New("datagram shorter than shard header")
)

// StreamID identifies an independent packet stream multiplexed over the
// datagram channel.
type StreamID uint16

const (
	StreamVideo StreamID = iota + 1
	StreamAudio
	StreamHaptics
	StreamTracking
)

func (s StreamID) String() string {
	switch s {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	case StreamHaptics:
		return "haptics"
	case StreamTracking:
		return "tracking"
	default:
		return fmt.Sprintf("stream(%d)", uint16(s))
	}
}

// Shard is one datagram-sized fragment of a packet.
type Shard struct {
	StreamID    StreamID
	PacketIndex uint32
	ShardCount  uint32
	ShardIndex  uint32
	PacketSize  uint32
	Payload     []byte
}

// CeilDiv returns ceil(n / d) for d > 0.
func CeilDiv(n, d int) int {
	return (n + d - 1) / d
}

// CountFor returns the number of shards needed to carry size bytes with at
// most maxPayload bytes per shard. A zero-length packet still occupies one
// (empty) shard so that it reaches the receiver.
func CountFor(size, maxPayload int) int {
	if size == 0 {
		return 1
	}
	return CeilDiv(size, maxPayload)
}

// LenAt returns the payload length of shard idx for a packet of size bytes.
// Every shard is maxPayload bytes except the last, which carries the
// remainder.
func LenAt(size, maxPayload, idx int) int {
	start := idx * maxPayload
	if start >= size {
		return 0
	}
	return min(maxPayload, size-start)
}

// Split cuts payload into shards of at most maxPayload bytes. The returned
// shards alias payload; they are valid as long as payload is not modified.
func Split(stream StreamID, packetIndex uint32, payload []byte, maxPayload int) []Shard {
	if maxPayload <= 0 {
		panic("shard: maxPayload must be positive")
	}
	count := CountFor(len(payload), maxPayload)
	shards := make([]Shard, count)
	for i := range count {
		start := i * maxPayload
		end := start + LenAt(len(payload), maxPayload, i)
		shards[i] = Shard{
			StreamID:    stream,
			PacketIndex: packetIndex,
			ShardCount:  uint32(count),
			ShardIndex:  uint32(i),
			PacketSize:  uint32(len(payload)),
			Payload:     payload[start:end],
		}
	}
	return shards
}

// AppendEncode appends the datagram encoding of s to dst.
func AppendEncode(dst []byte, s Shard) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(s.StreamID))
	binary.BigEndian.PutUint32(hdr[2:6], s.PacketIndex)
	binary.BigEndian.PutUint32(hdr[6:10], s.ShardCount)
	binary.BigEndian.PutUint32(hdr[10:14], s.ShardIndex)
	binary.BigEndian.PutUint32(hdr[14:18], s.PacketSize)
	dst = append(dst, hdr[:]...)
	return append(dst, s.Payload...)
}

// Decode parses a datagram. The returned payload aliases b.
func Decode(b []byte) (Shard, error) {
	if len(b) < HeaderSize {
		return Shard{}, ErrShortDatagram
	}
	s := Shard{
		StreamID:    StreamID(binary.BigEndian.Uint16(b[0:2])),
		PacketIndex: binary.BigEndian.Uint32(b[2:6]),
		ShardCount:  binary.BigEndian.Uint32(b[6:10]),
		ShardIndex:  binary.BigEndian.Uint32(b[10:14]),
		PacketSize:  binary.BigEndian.Uint32(b[14:18]),
		Payload:     b[HeaderSize:],
	}
	if s.ShardCount == 0 || s.ShardIndex >= s.ShardCount {
		return Shard{}, fmt.Errorf("%w: index %d of %d", ErrMalformed, s.ShardIndex, s.ShardCount)
	}
	if s.PacketSize > MaxPacketSize {
		return Shard{}, fmt.Errorf("%w: packet size %d", ErrMalformed, s.PacketSize)
	}
	return s, nil
}

// Validate checks that s is consistent with the negotiated maxPayload:
// the shard count must match the packet size and the payload length must
// match the shard's position.
func Validate(s Shard, maxPayload int) error {
	size := int(s.PacketSize)
	if want := CountFor(size, maxPayload); int(s.ShardCount) != want {
		return fmt.Errorf("%w: shard count %d, want %d for %d bytes", ErrMalformed, s.ShardCount, want, size)
	}
	if s.ShardIndex >= s.ShardCount {
		return fmt.Errorf("%w: index %d of %d", ErrMalformed, s.ShardIndex, s.ShardCount)
	}
	if want := LenAt(size, maxPayload, int(s.ShardIndex)); len(s.Payload) != want {
		return fmt.Errorf("%w: shard %d carries %d bytes, want %d", ErrMalformed, s.ShardIndex, len(s.Payload), want)
	}
	return nil
}

// IndexCompare compares two packet indices with wrap-around: a result > 0
// means a is newer than b. Indices more than half the space apart are
// treated as having wrapped.
func IndexCompare(a, b uint32) int {
	diff := a - b
	switch {
	case diff == 0:
		return 0
	case diff < 1<<31:
		return 1
	default:
		return -1
	}
}
