package frame

import (
	"fmt"

	"github.com/chronologos/govr/internal/shard"
)

// State of the assembly for one stream.
type State int

const (
	Empty State = iota
	Assembling
	Complete
	Abandoned
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Assembling:
		return "assembling"
	case Complete:
		return "complete"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Event is either a Ready or a Lost.
type Event interface {
	isEvent()
}

// Ready carries a complete frame.
type Ready struct {
	Stream         shard.StreamID
	FrameIndex     uint64
	CompanionIndex uint64
	Keyframe       bool
	Bytes          []byte
}

// Lost reports a frame abandoned because a newer frame started before it was
// complete. Decoders typically answer it with a keyframe request.
type Lost struct {
	Stream     shard.StreamID
	FrameIndex uint64
}

func (Ready) isEvent() {}
func (Lost) isEvent()  {}

type stream struct {
	asm   *shard.Assembler
	state State
	hi    uint64 // high 32 bits of the frame index, bumped on wire-index wrap
	last  uint32
}

func (st *stream) widen(idx uint32) uint64 {
	return st.hi | uint64(idx)
}

// Reassembler tracks one in-flight frame per stream id.
//
// It is owned by the goroutine that ingests shards and is not safe for
// concurrent use.
type Reassembler struct {
	maxPayload int
	streams    map[shard.StreamID]*stream
}

// NewReassembler returns a Reassembler for shards of at most maxPayload
// bytes, the value negotiated in the stream configuration.
func NewReassembler(maxPayload int) *Reassembler {
	return &Reassembler{
		maxPayload: maxPayload,
		streams:    make(map[shard.StreamID]*stream),
	}
}

func (r *Reassembler) stream(id shard.StreamID) *stream {
	st, ok := r.streams[id]
	if !ok {
		st = &stream{asm: shard.NewAssembler(r.maxPayload)}
		r.streams[id] = st
	}
	return st
}

// State returns the assembly state for a stream.
func (r *Reassembler) State(id shard.StreamID) State {
	if st, ok := r.streams[id]; ok {
		return st.state
	}
	return Empty
}

// Reconstructed reports whether every shard of the stream's current frame
// has been received.
func (r *Reassembler) Reconstructed(id shard.StreamID) bool {
	st, ok := r.streams[id]
	if !ok || st.state == Empty || st.state == Abandoned {
		return false
	}
	got, want := st.asm.Received()
	return want > 0 && got == want
}

// Reset drops all per-stream state, as after a reconnect.
func (r *Reassembler) Reset() {
	clear(r.streams)
}

// Ingest feeds one shard and returns the events it caused, appended to dst.
// A shard can cause both a Lost (for the frame it superseded) and a Ready
// (if it completes a single-shard frame).
//
// Malformed shards return an error and cause no events. A completed payload
// whose frame header does not parse is reported as Lost together with the
// error, so the decoder still gets a chance to recover.
func (r *Reassembler) Ingest(s shard.Shard, dst []Event) ([]Event, error) {
	st := r.stream(s.StreamID)

	prev, started := st.asm.Current()
	res, err := st.asm.Ingest(s)
	if err != nil {
		return dst, err
	}
	if res.Status == shard.Stale {
		return dst, nil
	}

	if started && s.PacketIndex != prev && s.PacketIndex < prev {
		// newer by wrap-around comparison but numerically smaller
		st.hi += 1 << 32
	}
	if res.Superseded {
		lostHi := st.hi
		if res.SupersededIndex > s.PacketIndex {
			lostHi -= 1 << 32
		}
		dst = append(dst, Lost{Stream: s.StreamID, FrameIndex: lostHi | uint64(res.SupersededIndex)})
	}
	st.last = s.PacketIndex

	switch res.Status {
	case shard.Incomplete:
		st.state = Assembling
	case shard.Complete:
		h, data, err := ParseFrame(res.Payload)
		if err != nil {
			st.state = Abandoned
			dst = append(dst, Lost{Stream: s.StreamID, FrameIndex: st.widen(s.PacketIndex)})
			return dst, fmt.Errorf("stream %s: %w", s.StreamID, err)
		}
		st.state = Complete
		dst = append(dst, Ready{
			Stream:         s.StreamID,
			FrameIndex:     h.FrameIndex,
			CompanionIndex: h.CompanionIndex,
			Keyframe:       h.Keyframe,
			Bytes:          data,
		})
	}
	return dst, nil
}

// Abandon gives up on a stream's in-flight frame, e.g. when the decoder has
// already requested a keyframe. It returns the Lost event, if any.
func (r *Reassembler) Abandon(id shard.StreamID) (Lost, bool) {
	st, ok := r.streams[id]
	if !ok || !st.asm.Abandon() {
		return Lost{}, false
	}
	st.state = Abandoned
	return Lost{Stream: id, FrameIndex: st.widen(st.last)}, true
}
