package frame

import (
	"bytes"
	"context"
	"testing"

	"github.com/chronologos/govr/internal/shard"
)

func media(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%249)
	}
	return b
}

// frameShards builds the shards of one encoded frame.
func frameShards(idx uint64, companion uint64, data []byte, maxPayload int) []shard.Shard {
	p := AppendFrame(nil, Header{FrameIndex: idx, CompanionIndex: companion}, data)
	return shard.Split(shard.StreamVideo, uint32(idx), p, maxPayload)
}

func ingestAll(t *testing.T, r *Reassembler, shards []shard.Shard) []Event {
	t.Helper()
	var evs []Event
	for _, s := range shards {
		var err error
		evs, err = r.Ingest(s, evs)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	return evs
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	data := []byte("nal units")
	p := AppendFrame(nil, Header{FrameIndex: 1 << 40, CompanionIndex: 99, Keyframe: true}, data)
	h, got, err := ParseFrame(p)
	if err != nil {
		t.Fatal(err)
	}
	if h.FrameIndex != 1<<40 || h.CompanionIndex != 99 || h.ByteSize != uint32(len(data)) || !h.Keyframe {
		t.Fatalf("header mismatch: %+v", h)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("data mismatch")
	}
	if _, _, err := ParseFrame(p[:HeaderSize-1]); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestReassembleOutOfOrderFrame(t *testing.T) {
	// 2979 media bytes + 21 header = 3000 bytes on the wire: 1400, 1400, 200.
	data := media(3000-HeaderSize, 3)
	shards := frameShards(0, 42, data, 1400)
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards, got %d", len(shards))
	}
	if n := len(shards[2].Payload); n != 200 {
		t.Fatalf("last shard %d bytes, want 200", n)
	}

	r := NewReassembler(1400)
	evs := ingestAll(t, r, []shard.Shard{shards[2], shards[0]})
	if len(evs) != 0 || r.Reconstructed(shard.StreamVideo) {
		t.Fatal("frame must not be reconstructed before the last shard")
	}
	if r.State(shard.StreamVideo) != Assembling {
		t.Fatalf("state %s, want assembling", r.State(shard.StreamVideo))
	}

	evs = ingestAll(t, r, shards[1:2])
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	ready, ok := evs[0].(Ready)
	if !ok {
		t.Fatalf("expected Ready, got %T", evs[0])
	}
	if ready.FrameIndex != 0 || ready.CompanionIndex != 42 || !bytes.Equal(ready.Bytes, data) {
		t.Fatalf("ready mismatch: idx=%d companion=%d len=%d", ready.FrameIndex, ready.CompanionIndex, len(ready.Bytes))
	}
	if !r.Reconstructed(shard.StreamVideo) || r.State(shard.StreamVideo) != Complete {
		t.Fatal("expected complete state")
	}
}

func TestMissingShardThenNewerFrameIsLost(t *testing.T) {
	r := NewReassembler(500)
	f0 := frameShards(0, 0, media(1400, 1), 500)
	f1 := frameShards(1, 0, media(300, 2), 500)

	// Drop the middle shard of frame 0.
	evs := ingestAll(t, r, []shard.Shard{f0[0], f0[2]})
	if len(evs) != 0 {
		t.Fatalf("unexpected events: %v", evs)
	}
	for range 3 {
		if r.Reconstructed(shard.StreamVideo) {
			t.Fatal("incomplete frame reported reconstructed")
		}
	}

	evs = ingestAll(t, r, f1)
	if len(evs) != 2 {
		t.Fatalf("expected Lost then Ready, got %d events", len(evs))
	}
	lost, ok := evs[0].(Lost)
	if !ok || lost.FrameIndex != 0 {
		t.Fatalf("expected Lost{0}, got %#v", evs[0])
	}
	if ready, ok := evs[1].(Ready); !ok || ready.FrameIndex != 1 {
		t.Fatalf("expected Ready{1}, got %#v", evs[1])
	}

	// The missing shard of frame 0 finally shows up: dropped silently.
	evs = ingestAll(t, r, f0[1:2])
	if len(evs) != 0 {
		t.Fatalf("late shard produced events: %v", evs)
	}
}

func TestMonotonicAfterNewerFrame(t *testing.T) {
	r := NewReassembler(100)
	f5 := frameShards(5, 0, media(250, 5), 100)
	f6 := frameShards(6, 0, media(250, 6), 100)
	f4 := frameShards(4, 0, media(50, 4), 100)

	ingestAll(t, r, f5[:1])
	ingestAll(t, r, f6[:1]) // frame 5 abandoned

	// Neither frame 5 nor the older frame 4 may be written anymore.
	evs := ingestAll(t, r, append(append([]shard.Shard{}, f5[1:]...), f4...))
	if len(evs) != 0 {
		t.Fatalf("stale shards produced events: %v", evs)
	}
	if got, want := r.streams[shard.StreamVideo].asm.Received(); got != 1 || want != uint32(len(f6)) {
		t.Fatalf("frame 6 assembly disturbed: %d/%d", got, want)
	}

	evs = ingestAll(t, r, f6[1:])
	if len(evs) != 1 {
		t.Fatalf("expected frame 6 ready, got %v", evs)
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	r := NewReassembler(100)
	video := frameShards(10, 0, media(150, 1), 100)
	audioPayload := AppendFrame(nil, Header{FrameIndex: 3}, media(30, 9))
	audio := shard.Split(shard.StreamAudio, 3, audioPayload, 100)

	ingestAll(t, r, video[:1])
	evs := ingestAll(t, r, audio)
	if len(evs) != 1 {
		t.Fatalf("expected audio ready, got %v", evs)
	}
	if ev := evs[0].(Ready); ev.Stream != shard.StreamAudio {
		t.Fatalf("ready on wrong stream %s", ev.Stream)
	}
	if r.State(shard.StreamVideo) != Assembling {
		t.Fatal("audio must not disturb video assembly")
	}
}

func TestLostIndexAcrossWrap(t *testing.T) {
	r := NewReassembler(100)
	last := uint64(1<<32 - 1)
	a := frameShards(last, 0, media(150, 1), 100)
	b := frameShards(last+1, 0, media(10, 2), 100)

	ingestAll(t, r, a[:1])
	evs := ingestAll(t, r, b)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if lost := evs[0].(Lost); lost.FrameIndex != last {
		t.Fatalf("lost index %d, want %d", lost.FrameIndex, last)
	}
	if ready := evs[1].(Ready); ready.FrameIndex != last+1 {
		t.Fatalf("ready index %d, want %d", ready.FrameIndex, last+1)
	}
}

func TestAbandon(t *testing.T) {
	r := NewReassembler(100)
	f := frameShards(2, 0, media(250, 1), 100)
	ingestAll(t, r, f[:1])

	lost, ok := r.Abandon(shard.StreamVideo)
	if !ok || lost.FrameIndex != 2 {
		t.Fatalf("abandon: %v %v", lost, ok)
	}
	if r.State(shard.StreamVideo) != Abandoned {
		t.Fatal("expected abandoned state")
	}
	if evs := ingestAll(t, r, f[1:]); len(evs) != 0 {
		t.Fatalf("abandoned frame shards produced events: %v", evs)
	}
	if _, ok := r.Abandon(shard.StreamVideo); ok {
		t.Fatal("nothing should be in flight")
	}
}

type loopback struct{ ch chan []byte }

func (l *loopback) WriteDatagram(p []byte) error {
	l.ch <- bytes.Clone(p)
	return nil
}

func (l *loopback) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestSenderAssignsIndices(t *testing.T) {
	link := &loopback{ch: make(chan []byte, 128)}
	fs := NewSender(shard.NewSender(link, shard.StreamVideo, 256))

	var sent [][]byte
	for i := range 4 {
		data := media(100+i*300, byte(i))
		idx, err := fs.Send(uint64(1000+i), i == 0, data)
		if err != nil {
			t.Fatal(err)
		}
		if idx != uint64(i) {
			t.Fatalf("frame index %d, want %d", idx, i)
		}
		sent = append(sent, data)
	}

	r := NewReassembler(256)
	var evs []Event
	for len(link.ch) > 0 {
		s, err := shard.Decode(<-link.ch)
		if err != nil {
			t.Fatal(err)
		}
		if evs, err = r.Ingest(s, evs); err != nil {
			t.Fatal(err)
		}
	}
	if len(evs) != len(sent) {
		t.Fatalf("got %d events, want %d", len(evs), len(sent))
	}
	for i, ev := range evs {
		ready := ev.(Ready)
		if ready.CompanionIndex != uint64(1000+i) || ready.Keyframe != (i == 0) || !bytes.Equal(ready.Bytes, sent[i]) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
}

func TestPeekCompanion(t *testing.T) {
	f := frameShards(7, 4242, media(900, 3), 256)
	if got, ok := PeekCompanion(f[0]); !ok || got != 4242 {
		t.Fatalf("first shard: got %d %v", got, ok)
	}
	if _, ok := PeekCompanion(f[1]); ok {
		t.Fatal("only the first shard carries the header")
	}
	tiny := f[0]
	tiny.Payload = tiny.Payload[:HeaderSize-1]
	if _, ok := PeekCompanion(tiny); ok {
		t.Fatal("short payload should not peek")
	}
}
