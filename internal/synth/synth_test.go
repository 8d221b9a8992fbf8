package synth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncoderSizesFramesFromBitrate(t *testing.T) {
	e := NewEncoder(100, 0)
	e.SetTargetBitrate(8e6) // 10 kB per frame at 100 fps

	ctx := context.Background()
	key, err := e.Encode(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(key.Data) != 4*10000 || !key.Keyframe {
		t.Fatalf("first frame should be a keyframe: %d bytes, keyframe=%v", len(key.Data), key.Keyframe)
	}
	p, _ := e.Encode(ctx, 2)
	if len(p.Data) != 10000 || p.Keyframe {
		t.Fatalf("delta frame %d bytes, keyframe=%v", len(p.Data), p.Keyframe)
	}

	e.RequestIDR()
	idr, _ := e.Encode(ctx, 3)
	if len(idr.Data) != 4*10000 || !idr.Keyframe {
		t.Fatalf("requested keyframe %d bytes, keyframe=%v", len(idr.Data), idr.Keyframe)
	}
	if p, _ := e.Encode(ctx, 4); len(p.Data) != 10000 || p.Keyframe {
		t.Fatalf("keyframe request not cleared: %d bytes", len(p.Data))
	}

	e.SetTargetBitrate(0)
	if p, _ := e.Encode(ctx, 5); len(p.Data) != 10000 {
		t.Fatalf("zero bitrate should be ignored: %d bytes", len(p.Data))
	}
}

func TestEncoderHonorsContext(t *testing.T) {
	e := NewEncoder(72, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Encode(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestDecoderDelay(t *testing.T) {
	now := time.Unix(100, 0)
	d := NewDecoderWithClock(5*time.Millisecond, DefaultQueueDepth, func() time.Time { return now })

	for _, target := range []time.Duration{10, 20} {
		if ok, err := d.PushEncodedUnit(target, Stamp(target, 64), 0); !ok || err != nil {
			t.Fatalf("push %v: %v %v", target, ok, err)
		}
	}
	if _, ok := d.PollDecodedUnit(0); ok {
		t.Fatal("unit released before its decode delay")
	}

	now = now.Add(5 * time.Millisecond)
	for _, want := range []time.Duration{10, 20} {
		got, ok := d.PollDecodedUnit(0)
		if !ok || got != want {
			t.Fatalf("poll = %v %v, want %v", got, ok, want)
		}
	}
	if _, ok := d.PollDecodedUnit(0); ok {
		t.Fatal("queue should be empty")
	}
	if d.Pushed() != 2 {
		t.Fatalf("pushed = %d", d.Pushed())
	}
}

func TestDecoderRejectsWrongStamp(t *testing.T) {
	d := NewDecoder(0)
	if _, err := d.PushEncodedUnit(7, Stamp(8, 64), 0); !errors.Is(err, ErrBadStamp) {
		t.Fatalf("mismatched stamp: %v", err)
	}
	if _, err := d.PushEncodedUnit(7, []byte{1, 2}, 0); !errors.Is(err, ErrBadStamp) {
		t.Fatalf("short unit: %v", err)
	}
	if d.Pushed() != 0 {
		t.Fatal("rejected units were queued")
	}
}

func TestDecoderFullQueue(t *testing.T) {
	d := NewDecoderWithClock(0, 2, time.Now)
	for _, target := range []time.Duration{1, 2} {
		if ok, err := d.PushEncodedUnit(target, Stamp(target, 16), 0); !ok || err != nil {
			t.Fatalf("push %v: %v %v", target, ok, err)
		}
	}

	start := time.Now()
	ok, err := d.PushEncodedUnit(3, Stamp(3, 16), 20*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("push into full queue: accepted=%v err=%v", ok, err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Fatalf("gave up after %v, before its timeout", waited)
	}

	// A poll while the push waits makes room for it.
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.PollDecodedUnit(0)
	}()
	if ok, err := d.PushEncodedUnit(3, Stamp(3, 16), 5*time.Second); !ok || err != nil {
		t.Fatalf("push after poll: accepted=%v err=%v", ok, err)
	}
	if d.Pushed() != 3 {
		t.Fatalf("pushed = %d", d.Pushed())
	}
}

func TestDecoderPollWaits(t *testing.T) {
	d := NewDecoder(10 * time.Millisecond)
	if _, ok := d.PollDecodedUnit(5 * time.Millisecond); ok {
		t.Fatal("empty decoder returned a unit")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.PushEncodedUnit(9, Stamp(9, 16), 0)
	}()
	got, ok := d.PollDecodedUnit(5 * time.Second)
	if !ok || got != 9 {
		t.Fatalf("poll = %v %v", got, ok)
	}
}
