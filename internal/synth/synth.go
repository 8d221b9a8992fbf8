// Package synth provides stand-in media for running govr without a real
// codec: frames sized to the requested bitrate, stamped with their target
// timestamp, and a decoder that releases them after a fixed delay.
package synth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/chronologos/govr/internal/session"
)

const (
	stampSize = 8
	// DefaultKeyframeInterval is the number of frames between periodic keyframes.
	DefaultKeyframeInterval = 72
	keyframeScale           = 4
	// DefaultQueueDepth is how many undecoded units the decoder holds.
	DefaultQueueDepth = 8
)

var ErrBadStamp = errors.New("synth: unit stamp does not match target")

// Encoder produces frames of bitrate/framerate bits, with a larger keyframe
// every KeyframeInterval frames or when one is requested.
type Encoder struct {
	fps              float64
	latency          time.Duration
	keyframeInterval int

	mu     sync.Mutex
	bps    float64
	frames int
	idr    bool
}

// NewEncoder returns an encoder for fps frames per second that takes
// latency to produce each frame.
func NewEncoder(fps float32, latency time.Duration) *Encoder {
	return &Encoder{
		fps:              float64(fps),
		latency:          latency,
		keyframeInterval: DefaultKeyframeInterval,
		bps:              30e6,
	}
}

func (e *Encoder) SetTargetBitrate(bps float64) {
	if bps <= 0 {
		return
	}
	e.mu.Lock()
	e.bps = bps
	e.mu.Unlock()
}

func (e *Encoder) RequestIDR() {
	e.mu.Lock()
	e.idr = true
	e.mu.Unlock()
}

// nextFrame returns the size of the next frame and whether it is a
// keyframe, and advances the counter.
func (e *Encoder) nextFrame() (size int, keyframe bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	size = int(e.bps / e.fps / 8)
	if e.idr || e.frames%e.keyframeInterval == 0 {
		size *= keyframeScale
		keyframe = true
		e.idr = false
	}
	e.frames++
	return max(size, stampSize), keyframe
}

func (e *Encoder) Encode(ctx context.Context, target time.Duration) (session.EncodedFrame, error) {
	start := time.Now()
	size, keyframe := e.nextFrame()
	data := Stamp(target, size)

	if e.latency > 0 {
		t := time.NewTimer(e.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return session.EncodedFrame{}, ctx.Err()
		case <-t.C:
		}
	}
	return session.EncodedFrame{Data: data, EncodeLatency: time.Since(start), Keyframe: keyframe}, nil
}

// Stamp returns size bytes beginning with target.
func Stamp(target time.Duration, size int) []byte {
	b := make([]byte, max(size, stampSize))
	binary.BigEndian.PutUint64(b, uint64(target))
	return b
}

type unit struct {
	target  time.Duration
	readyAt time.Time
}

// Decoder checks each unit's stamp and releases it after a fixed delay. At
// most depth units wait to be polled; pushing into a full queue waits for a
// poll to make room.
type Decoder struct {
	delay time.Duration
	depth int
	now   func() time.Time

	mu     sync.Mutex
	queue  deque.Deque[unit]
	pushed int
	// freed is signalled when a poll makes room, added when a push lands.
	freed chan struct{}
	added chan struct{}
}

// NewDecoder returns a decoder that takes delay per unit.
func NewDecoder(delay time.Duration) *Decoder {
	return NewDecoderWithClock(delay, DefaultQueueDepth, time.Now)
}

// NewDecoderWithClock is NewDecoder with an explicit queue depth and an
// injectable clock. The clock only decides when units are ready; timeouts
// run on the wall clock.
func NewDecoderWithClock(delay time.Duration, depth int, now func() time.Time) *Decoder {
	return &Decoder{delay: delay, depth: max(depth, 1), now: now, freed: make(chan struct{}, 1), added: make(chan struct{}, 1)}
}

func (d *Decoder) PushEncodedUnit(target time.Duration, data []byte, timeout time.Duration) (bool, error) {
	if len(data) < stampSize {
		return false, fmt.Errorf("%w: %d byte unit", ErrBadStamp, len(data))
	}
	if got := time.Duration(binary.BigEndian.Uint64(data)); got != target {
		return false, fmt.Errorf("%w: stamped %v, want %v", ErrBadStamp, got, target)
	}

	var expired <-chan time.Time
	for {
		d.mu.Lock()
		if d.queue.Len() < d.depth {
			d.queue.PushBack(unit{target: target, readyAt: d.now().Add(d.delay)})
			d.pushed++
			d.mu.Unlock()
			signal(d.added)
			return true, nil
		}
		d.mu.Unlock()

		if timeout <= 0 {
			return false, nil
		}
		if expired == nil {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-d.freed:
		case <-expired:
			return false, nil
		}
	}
}

func (d *Decoder) PollDecodedUnit(timeout time.Duration) (time.Duration, bool) {
	var expired <-chan time.Time
	for {
		d.mu.Lock()
		if d.queue.Len() > 0 {
			wait := d.queue.Front().readyAt.Sub(d.now())
			if wait <= 0 {
				target := d.queue.PopFront().target
				d.mu.Unlock()
				signal(d.freed)
				return target, true
			}
			d.mu.Unlock()
			if timeout <= 0 || wait > timeout {
				return 0, false
			}
			time.Sleep(wait)
			timeout -= wait
			continue
		}
		d.mu.Unlock()

		if timeout <= 0 {
			return 0, false
		}
		if expired == nil {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		start := time.Now()
		select {
		case <-d.added:
			timeout -= time.Since(start)
		case <-expired:
			return 0, false
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Pushed is the number of units accepted so far.
func (d *Decoder) Pushed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pushed
}
