package session

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/chronologos/govr/internal/shard"
	"github.com/chronologos/govr/internal/stats"
)

// EncodedFrame is one frame leaving the host encoder.
type EncodedFrame struct {
	Data          []byte
	EncodeLatency time.Duration
	// Keyframe is set when Data decodes without any earlier frame.
	Keyframe bool
}

// Encoder is the host's video source. Encode renders and encodes the frame
// for the tracking sample identified by target, blocking until it is ready.
type Encoder interface {
	Encode(ctx context.Context, target time.Duration) (EncodedFrame, error)
	SetTargetBitrate(bps float64)
	RequestIDR()
}

// Decoder is the headset's video sink.
//
// PushEncodedUnit offers one frame, waiting up to timeout for input space.
// accepted is false when the decoder is saturated; the caller drops the frame
// and recovers with a keyframe. A non-nil error means the decoder itself has
// failed. data is only valid for the duration of the call.
//
// PollDecodedUnit returns the oldest finished frame, waiting up to timeout
// for one. A zero timeout does not block.
type Decoder interface {
	PushEncodedUnit(target time.Duration, data []byte, timeout time.Duration) (accepted bool, err error)
	PollDecodedUnit(timeout time.Duration) (target time.Duration, ok bool)
}

// Presenter is optionally implemented by a Decoder that knows how long a
// composited frame waits for vsync.
type Presenter interface {
	Present(target time.Duration) (vsyncQueue time.Duration)
}

// keyframeGate tracks whether the decoder's reference chain is broken.
// While it is, only a keyframe gets through (when enabled).
type keyframeGate struct {
	enabled   bool
	corrupted bool
}

func (g *keyframeGate) corrupt() { g.corrupted = true }

// admit reports whether a frame should reach the decoder.
func (g *keyframeGate) admit(keyframe bool) bool {
	if keyframe {
		g.corrupted = false
	}
	return !g.enabled || !g.corrupted
}

const trackingSize = 8

var errShortTracking = errors.New("tracking payload too short")

func appendTracking(dst []byte, target time.Duration) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(target))
}

func parseTracking(p []byte) (time.Duration, error) {
	if len(p) < trackingSize {
		return 0, errShortTracking
	}
	return time.Duration(binary.BigEndian.Uint64(p)), nil
}

// countingWriter feeds the host packet counters.
type countingWriter struct {
	w     shard.DatagramWriter
	stats *stats.Host
}

func (c countingWriter) WriteDatagram(p []byte) error {
	if err := c.w.WriteDatagram(p); err != nil {
		return err
	}
	c.stats.CountPacket(len(p))
	return nil
}
