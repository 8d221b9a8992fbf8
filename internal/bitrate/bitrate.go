// Package bitrate picks the encoder's target bitrate. In adaptive mode the
// target follows observed throughput: the average encoded frame size divided
// by the average time the network took to deliver a frame.
package bitrate

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// DefaultWindow is the sliding window length used when none is given.
const DefaultWindow = 256

// Initial averages used before any sample arrives.
const (
	initialFrameBits = 400_000
	initialLatency   = 5 * time.Millisecond
)

// Mode selects how the target is computed.
type Mode interface {
	mode()
}

// Constant always targets Mbps.
type Constant struct {
	Mbps float64
}

// Adaptive scales measured throughput by SaturationMultiplier and clamps it
// to [MinMbps, MaxMbps]. A zero bound is unset.
type Adaptive struct {
	SaturationMultiplier float64
	MinMbps              float64
	MaxMbps              float64
}

func (Constant) mode() {}
func (Adaptive) mode() {}

// window is a bounded sliding average.
type window struct {
	samples deque.Deque[float64]
	size    int
	initial float64
}

func (w *window) submit(v float64) {
	w.samples.PushBack(v)
	for w.samples.Len() > w.size {
		w.samples.PopFront()
	}
}

func (w *window) average() float64 {
	n := w.samples.Len()
	if n == 0 {
		return w.initial
	}
	var sum float64
	for i := range n {
		sum += w.samples.At(i)
	}
	return sum / float64(n)
}

// Controller computes the target bitrate. Safe for concurrent use.
type Controller struct {
	mu   sync.Mutex
	mode Mode

	bits    window
	latency window // seconds

	// seen holds the most recent feedback target timestamps, newest last.
	seen deque.Deque[time.Duration]
}

// New returns a Controller for mode averaging over windowSize samples.
func New(mode Mode, windowSize int) *Controller {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	return &Controller{
		mode:    mode,
		bits:    window{size: windowSize, initial: initialFrameBits},
		latency: window{size: windowSize, initial: initialLatency.Seconds()},
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches mode, keeping the collected samples.
func (c *Controller) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// ReportEncodedFrame records the size in bits of one encoded frame.
func (c *Controller) ReportEncodedFrame(bits int) {
	if bits <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bits.submit(float64(bits))
}

// ReportFeedbackLatency records the delivery latency the peer observed for
// the frame identified by target. Repeated reports for the same target and
// zero latencies are ignored. It reports whether the sample was used.
func (c *Controller) ReportFeedbackLatency(target, latency time.Duration) bool {
	if latency <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := c.seen.Len() - 1; i >= 0; i-- {
		if c.seen.At(i) == target {
			return false
		}
	}
	c.seen.PushBack(target)
	for c.seen.Len() > c.latency.size {
		c.seen.PopFront()
	}
	c.latency.submit(latency.Seconds())
	return true
}

// TargetBps returns the bitrate the encoder should use, in bits per second.
func (c *Controller) TargetBps() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := c.mode.(type) {
	case Constant:
		return m.Mbps * 1e6
	case Adaptive:
		bps := c.bits.average() / c.latency.average() * m.SaturationMultiplier
		if m.MaxMbps > 0 {
			bps = min(bps, m.MaxMbps*1e6)
		}
		if m.MinMbps > 0 {
			bps = max(bps, m.MinMbps*1e6)
		}
		return bps
	default:
		return 0
	}
}
