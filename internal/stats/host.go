package stats

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// ClientReport is the per-frame breakdown a headset sends back to the host.
type ClientReport struct {
	TargetTimestamp      time.Duration
	FrameInterval        time.Duration
	DecodeLatency        time.Duration
	RenderLatency        time.Duration
	VsyncQueue           time.Duration
	TotalPipelineLatency time.Duration
}

// ReportFromSample converts a client latency row into the feedback report.
func ReportFromSample(s LatencySample) ClientReport {
	return ClientReport{
		TargetTimestamp:      s.TargetTimestamp,
		FrameInterval:        s.FrameInterval,
		DecodeLatency:        s.DecodeLatency,
		RenderLatency:        s.RenderLatency,
		VsyncQueue:           s.VsyncQueue,
		TotalPipelineLatency: s.TotalPipelineLatency,
	}
}

// HostSummary is the host-side aggregate over one reporting interval.
type HostSummary struct {
	Interval          time.Duration
	PacketsSent       uint64
	BitsSent          uint64
	BitrateMbps       float64
	FPS               float64
	AvgEncodeLatency  time.Duration
	MinEncodeLatency  time.Duration
	MaxEncodeLatency  time.Duration
	AvgNetworkLatency time.Duration
}

type encodedFrame struct {
	target  time.Duration
	encode  time.Duration
	encoded time.Time
}

// Host accumulates host-side counters and derives the network share of the
// latency each client report describes.
//
// Safe for concurrent use.
type Host struct {
	mu  sync.Mutex
	now func() time.Time

	historySize int
	frames      deque.Deque[encodedFrame]

	start         time.Time
	packets       uint64
	bits          uint64
	framesEncoded int
	encodeSum     time.Duration
	encodeMin     time.Duration
	encodeMax     time.Duration
	networkSum    time.Duration
	networkCount  int
}

// NewHost returns a Host keeping per-frame history for historySize frames.
func NewHost(historySize int) *Host {
	return NewHostWithClock(historySize, time.Now)
}

// NewHostWithClock is NewHost with an injectable clock.
func NewHostWithClock(historySize int, now func() time.Time) *Host {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Host{now: now, historySize: historySize, start: now()}
}

// CountPacket records one datagram of n bytes leaving the host.
func (h *Host) CountPacket(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets++
	h.bits += uint64(n) * 8
}

// ReportFrameEncoded records a frame leaving the encoder.
func (h *Host) ReportFrameEncoded(target, encodeLatency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.frames.PushBack(encodedFrame{target: target, encode: encodeLatency, encoded: h.now()})
	for h.frames.Len() > h.historySize {
		h.frames.PopFront()
	}

	h.framesEncoded++
	h.encodeSum += encodeLatency
	if h.encodeMin == 0 || encodeLatency < h.encodeMin {
		h.encodeMin = encodeLatency
	}
	h.encodeMax = max(h.encodeMax, encodeLatency)
}

// NetworkLatency derives the transmission share of a client report: the
// client-measured total minus every stage that is not the network. The
// second result is false when the frame is unknown (too old, or never
// encoded here).
func (h *Host) NetworkLatency(r ClientReport) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.frames.Len(); i++ {
		f := h.frames.At(i)
		if f.target != r.TargetTimestamp {
			continue
		}
		other := f.encode + r.DecodeLatency + r.RenderLatency + r.VsyncQueue
		if r.TotalPipelineLatency <= other {
			return 0, false
		}
		net := r.TotalPipelineLatency - other
		h.networkSum += net
		h.networkCount++
		return net, true
	}
	return 0, false
}

// Tick drains the interval counters.
func (h *Host) Tick() HostSummary {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	s := HostSummary{
		Interval:         sub(now, h.start),
		PacketsSent:      h.packets,
		BitsSent:         h.bits,
		MinEncodeLatency: h.encodeMin,
		MaxEncodeLatency: h.encodeMax,
	}
	if secs := s.Interval.Seconds(); secs > 0 {
		s.BitrateMbps = float64(h.bits) / secs / 1e6
		s.FPS = float64(h.framesEncoded) / secs
	}
	if h.framesEncoded > 0 {
		s.AvgEncodeLatency = h.encodeSum / time.Duration(h.framesEncoded)
	}
	if h.networkCount > 0 {
		s.AvgNetworkLatency = h.networkSum / time.Duration(h.networkCount)
	}

	h.start = now
	h.packets, h.bits, h.framesEncoded = 0, 0, 0
	h.encodeSum, h.encodeMin, h.encodeMax = 0, 0, 0
	h.networkSum, h.networkCount = 0, 0
	return s
}
