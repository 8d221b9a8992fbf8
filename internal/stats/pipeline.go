// Package stats timestamps every stage of the client media pipeline and turns
// the timestamps into feedback for the bitrate and phase controllers, plus
// periodic summaries for operators.
package stats

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// DefaultHistorySize is the default ring capacity (frames).
const DefaultHistorySize = 64

// Summary is the aggregate over one reporting interval.
type Summary struct {
	Interval           time.Duration
	AvgTotalLatency    time.Duration
	AvgDecodeLatency   time.Duration
	FPS                float64
	FramesComposited   int
	FramesLost         int
	AvgPipelineLatency time.Duration // ring-buffer average at drain time
}

// aggregate holds coarse counters that are drained on every Tick.
type aggregate struct {
	start       time.Time
	decodeSum   time.Duration
	decodeCount int
	totalSum    time.Duration
	totalCount  int
	frames      int
	lost        int
}

// Pipeline is the client-side statistics manager. All methods are safe for
// concurrent use; critical sections never block.
type Pipeline struct {
	mu      sync.Mutex
	now     func() time.Time
	hist    *history
	prevEnd time.Time // previous composite event

	agg aggregate
	// pending holds target timestamps of frames whose payload arrived but
	// that have not been composited yet, oldest first. Total latencies are
	// only counted for frames matched through this queue.
	pending deque.Deque[time.Duration]
}

// NewPipeline returns a Pipeline keeping the last historySize frames.
func NewPipeline(historySize int) *Pipeline {
	return NewPipelineWithClock(historySize, time.Now)
}

// NewPipelineWithClock is NewPipeline with an injectable clock.
func NewPipelineWithClock(historySize int, now func() time.Time) *Pipeline {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	p := &Pipeline{
		now:  now,
		hist: newHistory(historySize),
	}
	p.agg.start = now()
	return p
}

// ReportAcquired records that the input (tracking sample) for target was
// acquired. It creates the frame's row; repeated calls are ignored.
func (p *Pipeline) ReportAcquired(target time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hist.find(target) != nil {
		return
	}
	p.hist.push(LatencySample{TargetTimestamp: target, Acquired: p.now()})
}

// ReportPayloadReceived records the arrival of the first shard of the frame.
func (p *Pipeline) ReportPayloadReceived(target time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.hist.find(target)
	if s == nil || !s.PayloadReceived.IsZero() {
		return
	}
	s.PayloadReceived = p.now()

	p.pending.PushBack(target)
	for p.pending.Len() > p.hist.capacity {
		p.pending.PopFront()
	}
}

// ReportDecoded records that the decoder produced the frame.
func (p *Pipeline) ReportDecoded(target time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.hist.find(target)
	if s == nil || s.PayloadReceived.IsZero() || !s.Decoded.IsZero() {
		return
	}
	s.Decoded = p.now()
	s.DecodeLatency = sub(s.Decoded, s.PayloadReceived)

	p.agg.decodeSum += s.DecodeLatency
	p.agg.decodeCount++
}

// ReportComposited records that the frame was handed to the display.
// extraQueue is the latency between this call and the actual vsync, which
// only the display runtime knows.
func (p *Pipeline) ReportComposited(target time.Duration, extraQueue time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.hist.find(target)
	if s == nil || !s.Composited.IsZero() {
		return
	}
	now := p.now()
	s.Composited = now
	if !s.Decoded.IsZero() {
		s.RenderLatency = sub(now, s.PayloadReceived.Add(s.DecodeLatency))
	}
	s.VsyncQueue = extraQueue
	s.TotalPipelineLatency = sub(now, s.Acquired) + extraQueue
	if !p.prevEnd.IsZero() {
		s.FrameInterval = sub(now, p.prevEnd)
	}
	p.prevEnd = now

	p.agg.frames++
	// Frames queued ahead of target were never composited. A target that
	// was never queued leaves the queue alone.
	if i := p.pendingIndex(target); i >= 0 {
		for range i + 1 {
			p.pending.PopFront()
		}
		p.agg.totalSum += s.TotalPipelineLatency
		p.agg.totalCount++
	}
}

func (p *Pipeline) pendingIndex(target time.Duration) int {
	for i := range p.pending.Len() {
		if p.pending.At(i) == target {
			return i
		}
	}
	return -1
}

// ReportFrameLost tallies a frame dropped by the reassembler.
func (p *Pipeline) ReportFrameLost() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agg.lost++
}

// Sample returns a copy of the row for target.
func (p *Pipeline) Sample(target time.Duration) (LatencySample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.hist.find(target)
	if s == nil {
		return LatencySample{}, false
	}
	return *s, true
}

// AverageTotalPipelineLatency averages total latency over rows that have
// one; rows still in flight are skipped.
func (p *Pipeline) AverageTotalPipelineLatency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.averageLocked()
}

func (p *Pipeline) averageLocked() time.Duration {
	var sum time.Duration
	var n int
	p.hist.each(func(s *LatencySample) {
		if s.TotalPipelineLatency > 0 {
			sum += s.TotalPipelineLatency
			n++
		}
	})
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Tick drains the interval counters into a Summary and resets them.
func (p *Pipeline) Tick() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	a := p.agg
	s := Summary{
		Interval:           sub(now, a.start),
		FramesComposited:   a.frames,
		FramesLost:         a.lost,
		AvgPipelineLatency: p.averageLocked(),
	}
	if a.totalCount > 0 {
		s.AvgTotalLatency = a.totalSum / time.Duration(a.totalCount)
	}
	if a.decodeCount > 0 {
		s.AvgDecodeLatency = a.decodeSum / time.Duration(a.decodeCount)
	}
	if s.Interval > 0 {
		s.FPS = float64(a.frames) / s.Interval.Seconds()
	}

	p.agg = aggregate{start: now}
	return s
}

func sub(a, b time.Time) time.Duration {
	if a.Before(b) {
		return 0
	}
	return a.Sub(b)
}
