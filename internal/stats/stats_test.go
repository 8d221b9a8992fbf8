package stats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestPipelineDerivedLatencies(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(8, clk.Now)
	const ts = 100 * time.Millisecond

	p.ReportAcquired(ts)
	clk.Advance(20 * time.Millisecond)
	p.ReportPayloadReceived(ts)
	clk.Advance(4 * time.Millisecond)
	p.ReportDecoded(ts)
	clk.Advance(6 * time.Millisecond)
	p.ReportComposited(ts, 3*time.Millisecond)

	s, ok := p.Sample(ts)
	if !ok {
		t.Fatal("sample missing")
	}
	if s.DecodeLatency != 4*time.Millisecond {
		t.Errorf("decode = %v, want 4ms", s.DecodeLatency)
	}
	if s.RenderLatency != 6*time.Millisecond {
		t.Errorf("render = %v, want 6ms", s.RenderLatency)
	}
	if s.TotalPipelineLatency != 33*time.Millisecond {
		t.Errorf("total = %v, want 33ms", s.TotalPipelineLatency)
	}
	if s.VsyncQueue != 3*time.Millisecond {
		t.Errorf("vsync queue = %v, want 3ms", s.VsyncQueue)
	}
	if s.FrameInterval != 0 {
		t.Errorf("first frame interval = %v, want 0", s.FrameInterval)
	}
}

func TestPipelineFrameInterval(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(8, clk.Now)

	for i := range 3 {
		ts := time.Duration(i) * time.Millisecond
		p.ReportAcquired(ts)
		p.ReportPayloadReceived(ts)
		p.ReportDecoded(ts)
		p.ReportComposited(ts, 0)
		clk.Advance(11 * time.Millisecond)
	}
	s, _ := p.Sample(2 * time.Millisecond)
	if s.FrameInterval != 11*time.Millisecond {
		t.Fatalf("frame interval = %v, want 11ms", s.FrameInterval)
	}
}

func TestPipelineUnknownKeysIgnored(t *testing.T) {
	p := NewPipelineWithClock(4, newFakeClock().Now)
	p.ReportPayloadReceived(1)
	p.ReportDecoded(1)
	p.ReportComposited(1, time.Millisecond)
	if _, ok := p.Sample(1); ok {
		t.Fatal("stage reports must not create rows")
	}
	if avg := p.AverageTotalPipelineLatency(); avg != 0 {
		t.Fatalf("average = %v, want 0", avg)
	}
}

func TestPipelineDuplicateAcquiredKeepsFirst(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(4, clk.Now)
	p.ReportAcquired(5)
	first, _ := p.Sample(5)
	clk.Advance(time.Second)
	p.ReportAcquired(5)
	again, _ := p.Sample(5)
	if !again.Acquired.Equal(first.Acquired) {
		t.Fatal("duplicate acquire overwrote the row")
	}
}

func TestPipelineRingEvictsOldest(t *testing.T) {
	p := NewPipelineWithClock(3, newFakeClock().Now)
	for i := range 5 {
		p.ReportAcquired(time.Duration(i))
	}
	if _, ok := p.Sample(0); ok {
		t.Fatal("oldest row should be evicted")
	}
	if _, ok := p.Sample(1); ok {
		t.Fatal("second oldest row should be evicted")
	}
	for i := 2; i < 5; i++ {
		if _, ok := p.Sample(time.Duration(i)); !ok {
			t.Fatalf("row %d missing", i)
		}
	}
	if p.hist.len() != 3 {
		t.Fatalf("ring holds %d rows, want 3", p.hist.len())
	}
}

func TestAverageSkipsWarmupRows(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(8, clk.Now)

	p.ReportAcquired(1)
	p.ReportAcquired(2) // never composited
	p.ReportAcquired(3)
	clk.Advance(10 * time.Millisecond)
	p.ReportComposited(1, 0)
	clk.Advance(10 * time.Millisecond)
	p.ReportComposited(3, 0)

	if avg := p.AverageTotalPipelineLatency(); avg != 15*time.Millisecond {
		t.Fatalf("average = %v, want 15ms", avg)
	}
}

func TestTickDrainsAndResets(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(16, clk.Now)

	for i := range 4 {
		ts := time.Duration(i + 1)
		p.ReportAcquired(ts)
		clk.Advance(10 * time.Millisecond)
		p.ReportPayloadReceived(ts)
		clk.Advance(2 * time.Millisecond)
		p.ReportDecoded(ts)
		clk.Advance(8 * time.Millisecond)
		p.ReportComposited(ts, 0)
		clk.Advance(230 * time.Millisecond)
	}
	p.ReportFrameLost()

	s := p.Tick()
	if s.Interval != time.Second {
		t.Fatalf("interval = %v, want 1s", s.Interval)
	}
	if s.FramesComposited != 4 || s.FramesLost != 1 {
		t.Fatalf("frames = %d lost = %d", s.FramesComposited, s.FramesLost)
	}
	if s.FPS != 4 {
		t.Fatalf("fps = %v, want 4", s.FPS)
	}
	if s.AvgDecodeLatency != 2*time.Millisecond {
		t.Fatalf("decode avg = %v", s.AvgDecodeLatency)
	}
	if s.AvgTotalLatency != 20*time.Millisecond {
		t.Fatalf("total avg = %v", s.AvgTotalLatency)
	}

	clk.Advance(time.Second)
	s = p.Tick()
	if s.FramesComposited != 0 || s.FramesLost != 0 || s.AvgTotalLatency != 0 || s.FPS != 0 {
		t.Fatalf("counters not reset: %+v", s)
	}
}

func TestTickMatchesTotalsFIFO(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(16, clk.Now)

	// Frame 1 arrives but is never composited; frame 2 is. Only frame 2's
	// total counts, and frame 1 is dropped from the match queue.
	p.ReportAcquired(1)
	p.ReportAcquired(2)
	p.ReportPayloadReceived(1)
	p.ReportPayloadReceived(2)
	clk.Advance(30 * time.Millisecond)
	p.ReportComposited(2, 0)

	s := p.Tick()
	if s.AvgTotalLatency != 30*time.Millisecond {
		t.Fatalf("total avg = %v, want 30ms", s.AvgTotalLatency)
	}
	if p.pending.Len() != 0 {
		t.Fatalf("pending queue holds %d entries", p.pending.Len())
	}
}

func TestCompositeWithoutPayloadKeepsQueue(t *testing.T) {
	clk := newFakeClock()
	p := NewPipelineWithClock(16, clk.Now)

	// Frame 1 has a row but its payload was never reported. Compositing it
	// must not throw away frames 2 and 3, which are still in flight.
	for _, target := range []time.Duration{1, 2, 3} {
		p.ReportAcquired(target)
	}
	p.ReportPayloadReceived(2)
	p.ReportPayloadReceived(3)
	clk.Advance(10 * time.Millisecond)
	p.ReportComposited(1, 0)
	if p.pending.Len() != 2 {
		t.Fatalf("pending queue holds %d entries, want 2", p.pending.Len())
	}

	clk.Advance(10 * time.Millisecond)
	p.ReportComposited(2, 0)
	clk.Advance(10 * time.Millisecond)
	p.ReportComposited(3, 0)

	s := p.Tick()
	if s.FramesComposited != 3 {
		t.Fatalf("composited = %d", s.FramesComposited)
	}
	// Frames 2 and 3 count (20ms and 30ms); frame 1 was never queued.
	if s.AvgTotalLatency != 25*time.Millisecond {
		t.Fatalf("total avg = %v, want 25ms", s.AvgTotalLatency)
	}
}

func TestHostNetworkLatency(t *testing.T) {
	clk := newFakeClock()
	h := NewHostWithClock(8, clk.Now)

	h.ReportFrameEncoded(7, 5*time.Millisecond)
	net, ok := h.NetworkLatency(ClientReport{
		TargetTimestamp:      7,
		DecodeLatency:        3 * time.Millisecond,
		RenderLatency:        2 * time.Millisecond,
		VsyncQueue:           4 * time.Millisecond,
		TotalPipelineLatency: 24 * time.Millisecond,
	})
	if !ok || net != 10*time.Millisecond {
		t.Fatalf("network = %v ok=%v, want 10ms", net, ok)
	}

	if _, ok := h.NetworkLatency(ClientReport{TargetTimestamp: 99, TotalPipelineLatency: time.Second}); ok {
		t.Fatal("unknown frame must not yield a latency")
	}
}

func TestHostTick(t *testing.T) {
	clk := newFakeClock()
	h := NewHostWithClock(8, clk.Now)

	h.CountPacket(1000)
	h.CountPacket(250)
	h.ReportFrameEncoded(1, 2*time.Millisecond)
	h.ReportFrameEncoded(2, 6*time.Millisecond)
	clk.Advance(500 * time.Millisecond)

	s := h.Tick()
	if s.PacketsSent != 2 || s.BitsSent != 10000 {
		t.Fatalf("packets=%d bits=%d", s.PacketsSent, s.BitsSent)
	}
	if s.BitrateMbps != 0.02 {
		t.Fatalf("bitrate = %v Mbps, want 0.02", s.BitrateMbps)
	}
	if s.AvgEncodeLatency != 4*time.Millisecond || s.MinEncodeLatency != 2*time.Millisecond || s.MaxEncodeLatency != 6*time.Millisecond {
		t.Fatalf("encode latency stats: %+v", s)
	}
	if s.FPS != 4 {
		t.Fatalf("fps = %v, want 4", s.FPS)
	}
}

func TestMetricsExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.ObserveClient(Summary{AvgTotalLatency: 40 * time.Millisecond, FPS: 72, FramesLost: 2})
	m.ObserveBitrate(30e6)

	expected := `
# HELP govr_frames_lost_total Frames abandoned by the reassembler.
# TYPE govr_frames_lost_total counter
govr_frames_lost_total 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "govr_frames_lost_total"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.targetBitrate); got != 30e6 {
		t.Fatalf("bitrate gauge = %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveClient(Summary{}) // must not panic
}
