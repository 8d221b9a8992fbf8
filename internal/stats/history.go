package stats

import "time"

// LatencySample is the per-frame record kept by the client, keyed by the
// target timestamp that identifies the frame on both peers.
type LatencySample struct {
	TargetTimestamp time.Duration

	Acquired        time.Time
	PayloadReceived time.Time // first shard of the frame
	Decoded         time.Time
	Composited      time.Time

	DecodeLatency        time.Duration
	RenderLatency        time.Duration
	VsyncQueue           time.Duration
	TotalPipelineLatency time.Duration
	FrameInterval        time.Duration
}

// history is a fixed-capacity ring of samples. When full, the oldest entry is
// evicted. Lookups are linear; the ring holds tens of entries.
//
// Not safe for concurrent use; Pipeline guards it.
type history struct {
	entries  []LatencySample
	head     int // index of next write position
	count    int
	capacity int
}

func newHistory(capacity int) *history {
	capacity = max(capacity, 1)
	return &history{
		entries:  make([]LatencySample, capacity),
		capacity: capacity,
	}
}

func (h *history) tail() int {
	return (h.head - h.count + h.capacity) % h.capacity
}

func (h *history) push(s LatencySample) {
	if h.count == h.capacity {
		h.entries[h.tail()] = LatencySample{}
		h.count--
	}
	h.entries[h.head] = s
	h.head = (h.head + 1) % h.capacity
	h.count++
}

// find returns the sample for target, or nil.
func (h *history) find(target time.Duration) *LatencySample {
	t := h.tail()
	for i := 0; i < h.count; i++ {
		e := &h.entries[(t+i)%h.capacity]
		if e.TargetTimestamp == target {
			return e
		}
	}
	return nil
}

// each calls fn on samples from oldest to newest.
func (h *history) each(fn func(*LatencySample)) {
	t := h.tail()
	for i := 0; i < h.count; i++ {
		fn(&h.entries[(t+i)%h.capacity])
	}
}

func (h *history) len() int { return h.count }
