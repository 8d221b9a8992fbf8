package shard

// Demux routes shards to per-stream handlers. It is not safe for concurrent
// use; register handlers before the read loop starts.
type Demux struct {
	handlers map[StreamID]func(Shard) error

	// Unrouted counts shards for streams without a handler.
	Unrouted uint64
}

func NewDemux() *Demux {
	return &Demux{handlers: make(map[StreamID]func(Shard) error)}
}

// Handle registers fn for stream, replacing any earlier handler.
func (d *Demux) Handle(stream StreamID, fn func(Shard) error) {
	d.handlers[stream] = fn
}

// Dispatch calls the handler for s.StreamID on the caller's goroutine. Shards
// for unknown streams are counted and dropped.
func (d *Demux) Dispatch(s Shard) error {
	fn, ok := d.handlers[s.StreamID]
	if !ok {
		d.Unrouted++
		return nil
	}
	return fn(s)
}
