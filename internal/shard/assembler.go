package shard

// Status is the outcome of ingesting one shard.
type Status int

const (
	// Incomplete means the shard was accepted but its packet still misses
	// shards.
	Incomplete Status = iota
	// Complete means the shard finished its packet; Result.Payload holds it.
	Complete
	// Stale means the shard was dropped: it belongs to an older packet, to a
	// packet that was already completed or abandoned, or it is a duplicate.
	Stale
)

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Result describes what happened when a shard was ingested.
//
// Superseded is set when the shard started a newer packet while the previous
// one was still incomplete; the previous packet is lost. A superseding shard
// can also complete its own packet in the same call (single-shard packets),
// so Superseded is orthogonal to Status.
type Result struct {
	Status          Status
	Payload         []byte
	Superseded      bool
	SupersededIndex uint32
}

// Assembler rebuilds packets of a single stream from shards. It keeps at
// most one packet in flight: a shard for a newer packet index abandons the
// current one.
//
// An Assembler is owned by the goroutine that ingests its stream and is not
// safe for concurrent use.
type Assembler struct {
	maxPayload int

	started  bool
	index    uint32 // packet currently (or last) assembled
	finished bool   // index was completed or abandoned

	count    uint32
	size     uint32
	buf      []byte
	received []bool
	nrecv    uint32
}

// NewAssembler returns an Assembler for shards carrying at most maxPayload
// bytes each.
func NewAssembler(maxPayload int) *Assembler {
	if maxPayload <= 0 {
		panic("shard: maxPayload must be positive")
	}
	return &Assembler{maxPayload: maxPayload}
}

// MaxPayload returns the negotiated per-shard payload size.
func (a *Assembler) MaxPayload() int { return a.maxPayload }

// Current returns the index of the packet being (or last) assembled and
// whether any packet has been seen yet.
func (a *Assembler) Current() (uint32, bool) { return a.index, a.started }

// InFlight reports whether a packet is partially assembled.
func (a *Assembler) InFlight() bool { return a.started && !a.finished }

// Received returns how many distinct shards of the in-flight packet arrived,
// and how many it needs.
func (a *Assembler) Received() (got, want uint32) { return a.nrecv, a.count }

// Ingest feeds one shard. Malformed shards are rejected with an error
// wrapping ErrMalformed and leave the state untouched.
func (a *Assembler) Ingest(s Shard) (Result, error) {
	if err := Validate(s, a.maxPayload); err != nil {
		return Result{Status: Stale}, err
	}

	var res Result
	if a.started {
		switch cmp := IndexCompare(s.PacketIndex, a.index); {
		case cmp < 0:
			return Result{Status: Stale}, nil
		case cmp == 0:
			if a.finished {
				return Result{Status: Stale}, nil
			}
			if s.ShardCount != a.count || s.PacketSize != a.size {
				return Result{Status: Stale}, ErrMalformed
			}
		default:
			if !a.finished {
				res.Superseded = true
				res.SupersededIndex = a.index
			}
			a.begin(s)
		}
	} else {
		a.begin(s)
	}

	if a.received[s.ShardIndex] {
		res.Status = Stale
		return res, nil
	}
	a.received[s.ShardIndex] = true
	a.nrecv++
	copy(a.buf[int(s.ShardIndex)*a.maxPayload:], s.Payload)

	if a.nrecv < a.count {
		res.Status = Incomplete
		return res, nil
	}

	res.Status = Complete
	res.Payload = a.buf
	a.finished = true
	a.buf = nil
	return res, nil
}

// Abandon gives up on the in-flight packet; its remaining shards will be
// dropped as stale. It returns false if nothing was in flight.
func (a *Assembler) Abandon() bool {
	if !a.InFlight() {
		return false
	}
	a.finished = true
	a.buf = nil
	return true
}

// Reset forgets all history, as after a reconnect.
func (a *Assembler) Reset() {
	*a = Assembler{maxPayload: a.maxPayload}
}

func (a *Assembler) begin(s Shard) {
	a.started = true
	a.finished = false
	a.index = s.PacketIndex
	a.count = s.ShardCount
	a.size = s.PacketSize
	a.buf = make([]byte, s.PacketSize)
	if cap(a.received) >= int(s.ShardCount) {
		a.received = a.received[:s.ShardCount]
		clear(a.received)
	} else {
		a.received = make([]bool, s.ShardCount)
	}
	a.nrecv = 0
}
