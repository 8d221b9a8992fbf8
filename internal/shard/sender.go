package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DatagramWriter sends one unreliable datagram. Implementations must be safe
// for concurrent use, since senders for different streams share one writer.
type DatagramWriter interface {
	WriteDatagram(p []byte) error
}

// DatagramReader receives one datagram, blocking until one arrives or ctx is
// done.
type DatagramReader interface {
	ReadDatagram(ctx context.Context) ([]byte, error)
}

// Sender shards packets of one stream onto a DatagramWriter. Each call to
// Send consumes one packet index.
//
// A Sender is used by a single goroutine.
type Sender struct {
	w          DatagramWriter
	stream     StreamID
	maxPayload int
	next       uint32
	scratch    []byte

	// BytesSent and ShardsSent count datagram bytes (headers included).
	BytesSent  uint64
	ShardsSent uint64
}

// NewSender returns a Sender for stream writing shards of at most
// maxPayload bytes.
func NewSender(w DatagramWriter, stream StreamID, maxPayload int) *Sender {
	if maxPayload <= 0 {
		panic("shard: maxPayload must be positive")
	}
	return &Sender{
		w:          w,
		stream:     stream,
		maxPayload: maxPayload,
		scratch:    make([]byte, 0, HeaderSize+maxPayload),
	}
}

// NextIndex returns the packet index the next Send will use.
func (s *Sender) NextIndex() uint32 { return s.next }

// Send shards payload under the next packet index and returns that index.
func (s *Sender) Send(payload []byte) (uint32, error) {
	idx := s.next
	s.next++
	return idx, s.SendIndexed(idx, payload)
}

// SendIndexed shards payload under an explicit packet index. Shards are
// written whole; a write failure aborts the packet and is returned as is.
func (s *Sender) SendIndexed(index uint32, payload []byte) error {
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("send %s packet %d: %d bytes exceeds maximum", s.stream, index, len(payload))
	}
	for _, sh := range Split(s.stream, index, payload, s.maxPayload) {
		s.scratch = AppendEncode(s.scratch[:0], sh)
		if err := s.w.WriteDatagram(s.scratch); err != nil {
			return fmt.Errorf("send %s packet %d shard %d/%d: %w", s.stream, index, sh.ShardIndex, sh.ShardCount, err)
		}
		s.BytesSent += uint64(len(s.scratch))
		s.ShardsSent++
	}
	return nil
}

// ReadLoop reads datagrams from r, decodes them, and hands each shard to fn
// on the calling goroutine. Undecodable datagrams are logged and skipped.
// It returns when r fails or fn returns an error.
func ReadLoop(ctx context.Context, r DatagramReader, log *slog.Logger, fn func(Shard) error) error {
	if log == nil {
		log = slog.Default()
	}
	for {
		b, err := r.ReadDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		sh, err := Decode(b)
		if err != nil {
			if errors.Is(err, ErrShortDatagram) || errors.Is(err, ErrMalformed) {
				log.Debug("dropping datagram", "err", err, "len", len(b))
				continue
			}
			return err
		}
		if err := fn(sh); err != nil {
			return err
		}
	}
}
