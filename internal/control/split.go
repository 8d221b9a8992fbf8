package control

import (
	"fmt"
	"time"
)

// Sender is the typed send half of a split channel.
type Sender[S any] struct {
	ch *ProtoChannel
}

// Send writes one packet.
func (s Sender[S]) Send(pkt S) error {
	return s.ch.Send(pkt)
}

// Receiver is the typed receive half of a split channel.
type Receiver[R any] struct {
	ch *ProtoChannel
}

// Recv behaves like ProtoChannel.Recv but only yields packets of type R.
// Anything else is a protocol violation and returns ErrUnexpectedPacket.
func (r Receiver[R]) Recv(timeout time.Duration) (R, error) {
	var zero R
	msg, err := r.ch.Recv(timeout)
	if err != nil {
		return zero, err
	}
	pkt, ok := msg.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %T", ErrUnexpectedPacket, msg)
	}
	return pkt, nil
}

// Split returns typed halves sharing ch's framing. Typically S is the local
// side's outgoing packet interface and R the peer's.
func Split[S, R any](ch *ProtoChannel) (Sender[S], Receiver[R]) {
	return Sender[S]{ch: ch}, Receiver[R]{ch: ch}
}
