// Package control provides the reliable, ordered control channel between
// host and headset.
package control

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chronologos/govr/internal/protocol"
	"github.com/chronologos/govr/internal/transport"
)

var (
	// ErrTryAgain means Recv timed out with no packet. The channel is fine.
	ErrTryAgain = errors.New("control: no packet yet, try again")
	// ErrDisconnected means the peer went away or the channel was closed.
	ErrDisconnected = errors.New("control: disconnected")
	// ErrDesync means a received frame could not be decoded. Framing cannot
	// be recovered, so the channel has been closed.
	ErrDesync = errors.New("control: undecodable frame, channel closed")
	// ErrUnexpectedPacket is returned by a typed Receiver when the peer sent
	// a packet of the wrong direction.
	ErrUnexpectedPacket = errors.New("control: unexpected packet type")
)

// ProtoChannel is a connected control channel. Send and Recv may be used
// from different goroutines.
type ProtoChannel struct {
	conn transport.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func newProtoChannel(conn transport.Conn) *ProtoChannel {
	return &ProtoChannel{conn: conn, closed: make(chan struct{})}
}

// Conn exposes the underlying transport for the datagram path.
func (c *ProtoChannel) Conn() transport.Conn { return c.conn }

// RemoteAddr returns the peer's address.
func (c *ProtoChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Send writes one packet as a single length-prefixed frame. Failures are
// returned, not retried.
func (c *ProtoChannel) Send(pkt any) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	if err := c.conn.WriteControl(pkt); err != nil {
		return fmt.Errorf("send %T: %w", pkt, classify(err))
	}
	return nil
}

// Recv returns the next packet, ErrTryAgain when timeout elapses first, or
// ErrDisconnected / ErrDesync when the channel is unusable. A timeout of
// zero or less blocks until a packet arrives.
func (c *ProtoChannel) Recv(timeout time.Duration) (any, error) {
	select {
	case <-c.closed:
		return nil, ErrDisconnected
	default:
	}

	msg, err := c.conn.ReadControl(timeout)
	if err == nil {
		return msg, nil
	}
	err = classify(err)
	if errors.Is(err, ErrDesync) {
		c.Close()
	}
	return nil, err
}

// Close tears the channel and its transport down.
func (c *ProtoChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *ProtoChannel) Done() <-chan struct{} { return c.closed }

func classify(err error) error {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return ErrTryAgain
	case errors.Is(err, protocol.ErrUnknownMessage),
		errors.Is(err, protocol.ErrShortPayload),
		errors.Is(err, protocol.ErrPayloadTooLarge):
		return fmt.Errorf("%w: %w", ErrDesync, err)
	default:
		// EOF, reset and closed-conn errors all mean the peer is gone.
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
}
