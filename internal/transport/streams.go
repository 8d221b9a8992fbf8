package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/govr/internal/protocol"
)

// quicConn carries the control channel on one bidirectional QUIC stream and
// shards as QUIC datagrams.
type quicConn struct {
	qconn   *quic.Conn
	control *quic.Stream
	reader  *frameReader
	readMu  sync.Mutex
	writeMu sync.Mutex
	tr      *quic.Transport // dialer side only; owns the UDP socket

	closeOnce sync.Once
}

func newQUICConn(qconn *quic.Conn, control *quic.Stream, tr *quic.Transport) *quicConn {
	return &quicConn{
		qconn:   qconn,
		control: control,
		reader:  newFrameReader(control),
		tr:      tr,
	}
}

// Close closes the control stream and the QUIC connection.
func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.control.CancelRead(0)
		c.control.Close()
		c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			err = c.tr.Close()
		}
	})
	return err
}

// WriteControl writes a framed message to the control stream.
func (c *quicConn) WriteControl(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.control, msg)
}

// ReadControl reads the next framed message from the control stream.
func (c *quicConn) ReadControl(timeout time.Duration) (any, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.reader.next(timeout)
}

// WriteDatagram sends p as one unreliable QUIC datagram.
func (c *quicConn) WriteDatagram(p []byte) error {
	return c.qconn.SendDatagram(p)
}

// ReadDatagram blocks until a datagram arrives or ctx ends.
func (c *quicConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	p, err := c.qconn.ReceiveDatagram(ctx)
	if err != nil && ctx.Err() == nil && c.qconn.Context().Err() != nil {
		return nil, errors.Join(ErrClosed, err)
	}
	return p, err
}

func (c *quicConn) Mode() DialMode { return DialQUIC }

func (c *quicConn) RemoteAddr() net.Addr { return c.qconn.RemoteAddr() }

// ConnectionStats returns QUIC-level connection statistics.
// Satisfies the ProfileableConn optional interface.
func (c *quicConn) ConnectionStats() quic.ConnectionStats {
	return c.qconn.ConnectionStats()
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    10 * time.Second,
		KeepAlivePeriod:   2 * time.Second,
		InitialPacketSize: 1200,
		EnableDatagrams:   true,
	}
}
