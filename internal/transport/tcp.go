package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/chronologos/govr/internal/protocol"
)

// Channel capacities for the demux goroutine. Datagrams that find their
// channel full are dropped, as they would be on a congested QUIC path.
const (
	tcpControlQueue  = 16
	tcpDatagramQueue = 256
)

// tcpConn carries control messages and shard datagrams over one TLS-over-TCP
// stream. A background goroutine reads all frames and routes them to
// controlCh or dataCh by message type.
type tcpConn struct {
	conn      *tls.Conn
	controlCh chan readResult
	dataCh    chan []byte
	writeMu   sync.Mutex // control and datagram writes share one conn

	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error // set once the demux loop exits
}

// readResult carries a decoded message or error from the demux goroutine.
type readResult struct {
	msg any
	err error
}

// newTCPConn wraps an authenticated TLS connection and starts demuxing.
func newTCPConn(conn *tls.Conn) *tcpConn {
	c := &tcpConn{
		conn:      conn,
		controlCh: make(chan readResult, tcpControlQueue),
		dataCh:    make(chan []byte, tcpDatagramQueue),
		done:      make(chan struct{}),
	}
	conn.SetReadDeadline(time.Time{})
	go c.demuxLoop()
	return c
}

// ReadControl returns the next control message, or ErrTimeout.
func (c *tcpConn) ReadControl(timeout time.Duration) (any, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res, ok := <-c.controlCh:
		if !ok {
			return nil, c.err()
		}
		return res.msg, res.err
	case <-expired:
		return nil, ErrTimeout
	}
}

// WriteControl writes a framed control message, serialized with datagrams.
func (c *tcpConn) WriteControl(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, msg)
}

// WriteDatagram frames p as a Datagram message on the shared stream.
func (c *tcpConn) WriteDatagram(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, &protocol.Datagram{Payload: p})
}

// ReadDatagram returns the next datagram routed by the demux goroutine.
func (c *tcpConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-c.dataCh:
		if !ok {
			return nil, c.err()
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *tcpConn) Mode() DialMode { return DialTCP }

func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *tcpConn) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	return c.readErr
}

// demuxLoop reads frames until the conn fails, then closes both channels.
func (c *tcpConn) demuxLoop() {
	defer close(c.controlCh)
	defer close(c.dataCh)

	for {
		msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			select {
			case c.controlCh <- readResult{err: err}:
			default:
			}
			return
		}

		if dg, ok := msg.(*protocol.Datagram); ok {
			select {
			case c.dataCh <- dg.Payload:
			default:
			}
			continue
		}

		select {
		case c.controlCh <- readResult{msg: msg}:
		case <-c.done:
			return
		}
	}
}

// Close closes the TLS connection, which unblocks the demux goroutine.
func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
