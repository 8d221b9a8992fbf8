package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var (
	// ErrTimeout is returned by ReadControl when no complete message arrived
	// before the timeout. The connection stays usable.
	ErrTimeout = errors.New("control read timed out")

	// ErrClosed is returned after the connection has been closed.
	ErrClosed = errors.New("connection closed")
)

// DialMode selects which transport to use when dialing.
type DialMode int

const (
	DialQUIC DialMode = iota
	DialTCP
)

func (m DialMode) String() string {
	switch m {
	case DialQUIC:
		return "QUIC"
	case DialTCP:
		return "TCP"
	default:
		return "unknown"
	}
}

// ParseDialMode maps "quic" / "tcp" to a DialMode.
func ParseDialMode(s string) (DialMode, bool) {
	switch s {
	case "quic", "QUIC":
		return DialQUIC, true
	case "tcp", "TCP":
		return DialTCP, true
	default:
		return 0, false
	}
}

// Conn is an authenticated connection between host and headset. It carries
// one ordered control stream and an unordered, unreliable datagram path.
// Both QUIC and TCP implementations satisfy this interface.
type Conn interface {
	// ReadControl returns the next control message, or ErrTimeout if none
	// arrives within timeout. A partially received message is kept and
	// completed by a later call.
	ReadControl(timeout time.Duration) (any, error)
	WriteControl(msg any) error

	WriteDatagram(p []byte) error
	ReadDatagram(ctx context.Context) ([]byte, error)

	Mode() DialMode
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts authenticated transport connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Port() int
	Close() error
}

// ProfileableConn is an optional interface for connections that can
// provide QUIC-level connection statistics.
type ProfileableConn interface {
	ConnectionStats() quic.ConnectionStats
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
