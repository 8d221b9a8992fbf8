package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Dial connects to a listening peer at addr ("host:port"), runs the
// pairing-key exchange and returns a Conn ready for use.
func Dial(ctx context.Context, addr string, mode DialMode, key []byte) (Conn, error) {
	switch mode {
	case DialQUIC:
		return dialQUIC(ctx, addr, key)
	case DialTCP:
		return dialTCP(ctx, addr, key)
	default:
		return nil, fmt.Errorf("unknown dial mode %d", mode)
	}
}

func dialQUIC(ctx context.Context, addr string, key []byte) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Fresh UDP socket per connection; the Conn owns it.
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, raddr, ClientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	control, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no control stream")
		tr.Close()
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	if err := authenticateDialer(control, qconn.ConnectionState().TLS, key); err != nil {
		qconn.CloseWithError(1, "auth failed")
		tr.Close()
		return nil, err
	}

	return newQUICConn(qconn, control, tr), nil
}
