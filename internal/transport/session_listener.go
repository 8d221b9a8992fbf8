package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// quicListener accepts QUIC connections and runs the pairing-key exchange on
// the first stream the dialer opens.
type quicListener struct {
	tr   *quic.Transport
	ln   *quic.Listener
	port int
	key  []byte
}

// listenQUIC creates a QUIC listener on port (0 picks a free one).
func listenQUIC(port int, key []byte, cert tls.Certificate) (*quicListener, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &quicListener{
		tr:   tr,
		ln:   ln,
		port: udpConn.LocalAddr().(*net.UDPAddr).Port,
		key:  key,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *quicListener) Port() int {
	return l.port
}

// Accept waits for and authenticates a new connection.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	control, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(1, "no control stream")
		return nil, fmt.Errorf("accept control stream: %w", err)
	}

	if err := authenticateListener(control, qconn.ConnectionState().TLS, l.key); err != nil {
		qconn.CloseWithError(1, "auth failed")
		return nil, err
	}

	return newQUICConn(qconn, control, nil), nil
}

// Close shuts down the listener and underlying transport.
func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
