package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"
)

// dialTCP connects to a peer's TCP+TLS listener and authenticates.
func dialTCP(ctx context.Context, addr string, key []byte) (Conn, error) {
	dialer := &tls.Dialer{Config: ClientTLSConfig()}

	rawConn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS dial: %w", err)
	}
	tlsConn := rawConn.(*tls.Conn)

	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	}
	if err := authenticateDialer(tlsConn, tlsConn.ConnectionState(), key); err != nil {
		tlsConn.Close()
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})

	return newTCPConn(tlsConn), nil
}
