package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// authTimeout bounds TLS plus the pairing exchange on an accepted socket.
const authTimeout = 5 * time.Second

// tcpListener accepts the TCP+TLS fallback. It keeps the raw *net.TCPListener
// so a cancelled Accept can be woken with a deadline instead of a goroutine.
type tcpListener struct {
	ln   *net.TCPListener
	tls  *tls.Config
	port int
	key  []byte
}

func listenTCP(port int, key []byte, cert tls.Certificate) (*tcpListener, error) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("TCP listen on :%s: %w", strconv.Itoa(port), err)
	}
	return &tcpListener{
		ln:   ln,
		tls:  ServerTLSConfig(cert),
		port: ln.Addr().(*net.TCPAddr).Port,
		key:  key,
	}, nil
}

func (l *tcpListener) Port() int { return l.port }

// Accept waits for one socket and runs TLS and the pairing check on it.
func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Now())
	})
	raw, err := l.ln.AcceptTCP()
	if !stop() {
		// ctx fired; the deadline may or may not have hit this Accept.
		l.ln.SetDeadline(time.Time{})
		if raw != nil {
			raw.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept TCP connection: %w", err)
	}
	raw.SetNoDelay(true)

	conn := tls.Server(raw, l.tls)
	conn.SetDeadline(time.Now().Add(authTimeout))
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", raw.RemoteAddr(), err)
	}
	if err := authenticateListener(conn, conn.ConnectionState(), l.key); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return newTCPConn(conn), nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
