package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

// dualListener is the headset's control endpoint: QUIC and TCP+TLS bound to
// the same port number, fanned into one Accept.
type dualListener struct {
	quic *quicListener
	tcp  *tcpListener
	log  *slog.Logger

	accepted chan Conn
	closed   <-chan struct{}
	stop     context.CancelFunc
	loops    *errgroup.Group
}

// ListenDual binds QUIC first (so port 0 picks one) and then TCP on the same
// number. A nil logger means slog.Default().
func ListenDual(port int, key []byte, hostname string, log *slog.Logger) (Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	cert, err := GenerateSelfSignedCert(hostname)
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	ql, err := listenQUIC(port, key, cert)
	if err != nil {
		return nil, err
	}
	tl, err := listenTCP(ql.Port(), key, cert)
	if err != nil {
		ql.Close()
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	dl := &dualListener{
		quic:     ql,
		tcp:      tl,
		log:      log.With("component", "listener", "port", ql.Port()),
		accepted: make(chan Conn),
		closed:   ctx.Done(),
		stop:     stop,
		loops:    g,
	}
	g.Go(func() error { return dl.serve(ctx, DialQUIC, ql.Accept) })
	g.Go(func() error { return dl.serve(ctx, DialTCP, tl.Accept) })
	return dl, nil
}

// serve hands authenticated connections to Accept. A peer that fails TLS or
// pairing only costs a debug line; a closed listener ends the loop.
func (dl *dualListener) serve(ctx context.Context, mode DialMode, accept func(context.Context) (Conn, error)) error {
	for {
		conn, err := accept(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, net.ErrClosed) || errors.Is(err, quic.ErrServerClosed):
			return net.ErrClosed
		default:
			dl.log.Debug("rejected connection", "mode", mode, "err", err)
			continue
		}

		select {
		case dl.accepted <- conn:
			dl.log.Debug("connection accepted", "mode", mode, "remote", conn.RemoteAddr())
		case <-ctx.Done():
			conn.Close()
			return net.ErrClosed
		}
	}
}

func (dl *dualListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-dl.accepted:
		return conn, nil
	case <-dl.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (dl *dualListener) Port() int { return dl.quic.Port() }

// Close stops both accept loops and waits for them.
func (dl *dualListener) Close() error {
	dl.stop()
	err := errors.Join(dl.quic.Close(), dl.tcp.Close())
	dl.loops.Wait()
	return err
}
