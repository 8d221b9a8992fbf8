package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// DefaultPort is the UDP port hosts listen on for hello records.
const DefaultPort = 9943

// pollInterval bounds how long a receive blocks before ctx is rechecked.
const pollInterval = 500 * time.Millisecond

// maxDatagram is large enough for any handshake record plus unrelated
// traffic we read only to discard.
const maxDatagram = 2048

// Service is the host side of discovery. It validates hello records and
// reports accepted peers; rejected peers get a ServerReject reply.
type Service struct {
	conn       *net.UDPConn
	negotiator Negotiator
	log        *slog.Logger

	mu     sync.Mutex
	warned map[string]RejectReason // hostname -> last reason warned about
}

// NewService binds the discovery socket on port (0 picks a free port). A nil
// logger means slog.Default().
func NewService(port int, n Negotiator, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind handshake socket: %w", err)
	}
	return &Service{
		conn:       conn,
		negotiator: n,
		log:        log.With("component", "handshake"),
		warned:     make(map[string]RejectReason),
	}, nil
}

// Port returns the bound UDP port.
func (s *Service) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Listen receives hello records until ctx is done, calling onPeer for each
// accepted peer on the listening goroutine. Malformed traffic never ends
// the loop. The returned error is ctx.Err() or a socket failure.
func (s *Service) Listen(ctx context.Context, onPeer func(PeerIdentity)) error {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return fmt.Errorf("set handshake read deadline: %w", err)
		}
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive handshake: %w", err)
		}

		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		out := s.negotiator.Negotiate(buf[:n], addr)
		switch out.Verdict {
		case Ignore:
			s.log.Debug("ignored unrelated datagram", "from", addr, "len", n)
		case Reject:
			s.reject(buf[:n], addr, out.Reason)
		case Accept:
			s.forget(out.Peer.Hostname)
			onPeer(out.Peer)
		}
	}
}

func (s *Service) reject(rec []byte, addr netip.AddrPort, reason RejectReason) {
	if _, err := s.conn.WriteToUDPAddrPort(AppendReject(nil, reason), addr); err != nil {
		s.log.Debug("send reject", "to", addr, "err", err)
	}

	host := addr.String()
	if pkt, err := Parse(rec); err == nil {
		host = pkt.(ClientHello).Hostname
	}

	s.mu.Lock()
	prev, seen := s.warned[host]
	s.warned[host] = reason
	s.mu.Unlock()
	if seen && prev == reason {
		return
	}
	s.log.Warn("rejected peer", "hostname", host, "addr", addr, "reason", reason)
}

func (s *Service) forget(hostname string) {
	s.mu.Lock()
	delete(s.warned, hostname)
	s.mu.Unlock()
}

// Close releases the socket. Listen returns once it notices.
func (s *Service) Close() error {
	return s.conn.Close()
}
