package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/chronologos/govr/internal/version"
)

// DefaultAnnounceInterval is how often a headset repeats its hello.
const DefaultAnnounceInterval = time.Second

// MulticastAddr is the group hosts may join in addition to broadcast.
var MulticastAddr = netip.AddrFrom4([4]byte{224, 0, 0, 123})

var (
	ErrIncompatibleVersion = errors.New("host runs an incompatible protocol version")
	ErrUntrusted           = errors.New("host has not approved this headset")
)

// DefaultTargets returns the broadcast and multicast destinations on port.
func DefaultTargets(port int) []netip.AddrPort {
	return []netip.AddrPort{
		netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(port)),
		netip.AddrPortFrom(MulticastAddr, uint16(port)),
	}
}

// Announcer is the headset side of discovery.
type Announcer struct {
	Hostname string
	Local    version.ProtocolID
	Targets  []netip.AddrPort
	Interval time.Duration // zero means DefaultAnnounceInterval
	Log      *slog.Logger
}

// Announce sends the hello record to every target each interval until ctx
// is done or a host rejects us. A reject is reported as
// ErrIncompatibleVersion or ErrUntrusted; otherwise ctx.Err() is returned.
func (a *Announcer) Announce(ctx context.Context) error {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "announcer")

	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	hello, err := AppendHello(nil, a.Local.Uint64(), a.Hostname)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("bind announce socket: %w", err)
	}
	defer conn.Close()

	buf := make([]byte, maxDatagram)
	for {
		for _, t := range a.Targets {
			if _, err := conn.WriteToUDPAddrPort(hello, t); err != nil {
				log.Debug("send hello", "to", t, "err", err)
			}
		}

		next := time.Now().Add(interval)
		for time.Now().Before(next) {
			if err := ctx.Err(); err != nil {
				return err
			}
			deadline := next
			if poll := time.Now().Add(pollInterval); poll.Before(deadline) {
				deadline = poll
			}
			conn.SetReadDeadline(deadline)

			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				return fmt.Errorf("receive reject: %w", err)
			}

			pkt, err := Parse(buf[:n])
			if err != nil {
				continue
			}
			if rej, ok := pkt.(ServerReject); ok {
				log.Warn("host rejected headset", "host", from, "reason", rej.Reason)
				return rejectError(rej.Reason)
			}
		}
	}
}

func rejectError(r RejectReason) error {
	if r == Untrusted {
		return ErrUntrusted
	}
	return ErrIncompatibleVersion
}
