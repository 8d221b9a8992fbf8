package handshake

import (
	"fmt"
	"net/netip"

	"github.com/chronologos/govr/internal/version"
)

// Verdict is the result kind of a negotiation.
type Verdict uint8

const (
	// Ignore means the candidate was unrelated traffic.
	Ignore Verdict = iota
	Accept
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Ignore:
		return "ignore"
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("Verdict(%d)", v)
	}
}

// Outcome is the result of Negotiate. Peer is set for Accept, Reason for
// Reject.
type Outcome struct {
	Verdict Verdict
	Peer    PeerIdentity
	Reason  RejectReason
}

// TrustFunc decides whether a version-compatible peer may connect.
type TrustFunc func(hostname string) bool

// Negotiator validates candidates against the local protocol id. It keeps
// no state between calls.
type Negotiator struct {
	Local   version.ProtocolID
	Trusted TrustFunc // nil trusts every compatible peer
}

// Negotiate turns a raw hello datagram from addr into an outcome.
func (n Negotiator) Negotiate(b []byte, addr netip.AddrPort) Outcome {
	pkt, err := Parse(b)
	if err != nil {
		return Outcome{Verdict: Ignore}
	}
	hello, ok := pkt.(ClientHello)
	if !ok {
		return Outcome{Verdict: Ignore}
	}
	return n.decide(hello.ProtocolID, hello.Hostname, addr)
}

func (n Negotiator) decide(id uint64, hostname string, addr netip.AddrPort) Outcome {
	if id != n.Local.Uint64() {
		return Outcome{Verdict: Reject, Reason: IncompatibleVersion}
	}
	if n.Trusted != nil && !n.Trusted(hostname) {
		return Outcome{Verdict: Reject, Reason: Untrusted}
	}
	return Outcome{
		Verdict: Accept,
		Peer: PeerIdentity{
			Hostname:   hostname,
			Addr:       addr,
			ProtocolID: id,
		},
	}
}
