package handshake

import (
	"context"
	"net/netip"
)

// ProtocolKey is the service-record property that carries the canonical
// protocol id.
const ProtocolKey = "protocol"

// ServiceRecord is a peer found through a service directory such as mDNS.
type ServiceRecord struct {
	Hostname   string
	Addr       netip.AddrPort
	Properties map[string]string
}

// Directory browses a discovery transport and reports each record it
// resolves until ctx is done.
type Directory interface {
	Browse(ctx context.Context, found func(ServiceRecord)) error
}

// NegotiateRecord applies the same checks as Negotiate to a directory
// record. The protocol property must match the local canonical id exactly;
// a record without one is ignored.
func (n Negotiator) NegotiateRecord(rec ServiceRecord) Outcome {
	proto, ok := rec.Properties[ProtocolKey]
	if !ok || rec.Hostname == "" {
		return Outcome{Verdict: Ignore}
	}
	if proto != n.Local.String() {
		return Outcome{Verdict: Reject, Reason: IncompatibleVersion}
	}
	return n.decide(n.Local.Uint64(), rec.Hostname, rec.Addr)
}
