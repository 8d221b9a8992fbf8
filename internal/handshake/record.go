// Package handshake discovers peers and checks protocol compatibility before
// any control channel is opened.
//
// A headset announces itself with a fixed 56-byte hello record over UDP
// broadcast and multicast. The host validates the record and either accepts
// the peer or answers with an explicit reject datagram so the headset can
// show an actionable error.
package handshake

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"unicode/utf8"
)

// Wire layout of the hello record.
const (
	RecordSize = 56

	magicEnd    = 4
	reservedEnd = 16
	idEnd       = 24

	// MaxHostnameLen is the longest hostname that fits the record.
	MaxHostnameLen = RecordSize - idEnd
)

// rejectSize is the length of a ServerReject datagram: magic, kind, reason.
const rejectSize = magicEnd + 2

const kindReject byte = 0x01

// Magic marks every handshake datagram.
var Magic = [4]byte{'G', 'O', 'V', 'R'}

var (
	// ErrNotHandshake means the datagram is unrelated traffic.
	ErrNotHandshake = errors.New("not a handshake record")
	// ErrHostnameTooLong is returned when encoding a hello whose hostname
	// does not fit the record.
	ErrHostnameTooLong = errors.New("hostname too long for handshake record")
)

// RejectReason explains why a host turned a peer away.
type RejectReason uint8

const (
	IncompatibleVersion RejectReason = 1
	Untrusted           RejectReason = 2
)

func (r RejectReason) String() string {
	switch r {
	case IncompatibleVersion:
		return "incompatible version"
	case Untrusted:
		return "untrusted"
	default:
		return fmt.Sprintf("RejectReason(%d)", r)
	}
}

// Packet is either a ClientHello or a ServerReject.
type Packet interface {
	isPacket()
}

// ClientHello is the record a headset broadcasts to announce itself.
type ClientHello struct {
	Name       string // always the magic, "GOVR"
	ProtocolID uint64
	Hostname   string
}

// ServerReject tells a headset why it will not be connected to.
type ServerReject struct {
	Reason RejectReason
}

func (ClientHello) isPacket()  {}
func (ServerReject) isPacket() {}

// PeerIdentity is a validated headset, immutable once accepted.
type PeerIdentity struct {
	Hostname   string
	Addr       netip.AddrPort
	ProtocolID uint64
}

// AppendHello appends the 56-byte hello record for hostname and protocol id.
func AppendHello(dst []byte, protocolID uint64, hostname string) ([]byte, error) {
	if len(hostname) > MaxHostnameLen {
		return nil, ErrHostnameTooLong
	}
	var rec [RecordSize]byte
	copy(rec[:magicEnd], Magic[:])
	binary.LittleEndian.PutUint64(rec[reservedEnd:idEnd], protocolID)
	copy(rec[idEnd:], hostname)
	return append(dst, rec[:]...), nil
}

// AppendReject appends a ServerReject datagram.
func AppendReject(dst []byte, reason RejectReason) []byte {
	dst = append(dst, Magic[:]...)
	return append(dst, kindReject, byte(reason))
}

// Parse decodes a handshake datagram. Anything that is not a well-formed
// hello or reject returns ErrNotHandshake.
func Parse(b []byte) (Packet, error) {
	if len(b) < magicEnd || !bytes.Equal(b[:magicEnd], Magic[:]) {
		return nil, ErrNotHandshake
	}

	switch len(b) {
	case RecordSize:
		return parseHello(b)
	case rejectSize:
		if b[magicEnd] != kindReject {
			return nil, ErrNotHandshake
		}
		reason := RejectReason(b[magicEnd+1])
		if reason != IncompatibleVersion && reason != Untrusted {
			return nil, ErrNotHandshake
		}
		return ServerReject{Reason: reason}, nil
	default:
		return nil, ErrNotHandshake
	}
}

func parseHello(b []byte) (ClientHello, error) {
	for _, c := range b[magicEnd:reservedEnd] {
		if c != 0 {
			return ClientHello{}, ErrNotHandshake
		}
	}

	name := b[idEnd:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		// Padding must be all NUL once it starts.
		for _, c := range name[i:] {
			if c != 0 {
				return ClientHello{}, ErrNotHandshake
			}
		}
		name = name[:i]
	}
	if len(name) == 0 || !utf8.Valid(name) {
		return ClientHello{}, ErrNotHandshake
	}

	return ClientHello{
		Name:       string(Magic[:]),
		ProtocolID: binary.LittleEndian.Uint64(b[reservedEnd:idEnd]),
		Hostname:   string(name),
	}, nil
}
