package protocol

import "fmt"

// Wire format version.
const Version = 1

// Header: [4B payload_length big-endian][1B message_type]
const HeaderSize = 5

// Maximum payload size (4 MB).
const MaxPayloadSize = 4 * 1024 * 1024

// MessageType identifies the type of a framed message.
type MessageType byte

const (
	// Connection setup
	MsgAuthRequest  MessageType = 0x01
	MsgAuthResponse MessageType = 0x02
	MsgClientInfo   MessageType = 0x03
	MsgStreamConfig MessageType = 0x04
	MsgStartStream  MessageType = 0x05
	MsgStreamReady  MessageType = 0x06

	// Steady state
	MsgKeepAlive        MessageType = 0x10
	MsgClientStatistics MessageType = 0x11
	MsgRequestIDR       MessageType = 0x12
	MsgStatsSummary     MessageType = 0x13
	MsgRestarting       MessageType = 0x14
	MsgDisconnect       MessageType = 0x15

	// Shard datagrams carried in-stream when the connection has no
	// datagram support (TCP fallback).
	MsgDatagram MessageType = 0x20
)

func (t MessageType) String() string {
	switch t {
	case MsgAuthRequest:
		return "AuthRequest"
	case MsgAuthResponse:
		return "AuthResponse"
	case MsgClientInfo:
		return "ClientInfo"
	case MsgStreamConfig:
		return "StreamConfig"
	case MsgStartStream:
		return "StartStream"
	case MsgStreamReady:
		return "StreamReady"
	case MsgKeepAlive:
		return "KeepAlive"
	case MsgClientStatistics:
		return "ClientStatistics"
	case MsgRequestIDR:
		return "RequestIDR"
	case MsgStatsSummary:
		return "StatsSummary"
	case MsgRestarting:
		return "Restarting"
	case MsgDisconnect:
		return "Disconnect"
	case MsgDatagram:
		return "Datagram"
	default:
		return fmt.Sprintf("MessageType(0x%02x)", byte(t))
	}
}

// AuthStatus is the result of an authentication attempt.
type AuthStatus byte

const (
	AuthOK     AuthStatus = 0
	AuthFailed AuthStatus = 1
)

// Fixed message sizes (excluding header).
const (
	AuthRequestSize  = 32 // HMAC token
	AuthResponseSize = 1  // status byte
	KeepAliveSize    = 8  // i64 unix ms
)
