package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortPayload    = errors.New("payload too short for message type")
)

// --- Message types ---

type AuthRequest struct {
	Token [32]byte
}

type AuthResponse struct {
	Status AuthStatus
}

// ClientInfo is the headset's first message after authentication.
type ClientInfo struct {
	Hostname        string
	Version         string
	DisplayWidth    uint32
	DisplayHeight   uint32
	RefreshRates    []float32
	MaxShardPayload uint32
}

// StreamConfig is the host's reply to ClientInfo and fixes the stream
// parameters for the session.
type StreamConfig struct {
	SessionID         [16]byte
	Width             uint32
	Height            uint32
	FrameRate         float32
	Codec             string
	MaxShardPayload   uint32
	InitialBitrateBps uint64
}

type StartStream struct{}

type StreamReady struct{}

type KeepAlive struct {
	TimestampMs int64
}

// ClientStatistics is the per-frame latency breakdown measured by the
// headset, keyed by the frame's target timestamp.
type ClientStatistics struct {
	TargetTimestamp      time.Duration
	FrameInterval        time.Duration
	DecodeLatency        time.Duration
	RenderLatency        time.Duration
	VsyncQueue           time.Duration
	TotalPipelineLatency time.Duration
}

type RequestIDR struct{}

// StatsSummary is the headset's aggregate over one reporting interval.
type StatsSummary struct {
	Interval         time.Duration
	AvgTotalLatency  time.Duration
	AvgDecodeLatency time.Duration
	FPS              float32
	FramesComposited uint64
	FramesLost       uint64
}

type Restarting struct{}

type Disconnect struct {
	Reason string
}

// Datagram carries one encoded shard over the stream.
type Datagram struct {
	Payload []byte
}

// --- Encoding ---

// AppendMessage appends the framed encoding of msg (header + payload) to dst.
func AppendMessage(dst []byte, msg any) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)

	var msgType MessageType
	switch m := msg.(type) {
	case *AuthRequest:
		msgType = MsgAuthRequest
		dst = append(dst, m.Token[:]...)
	case *AuthResponse:
		msgType = MsgAuthResponse
		dst = append(dst, byte(m.Status))
	case *ClientInfo:
		msgType = MsgClientInfo
		dst = appendString(dst, m.Hostname)
		dst = appendString(dst, m.Version)
		dst = quicvarint.Append(dst, uint64(m.DisplayWidth))
		dst = quicvarint.Append(dst, uint64(m.DisplayHeight))
		dst = quicvarint.Append(dst, uint64(len(m.RefreshRates)))
		for _, r := range m.RefreshRates {
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(r))
		}
		dst = quicvarint.Append(dst, uint64(m.MaxShardPayload))
	case *StreamConfig:
		msgType = MsgStreamConfig
		dst = append(dst, m.SessionID[:]...)
		dst = quicvarint.Append(dst, uint64(m.Width))
		dst = quicvarint.Append(dst, uint64(m.Height))
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(m.FrameRate))
		dst = appendString(dst, m.Codec)
		dst = quicvarint.Append(dst, uint64(m.MaxShardPayload))
		dst = appendVarint(dst, m.InitialBitrateBps)
	case *StartStream:
		msgType = MsgStartStream
	case *StreamReady:
		msgType = MsgStreamReady
	case *KeepAlive:
		msgType = MsgKeepAlive
		dst = binary.BigEndian.AppendUint64(dst, uint64(m.TimestampMs))
	case *ClientStatistics:
		msgType = MsgClientStatistics
		dst = appendDuration(dst, m.TargetTimestamp)
		dst = appendDuration(dst, m.FrameInterval)
		dst = appendDuration(dst, m.DecodeLatency)
		dst = appendDuration(dst, m.RenderLatency)
		dst = appendDuration(dst, m.VsyncQueue)
		dst = appendDuration(dst, m.TotalPipelineLatency)
	case *RequestIDR:
		msgType = MsgRequestIDR
	case *StatsSummary:
		msgType = MsgStatsSummary
		dst = appendDuration(dst, m.Interval)
		dst = appendDuration(dst, m.AvgTotalLatency)
		dst = appendDuration(dst, m.AvgDecodeLatency)
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(m.FPS))
		dst = appendVarint(dst, m.FramesComposited)
		dst = appendVarint(dst, m.FramesLost)
	case *Restarting:
		msgType = MsgRestarting
	case *Disconnect:
		msgType = MsgDisconnect
		dst = appendString(dst, m.Reason)
	case *Datagram:
		msgType = MsgDatagram
		dst = append(dst, m.Payload...)
	default:
		return dst[:start], fmt.Errorf("unsupported message type: %T", msg)
	}

	payloadLen := len(dst) - start - HeaderSize
	if payloadLen > MaxPayloadSize {
		return dst[:start], ErrPayloadTooLarge
	}
	binary.BigEndian.PutUint32(dst[start:start+4], uint32(payloadLen))
	dst[start+4] = byte(msgType)
	return dst, nil
}

// WriteMessage writes a framed message to w with a single Write call, so a
// frame is never interleaved with another writer's bytes on a stream that
// serializes writes.
func WriteMessage(w io.Writer, msg any) error {
	buf, err := AppendMessage(nil, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// --- Decoding ---

// ReadMessage reads a framed message from r.
func ReadMessage(r io.Reader) (any, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	msgType := MessageType(header[4])

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return DecodePayload(msgType, payload)
}

// DecodePayload decodes a raw payload given its message type.
func DecodePayload(msgType MessageType, payload []byte) (any, error) {
	r := newBufReader(payload)

	switch msgType {
	case MsgAuthRequest:
		if len(payload) < AuthRequestSize {
			return nil, ErrShortPayload
		}
		msg := &AuthRequest{}
		copy(msg.Token[:], payload[:32])
		return msg, nil

	case MsgAuthResponse:
		if len(payload) < AuthResponseSize {
			return nil, ErrShortPayload
		}
		return &AuthResponse{Status: AuthStatus(payload[0])}, nil

	case MsgClientInfo:
		m := &ClientInfo{}
		m.Hostname = r.string()
		m.Version = r.string()
		m.DisplayWidth = r.uint32()
		m.DisplayHeight = r.uint32()
		n := r.varint()
		if r.err == nil && n > uint64(r.remaining()/4) {
			return nil, ErrShortPayload
		}
		for range n {
			m.RefreshRates = append(m.RefreshRates, r.float32())
		}
		m.MaxShardPayload = r.uint32()
		return m, r.err

	case MsgStreamConfig:
		m := &StreamConfig{}
		copy(m.SessionID[:], r.bytes(16))
		m.Width = r.uint32()
		m.Height = r.uint32()
		m.FrameRate = r.float32()
		m.Codec = r.string()
		m.MaxShardPayload = r.uint32()
		m.InitialBitrateBps = r.varint()
		return m, r.err

	case MsgStartStream:
		return &StartStream{}, nil

	case MsgStreamReady:
		return &StreamReady{}, nil

	case MsgKeepAlive:
		if len(payload) < KeepAliveSize {
			return nil, ErrShortPayload
		}
		return &KeepAlive{
			TimestampMs: int64(binary.BigEndian.Uint64(payload[0:8])),
		}, nil

	case MsgClientStatistics:
		m := &ClientStatistics{
			TargetTimestamp:      r.duration(),
			FrameInterval:        r.duration(),
			DecodeLatency:        r.duration(),
			RenderLatency:        r.duration(),
			VsyncQueue:           r.duration(),
			TotalPipelineLatency: r.duration(),
		}
		return m, r.err

	case MsgRequestIDR:
		return &RequestIDR{}, nil

	case MsgStatsSummary:
		m := &StatsSummary{
			Interval:         r.duration(),
			AvgTotalLatency:  r.duration(),
			AvgDecodeLatency: r.duration(),
			FPS:              r.float32(),
			FramesComposited: r.varint(),
			FramesLost:       r.varint(),
		}
		return m, r.err

	case MsgRestarting:
		return &Restarting{}, nil

	case MsgDisconnect:
		m := &Disconnect{Reason: r.string()}
		return m, r.err

	case MsgDatagram:
		return &Datagram{Payload: payload}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, byte(msgType))
	}
}
