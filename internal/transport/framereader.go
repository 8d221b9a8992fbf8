package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/chronologos/govr/internal/protocol"
)

type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// frameReader reads framed messages under a per-call timeout. Bytes of a
// message that was cut off by the timeout stay buffered, so framing
// survives any number of timeouts.
type frameReader struct {
	r       deadlineReader
	buf     []byte
	scratch [4096]byte
}

func newFrameReader(r deadlineReader) *frameReader {
	return &frameReader{r: r}
}

// next returns the next message. timeout <= 0 blocks indefinitely.
func (f *frameReader) next(timeout time.Duration) (any, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := f.r.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	for {
		msg, ok, err := f.parse()
		if err != nil || ok {
			return msg, err
		}

		n, err := f.r.Read(f.scratch[:])
		f.buf = append(f.buf, f.scratch[:n]...)
		if err != nil {
			if msg, ok, perr := f.parse(); perr != nil || ok {
				return msg, perr
			}
			if isTimeout(err) {
				return nil, ErrTimeout
			}
			if err == io.EOF && len(f.buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// parse decodes one complete message from the front of buf, if present.
func (f *frameReader) parse() (any, bool, error) {
	if len(f.buf) < protocol.HeaderSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(f.buf[0:4])
	if n > protocol.MaxPayloadSize {
		return nil, false, protocol.ErrPayloadTooLarge
	}
	end := protocol.HeaderSize + int(n)
	if len(f.buf) < end {
		return nil, false, nil
	}

	msgType := protocol.MessageType(f.buf[4])
	payload := bytes.Clone(f.buf[protocol.HeaderSize:end])
	f.buf = append(f.buf[:0], f.buf[end:]...)

	msg, err := protocol.DecodePayload(msgType, payload)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}
