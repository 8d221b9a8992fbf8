// Package session runs one host or headset end of a stream: it owns the
// control channel and the media state for each connection and drives them
// from a small set of goroutines.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/govr/internal/bitrate"
	"github.com/chronologos/govr/internal/control"
	"github.com/chronologos/govr/internal/frame"
	"github.com/chronologos/govr/internal/phasesync"
	"github.com/chronologos/govr/internal/protocol"
	"github.com/chronologos/govr/internal/shard"
	"github.com/chronologos/govr/internal/stats"
)

var (
	// ErrKeepAliveTimeout means the peer went silent.
	ErrKeepAliveTimeout = errors.New("session: keepalive timeout")

	errPeerDisconnected = errors.New("session: peer disconnected")
	errPeerRestarting   = errors.New("session: peer restarting")
)

// Context is the state of one connection. It is built when the stream is
// negotiated and dropped when the connection ends; loops receive it by
// reference. Fields for the other role stay nil.
type Context struct {
	ID      uuid.UUID
	Stream  protocol.StreamConfig
	Channel *control.ProtoChannel
	Log     *slog.Logger

	// Host side.
	Video     *frame.Sender
	HostStats *stats.Host
	Bitrate   *bitrate.Controller
	Phase     *phasesync.Controller

	// Headset side.
	Reassembler *frame.Reassembler
	Tracking    *shard.Sender
	Stats       *stats.Pipeline

	lastSeen atomic.Int64 // unix nanos of the last packet from the peer
}

func newContext(id uuid.UUID, ch *control.ProtoChannel, log *slog.Logger) *Context {
	c := &Context{
		ID:      id,
		Channel: ch,
		Log:     log.With("session", id.String()),
	}
	c.touch()
	return c
}

func (c *Context) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Context) silentFor() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// alive fails once the peer has been quiet for longer than timeout.
func (c *Context) alive(timeout time.Duration) error {
	if quiet := c.silentFor(); quiet > timeout {
		return fmt.Errorf("%w: nothing for %v", ErrKeepAliveTimeout, quiet.Round(time.Millisecond))
	}
	return nil
}

// expect receives one packet of type T during connection setup.
func expect[T any](ch *control.ProtoChannel, timeout time.Duration) (T, error) {
	var zero T
	msg, err := ch.Recv(timeout)
	if errors.Is(err, control.ErrTryAgain) {
		return zero, fmt.Errorf("timed out waiting for %T", zero)
	}
	if err != nil {
		return zero, err
	}
	m, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: want %T, got %T", control.ErrUnexpectedPacket, zero, msg)
	}
	return m, nil
}

// sessionEnded reports whether err is a normal end of a connection rather
// than a failure worth a warning.
func sessionEnded(err error) bool {
	return errors.Is(err, errPeerDisconnected) || errors.Is(err, errPeerRestarting)
}
