package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chronologos/govr/internal/transport"
)

// DefaultConnectTimeout bounds a whole Connect call.
const DefaultConnectTimeout = 2 * time.Second

// Role selects how Connect obtains a connection.
type Role interface {
	connect(ctx context.Context, log *slog.Logger) (transport.Conn, error)
}

// DialOut connects to the first reachable candidate, trying each in turn.
// All attempts share one timeout budget.
type DialOut struct {
	Addrs []string
	Mode  transport.DialMode
	Key   []byte
}

// ListenAndAccept waits for the next authenticated connection on Listener.
type ListenAndAccept struct {
	Listener transport.Listener
}

// ErrNoCandidates is returned by DialOut with an empty address list.
var ErrNoCandidates = errors.New("control: no candidate addresses")

// Connect opens a control channel in the given role. timeout <= 0 means
// DefaultConnectTimeout. A nil logger means slog.Default().
func Connect(ctx context.Context, role Role, timeout time.Duration, log *slog.Logger) (*ProtoChannel, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := role.connect(ctx, log.With("component", "control"))
	if err != nil {
		return nil, err
	}
	return newProtoChannel(conn), nil
}

func (d DialOut) connect(ctx context.Context, log *slog.Logger) (transport.Conn, error) {
	if len(d.Addrs) == 0 {
		return nil, ErrNoCandidates
	}

	var errs []error
	for _, addr := range d.Addrs {
		if ctx.Err() != nil {
			break
		}
		conn, err := transport.Dial(ctx, addr, d.Mode, d.Key)
		if err == nil {
			log.Debug("connected", "addr", addr, "mode", d.Mode)
			return conn, nil
		}
		if errors.Is(err, transport.ErrAuthFailed) {
			// Every candidate is the same peer; a key mismatch won't improve.
			return nil, err
		}
		log.Debug("dial candidate failed", "addr", addr, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return nil, fmt.Errorf("dial out: %w", errors.Join(errs...))
}

func (l ListenAndAccept) connect(ctx context.Context, log *slog.Logger) (transport.Conn, error) {
	conn, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept control connection: %w", err)
	}
	log.Debug("accepted", "addr", conn.RemoteAddr(), "mode", conn.Mode())
	return conn, nil
}
