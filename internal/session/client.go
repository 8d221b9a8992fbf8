package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/govr/internal/config"
	"github.com/chronologos/govr/internal/control"
	"github.com/chronologos/govr/internal/frame"
	"github.com/chronologos/govr/internal/handshake"
	"github.com/chronologos/govr/internal/protocol"
	"github.com/chronologos/govr/internal/shard"
	"github.com/chronologos/govr/internal/stats"
	"github.com/chronologos/govr/internal/transport"
	"github.com/chronologos/govr/internal/version"
)

// ClientSnapshot is what the headset reports on its debug endpoint.
type ClientSnapshot struct {
	Connected bool          `json:"connected"`
	SessionID string        `json:"session_id,omitempty"`
	Host      string        `json:"host,omitempty"`
	Width     uint32        `json:"width,omitempty"`
	Height    uint32        `json:"height,omitempty"`
	FrameRate float32       `json:"frame_rate,omitempty"`
	Stats     stats.Summary `json:"stats"`
	Link      *LinkStats    `json:"link,omitempty"`
}

// Client is the headset: it announces itself, accepts the host's control
// connection, decodes the video stream and reports timing back.
type Client struct {
	cfg     config.Config
	dec     Decoder
	metrics *stats.Metrics
	log     *slog.Logger

	// Ready is closed once the control listener is bound, with Port set.
	Ready chan struct{}
	Port  int

	mu       sync.Mutex
	snapshot ClientSnapshot
}

// NewClient returns a headset feeding dec. metrics may be nil. A nil logger
// means slog.Default().
func NewClient(cfg config.Config, dec Decoder, metrics *stats.Metrics, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		dec:     dec,
		metrics: metrics,
		log:     log.With("component", "client"),
		Ready:   make(chan struct{}),
	}
}

// Snapshot returns the current state for the debug endpoint.
func (c *Client) Snapshot() ClientSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Run announces and serves hosts until ctx is done. It gives up only when a
// host reports an incompatible protocol version.
func (c *Client) Run(ctx context.Context) error {
	targets, err := c.announceTargets()
	if err != nil {
		return err
	}
	ln, err := transport.ListenDual(c.cfg.ControlPort, c.cfg.PairingKey, c.cfg.Hostname, c.log)
	if err != nil {
		return err
	}
	defer ln.Close()

	c.Port = ln.Port()
	close(c.Ready)
	c.log.Info("announcing", "hostname", c.cfg.Hostname, "control_port", c.Port, "targets", targets)

	for {
		err := c.connectAndServe(ctx, ln, targets)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, handshake.ErrIncompatibleVersion):
			return err
		case errors.Is(err, handshake.ErrUntrusted):
			c.log.Warn("waiting for the host to trust this headset", "hostname", c.cfg.Hostname)
		case err == nil || sessionEnded(err):
			c.log.Info("host left", "reason", err)
		default:
			c.log.Warn("session ended", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) announceTargets() ([]netip.AddrPort, error) {
	if len(c.cfg.AnnounceTargets) == 0 {
		return handshake.DefaultTargets(c.cfg.HandshakePort), nil
	}
	targets := make([]netip.AddrPort, 0, len(c.cfg.AnnounceTargets))
	for _, s := range c.cfg.AnnounceTargets {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("announce target %q: %w", s, err)
		}
		targets = append(targets, ap)
	}
	return targets, nil
}

func (c *Client) connectAndServe(ctx context.Context, ln transport.Listener, targets []netip.AddrPort) error {
	ch, err := c.connect(ctx, ln, targets)
	if err != nil {
		return err
	}
	return c.serve(ctx, ch)
}

// connect announces until a host connects or rejects us.
func (c *Client) connect(ctx context.Context, ln transport.Listener, targets []netip.AddrPort) (*control.ProtoChannel, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ann := &handshake.Announcer{
		Hostname: c.cfg.Hostname,
		Local:    version.Local(),
		Targets:  targets,
		Log:      c.log,
	}
	go func() {
		if err := ann.Announce(ctx); err != nil && ctx.Err() == nil {
			cancel(err)
		}
	}()

	for {
		ch, err := control.Connect(ctx, control.ListenAndAccept{Listener: ln}, c.cfg.ConnectTimeout, c.log)
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
}

// serve runs one host connection from setup to teardown.
func (c *Client) serve(ctx context.Context, ch *control.ProtoChannel) error {
	defer ch.Close()

	sess, err := c.negotiate(ch)
	if err != nil {
		return err
	}
	defer logLinkSummary(sess.Log, ch.Conn(), time.Now())
	sess.Log.Info("streaming",
		"host", ch.RemoteAddr(),
		"mode", ch.Conn().Mode(),
		"resolution", fmt.Sprintf("%dx%d", sess.Stream.Width, sess.Stream.Height),
		"fps", sess.Stream.FrameRate,
		"codec", sess.Stream.Codec,
	)

	c.mu.Lock()
	c.snapshot = ClientSnapshot{
		Connected: true,
		SessionID: sess.ID.String(),
		Host:      ch.RemoteAddr().String(),
		Width:     sess.Stream.Width,
		Height:    sess.Stream.Height,
		FrameRate: sess.Stream.FrameRate,
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.snapshot.Connected = false
		c.mu.Unlock()
	}()

	err = c.stream(ctx, sess)
	if !sessionEnded(err) {
		reason := "shutdown"
		if ctx.Err() == nil && err != nil {
			reason = err.Error()
		}
		ch.Send(&protocol.Disconnect{Reason: reason}) // best-effort
	}
	return err
}

// negotiate is the headset half of the setup exchange.
func (c *Client) negotiate(ch *control.ProtoChannel) (*Context, error) {
	err := ch.Send(&protocol.ClientInfo{
		Hostname:        c.cfg.Hostname,
		Version:         version.VERSION,
		DisplayWidth:    c.cfg.Width,
		DisplayHeight:   c.cfg.Height,
		RefreshRates:    []float32{c.cfg.FrameRate},
		MaxShardPayload: uint32(c.cfg.MaxShardPayload),
	})
	if err != nil {
		return nil, err
	}

	sc, err := expect[*protocol.StreamConfig](ch, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("read stream config: %w", err)
	}
	if sc.MaxShardPayload == 0 || sc.FrameRate <= 0 {
		return nil, fmt.Errorf("unusable stream config: %d byte shards at %v fps", sc.MaxShardPayload, sc.FrameRate)
	}

	sess := newContext(uuid.UUID(sc.SessionID), ch, c.log)
	sess.Stream = *sc
	sess.Reassembler = frame.NewReassembler(int(sc.MaxShardPayload))
	sess.Stats = stats.NewPipeline(c.cfg.StatsHistory)
	sess.Tracking = shard.NewSender(ch.Conn(), shard.StreamTracking, int(sc.MaxShardPayload))

	if err := ch.Send(&protocol.StreamReady{}); err != nil {
		return nil, err
	}
	if _, err := expect[*protocol.StartStream](ch, c.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("wait for start: %w", err)
	}
	sess.touch()
	return sess, nil
}

// stream runs the per-connection loops until one fails or the host leaves.
func (c *Client) stream(ctx context.Context, sess *Context) error {
	tx, rx := control.Split[protocol.ClientPacket, protocol.HostPacket](sess.Channel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.receiveVideo(ctx, sess, tx)
	})

	g.Go(func() error {
		return c.presentLoop(ctx, sess, tx)
	})

	g.Go(func() error {
		for {
			pkt, err := rx.Recv(c.cfg.KeepAliveInterval)
			if errors.Is(err, control.ErrTryAgain) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if err != nil {
				return err
			}
			sess.touch()
			switch m := pkt.(type) {
			case *protocol.KeepAlive:
			case *protocol.Restarting:
				return errPeerRestarting
			case *protocol.Disconnect:
				return fmt.Errorf("%w: %s", errPeerDisconnected, m.Reason)
			default:
				sess.Log.Debug("ignoring packet", "type", fmt.Sprintf("%T", pkt))
			}
		}
	})

	g.Go(func() error {
		keepAlive := time.NewTicker(c.cfg.KeepAliveInterval)
		defer keepAlive.Stop()
		report := time.NewTicker(c.cfg.StatsInterval)
		defer report.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-keepAlive.C:
				if err := sess.alive(c.cfg.KeepAliveTimeout); err != nil {
					return err
				}
				if err := tx.Send(&protocol.KeepAlive{TimestampMs: time.Now().UnixMilli()}); err != nil {
					return err
				}
			case <-report.C:
				s := sess.Stats.Tick()
				c.metrics.ObserveClient(s)
				link, hasLink := linkStats(sess.Channel.Conn())
				c.mu.Lock()
				c.snapshot.Stats = s
				if hasLink {
					c.snapshot.Link = &link
				}
				c.mu.Unlock()
				err := tx.Send(&protocol.StatsSummary{
					Interval:         s.Interval,
					AvgTotalLatency:  s.AvgTotalLatency,
					AvgDecodeLatency: s.AvgDecodeLatency,
					FPS:              float32(s.FPS),
					FramesComposited: uint64(s.FramesComposited),
					FramesLost:       uint64(s.FramesLost),
				})
				if err != nil {
					return err
				}
				sess.Log.Debug("client stats",
					"fps", s.FPS,
					"total", s.AvgTotalLatency,
					"decode", s.AvgDecodeLatency,
					"lost", s.FramesLost,
				)
			}
		}
	})

	return g.Wait()
}

// receiveVideo reassembles video shards and feeds complete frames to the
// decoder. After a lost frame or a saturated decoder the stream is corrupted:
// frames that depend on the missing one are dropped and a keyframe requested
// until one arrives.
func (c *Client) receiveVideo(ctx context.Context, sess *Context, tx control.Sender[protocol.ClientPacket]) error {
	gate := keyframeGate{enabled: c.cfg.AvoidVideoGlitching, corrupted: true}
	requestIDR := func() error {
		return tx.Send(&protocol.RequestIDR{})
	}

	var events []frame.Event
	demux := shard.NewDemux()
	demux.Handle(shard.StreamVideo, func(s shard.Shard) error {
		if companion, ok := frame.PeekCompanion(s); ok {
			sess.Stats.ReportPayloadReceived(time.Duration(companion))
		}

		var err error
		events, err = sess.Reassembler.Ingest(s, events[:0])
		if err != nil {
			sess.Log.Debug("bad video shard", "err", err)
		}
		for _, ev := range events {
			switch e := ev.(type) {
			case frame.Ready:
				if !gate.admit(e.Keyframe) {
					sess.Log.Debug("dropped frame, waiting for keyframe", "index", e.FrameIndex)
					if err := requestIDR(); err != nil {
						return err
					}
					continue
				}
				accepted, err := c.dec.PushEncodedUnit(time.Duration(e.CompanionIndex), e.Bytes, c.cfg.DecoderTimeout)
				if err != nil {
					return fmt.Errorf("decoder: %w", err)
				}
				if !accepted {
					gate.corrupt()
					sess.Stats.ReportFrameLost()
					sess.Log.Warn("dropped frame, decoder saturated", "index", e.FrameIndex)
					if err := requestIDR(); err != nil {
						return err
					}
				}
			case frame.Lost:
				gate.corrupt()
				sess.Stats.ReportFrameLost()
				sess.Log.Debug("frame lost", "index", e.FrameIndex)
				if err := requestIDR(); err != nil {
					return err
				}
			}
		}
		return nil
	})

	err := shard.ReadLoop(ctx, sess.Channel.Conn(), sess.Log, demux.Dispatch)
	if demux.Unrouted > 0 {
		sess.Log.Debug("unrouted shards", "count", demux.Unrouted)
	}
	return err
}

// presentLoop runs at the display rate. Each tick composites the newest
// frame decoded during the previous tick, drains the decoder, and samples
// tracking for the next frame.
func (c *Client) presentLoop(ctx context.Context, sess *Context, tx control.Sender[protocol.ClientPacket]) error {
	start := time.Now()
	interval := time.Duration(float64(time.Second) / float64(sess.Stream.FrameRate))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	presenter, _ := c.dec.(Presenter)
	pending, havePending := time.Duration(0), false
	buf := make([]byte, 0, trackingSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if havePending {
			var queue time.Duration
			if presenter != nil {
				queue = presenter.Present(pending)
			}
			sess.Stats.ReportComposited(pending, queue)
			if s, ok := sess.Stats.Sample(pending); ok {
				r := stats.ReportFromSample(s)
				err := tx.Send(&protocol.ClientStatistics{
					TargetTimestamp:      r.TargetTimestamp,
					FrameInterval:        r.FrameInterval,
					DecodeLatency:        r.DecodeLatency,
					RenderLatency:        r.RenderLatency,
					VsyncQueue:           r.VsyncQueue,
					TotalPipelineLatency: r.TotalPipelineLatency,
				})
				if err != nil {
					return err
				}
			}
			havePending = false
		}

		for {
			target, ok := c.dec.PollDecodedUnit(0)
			if !ok {
				break
			}
			sess.Stats.ReportDecoded(target)
			pending, havePending = target, true
		}

		target := time.Since(start)
		sess.Stats.ReportAcquired(target)
		if _, err := sess.Tracking.Send(appendTracking(buf[:0], target)); err != nil {
			return fmt.Errorf("send tracking: %w", err)
		}
	}
}
