package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/govr/internal/auth"
	"github.com/chronologos/govr/internal/bitrate"
	"github.com/chronologos/govr/internal/config"
	"github.com/chronologos/govr/internal/control"
	"github.com/chronologos/govr/internal/frame"
	"github.com/chronologos/govr/internal/handshake"
	"github.com/chronologos/govr/internal/phasesync"
	"github.com/chronologos/govr/internal/protocol"
	"github.com/chronologos/govr/internal/shard"
	"github.com/chronologos/govr/internal/stats"
	"github.com/chronologos/govr/internal/version"
)

// HostSnapshot is what the host reports on its debug endpoint.
type HostSnapshot struct {
	Connected     bool                   `json:"connected"`
	SessionID     string                 `json:"session_id,omitempty"`
	Peer          string                 `json:"peer,omitempty"`
	TargetBitrate float64                `json:"target_bitrate_bps"`
	FrameInterval time.Duration          `json:"frame_interval_ns"`
	Host          stats.HostSummary      `json:"host"`
	Client        *protocol.StatsSummary `json:"client,omitempty"`
	PendingPeers  []string               `json:"pending_peers,omitempty"`
	Link          *LinkStats             `json:"link,omitempty"`
}

// Host waits for headsets to announce themselves, connects to them, and
// streams encoded video while adapting bitrate and frame pacing to their
// feedback. One headset is served at a time.
type Host struct {
	cfg     config.Config
	enc     Encoder
	trust   *auth.TrustList
	metrics *stats.Metrics
	log     *slog.Logger

	// Ready is closed once the discovery socket is bound, with Port set.
	Ready chan struct{}
	Port  int

	mu       sync.Mutex
	current  *Context
	snapshot HostSnapshot
}

// NewHost returns a host streaming from enc. metrics may be nil. A nil
// logger means slog.Default().
func NewHost(cfg config.Config, enc Encoder, metrics *stats.Metrics, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{
		cfg:     cfg,
		enc:     enc,
		trust:   auth.NewTrustList(cfg.TrustAll, cfg.TrustedHosts...),
		metrics: metrics,
		log:     log.With("component", "host"),
		Ready:   make(chan struct{}),
	}
}

// Trust exposes the trust list so operators can approve pending headsets.
func (h *Host) Trust() *auth.TrustList { return h.trust }

// Snapshot returns the current state for the debug endpoint.
func (h *Host) Snapshot() HostSnapshot {
	h.mu.Lock()
	s := h.snapshot
	cur := h.current
	h.mu.Unlock()

	if cur != nil {
		s.TargetBitrate = cur.Bitrate.TargetBps()
		s.FrameInterval = cur.Phase.Interval()
	}
	s.PendingPeers = h.trust.Pending()
	return s
}

// Run serves headsets until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	svc, err := handshake.NewService(h.cfg.HandshakePort, handshake.Negotiator{
		Local:   version.Local(),
		Trusted: h.trust.Trusted,
	}, h.log)
	if err != nil {
		return err
	}
	defer svc.Close()

	h.Port = svc.Port()
	close(h.Ready)
	h.log.Info("waiting for headsets", "port", h.Port, "protocol", version.Local().String())

	peers := make(chan handshake.PeerIdentity, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Listen(ctx, func(p handshake.PeerIdentity) {
			select {
			case peers <- p:
			default:
			}
		})
	})
	g.Go(func() error {
		for {
			var peer handshake.PeerIdentity
			select {
			case <-ctx.Done():
				return ctx.Err()
			case peer = <-peers:
			}

			err := h.serve(ctx, peer)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err == nil || sessionEnded(err):
				h.log.Info("headset left", "hostname", peer.Hostname, "reason", err)
			default:
				h.log.Warn("session ended", "hostname", peer.Hostname, "err", err)
			}
		}
	})
	return g.Wait()
}

func (h *Host) candidates(peer handshake.PeerIdentity) []string {
	addrs := []string{net.JoinHostPort(peer.Addr.Addr().String(), strconv.Itoa(h.cfg.ControlPort))}
	for _, a := range h.cfg.Candidates {
		if !slices.Contains(addrs, a) {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// serve runs one connection to peer from dial to teardown.
func (h *Host) serve(ctx context.Context, peer handshake.PeerIdentity) error {
	ch, err := control.Connect(ctx, control.DialOut{
		Addrs: h.candidates(peer),
		Mode:  h.cfg.DialMode,
		Key:   h.cfg.PairingKey,
	}, h.cfg.ConnectTimeout, h.log)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", peer.Hostname, err)
	}
	defer ch.Close()

	sess, err := h.negotiate(ch)
	if err != nil {
		return err
	}
	defer logLinkSummary(sess.Log, ch.Conn(), time.Now())
	sess.Log.Info("streaming",
		"hostname", peer.Hostname,
		"addr", ch.RemoteAddr(),
		"mode", ch.Conn().Mode(),
		"resolution", fmt.Sprintf("%dx%d", sess.Stream.Width, sess.Stream.Height),
		"fps", sess.Stream.FrameRate,
	)

	h.mu.Lock()
	h.current = sess
	h.snapshot = HostSnapshot{Connected: true, SessionID: sess.ID.String(), Peer: peer.Hostname}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.current = nil
		h.snapshot.Connected = false
		h.mu.Unlock()
	}()

	err = h.stream(ctx, sess)
	if !sessionEnded(err) {
		reason := "shutdown"
		if ctx.Err() == nil && err != nil {
			reason = err.Error()
		}
		ch.Send(&protocol.Disconnect{Reason: reason}) // best-effort
	}
	return err
}

// negotiate runs the setup exchange: ClientInfo, StreamConfig, StreamReady,
// StartStream.
func (h *Host) negotiate(ch *control.ProtoChannel) (*Context, error) {
	info, err := expect[*protocol.ClientInfo](ch, h.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("read client info: %w", err)
	}

	maxShard := h.cfg.MaxShardPayload
	if info.MaxShardPayload > 0 && int(info.MaxShardPayload) < maxShard {
		maxShard = int(info.MaxShardPayload)
	}
	width, height := h.cfg.Width, h.cfg.Height
	if info.DisplayWidth > 0 && info.DisplayHeight > 0 {
		width, height = info.DisplayWidth, info.DisplayHeight
	}
	fps := pickRefreshRate(h.cfg.FrameRate, info.RefreshRates)

	sess := newContext(uuid.New(), ch, h.log)
	sess.HostStats = stats.NewHost(h.cfg.StatsHistory)
	sess.Bitrate = bitrate.New(h.cfg.Bitrate, h.cfg.BitrateWindow)
	sess.Phase = phasesync.New(time.Duration(float64(time.Second)/float64(fps)), h.cfg.PhaseWindow)
	sess.Video = frame.NewSender(shard.NewSender(
		countingWriter{w: ch.Conn(), stats: sess.HostStats},
		shard.StreamVideo,
		maxShard,
	))
	sess.Stream = protocol.StreamConfig{
		SessionID:         sess.ID,
		Width:             width,
		Height:            height,
		FrameRate:         fps,
		Codec:             h.cfg.Codec,
		MaxShardPayload:   uint32(maxShard),
		InitialBitrateBps: uint64(sess.Bitrate.TargetBps()),
	}

	if err := ch.Send(&sess.Stream); err != nil {
		return nil, err
	}
	if _, err := expect[*protocol.StreamReady](ch, h.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("wait for stream ready: %w", err)
	}
	if err := ch.Send(&protocol.StartStream{}); err != nil {
		return nil, err
	}
	sess.touch()
	return sess, nil
}

// pickRefreshRate keeps the preferred rate if the display supports it,
// otherwise takes the fastest rate offered.
func pickRefreshRate(preferred float32, offered []float32) float32 {
	if len(offered) == 0 || slices.Contains(offered, preferred) {
		return preferred
	}
	return slices.Max(offered)
}

// stream runs the per-connection loops until one fails or the peer leaves.
func (h *Host) stream(ctx context.Context, sess *Context) error {
	var (
		latestTarget atomic.Int64 // most recent tracking sample, -1 until one arrives
		idrRequested atomic.Bool
	)
	latestTarget.Store(-1)
	idrRequested.Store(true) // the first frame must be decodable on its own

	tx, rx := control.Split[protocol.HostPacket, protocol.ClientPacket](sess.Channel)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.frameLoop(ctx, sess, &latestTarget, &idrRequested)
	})

	g.Go(func() error {
		for {
			pkt, err := rx.Recv(h.cfg.KeepAliveInterval)
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
			if err := h.handlePacket(sess, pkt, &idrRequested); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		demux := shard.NewDemux()
		tracking := shard.NewAssembler(int(sess.Stream.MaxShardPayload))
		demux.Handle(shard.StreamTracking, func(s shard.Shard) error {
			res, err := tracking.Ingest(s)
			if err != nil {
				sess.Log.Debug("bad tracking shard", "err", err)
				return nil
			}
			if res.Status != shard.Complete {
				return nil
			}
			target, err := parseTracking(res.Payload)
			if err != nil {
				sess.Log.Debug("bad tracking payload", "err", err)
				return nil
			}
			latestTarget.Store(int64(target))
			return nil
		})
		return shard.ReadLoop(ctx, sess.Channel.Conn(), sess.Log, demux.Dispatch)
	})

	g.Go(func() error {
		keepAlive := time.NewTicker(h.cfg.KeepAliveInterval)
		defer keepAlive.Stop()
		report := time.NewTicker(h.cfg.StatsInterval)
		defer report.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-keepAlive.C:
				if err := sess.alive(h.cfg.KeepAliveTimeout); err != nil {
					return err
				}
				if err := tx.Send(&protocol.KeepAlive{TimestampMs: time.Now().UnixMilli()}); err != nil {
					return err
				}
			case <-report.C:
				s := sess.HostStats.Tick()
				bps := sess.Bitrate.TargetBps()
				h.metrics.ObserveHost(s)
				h.metrics.ObserveBitrate(bps)
				link, hasLink := linkStats(sess.Channel.Conn())
				h.mu.Lock()
				h.snapshot.Host = s
				if hasLink {
					h.snapshot.Link = &link
				}
				h.mu.Unlock()
				sess.Log.Debug("host stats",
					"fps", s.FPS,
					"mbps", s.BitrateMbps,
					"encode", s.AvgEncodeLatency,
					"network", s.AvgNetworkLatency,
					"target_mbps", bps/1e6,
				)
			}
		}
	})

	return g.Wait()
}

// frameLoop paces encoding on the predicted display deadline and ships each
// encoded frame as video shards.
func (h *Host) frameLoop(ctx context.Context, sess *Context, latestTarget *atomic.Int64, idr *atomic.Bool) error {
	lastTarget := int64(-1)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		sess.Phase.ReportDeadline(time.Now())

		target := latestTarget.Load()
		if target < 0 || target == lastTarget {
			// No new tracking sample to render for.
			timer.Reset(sess.Phase.DurationUntilNextDeadline())
			continue
		}
		lastTarget = target

		if idr.Swap(false) {
			h.enc.RequestIDR()
		}
		h.enc.SetTargetBitrate(sess.Bitrate.TargetBps())

		f, err := h.enc.Encode(ctx, time.Duration(target))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("encode: %w", err)
		}
		sess.HostStats.ReportFrameEncoded(time.Duration(target), f.EncodeLatency)
		sess.Bitrate.ReportEncodedFrame(len(f.Data) * 8)

		if _, err := sess.Video.Send(uint64(target), f.Keyframe, f.Data); err != nil {
			return err
		}

		timer.Reset(sess.Phase.DurationUntilNextDeadline())
	}
}

func (h *Host) handlePacket(sess *Context, pkt protocol.ClientPacket, idr *atomic.Bool) error {
	switch m := pkt.(type) {
	case *protocol.KeepAlive:
	case *protocol.ClientStatistics:
		report := stats.ClientReport{
			TargetTimestamp:      m.TargetTimestamp,
			FrameInterval:        m.FrameInterval,
			DecodeLatency:        m.DecodeLatency,
			RenderLatency:        m.RenderLatency,
			VsyncQueue:           m.VsyncQueue,
			TotalPipelineLatency: m.TotalPipelineLatency,
		}
		if report.FrameInterval > 0 {
			sess.Phase.ReportIntervalSample(report.FrameInterval)
		}
		if network, ok := sess.HostStats.NetworkLatency(report); ok {
			sess.Bitrate.ReportFeedbackLatency(report.TargetTimestamp, network)
		}
	case *protocol.RequestIDR:
		idr.Store(true)
	case *protocol.StatsSummary:
		h.metrics.ObserveClient(stats.Summary{
			Interval:         m.Interval,
			AvgTotalLatency:  m.AvgTotalLatency,
			AvgDecodeLatency: m.AvgDecodeLatency,
			FPS:              float64(m.FPS),
			FramesComposited: int(m.FramesComposited),
			FramesLost:       int(m.FramesLost),
		})
		h.mu.Lock()
		h.snapshot.Client = m
		h.mu.Unlock()
	case *protocol.Disconnect:
		return fmt.Errorf("%w: %s", errPeerDisconnected, m.Reason)
	default:
		sess.Log.Debug("ignoring packet", "type", fmt.Sprintf("%T", pkt))
	}
	return nil
}
