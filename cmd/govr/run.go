package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/chronologos/govr/internal/auth"
	"github.com/chronologos/govr/internal/bitrate"
	"github.com/chronologos/govr/internal/config"
	"github.com/chronologos/govr/internal/session"
	"github.com/chronologos/govr/internal/stats"
	"github.com/chronologos/govr/internal/synth"
	"github.com/chronologos/govr/internal/telemetry"
	"github.com/chronologos/govr/internal/transport"
	"github.com/chronologos/govr/internal/version"
)

// commonFlags are the settings both roles accept. A flag only overrides the
// environment when it was given explicitly.
type commonFlags struct {
	hostname          string
	handshakePort     int
	controlPort       int
	dialMode          string
	pairingKey        string
	maxShardPayload   int
	frameRate         float32
	connectTimeout    time.Duration
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	statsInterval     time.Duration
	metricsAddr       string
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.hostname, "hostname", "", "Name announced to and shown by the peer (default: OS hostname)")
	fs.IntVar(&f.handshakePort, "handshake-port", 0, "UDP port for discovery hellos")
	fs.IntVar(&f.controlPort, "control-port", 0, "Port the headset accepts control connections on")
	fs.StringVar(&f.dialMode, "transport", "", "Transport: quic or tcp")
	fs.StringVar(&f.pairingKey, "pairing-key", "", "Hex pairing key shared by host and headset (see govr keygen)")
	fs.IntVar(&f.maxShardPayload, "max-shard-payload", 0, "Largest shard payload in bytes")
	fs.Float32Var(&f.frameRate, "fps", 0, "Nominal display refresh rate")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", 0, "Budget for opening a control connection")
	fs.DurationVar(&f.keepAliveInterval, "keepalive", 0, "Keepalive send interval")
	fs.DurationVar(&f.keepAliveTimeout, "keepalive-timeout", 0, "Drop the peer after this much silence")
	fs.DurationVar(&f.statsInterval, "stats-interval", 0, "Statistics reporting interval")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /metrics and /stats on this address")
}

func (f *commonFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("hostname") {
		cfg.Hostname = f.hostname
	}
	if fs.Changed("handshake-port") {
		cfg.HandshakePort = f.handshakePort
	}
	if fs.Changed("control-port") {
		cfg.ControlPort = f.controlPort
	}
	if fs.Changed("transport") {
		m, ok := transport.ParseDialMode(f.dialMode)
		if !ok {
			return fmt.Errorf("unknown transport %q", f.dialMode)
		}
		cfg.DialMode = m
	}
	if fs.Changed("pairing-key") {
		key, err := auth.ParsePairingKey(f.pairingKey)
		if err != nil {
			return err
		}
		cfg.PairingKey = key
	}
	if fs.Changed("max-shard-payload") {
		cfg.MaxShardPayload = f.maxShardPayload
	}
	if fs.Changed("fps") {
		cfg.FrameRate = f.frameRate
	}
	if fs.Changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}
	if fs.Changed("keepalive") {
		cfg.KeepAliveInterval = f.keepAliveInterval
	}
	if fs.Changed("keepalive-timeout") {
		cfg.KeepAliveTimeout = f.keepAliveTimeout
	}
	if fs.Changed("stats-interval") {
		cfg.StatsInterval = f.statsInterval
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	return nil
}

// loadConfig layers defaults, GOVR_* environment, then explicit flags.
func loadConfig(cmd *cobra.Command, role config.Role, f *commonFlags, extra func(fs *pflag.FlagSet, cfg *config.Config) error) (config.Config, error) {
	cfg, err := config.FromEnv(config.Default(role))
	if err != nil {
		return cfg, err
	}
	fs := cmd.Flags()
	if err := f.apply(fs, &cfg); err != nil {
		return cfg, err
	}
	if extra != nil {
		if err := extra(fs, &cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.PairingKey == nil {
		slog.Warn("no pairing key configured; any peer on the network can connect")
	}
	return cfg, cfg.Validate()
}

func hostCmd() *cobra.Command {
	var (
		common        commonFlags
		candidates    []string
		trusted       []string
		bitrateMbps   float64
		minMbps       float64
		maxMbps       float64
		encodeLatency time.Duration
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Stream to headsets that announce themselves",
		Long: `Listen for headset announcements and stream to the first trusted,
compatible one. Unknown headsets are held as pending until approved with
POST /trust/{hostname} on the metrics address.

Examples:
  govr host
  govr host --trust quest-7 --metrics-addr :9100
  govr host --bitrate 60 --transport tcp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, config.RoleHost, &common, func(fs *pflag.FlagSet, cfg *config.Config) error {
				if fs.Changed("candidate") {
					cfg.Candidates = candidates
				}
				if fs.Changed("trust") {
					cfg.TrustedHosts = trusted
					cfg.TrustAll = false
				}
				if fs.Changed("bitrate") {
					cfg.Bitrate = bitrate.Constant{Mbps: bitrateMbps}
				} else if a, ok := cfg.Bitrate.(bitrate.Adaptive); ok {
					if fs.Changed("min-bitrate") {
						a.MinMbps = minMbps
					}
					if fs.Changed("max-bitrate") {
						a.MaxMbps = maxMbps
					}
					cfg.Bitrate = a
				}
				return nil
			})
			if err != nil {
				return err
			}

			reg := newRegistry()
			metrics, err := stats.NewMetrics(reg)
			if err != nil {
				return err
			}
			enc := synth.NewEncoder(cfg.FrameRate, encodeLatency)
			h := session.NewHost(cfg, enc, metrics, slog.Default())
			return runRole(cfg, h.Run, telemetry.Options{
				Addr:     cfg.MetricsAddr,
				Gatherer: reg,
				Snapshot: func() any { return h.Snapshot() },
				Trust:    h.Trust(),
			})
		},
	}

	common.register(cmd.Flags())
	cmd.Flags().StringSliceVar(&candidates, "candidate", nil, "Extra host:port to dial besides the announced address")
	cmd.Flags().StringSliceVar(&trusted, "trust", nil, "Trust only these headset hostnames")
	cmd.Flags().Float64Var(&bitrateMbps, "bitrate", 0, "Fixed bitrate in Mbps (default: adaptive)")
	cmd.Flags().Float64Var(&minMbps, "min-bitrate", 0, "Adaptive bitrate floor in Mbps")
	cmd.Flags().Float64Var(&maxMbps, "max-bitrate", 0, "Adaptive bitrate ceiling in Mbps")
	cmd.Flags().DurationVar(&encodeLatency, "encode-latency", 3*time.Millisecond, "Simulated encode time per frame")
	return cmd
}

func clientCmd() *cobra.Command {
	var (
		common         commonFlags
		announce       []string
		decodeDelay    time.Duration
		avoidGlitching bool
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run as a headset: announce, accept the host, decode",
		Long: `Announce this headset on the local network and accept the host's
control connection. Announcements go to broadcast and multicast on the
handshake port unless --announce names explicit targets.

Examples:
  govr client
  govr client --announce 192.168.1.20:9943 --fps 90`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, config.RoleHeadset, &common, func(fs *pflag.FlagSet, cfg *config.Config) error {
				if fs.Changed("announce") {
					cfg.AnnounceTargets = announce
				}
				if fs.Changed("avoid-glitching") {
					cfg.AvoidVideoGlitching = avoidGlitching
				}
				return nil
			})
			if err != nil {
				return err
			}

			reg := newRegistry()
			metrics, err := stats.NewMetrics(reg)
			if err != nil {
				return err
			}
			c := session.NewClient(cfg, synth.NewDecoder(decodeDelay), metrics, slog.Default())
			return runRole(cfg, c.Run, telemetry.Options{
				Addr:     cfg.MetricsAddr,
				Gatherer: reg,
				Snapshot: func() any { return c.Snapshot() },
			})
		},
	}

	common.register(cmd.Flags())
	cmd.Flags().StringSliceVar(&announce, "announce", nil, "ip:port targets for announcements")
	cmd.Flags().DurationVar(&decodeDelay, "decode-latency", 4*time.Millisecond, "Simulated decode time per frame")
	cmd.Flags().BoolVar(&avoidGlitching, "avoid-glitching", true, "After a loss, drop frames until a keyframe arrives")
	return cmd
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runRole runs the session and, when configured, the debug server until a
// signal arrives or either fails.
func runRole(cfg config.Config, run func(context.Context) error, tel telemetry.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("govr starting",
		"role", cfg.Role,
		"version", version.VERSION,
		"protocol", version.Local().String(),
		"hostname", cfg.Hostname,
		"transport", cfg.DialMode,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return run(ctx)
	})
	if tel.Addr != "" {
		srv := telemetry.New(tel)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("shut down")
		return nil
	}
	return err
}
