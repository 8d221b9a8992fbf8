// Package config holds the settings shared by the host and headset
// commands, with defaults and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chronologos/govr/internal/auth"
	"github.com/chronologos/govr/internal/bitrate"
	"github.com/chronologos/govr/internal/handshake"
	"github.com/chronologos/govr/internal/phasesync"
	"github.com/chronologos/govr/internal/shard"
	"github.com/chronologos/govr/internal/stats"
	"github.com/chronologos/govr/internal/transport"
)

// Role is which end of the stream this process is.
type Role string

const (
	RoleHost    Role = "host"
	RoleHeadset Role = "client"
)

// Config is the full runtime configuration. Zero values are not meaningful;
// start from Default.
type Config struct {
	Role     Role
	Hostname string

	// HandshakePort is the UDP port the host listens on for hello records
	// and the headset announces to.
	HandshakePort int
	// ControlPort is the port the headset accepts control connections on
	// (UDP for QUIC, TCP for the fallback).
	ControlPort int
	// Candidates are extra host:port addresses the host dials besides the
	// announced one.
	Candidates []string
	// AnnounceTargets override the broadcast and multicast destinations.
	AnnounceTargets []string
	DialMode        transport.DialMode

	PairingKey   []byte
	TrustedHosts []string
	TrustAll     bool

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	ReconnectDelay    time.Duration
	StatsInterval     time.Duration

	MaxShardPayload int
	StatsHistory    int
	BitrateWindow   int
	PhaseWindow     int

	Bitrate bitrate.Mode
	// FrameRate is the nominal display rate until measurements arrive.
	FrameRate float32

	Width, Height uint32
	Codec         string

	// AvoidVideoGlitching drops frames after a loss until a keyframe
	// arrives, instead of decoding over a broken reference chain.
	AvoidVideoGlitching bool
	// DecoderTimeout bounds how long a frame waits for decoder input space.
	DecoderTimeout time.Duration

	MetricsAddr string // empty disables the debug HTTP server
	Debug       bool
}

// Default returns the stock configuration for role.
func Default(role Role) Config {
	host, _ := os.Hostname()
	return Config{
		Role:              role,
		Hostname:          host,
		HandshakePort:     handshake.DefaultPort,
		ControlPort:       handshake.DefaultPort,
		DialMode:          transport.DialQUIC,
		TrustAll:          true,
		ConnectTimeout:    2 * time.Second,
		KeepAliveInterval: 500 * time.Millisecond,
		KeepAliveTimeout:  2 * time.Second,
		ReconnectDelay:    time.Second,
		StatsInterval:     time.Second,
		MaxShardPayload:   shard.DefaultMaxShardPayload,
		StatsHistory:      stats.DefaultHistorySize,
		BitrateWindow:     bitrate.DefaultWindow,
		PhaseWindow:       phasesync.DefaultWindow,
		Bitrate:           bitrate.Adaptive{SaturationMultiplier: 0.95, MinMbps: 5, MaxMbps: 200},
		FrameRate:         72,
		Width:             1832,
		Height:            1920,
		Codec:             "h264",

		AvoidVideoGlitching: true,
		DecoderTimeout:      2 * time.Millisecond,
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Role != RoleHost && c.Role != RoleHeadset {
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.Hostname == "" {
		errs = append(errs, errors.New("hostname is empty"))
	} else if len(c.Hostname) > handshake.MaxHostnameLen {
		errs = append(errs, fmt.Errorf("hostname %q longer than %d bytes", c.Hostname, handshake.MaxHostnameLen))
	}
	for name, p := range map[string]int{"handshake": c.HandshakePort, "control": c.ControlPort} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s port %d out of range", name, p))
		}
	}
	if c.MaxShardPayload <= 0 || c.MaxShardPayload > 65000 {
		errs = append(errs, fmt.Errorf("max shard payload %d out of range", c.MaxShardPayload))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect timeout must be positive"))
	}
	if c.KeepAliveInterval <= 0 || c.KeepAliveTimeout <= c.KeepAliveInterval {
		errs = append(errs, errors.New("keepalive timeout must exceed a positive keepalive interval"))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("stats interval must be positive"))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, errors.New("frame rate must be positive"))
	}
	if c.DecoderTimeout < 0 {
		errs = append(errs, errors.New("decoder timeout must not be negative"))
	}
	if c.PairingKey != nil && len(c.PairingKey) != auth.PairingKeySize {
		errs = append(errs, fmt.Errorf("pairing key must be %d bytes", auth.PairingKeySize))
	}
	switch m := c.Bitrate.(type) {
	case bitrate.Constant:
		if m.Mbps <= 0 {
			errs = append(errs, errors.New("constant bitrate must be positive"))
		}
	case bitrate.Adaptive:
		if m.SaturationMultiplier <= 0 {
			errs = append(errs, errors.New("saturation multiplier must be positive"))
		}
		if m.MinMbps > 0 && m.MaxMbps > 0 && m.MinMbps > m.MaxMbps {
			errs = append(errs, fmt.Errorf("min bitrate %v above max %v", m.MinMbps, m.MaxMbps))
		}
	case nil:
		errs = append(errs, errors.New("bitrate mode is unset"))
	}
	return errors.Join(errs...)
}

// NominalFrameInterval is the frame period implied by FrameRate.
func (c Config) NominalFrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / float64(c.FrameRate))
}

// FromEnv applies GOVR_* environment overrides on top of c. Unparseable
// values are reported rather than ignored.
func FromEnv(c Config) (Config, error) {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := envOr(key, ""); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durVar := func(key string, dst *time.Duration) {
		if v := envOr(key, ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	c.Hostname = envOr("GOVR_HOSTNAME", c.Hostname)
	c.MetricsAddr = envOr("GOVR_METRICS_ADDR", c.MetricsAddr)
	intVar("GOVR_HANDSHAKE_PORT", &c.HandshakePort)
	intVar("GOVR_CONTROL_PORT", &c.ControlPort)
	intVar("GOVR_MAX_SHARD_PAYLOAD", &c.MaxShardPayload)
	durVar("GOVR_CONNECT_TIMEOUT", &c.ConnectTimeout)
	durVar("GOVR_RECONNECT_DELAY", &c.ReconnectDelay)
	durVar("GOVR_DECODER_TIMEOUT", &c.DecoderTimeout)
	if v := envOr("GOVR_AVOID_GLITCHING", ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOVR_AVOID_GLITCHING: %w", err))
		} else {
			c.AvoidVideoGlitching = b
		}
	}

	if v := envOr("GOVR_CANDIDATES", ""); v != "" {
		c.Candidates = splitList(v)
	}
	if v := envOr("GOVR_TRUSTED_HOSTS", ""); v != "" {
		c.TrustedHosts = splitList(v)
		c.TrustAll = false
	}
	if v := envOr("GOVR_DIAL_MODE", ""); v != "" {
		m, ok := transport.ParseDialMode(v)
		if !ok {
			errs = append(errs, fmt.Errorf("GOVR_DIAL_MODE: unknown mode %q", v))
		} else {
			c.DialMode = m
		}
	}
	if v := envOr("GOVR_PAIRING_KEY", ""); v != "" {
		key, err := auth.ParsePairingKey(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOVR_PAIRING_KEY: %w", err))
		} else {
			c.PairingKey = key
		}
	}
	if v := envOr("GOVR_BITRATE_MBPS", ""); v != "" {
		mbps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOVR_BITRATE_MBPS: %w", err))
		} else {
			c.Bitrate = bitrate.Constant{Mbps: mbps}
		}
	}
	if os.Getenv("DEBUG") != "" {
		c.Debug = true
	}
	return c, errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
