package config

import (
	"strings"
	"testing"
	"time"

	"github.com/chronologos/govr/internal/bitrate"
	"github.com/chronologos/govr/internal/transport"
)

func TestDefaultIsValid(t *testing.T) {
	for _, role := range []Role{RoleHost, RoleHeadset} {
		c := Default(role)
		c.Hostname = "unit"
		if err := c.Validate(); err != nil {
			t.Fatalf("%s default invalid: %v", role, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"role":           func(c *Config) { c.Role = "spectator" },
		"hostname":       func(c *Config) { c.Hostname = "" },
		"long hostname":  func(c *Config) { c.Hostname = strings.Repeat("h", 40) },
		"port":           func(c *Config) { c.ControlPort = 70000 },
		"shard payload":  func(c *Config) { c.MaxShardPayload = 0 },
		"keepalive":      func(c *Config) { c.KeepAliveTimeout = c.KeepAliveInterval },
		"frame rate":     func(c *Config) { c.FrameRate = 0 },
		"decode timeout": func(c *Config) { c.DecoderTimeout = -time.Millisecond },
		"pairing key":    func(c *Config) { c.PairingKey = []byte{1, 2, 3} },
		"constant":       func(c *Config) { c.Bitrate = bitrate.Constant{} },
		"inverted range": func(c *Config) { c.Bitrate = bitrate.Adaptive{SaturationMultiplier: 1, MinMbps: 50, MaxMbps: 10} },
		"no bitrate":     func(c *Config) { c.Bitrate = nil },
	}
	for name, mutate := range cases {
		c := Default(RoleHost)
		c.Hostname = "unit"
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GOVR_CONTROL_PORT", "9950")
	t.Setenv("GOVR_CANDIDATES", "10.0.0.2:9950, 10.0.0.3:9950,")
	t.Setenv("GOVR_TRUSTED_HOSTS", "quest")
	t.Setenv("GOVR_DIAL_MODE", "tcp")
	t.Setenv("GOVR_BITRATE_MBPS", "60")
	t.Setenv("GOVR_CONNECT_TIMEOUT", "750ms")
	t.Setenv("GOVR_AVOID_GLITCHING", "false")
	t.Setenv("GOVR_DECODER_TIMEOUT", "5ms")

	c, err := FromEnv(Default(RoleHost))
	if err != nil {
		t.Fatal(err)
	}
	if c.ControlPort != 9950 {
		t.Fatalf("control port = %d", c.ControlPort)
	}
	if len(c.Candidates) != 2 || c.Candidates[1] != "10.0.0.3:9950" {
		t.Fatalf("candidates = %q", c.Candidates)
	}
	if c.TrustAll || len(c.TrustedHosts) != 1 {
		t.Fatalf("trust = %v %q", c.TrustAll, c.TrustedHosts)
	}
	if c.DialMode != transport.DialTCP {
		t.Fatalf("dial mode = %v", c.DialMode)
	}
	if m, ok := c.Bitrate.(bitrate.Constant); !ok || m.Mbps != 60 {
		t.Fatalf("bitrate = %#v", c.Bitrate)
	}
	if c.ConnectTimeout != 750*time.Millisecond {
		t.Fatalf("connect timeout = %v", c.ConnectTimeout)
	}
	if c.AvoidVideoGlitching || c.DecoderTimeout != 5*time.Millisecond {
		t.Fatalf("gating = %v, decoder timeout = %v", c.AvoidVideoGlitching, c.DecoderTimeout)
	}
}

func TestFromEnvReportsBadValues(t *testing.T) {
	t.Setenv("GOVR_CONTROL_PORT", "ninety")
	t.Setenv("GOVR_DIAL_MODE", "carrier-pigeon")
	t.Setenv("GOVR_PAIRING_KEY", "zz")
	t.Setenv("GOVR_AVOID_GLITCHING", "sometimes")

	c, err := FromEnv(Default(RoleHeadset))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"GOVR_CONTROL_PORT", "GOVR_DIAL_MODE", "GOVR_PAIRING_KEY", "GOVR_AVOID_GLITCHING"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error does not mention %s: %v", key, err)
		}
	}
	if c.ControlPort != Default(RoleHeadset).ControlPort {
		t.Fatalf("bad value applied: %d", c.ControlPort)
	}
}

func TestNominalFrameInterval(t *testing.T) {
	c := Default(RoleHost)
	c.FrameRate = 90
	if got := c.NominalFrameInterval(); got != 11111111*time.Nanosecond {
		t.Fatalf("interval = %v", got)
	}
}
