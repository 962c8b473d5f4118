package config

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
address: fd00::1
mss: 512
header_compression: true
timers:
  initial_rto: 250ms
  max_retries: 2
link:
  listen: 127.0.0.1:5000
  neighbors:
    - address: fd00::2
      udp: 127.0.0.1:5001
`))
	require.NoError(t, err)

	assert.Equal(t, uint16(512), cfg.MSS)
	assert.True(t, cfg.HeaderCompression)
	assert.Equal(t, 250*time.Millisecond, cfg.Timers.InitialRTO.Duration())
	assert.Equal(t, 2, cfg.Timers.MaxRetries)
	// untouched fields keep their defaults
	assert.Equal(t, Default().RecvWindow, cfg.RecvWindow)
	assert.Equal(t, 90*time.Second, cfg.Timers.MaxAckTimeout.Duration())

	addr, err := cfg.Addr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("fd00::1"), addr)

	nbrs, err := cfg.Neighbors()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:5001"), nbrs[netip.MustParseAddr("fd00::2")])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"small mtu", func(c *Config) { c.MTU = 576 }},
		{"no sockets", func(c *Config) { c.MaxSockets = 0 }},
		{"mss too large", func(c *Config) { c.MSS = 1300 }},
		{"window too large", func(c *Config) { c.RecvWindow = 70000 }},
		{"zero resolution", func(c *Config) { c.Timers.Resolution = 0 }},
		{"no retries", func(c *Config) { c.Timers.MaxRetries = 0 }},
		{"ipv4 address", func(c *Config) { c.Address = "10.0.0.1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte("timers:\n  resolution: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Level = "warn"
	log := cfg.Logger(&buf)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())
	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	_, err := cfg.ListenAddr()
	assert.Error(t, err)

	cfg.Link.Listen = "127.0.0.1:5000"
	ap, err := cfg.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, uint16(5000), ap.Port())
}
