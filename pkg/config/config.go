// Package config loads the host configuration used by vhost and the socket stack.
package config

import (
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Neighbor struct {
	Address string `yaml:"address"` // IPv6 address of the neighbor
	UDP     string `yaml:"udp"`     // UDP endpoint carrying its packets
}

type Link struct {
	Listen    string     `yaml:"listen"`
	Neighbors []Neighbor `yaml:"neighbors"`
}

// Timers holds the retransmission and timeout parameters of the TCP engine.
type Timers struct {
	Resolution    Duration `yaml:"resolution"`      // Timer task tick, also the RTO floor
	InitialRTO    Duration `yaml:"initial_rto"`     // RTO before the first sample
	MinRTO        Duration `yaml:"min_rto"`         // lower clamp of the estimator
	MaxAckTimeout Duration `yaml:"max_ack_timeout"` // ceiling of the backed-off timeout
	SynInitial    Duration `yaml:"syn_initial"`     // first SYN/SYN-ACK wait
	SynRetry      Duration `yaml:"syn_retry"`       // multiplied by the retry count
	MaxRetries    int      `yaml:"max_retries"`
	MaxSynRetries int      `yaml:"max_syn_retries"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Config struct {
	Address           string `yaml:"address"`
	MTU               int    `yaml:"mtu"`
	MaxSockets        int    `yaml:"max_sockets"`
	MSS               uint16 `yaml:"mss"`
	RecvWindow        int    `yaml:"recv_window"`
	UDPQueue          int    `yaml:"udp_queue"`
	InboundQueue      int    `yaml:"inbound_queue"`
	HeaderCompression bool   `yaml:"header_compression"`
	Timers            Timers `yaml:"timers"`
	Link              Link   `yaml:"link"`
	Log               Log    `yaml:"log"`
}

// Default returns the configuration used when a field is left out of the file.
func Default() Config {
	return Config{
		MTU:          1280,
		MaxSockets:   8,
		MSS:          1220,
		RecvWindow:   4096,
		UDPQueue:     8,
		InboundQueue: 64,
		Timers: Timers{
			Resolution:    Duration(500 * time.Millisecond),
			InitialRTO:    Duration(3 * time.Second),
			MinRTO:        Duration(time.Second),
			MaxAckTimeout: Duration(90 * time.Second),
			SynInitial:    Duration(6 * time.Second),
			SynRetry:      Duration(24 * time.Second),
			MaxRetries:    5,
			MaxSynRetries: 3,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads and validates the YAML file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(b)
}

// Parse decodes b over Default and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.MTU < 1280:
		return errors.Errorf("mtu %d below the IPv6 minimum of 1280", c.MTU)
	case c.MaxSockets <= 0:
		return errors.New("max_sockets must be positive")
	case c.MSS == 0 || int(c.MSS) > c.MTU-60:
		return errors.Errorf("mss %d does not fit mtu %d", c.MSS, c.MTU)
	case c.RecvWindow <= 0 || c.RecvWindow > 65535:
		return errors.Errorf("recv_window %d out of range", c.RecvWindow)
	case c.UDPQueue <= 0 || c.InboundQueue <= 0:
		return errors.New("queue sizes must be positive")
	case c.Timers.MaxRetries <= 0 || c.Timers.MaxSynRetries <= 0:
		return errors.New("retry bounds must be positive")
	}
	for name, d := range map[string]Duration{
		"resolution":      c.Timers.Resolution,
		"initial_rto":     c.Timers.InitialRTO,
		"min_rto":         c.Timers.MinRTO,
		"max_ack_timeout": c.Timers.MaxAckTimeout,
		"syn_initial":     c.Timers.SynInitial,
		"syn_retry":       c.Timers.SynRetry,
	} {
		if d <= 0 {
			return errors.Errorf("timers.%s must be positive", name)
		}
	}
	if c.Address != "" {
		if _, err := c.Addr(); err != nil {
			return err
		}
	}
	return nil
}

// Addr parses the host address. It must be IPv6.
func (c Config) Addr() (netip.Addr, error) {
	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "address")
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, errors.Errorf("address %s is not IPv6", addr)
	}
	return addr, nil
}

// ListenAddr parses the UDP endpoint the link listens on.
func (c Config) ListenAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Link.Listen)
	if err != nil {
		return netip.AddrPort{}, errors.Wrap(err, "link.listen")
	}
	return ap, nil
}

// Neighbors parses the link neighbor table.
func (c Config) Neighbors() (map[netip.Addr]netip.AddrPort, error) {
	out := make(map[netip.Addr]netip.AddrPort, len(c.Link.Neighbors))
	for _, n := range c.Link.Neighbors {
		addr, err := netip.ParseAddr(n.Address)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %q", n.Address)
		}
		udp, err := netip.ParseAddrPort(n.UDP)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %s udp", addr)
		}
		out[addr] = udp
	}
	return out, nil
}

// Logger builds the zerolog logger described by the log section.
func (c Config) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || c.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	if c.Log.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
