package amqp

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file form of the connection, session and link options.
type Config struct {
	ContainerID      string
	Hostname         string
	MaxFrameSize     uint32
	ChannelMax       uint16
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration

	IncomingWindow uint32
	OutgoingWindow uint32
	LinkCredit     uint32

	LogLevel    string
	ListenAddr  string
	MetricsAddr string
	StorePath   string // empty keeps the broker's store in memory
}

// DefaultConfig returns the values the engine uses when no option is
// given.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:     DefaultMaxFrameSize,
		ChannelMax:       defaultChannelMax,
		IdleTimeout:      DefaultIdleTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		IncomingWindow:   DefaultIncomingWindow,
		OutgoingWindow:   DefaultOutgoingWindow,
		LinkCredit:       DefaultLinkCredit,
		LogLevel:         "info",
		ListenAddr:       ":5672",
	}
}

type fileConfig struct {
	ContainerID      string `toml:"container_id"`
	Hostname         string `toml:"hostname"`
	MaxFrameSize     uint32 `toml:"max_frame_size"`
	ChannelMax       uint16 `toml:"channel_max"`
	IdleTimeout      string `toml:"idle_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	IncomingWindow   uint32 `toml:"incoming_window"`
	OutgoingWindow   uint32 `toml:"outgoing_window"`
	LinkCredit       uint32 `toml:"link_credit"`
	LogLevel         string `toml:"log_level"`
	ListenAddr       string `toml:"listen_addr"`
	MetricsAddr      string `toml:"metrics_addr"`
	StorePath        string `toml:"store_path"`
}

// LoadConfig reads a TOML file over DefaultConfig. Keys missing from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errorWrapf(err, "load config %s", path)
	}
	return raw.apply(meta, DefaultConfig())
}

// ParseConfig is LoadConfig for TOML already in memory.
func ParseConfig(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, errorWrapf(err, "parse config")
	}
	return raw.apply(meta, DefaultConfig())
}

func (raw fileConfig) apply(meta toml.MetaData, cfg Config) (Config, error) {
	if meta.IsDefined("container_id") {
		cfg.ContainerID = strings.TrimSpace(raw.ContainerID)
	}
	if meta.IsDefined("hostname") {
		cfg.Hostname = strings.TrimSpace(raw.Hostname)
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("channel_max") {
		cfg.ChannelMax = raw.ChannelMax
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return Config{}, errorWrapf(err, "parse idle_timeout")
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return Config{}, errorWrapf(err, "parse handshake_timeout")
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("incoming_window") {
		cfg.IncomingWindow = raw.IncomingWindow
	}
	if meta.IsDefined("outgoing_window") {
		cfg.OutgoingWindow = raw.OutgoingWindow
	}
	if meta.IsDefined("link_credit") {
		cfg.LinkCredit = raw.LinkCredit
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = strings.TrimSpace(raw.StorePath)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errorErrorf("unknown config key %q", undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate reports the first value the engine would reject.
func (c Config) Validate() error {
	switch {
	case c.MaxFrameSize < minMaxFrameSize:
		return errorErrorf("max_frame_size %d is below the minimum of %d", c.MaxFrameSize, minMaxFrameSize)
	case c.IdleTimeout < 0:
		return errorNew("idle_timeout cannot be negative")
	case c.HandshakeTimeout < 0:
		return errorNew("handshake_timeout cannot be negative")
	case c.IncomingWindow == 0:
		return errorNew("incoming_window must be at least 1")
	case c.LinkCredit == 0:
		return errorNew("link_credit must be at least 1")
	}
	return nil
}

// ConnOptions turns the config into connection options. Session options
// ride along through ConnSessionOptions.
func (c Config) ConnOptions() []ConnOption {
	opts := []ConnOption{
		ConnMaxFrameSize(c.MaxFrameSize),
		ConnChannelMax(c.ChannelMax),
		ConnIdleTimeout(c.IdleTimeout),
		ConnHandshakeTimeout(c.HandshakeTimeout),
		ConnSessionOptions(c.SessionOptions()...),
	}
	if c.ContainerID != "" {
		opts = append(opts, ConnContainerID(c.ContainerID))
	}
	if c.Hostname != "" {
		opts = append(opts, ConnServerHostname(c.Hostname))
	}
	return opts
}

// SessionOptions turns the window settings into session options.
func (c Config) SessionOptions() []SessionOption {
	return []SessionOption{
		SessionIncomingWindow(c.IncomingWindow),
		SessionOutgoingWindow(c.OutgoingWindow),
	}
}

// LinkOptions turns the credit setting into link options.
func (c Config) LinkOptions() []LinkOption {
	return []LinkOption{LinkCredit(c.LinkCredit)}
}
