// Package config loads the TOML configuration shared by the commands.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/seagrayinc/mpcomms/internal/hid"
	"github.com/seagrayinc/mpcomms/internal/logging"
	"github.com/seagrayinc/mpcomms/internal/request"
	"github.com/seagrayinc/mpcomms/internal/session"
	"github.com/seagrayinc/mpcomms/internal/spy"
)

const (
	DefaultVendorID  uint16 = 0x16D0
	DefaultProductID uint16 = 0x09A0

	// BackendSim selects the in-process device simulator.
	BackendSim = "sim"
)

type Config struct {
	Device   DeviceConfig
	Protocol ProtocolConfig
	Spy      SpyConfig
	Log      LogConfig
}

type DeviceConfig struct {
	VendorID         uint16
	ProductID        uint16
	Backend          string
	ReadTimeout      time.Duration
	HandshakeRetries int
	SettleDelay      time.Duration
	ResetToggle      bool
}

type ProtocolConfig struct {
	ReplyTimeout      time.Duration
	ReplyPacketBudget int
	ReplyTimeouts     int
	MaxRetries        int
	RetryDelay        time.Duration
}

type SpyConfig struct {
	FrameLength int
	BaudRate    int
	Strict      bool
	GateUSBBLE  bool
	QueueSize   int
	Overflow    string
	Ports       []PortConfig
}

type PortConfig struct {
	Name      string
	Path      string
	Direction string
}

type LogConfig struct {
	Level   string
	Format  string
	NoColor bool
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			VendorID:         DefaultVendorID,
			ProductID:        DefaultProductID,
			ReadTimeout:      session.DefaultReadTimeout,
			HandshakeRetries: session.DefaultHandshakeRetries,
			SettleDelay:      500 * time.Millisecond,
		},
		Protocol: ProtocolConfig{
			ReplyTimeout:      request.DefaultReplyTimeout,
			ReplyPacketBudget: request.DefaultReplyPacketBudget,
			ReplyTimeouts:     request.DefaultReplyTimeouts,
			MaxRetries:        request.DefaultMaxRetries,
			RetryDelay:        request.DefaultRetryDelay,
		},
		Spy: SpyConfig{
			FrameLength: spy.DefaultFrameLength,
			BaudRate:    spy.DefaultBaudRate,
			QueueSize:   spy.DefaultQueueSize,
			Overflow:    spy.DropOldest.String(),
			Ports: []PortConfig{
				{Name: "MAIN", Direction: "main"},
				{Name: "AUX", Direction: "aux"},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

type fileConfig struct {
	Device struct {
		VendorID         int64  `toml:"vendor_id"`
		ProductID        int64  `toml:"product_id"`
		Backend          string `toml:"backend"`
		ReadTimeout      string `toml:"read_timeout"`
		HandshakeRetries int    `toml:"handshake_retries"`
		SettleDelay      string `toml:"settle_delay"`
		ResetToggle      bool   `toml:"reset_toggle"`
	} `toml:"device"`
	Protocol struct {
		ReplyTimeout      string `toml:"reply_timeout"`
		ReplyPacketBudget int    `toml:"reply_packet_budget"`
		ReplyTimeouts     int    `toml:"reply_timeouts"`
		MaxRetries        int    `toml:"max_retries"`
		RetryDelay        string `toml:"retry_delay"`
	} `toml:"protocol"`
	Spy struct {
		FrameLength int    `toml:"frame_length"`
		BaudRate    int    `toml:"baud_rate"`
		Strict      bool   `toml:"strict"`
		GateUSBBLE  bool   `toml:"gate_usb_ble"`
		QueueSize   int    `toml:"queue_size"`
		Overflow    string `toml:"overflow"`
		Ports       []struct {
			Name      string `toml:"name"`
			Path      string `toml:"path"`
			Direction string `toml:"direction"`
		} `toml:"port"`
	} `toml:"spy"`
	Log struct {
		Level   string `toml:"level"`
		Format  string `toml:"format"`
		NoColor bool   `toml:"no_color"`
	} `toml:"log"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Warn("unknown config keys", slog.Any("keys", undecoded))
	}

	if err := apply(&cfg, raw, meta); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg *Config, raw fileConfig, meta toml.MetaData) error {
	var err error
	duration := func(dst *time.Duration, key, value string) {
		if err != nil {
			return
		}
		d, perr := time.ParseDuration(strings.TrimSpace(value))
		if perr != nil {
			err = fmt.Errorf("parse %s: %w", key, perr)
			return
		}
		*dst = d
	}

	d := raw.Device
	if meta.IsDefined("device", "vendor_id") {
		cfg.Device.VendorID = uint16(d.VendorID)
	}
	if meta.IsDefined("device", "product_id") {
		cfg.Device.ProductID = uint16(d.ProductID)
	}
	if meta.IsDefined("device", "backend") {
		cfg.Device.Backend = strings.TrimSpace(d.Backend)
	}
	if meta.IsDefined("device", "read_timeout") {
		duration(&cfg.Device.ReadTimeout, "device.read_timeout", d.ReadTimeout)
	}
	if meta.IsDefined("device", "handshake_retries") {
		cfg.Device.HandshakeRetries = d.HandshakeRetries
	}
	if meta.IsDefined("device", "settle_delay") {
		duration(&cfg.Device.SettleDelay, "device.settle_delay", d.SettleDelay)
	}
	if meta.IsDefined("device", "reset_toggle") {
		cfg.Device.ResetToggle = d.ResetToggle
	}

	p := raw.Protocol
	if meta.IsDefined("protocol", "reply_timeout") {
		duration(&cfg.Protocol.ReplyTimeout, "protocol.reply_timeout", p.ReplyTimeout)
	}
	if meta.IsDefined("protocol", "reply_packet_budget") {
		cfg.Protocol.ReplyPacketBudget = p.ReplyPacketBudget
	}
	if meta.IsDefined("protocol", "reply_timeouts") {
		cfg.Protocol.ReplyTimeouts = p.ReplyTimeouts
	}
	if meta.IsDefined("protocol", "max_retries") {
		cfg.Protocol.MaxRetries = p.MaxRetries
	}
	if meta.IsDefined("protocol", "retry_delay") {
		duration(&cfg.Protocol.RetryDelay, "protocol.retry_delay", p.RetryDelay)
	}

	s := raw.Spy
	if meta.IsDefined("spy", "frame_length") {
		cfg.Spy.FrameLength = s.FrameLength
	}
	if meta.IsDefined("spy", "baud_rate") {
		cfg.Spy.BaudRate = s.BaudRate
	}
	if meta.IsDefined("spy", "strict") {
		cfg.Spy.Strict = s.Strict
	}
	if meta.IsDefined("spy", "gate_usb_ble") {
		cfg.Spy.GateUSBBLE = s.GateUSBBLE
	}
	if meta.IsDefined("spy", "queue_size") {
		cfg.Spy.QueueSize = s.QueueSize
	}
	if meta.IsDefined("spy", "overflow") {
		cfg.Spy.Overflow = strings.TrimSpace(s.Overflow)
	}
	if meta.IsDefined("spy", "port") {
		cfg.Spy.Ports = cfg.Spy.Ports[:0:0]
		for _, port := range s.Ports {
			cfg.Spy.Ports = append(cfg.Spy.Ports, PortConfig{
				Name:      strings.TrimSpace(port.Name),
				Path:      strings.TrimSpace(port.Path),
				Direction: strings.ToLower(strings.TrimSpace(port.Direction)),
			})
		}
	}

	l := raw.Log
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(l.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.ToLower(strings.TrimSpace(l.Format))
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = l.NoColor
	}

	return err
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	switch c.Device.Backend {
	case "", hid.BackendUSBHID, hid.BackendHIDAPI, hid.BackendUSB, BackendSim:
	default:
		return fmt.Errorf("device.backend: unknown backend %q", c.Device.Backend)
	}
	if c.Device.HandshakeRetries < 1 {
		return fmt.Errorf("device.handshake_retries must be at least 1")
	}
	if c.Protocol.MaxRetries < 1 || c.Protocol.ReplyPacketBudget < 1 || c.Protocol.ReplyTimeouts < 1 {
		return fmt.Errorf("protocol: retry and reply budgets must be at least 1")
	}
	if c.Spy.FrameLength < 8 {
		return fmt.Errorf("spy.frame_length %d is shorter than the largest frame header", c.Spy.FrameLength)
	}
	if _, err := spy.ParseOverflowPolicy(c.Spy.Overflow); err != nil {
		return fmt.Errorf("spy.overflow: %w", err)
	}
	for _, p := range c.Spy.Ports {
		if _, err := spy.ParseDirection(p.Direction); err != nil {
			return fmt.Errorf("spy.port %q: %w", p.Name, err)
		}
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	return nil
}

func (c Config) Session() session.Config {
	return session.Config{
		VendorID:         c.Device.VendorID,
		ProductID:        c.Device.ProductID,
		ReadTimeout:      c.Device.ReadTimeout,
		HandshakeRetries: c.Device.HandshakeRetries,
		SettleDelay:      c.Device.SettleDelay,
		ResetToggle:      c.Device.ResetToggle,
	}
}

func (c Config) Request() request.Config {
	return request.Config{
		ReplyTimeout:      c.Protocol.ReplyTimeout,
		ReplyPacketBudget: c.Protocol.ReplyPacketBudget,
		ReplyTimeouts:     c.Protocol.ReplyTimeouts,
		MaxRetries:        c.Protocol.MaxRetries,
		RetryDelay:        c.Protocol.RetryDelay,
	}
}

// SpyConfig converts the [spy] section. Ports are opened by the caller.
func (c Config) SpyConfig() (spy.Config, error) {
	policy, err := spy.ParseOverflowPolicy(c.Spy.Overflow)
	if err != nil {
		return spy.Config{}, err
	}
	return spy.Config{
		FrameLength: c.Spy.FrameLength,
		Strict:      c.Spy.Strict,
		GateUSBBLE:  c.Spy.GateUSBBLE,
		QueueSize:   c.Spy.QueueSize,
		Overflow:    policy,
	}, nil
}

func (c Config) Logging() logging.Config {
	lvl, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{Level: lvl, Format: c.Log.Format, NoColor: c.Log.NoColor}
}
