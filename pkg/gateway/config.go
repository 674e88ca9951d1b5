package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh/knownhosts"
	"gopkg.in/yaml.v3"

	"github.com/sarwaaaar/pwn0gotchi/pkg/discovery"
	"github.com/sarwaaaar/pwn0gotchi/pkg/normalizer"
	"github.com/sarwaaaar/pwn0gotchi/pkg/session"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport/serial"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport/shell"
)

// Config is the top-level gateway configuration.
type Config struct {
	Listen string    `yaml:"listen"`
	Path   string    `yaml:"path"`
	TLS    TLSConfig `yaml:"tls"`

	// OriginPatterns lists host patterns allowed to open a websocket from a
	// browser on another origin. Empty allows same-origin only.
	OriginPatterns          []string `yaml:"origin_patterns"`
	InsecureSkipOriginCheck bool     `yaml:"insecure_skip_origin_check"`

	Health     HealthConfig      `yaml:"health"`
	Session    SessionConfig     `yaml:"session"`
	Shell      ShellConfig       `yaml:"shell"`
	Serial     SerialConfig      `yaml:"serial"`
	Normalizer normalizer.Config `yaml:"normalizer"`
	Log        LogConfig         `yaml:"log"`
}

// TLSConfig enables HTTPS when both files are set.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// HealthConfig controls the liveness sweep.
type HealthConfig struct {
	Interval     string `yaml:"interval"`      // Sweep period as a duration string (e.g. "30s").
	MaxMissed    int    `yaml:"max_missed"`    // Unanswered probes before a connection is terminated.
	ProbeTimeout string `yaml:"probe_timeout"` // How long a probe may wait for its pong.
}

// SessionConfig sizes per-session buffers.
type SessionConfig struct {
	SeenCapacity   int `yaml:"seen_capacity"`
	OutboundBuffer int `yaml:"outbound_buffer"`
}

// ShellConfig configures the SSH transport.
type ShellConfig struct {
	DefaultPort       int    `yaml:"default_port"`
	ReadyTimeout      string `yaml:"ready_timeout"`
	KeepaliveInterval string `yaml:"keepalive_interval"` // "0" disables keepalive.
	KeepaliveCountMax int    `yaml:"keepalive_count_max"`
	Term              string `yaml:"term"`
	Cols              int    `yaml:"cols"`
	Rows              int    `yaml:"rows"`
	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHosts string `yaml:"known_hosts"`
}

// SerialConfig configures device discovery and the serial transport.
type SerialConfig struct {
	// Vendors is the USB vendor id allow-list, as hex strings.
	Vendors   []string `yaml:"vendors"`
	BaudRates []int    `yaml:"baud_rates"`
	// Handshake runs the device initialization sequence after open. Defaults
	// to true.
	Handshake *bool `yaml:"handshake"`
}

// LogConfig selects the log level, format and optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn or error.
	Format     string `yaml:"format"` // text or json; empty picks by terminal.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// LoadConfig reads a YAML file and returns a Config with defaults applied.
// Environment variables referenced as ${VAR} or $VAR are expanded before
// parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("gateway: load config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("gateway: parse config: %w", err)
	}

	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":3002"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.Health.Interval == "" {
		c.Health.Interval = "30s"
	}
	if c.Health.MaxMissed <= 0 {
		c.Health.MaxMissed = 1
	}
	if c.Health.ProbeTimeout == "" {
		c.Health.ProbeTimeout = "10s"
	}
	if c.Session.SeenCapacity <= 0 {
		c.Session.SeenCapacity = session.DefaultSeenCapacity
	}
	if c.Session.OutboundBuffer <= 0 {
		c.Session.OutboundBuffer = session.DefaultOutboundBuffer
	}

	def := shell.DefaultConfig()
	if c.Shell.DefaultPort <= 0 {
		c.Shell.DefaultPort = def.DefaultPort
	}
	if c.Shell.ReadyTimeout == "" {
		c.Shell.ReadyTimeout = def.ReadyTimeout.String()
	}
	if c.Shell.KeepaliveInterval == "" {
		c.Shell.KeepaliveInterval = def.KeepaliveInterval.String()
	}
	if c.Shell.KeepaliveCountMax <= 0 {
		c.Shell.KeepaliveCountMax = def.KeepaliveCountMax
	}
	if c.Shell.Term == "" {
		c.Shell.Term = def.Term
	}
	if c.Shell.Cols <= 0 {
		c.Shell.Cols = def.Cols
	}
	if c.Shell.Rows <= 0 {
		c.Shell.Rows = def.Rows
	}

	if len(c.Serial.Vendors) == 0 {
		for _, v := range discovery.DefaultVendors {
			c.Serial.Vendors = append(c.Serial.Vendors, v.ID)
		}
	}
	if len(c.Serial.BaudRates) == 0 {
		c.Serial.BaudRates = append([]int(nil), discovery.DefaultBaudRates...)
	}
	if c.Serial.Handshake == nil {
		on := true
		c.Serial.Handshake = &on
	}

	if c.Normalizer.BannerMarker == "" {
		c.Normalizer.BannerMarker = normalizer.DefaultBannerMarker
	}
	if c.Normalizer.PromptPattern == "" {
		c.Normalizer.PromptPattern = normalizer.DefaultPromptPattern
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	return c
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("gateway: config: path %q must start with /", c.Path)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("gateway: config: tls: cert_file and key_file must be set together")
	}

	for name, v := range map[string]string{
		"health.interval":      c.Health.Interval,
		"health.probe_timeout": c.Health.ProbeTimeout,
		"shell.ready_timeout":  c.Shell.ReadyTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("gateway: config: %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("gateway: config: %s must be positive", name)
		}
	}
	keepalive, err := time.ParseDuration(c.Shell.KeepaliveInterval)
	if err != nil {
		return fmt.Errorf("gateway: config: shell.keepalive_interval: %w", err)
	}
	if keepalive < 0 {
		return fmt.Errorf("gateway: config: shell.keepalive_interval must not be negative")
	}

	if c.Shell.DefaultPort > 65535 {
		return fmt.Errorf("gateway: config: shell.default_port %d out of range", c.Shell.DefaultPort)
	}
	for _, v := range c.Serial.Vendors {
		if len(v) != 4 || strings.Trim(strings.ToLower(v), "0123456789abcdef") != "" {
			return fmt.Errorf("gateway: config: serial.vendors: %q is not a 4-digit hex vendor id", v)
		}
	}
	for _, b := range c.Serial.BaudRates {
		if b <= 0 {
			return fmt.Errorf("gateway: config: serial.baud_rates: invalid rate %d", b)
		}
	}

	if _, err := c.Normalizer.Compile(); err != nil {
		return fmt.Errorf("gateway: config: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("gateway: config: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("gateway: config: log.format %q must be text or json", c.Log.Format)
	}

	return nil
}

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(s string) slog.Level {
	l, _ := parseLevel(s)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// healthTimings returns the parsed sweep interval and probe timeout. It is
// only called on validated configs.
func (c Config) healthTimings() (interval, probe time.Duration) {
	interval, _ = time.ParseDuration(c.Health.Interval)
	probe, _ = time.ParseDuration(c.Health.ProbeTimeout)
	return interval, probe
}

// ShellOptions converts the shell section into transport settings, loading
// the known_hosts file when one is configured.
func (c Config) ShellOptions() (shell.Config, error) {
	ready, err := time.ParseDuration(c.Shell.ReadyTimeout)
	if err != nil {
		return shell.Config{}, fmt.Errorf("gateway: shell.ready_timeout: %w", err)
	}
	keepalive, err := time.ParseDuration(c.Shell.KeepaliveInterval)
	if err != nil {
		return shell.Config{}, fmt.Errorf("gateway: shell.keepalive_interval: %w", err)
	}

	out := shell.Config{
		DefaultPort:       c.Shell.DefaultPort,
		ReadyTimeout:      ready,
		KeepaliveInterval: keepalive,
		KeepaliveCountMax: c.Shell.KeepaliveCountMax,
		Term:              c.Shell.Term,
		Cols:              c.Shell.Cols,
		Rows:              c.Shell.Rows,
	}
	if c.Shell.KnownHosts != "" {
		cb, err := knownhosts.New(c.Shell.KnownHosts)
		if err != nil {
			return shell.Config{}, fmt.Errorf("gateway: shell.known_hosts: %w", err)
		}
		out.HostKeyCallback = cb
	}
	return out, nil
}

// SerialVendors resolves the configured vendor ids, keeping the known
// vendor names for logging.
func (c Config) SerialVendors() []discovery.Vendor {
	names := make(map[string]string, len(discovery.DefaultVendors))
	for _, v := range discovery.DefaultVendors {
		names[v.ID] = v.Name
	}
	out := make([]discovery.Vendor, 0, len(c.Serial.Vendors))
	for _, id := range c.Serial.Vendors {
		id = strings.ToUpper(id)
		out = append(out, discovery.Vendor{ID: id, Name: names[id]})
	}
	return out
}

// Openers builds the transport openers described by the configuration.
func (c Config) Openers(log *slog.Logger) (map[transport.Kind]transport.Opener, error) {
	shellCfg, err := c.ShellOptions()
	if err != nil {
		return nil, err
	}

	so := serial.NewOpener(log)
	so.Vendors = c.SerialVendors()
	so.BaudRates = c.Serial.BaudRates
	if c.Serial.Handshake != nil && !*c.Serial.Handshake {
		so.Handshake = nil
	}

	return map[transport.Kind]transport.Opener{
		transport.KindShell:  shell.NewOpener(shellCfg, log),
		transport.KindSerial: so,
	}, nil
}
