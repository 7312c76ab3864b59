// Package config loads blekit's file configuration.
//
// TOML and YAML are both accepted; the file extension decides which. Keys
// missing from the file keep their defaults. Durations are strings in
// time.ParseDuration syntax ("250ms", "5s").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"blekit/command"
	"blekit/logging"
	"blekit/middleware"
	"blekit/protocol"
	"blekit/transport"
)

var (
	ErrUnknownFormat = errors.New("config: unknown file format")
	ErrInvalid       = errors.New("config: invalid")
)

type Config struct {
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Log        logging.Config   `toml:"log" yaml:"log"`
	Discovery  DiscoveryConfig  `toml:"discovery" yaml:"discovery"`
	Middleware MiddlewareConfig `toml:"middleware" yaml:"middleware"`
	Protocols  []ProtocolConfig `toml:"protocols" yaml:"protocols"`
}

type ServerConfig struct {
	Listen          string `toml:"listen" yaml:"listen"`
	Advertise       string `toml:"advertise" yaml:"advertise"` // defaults to Listen
	Protocol        int    `toml:"protocol" yaml:"protocol"`   // -1 serves the default protocol
	ShutdownTimeout string `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DiscoveryConfig selects etcd when Etcd lists endpoints; otherwise an
// in-process registry is used.
type DiscoveryConfig struct {
	Etcd     []string `toml:"etcd" yaml:"etcd"`
	TTL      int64    `toml:"ttl" yaml:"ttl"` // seconds
	Balancer string   `toml:"balancer" yaml:"balancer"`
}

// MiddlewareConfig enables the handler middleware. Zero values leave a
// stage out.
type MiddlewareConfig struct {
	Timeout    string  `toml:"timeout" yaml:"timeout"`
	Rate       float64 `toml:"rate" yaml:"rate"` // commands per second
	Burst      int     `toml:"burst" yaml:"burst"`
	Retries    int     `toml:"retries" yaml:"retries"`
	RetryDelay string  `toml:"retry_delay" yaml:"retry_delay"`
	Logging    bool    `toml:"logging" yaml:"logging"`
}

// ProtocolConfig describes one protocol registered with the mux.
type ProtocolConfig struct {
	ID          int    `toml:"id" yaml:"id"`
	Name        string `toml:"name" yaml:"name"`
	Version     string `toml:"version" yaml:"version"`
	Default     bool   `toml:"default" yaml:"default"`
	Header      uint8  `toml:"header" yaml:"header"`     // 0 means protocol.Header
	Checksum    string `toml:"checksum" yaml:"checksum"` // "additive" or "xor"
	ErrorCmd    *uint8 `toml:"error_cmd" yaml:"error_cmd"`
	Correlation string `toml:"correlation" yaml:"correlation"` // "none" or "tagged"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:7000",
			Protocol:        -1,
			ShutdownTimeout: "5s",
		},
		Log: logging.Config{Level: "info", Format: "text"},
		Discovery: DiscoveryConfig{
			TTL:      10,
			Balancer: "round_robin",
		},
		Middleware: MiddlewareConfig{Timeout: "2s", Logging: true},
	}
}

func defaultProtocols() []ProtocolConfig {
	return []ProtocolConfig{{ID: 0, Name: "device", Version: "1.0", Default: true}}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalid, path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	if len(cfg.Protocols) == 0 {
		cfg.Protocols = defaultProtocols()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills derived defaults.
func (c *Config) Validate() error {
	if len(c.Protocols) == 0 {
		c.Protocols = defaultProtocols()
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("%w: server.listen is empty", ErrInvalid)
	}
	if c.Server.Advertise == "" {
		c.Server.Advertise = c.Server.Listen
	}
	if _, err := parseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		return err
	}
	if c.Discovery.TTL <= 0 {
		return fmt.Errorf("%w: discovery.ttl must be positive", ErrInvalid)
	}

	m := c.Middleware
	if _, err := parseDuration("middleware.timeout", m.Timeout); err != nil {
		return err
	}
	if _, err := parseDuration("middleware.retry_delay", m.RetryDelay); err != nil {
		return err
	}
	if m.Rate < 0 || m.Retries < 0 {
		return fmt.Errorf("%w: middleware.rate and middleware.retries must not be negative", ErrInvalid)
	}
	if m.Rate > 0 && m.Burst < 1 {
		return fmt.Errorf("%w: middleware.burst must be at least 1 when rate is set", ErrInvalid)
	}

	ids := make(map[int]bool)
	defaults := 0
	for i := range c.Protocols {
		p := &c.Protocols[i]
		if p.ID < 0 {
			return fmt.Errorf("%w: protocols[%d].id %d is negative", ErrInvalid, i, p.ID)
		}
		if ids[p.ID] {
			return fmt.Errorf("%w: protocols[%d].id %d is duplicated", ErrInvalid, i, p.ID)
		}
		ids[p.ID] = true
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: protocols[%d].name is empty", ErrInvalid, i)
		}
		if p.Version == "" {
			p.Version = "1.0"
		}
		if p.Default {
			defaults++
		}
		if _, err := p.Codec(); err != nil {
			return err
		}
		if _, err := p.CorrelationMode(); err != nil {
			return err
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%w: more than one default protocol", ErrInvalid)
	}
	if c.Server.Protocol != -1 && !ids[c.Server.Protocol] {
		return fmt.Errorf("%w: server.protocol %d is not configured", ErrInvalid, c.Server.Protocol)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalid, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalid, key)
	}
	return d, nil
}

// ShutdownTimeoutDuration returns the parsed timeout. Call after Validate.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := parseDuration("", s.ShutdownTimeout)
	return d
}

// Codec builds the frame codec for p.
func (p ProtocolConfig) Codec() (protocol.Codec, error) {
	c := protocol.DefaultCodec
	if p.Header != 0 {
		c.Header = p.Header
	}
	switch strings.ToLower(p.Checksum) {
	case "", "additive", "sum":
		c.Sum = protocol.Additive
	case "xor":
		c.Sum = protocol.XOR
	default:
		return protocol.Codec{}, fmt.Errorf("%w: protocol %q: unknown checksum %q", ErrInvalid, p.Name, p.Checksum)
	}
	return c, nil
}

func (p ProtocolConfig) CorrelationMode() (command.Correlation, error) {
	switch strings.ToLower(p.Correlation) {
	case "", "none":
		return command.CorrelationNone, nil
	case "tagged":
		return command.CorrelationTagged, nil
	default:
		return command.CorrelationNone, fmt.Errorf("%w: protocol %q: unknown correlation %q", ErrInvalid, p.Name, p.Correlation)
	}
}

// Options returns the command.Protocol options p describes.
func (p ProtocolConfig) Options() ([]command.Option, error) {
	c, err := p.Codec()
	if err != nil {
		return nil, err
	}
	corr, err := p.CorrelationMode()
	if err != nil {
		return nil, err
	}
	opts := []command.Option{command.WithCodec(c), command.WithCorrelation(corr)}
	if p.ErrorCmd != nil {
		opts = append(opts, command.WithErrorResponses(*p.ErrorCmd))
	}
	return opts, nil
}

// TransportOptions returns the options a peer needs to talk to p.
func (p ProtocolConfig) TransportOptions() ([]transport.Option, error) {
	c, err := p.Codec()
	if err != nil {
		return nil, err
	}
	corr, err := p.CorrelationMode()
	if err != nil {
		return nil, err
	}
	opts := []transport.Option{transport.WithCodec(c), transport.WithCorrelation(corr)}
	if p.ErrorCmd != nil {
		opts = append(opts, transport.WithErrorCommand(*p.ErrorCmd))
	}
	return opts, nil
}

// Middlewares builds the configured chain, outermost first.
func (m MiddlewareConfig) Middlewares(logger *logrus.Entry) []middleware.Middleware {
	var out []middleware.Middleware
	if m.Logging {
		out = append(out, middleware.LoggingMiddleware(logger))
	}
	if m.Rate > 0 {
		out = append(out, middleware.RateLimitMiddleware(m.Rate, m.Burst))
	}
	// Timeout wraps Retry so one deadline covers every attempt and no attempt
	// starts while a timed-out one may still be running.
	if timeout, _ := parseDuration("", m.Timeout); timeout > 0 {
		out = append(out, middleware.TimeoutMiddleware(timeout))
	}
	if m.Retries > 0 {
		delay, _ := parseDuration("", m.RetryDelay)
		if delay == 0 {
			delay = 50 * time.Millisecond
		}
		out = append(out, middleware.RetryMiddleware(m.Retries, delay, logger))
	}
	return out
}

// Protocol returns the protocol entry with the given id.
func (c *Config) Protocol(id int) (ProtocolConfig, bool) {
	for _, p := range c.Protocols {
		if p.ID == id {
			return p, true
		}
	}
	return ProtocolConfig{}, false
}

// ServedProtocol returns the entry the server routes frames to.
func (c *Config) ServedProtocol() ProtocolConfig {
	if p, ok := c.Protocol(c.Server.Protocol); ok {
		return p
	}
	for _, p := range c.Protocols {
		if p.Default {
			return p
		}
	}
	return c.Protocols[0]
}
