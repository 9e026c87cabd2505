package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	DefaultListen     = "127.0.0.1:1080"
	DefaultBufferSize = 8192

	// A buffer must hold the largest handshake frame (262 bytes).
	MinBufferSize = 512
	MaxBufferSize = 1 << 20
)

type Config struct {
	Listen_    string `yaml:"listen"`
	BufferSize int    `yaml:"buffer_size"`
	DNS        DNS    `yaml:"dns"`
	Log        Log    `yaml:"log"`

	Listen netip.AddrPort `yaml:"-"`
}

// Default returns a configuration with every default applied but not yet
// validated.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Load(data)
}

// Load parses YAML, fills in defaults and validates. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Load(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalWithOptions(data, c, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Listen_ == "" {
		c.Listen_ = DefaultListen
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	c.DNS.setDefaults()
	c.Log.setDefaults()
}

// Validate checks every section and resolves the typed fields. It must be
// called again after the raw fields are changed.
func (c *Config) Validate() error {
	var errs []error

	addr, err := parseIPv4AddrPort(c.Listen_, 0)
	if err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	c.Listen = addr

	if c.BufferSize < MinBufferSize || c.BufferSize > MaxBufferSize {
		errs = append(errs, fmt.Errorf("buffer_size must be between %d and %d, got %d", MinBufferSize, MaxBufferSize, c.BufferSize))
	}

	errs = append(errs, c.DNS.validate()...)
	errs = append(errs, c.Log.validate()...)
	return errors.Join(errs...)
}

// parseIPv4AddrPort accepts "a.b.c.d:port", or a bare address when
// defaultPort is non-zero.
func parseIPv4AddrPort(s string, defaultPort uint16) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("address is required")
	}

	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		if defaultPort == 0 {
			return netip.AddrPort{}, fmt.Errorf("invalid address '%s': %v", s, err)
		}
		a, aerr := netip.ParseAddr(s)
		if aerr != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid address '%s': %v", s, aerr)
		}
		ap = netip.AddrPortFrom(a, defaultPort)
	}

	if !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("address '%s' is not IPv4", s)
	}
	return ap, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
