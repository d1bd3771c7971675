// Package config loads the server configuration from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jmcleod/coditime/cliaccess"
	"github.com/jmcleod/coditime/recaptcha"
	"github.com/jmcleod/coditime/session"
)

// DefaultPath is where the server looks for its config file.
const DefaultPath = "config.toml"

// Duration is a time.Duration written as "24h" or "15m" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	BindAddress        string           `toml:"bind_address"`
	HomeURL            string           `toml:"home_url"`
	PublicRegistration bool             `toml:"public_registration"`
	TrustedProxies     []string         `toml:"trusted_proxies"`
	TLS                TLSConfig        `toml:"tls"`
	Database           DatabaseConfig   `toml:"database"`
	Session            SessionConfig    `toml:"session"`
	CLI                CLIConfig        `toml:"cli"`
	Recaptcha          recaptcha.Config `toml:"recaptcha"`
	Audit              AuditConfig      `toml:"audit"`
	Logging            LoggingConfig    `toml:"logging"`
}

type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Enabled reports whether both a certificate and key are configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type SessionConfig struct {
	CookieName    string               `toml:"cookie_name"`
	AllowInHeader bool                 `toml:"allow_in_header"`
	Lifetime      Duration             `toml:"lifetime"`
	SweepInterval Duration             `toml:"sweep_interval"`
	Manager       SessionManagerConfig `toml:"manager"`
}

type SessionManagerConfig struct {
	// Type is "memory" or "file".
	Type      string `toml:"type"`
	StartSize int    `toml:"start_size"`
	File      string `toml:"file"`
}

type CLIConfig struct {
	KeyLength     int      `toml:"key_length"`
	RequestTTL    Duration `toml:"request_ttl"`
	SweepInterval Duration `toml:"sweep_interval"`
	TokenLifetime Duration `toml:"token_lifetime"`
}

type AuditConfig struct {
	WebhookURL        string `toml:"webhook_url"`
	WebhookAuthHeader string `toml:"webhook_auth_header"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		BindAddress: "0.0.0.0:5312",
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "coditime.db",
		},
		Session: SessionConfig{
			CookieName:    "session",
			AllowInHeader: true,
			Lifetime:      Duration{session.DefaultLifetime},
			SweepInterval: Duration{session.DefaultSweepInterval},
			Manager: SessionManagerConfig{
				Type:      session.KindMemory,
				StartSize: 100,
				File:      "sessions.db",
			},
		},
		CLI: CLIConfig{
			KeyLength:     cliaccess.MinKeyLength,
			RequestTTL:    Duration{cliaccess.DefaultRequestTTL},
			SweepInterval: Duration{cliaccess.DefaultSweepInterval},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, expanding ${VAR} references first.
// A missing file is reported with an error satisfying
// errors.Is(err, os.ErrNotExist).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	md, err := toml.Decode(expandEnvVars(string(data)), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parsing config: unknown keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Write encodes cfg to path, creating parent directories.
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// WriteDefault writes Default() to path unless a file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return Write(path, Default())
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("bind_address is required")
	}
	if c.HomeURL != "" {
		u, err := url.Parse(c.HomeURL)
		if err != nil {
			return fmt.Errorf("home_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.New("home_url must use http or https scheme")
		}
	}
	if _, err := c.ParsedTrustedProxies(); err != nil {
		return err
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls.cert_file and tls.key_file must be set together")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, memory", c.Database.Driver)
	}

	if c.Session.CookieName == "" {
		return errors.New("session.cookie_name is required")
	}
	if c.Session.Lifetime.Duration <= 0 {
		return errors.New("session.lifetime must be positive")
	}
	switch c.Session.Manager.Type {
	case session.KindMemory:
		if c.Session.Manager.StartSize < 0 {
			return errors.New("session.manager.start_size must not be negative")
		}
	case session.KindFile:
		if c.Session.Manager.File == "" {
			return errors.New("session.manager.file is required for the file session manager")
		}
	default:
		return fmt.Errorf("session.manager.type %q is not one of memory, file", c.Session.Manager.Type)
	}

	if c.CLI.KeyLength < cliaccess.MinKeyLength {
		return fmt.Errorf("cli.key_length must be at least %d", cliaccess.MinKeyLength)
	}
	if c.CLI.RequestTTL.Duration < 0 || c.CLI.TokenLifetime.Duration < 0 {
		return errors.New("cli durations must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// ParsedTrustedProxies returns trusted_proxies as prefixes. Bare addresses
// are treated as single-host prefixes.
func (c *Config) ParsedTrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %q is not an address or CIDR", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
