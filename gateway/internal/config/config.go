// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DefaultPingInterval is used when websocket.ping_interval is unset.
const DefaultPingInterval = 30 * time.Second

// DefaultMaxMessageSize is used when websocket.max_message_size is unset.
const DefaultMaxMessageSize ByteSize = 1 << 20

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	PubSub    PubSubConfig    `json:"pubsub" yaml:"pubsub"`
	Bots      BotsConfig      `json:"bots" yaml:"bots"`
	FHIRcast  FHIRcastConfig  `json:"fhircast" yaml:"fhircast"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":8103"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // websocket origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // max HTTP request body; default 1MB
}

// WebSocketConfig defines limits for upgraded connections.
type WebSocketConfig struct {
	MaxMessageSize ByteSize `json:"max_message_size,omitempty" yaml:"max_message_size,omitempty"` // e.g. "1mb"
	PingInterval   Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
}

// AuthConfig defines access token settings.
type AuthConfig struct {
	Provider  string   `json:"provider,omitempty" yaml:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"`
	Issuer    string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	JWKSURL   string   `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"` // required for "jwks"
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`       // e.g. "medplum.db" or ":memory:"
}

// PubSubConfig selects the broadcast backbone.
type PubSubConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // "memory" (default) or "postgres"
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`       // defaults to storage.dsn for postgres
}

// BotsConfig defines execution engine limits.
type BotsConfig struct {
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// FHIRcastConfig defines FHIRcast hub settings.
type FHIRcastConfig struct {
	Heartbeat Duration `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// MetricsConfig defines how often counters are written to the log. Zero disables.
type MetricsConfig struct {
	ReportInterval Duration `json:"report_interval,omitempty" yaml:"report_interval,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings for login.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 5
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 10
}

// Duration is a JSON- and YAML-friendly time.Duration. Numbers are seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	if i, ok := v.(int); ok {
		v = float64(i)
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ByteSize is a byte count that also accepts human-readable strings such as
// "1mb", "512KiB" or "64 kB". Unit prefixes are powers of 1024 with or
// without the "i", so "1mb" and "1MiB" are both 1,048,576 bytes.
type ByteSize int64

// ParseByteSize parses a human-readable size.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	n, err := humanize.ParseBytes(binaryUnit(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q: larger than %d bytes", s, int64(math.MaxInt64))
	}
	return ByteSize(n), nil
}

// binaryUnit rewrites a decimal unit prefix to its binary form ("mb" to "mib").
func binaryUnit(s string) string {
	i := strings.LastIndexAny(s, "0123456789. ")
	num, unit := s[:i+1], strings.ToLower(s[i+1:])
	switch unit {
	case "k", "kb", "m", "mb", "g", "gb", "t", "tb", "p", "pb", "e", "eb":
		return num + unit[:1] + "ib"
	}
	return s
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return b.set(v)
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	if i, ok := v.(int); ok {
		v = float64(i)
	}
	return b.set(v)
}

func (b *ByteSize) set(v any) error {
	switch val := v.(type) {
	case string:
		n, err := ParseByteSize(val)
		if err != nil {
			return err
		}
		*b = n
	case float64:
		if val < 0 || val >= math.MaxInt64 {
			return fmt.Errorf("invalid size: %v", val)
		}
		*b = ByteSize(val)
	default:
		return fmt.Errorf("invalid size: %v", v)
	}
	return nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.marshalValue())
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.marshalValue(), nil
}

// marshalValue renders b as a human-readable string when that string parses
// back to the same count, and as a plain number otherwise.
func (b ByteSize) marshalValue() any {
	s := humanize.IBytes(uint64(b))
	if n, err := ParseByteSize(s); err == nil && n == b {
		return s
	}
	return int64(b)
}

// String renders the size for logs.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Load reads and validates a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.PubSub.Driver {
	case "", "memory":
	case "postgres":
		if c.PubSub.DSN == "" && c.Storage.Driver != "postgres" {
			return fmt.Errorf("pubsub.dsn is required when pubsub.driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported pubsub.driver %q", c.PubSub.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.WebSocket.PingInterval.Duration == 0 {
		c.WebSocket.PingInterval.Duration = DefaultPingInterval
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "medplum.db"
	}
	if c.PubSub.Driver == "" {
		c.PubSub.Driver = "memory"
	}
	if c.PubSub.Driver == "postgres" && c.PubSub.DSN == "" {
		c.PubSub.DSN = c.Storage.DSN
	}
	if c.Bots.Timeout.Duration == 0 {
		c.Bots.Timeout.Duration = 10 * time.Second
	}
	if c.FHIRcast.Heartbeat.Duration == 0 {
		c.FHIRcast.Heartbeat.Duration = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
}
