// ABOUTME: Configuration loading and parsing for coven-desk
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no --config flag is given.
const EnvConfigPath = "COVEN_DESK_CONFIG"

// Config represents the complete coven-desk configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Media     MediaConfig     `yaml:"media" toml:"media"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS ingress for the provider webhook
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ProviderConfig holds WhatsApp Cloud API settings
type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url" toml:"base_url"`
	APIVersion    string        `yaml:"api_version" toml:"api_version"`
	PhoneNumberID string        `yaml:"phone_number_id" toml:"phone_number_id"`
	AccessToken   string        `yaml:"access_token" toml:"access_token"`
	VerifyToken   string        `yaml:"verify_token" toml:"verify_token"`
	Timeout       time.Duration `yaml:"-" toml:"-"`
	MediaPolicy   string        `yaml:"media_policy" toml:"media_policy"`
	MaxMediaBytes int64         `yaml:"max_media_bytes" toml:"max_media_bytes"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// DispatchConfig bounds the outbound send queue
type DispatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`
	StatusHistory int `yaml:"status_history" toml:"status_history"`
}

// MediaConfig holds transcoding settings
type MediaConfig struct {
	FFmpegPath       string        `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	ScratchDir       string        `yaml:"scratch_dir" toml:"scratch_dir"`
	TranscodeTimeout time.Duration `yaml:"-" toml:"-"`

	TranscodeTimeoutRaw string `yaml:"transcode_timeout" toml:"transcode_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// RealtimeConfig holds websocket settings
type RealtimeConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	SendBuffer     int           `yaml:"send_buffer" toml:"send_buffer"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
}

// EventsConfig holds the AMQP publisher settings. An empty AMQPURL disables publishing.
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults
const (
	DefaultProviderBaseURL  = "https://graph.facebook.com"
	DefaultProviderVersion  = "v20.0"
	DefaultProviderTimeout  = 15 * time.Second
	DefaultMediaPolicy      = "materialize"
	DefaultMaxMediaBytes    = 16 << 20
	DefaultMaxConcurrent    = 2
	DefaultStatusHistory    = 10000
	DefaultFFmpegPath       = "ffmpeg"
	DefaultTranscodeTimeout = 60 * time.Second
	DefaultTokenTTL         = 12 * time.Hour
	DefaultSendBuffer       = 64
	DefaultPingInterval     = 30 * time.Second
	DefaultExchange         = "coven.desk"
	DefaultMetricsPath      = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML; everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. It is Load without the file read.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file location: the explicit flag value, then
// $COVEN_DESK_CONFIG, then $XDG_CONFIG_HOME/coven-desk/desk.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return filepath.Join(configHome(), "coven-desk", "desk.yaml")
}

func configHome() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	p := &c.Provider
	if p.BaseURL == "" {
		p.BaseURL = DefaultProviderBaseURL
	}
	if p.APIVersion == "" {
		p.APIVersion = DefaultProviderVersion
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultProviderTimeout
	}
	if p.MediaPolicy == "" {
		p.MediaPolicy = DefaultMediaPolicy
	}
	if p.MaxMediaBytes == 0 {
		p.MaxMediaBytes = DefaultMaxMediaBytes
	}

	if c.Dispatch.MaxConcurrent == 0 {
		c.Dispatch.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Dispatch.StatusHistory == 0 {
		c.Dispatch.StatusHistory = DefaultStatusHistory
	}

	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = DefaultFFmpegPath
	}
	if c.Media.ScratchDir == "" {
		c.Media.ScratchDir = os.TempDir()
	}
	if c.Media.TranscodeTimeout == 0 {
		c.Media.TranscodeTimeout = DefaultTranscodeTimeout
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = DefaultSendBuffer
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = DefaultExchange
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider.base_url %q is not an absolute URL", c.Provider.BaseURL)
	}

	switch c.Provider.MediaPolicy {
	case "materialize", "reference":
	default:
		return fmt.Errorf("provider.media_policy must be materialize or reference, got %q", c.Provider.MediaPolicy)
	}

	if c.Provider.MaxMediaBytes < 0 {
		return fmt.Errorf("provider.max_media_bytes must not be negative")
	}

	if c.Dispatch.MaxConcurrent < 1 {
		return fmt.Errorf("dispatch.max_concurrent must be at least 1")
	}

	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be at least 1")
	}

	if c.Events.AMQPURL != "" && !strings.HasPrefix(c.Events.AMQPURL, "amqp") {
		return fmt.Errorf("events.amqp_url must use the amqp:// or amqps:// scheme")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"provider.timeout", cfg.Provider.TimeoutRaw, &cfg.Provider.Timeout},
		{"media.transcode_timeout", cfg.Media.TranscodeTimeoutRaw, &cfg.Media.TranscodeTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
