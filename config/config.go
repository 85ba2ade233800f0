// Package config loads the pondhub server configuration from a YAML file and
// PONDHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/eleven-am/pondhub"
	"github.com/eleven-am/pondhub/push"
	"github.com/go-viper/mapstructure/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every environment override, e.g. PONDHUB_SERVER_ADDR.
const EnvPrefix = "PONDHUB"

// Config is the complete pondhub server configuration.
type Config struct {
	Hub     HubConfig     `mapstructure:"hub" yaml:"hub"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// HubConfig configures the topic manager; see HubConfig.Options.
type HubConfig struct {
	PublishCapacity     int              `mapstructure:"publish_capacity" yaml:"publish_capacity"`
	FullMode            pondhub.FullMode `mapstructure:"full_mode" yaml:"full_mode"`
	Separators          string           `mapstructure:"separators" yaml:"separators"`
	SingleLevelWildcard string           `mapstructure:"single_level_wildcard" yaml:"single_level_wildcard"`
	MultiLevelWildcard  string           `mapstructure:"multi_level_wildcard" yaml:"multi_level_wildcard"`
	Wildcards           bool             `mapstructure:"wildcards" yaml:"wildcards"`
	Retain              bool             `mapstructure:"retain" yaml:"retain"`
}

// ServerConfig configures the HTTP listener and the push transport.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	SendBuffer      int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	// PublishRate is the number of publishes per second allowed per connection; 0 is unlimited.
	PublishRate  float64 `mapstructure:"publish_rate" yaml:"publish_rate"`
	PublishBurst int     `mapstructure:"publish_burst" yaml:"publish_burst"`
}

// RedisConfig configures the optional Redis bridge between hub instances.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr         string `mapstructure:"addr" yaml:"addr"`
	Password     string `mapstructure:"password" yaml:"password,omitempty"`
	DB           int    `mapstructure:"db" yaml:"db"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	Codec        string `mapstructure:"codec" yaml:"codec"`
	DedupeWindow int    `mapstructure:"dedupe_window" yaml:"dedupe_window"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Path      string `mapstructure:"path" yaml:"path"`
}

// LogConfig selects the slog level and output format (text or json).
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads the configuration. An empty path uses defaults and environment
// variables only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	hub := pondhub.DefaultOptions()
	transport := push.DefaultOptions()

	v.SetDefault("hub.publish_capacity", 4096)
	v.SetDefault("hub.full_mode", hub.PublishChannelFullMode.String())
	v.SetDefault("hub.separators", string(hub.TopicLevelSeparators))
	v.SetDefault("hub.single_level_wildcard", string(hub.SingleLevelWildcard))
	v.SetDefault("hub.multi_level_wildcard", string(hub.MultiLevelWildcard))
	v.SetDefault("hub.wildcards", hub.EnableWildcardSubscriptions)
	v.SetDefault("hub.retain", hub.Retain)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "0s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_message_size", transport.MaxMessageSize)
	v.SetDefault("server.ping_interval", transport.PingInterval.String())
	v.SetDefault("server.send_buffer", transport.SendChannelBuffer)
	v.SetDefault("server.publish_rate", 0)
	v.SetDefault("server.publish_burst", 16)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "pondhub:")
	v.SetDefault("redis.codec", "msgpack")
	v.SetDefault("redis.dedupe_window", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "pondhub")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks values that the decoder accepts but the server cannot use.
func (c *Config) Validate() error {
	var errs []error

	if utf8.RuneCountInString(c.Hub.SingleLevelWildcard) != 1 {
		errs = append(errs, fmt.Errorf("hub.single_level_wildcard must be a single character, got %q", c.Hub.SingleLevelWildcard))
	}
	if utf8.RuneCountInString(c.Hub.MultiLevelWildcard) != 1 {
		errs = append(errs, fmt.Errorf("hub.multi_level_wildcard must be a single character, got %q", c.Hub.MultiLevelWildcard))
	}
	if c.Hub.Separators == "" {
		errs = append(errs, errors.New("hub.separators must not be empty"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.PublishRate < 0 {
		errs = append(errs, fmt.Errorf("server.publish_rate must not be negative, got %v", c.Server.PublishRate))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	switch c.Redis.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("redis.codec must be json or msgpack, got %q", c.Redis.Codec))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Options converts the hub section into manager options.
func (h HubConfig) Options() pondhub.Options {
	opts := pondhub.DefaultOptions()

	opts.PublishChannelCapacity = h.PublishCapacity
	opts.PublishChannelFullMode = h.FullMode
	opts.TopicLevelSeparators = []rune(h.Separators)
	opts.EnableWildcardSubscriptions = h.Wildcards
	opts.Retain = h.Retain

	if r, _ := utf8.DecodeRuneInString(h.SingleLevelWildcard); r != utf8.RuneError {
		opts.SingleLevelWildcard = r
	}
	if r, _ := utf8.DecodeRuneInString(h.MultiLevelWildcard); r != utf8.RuneError {
		opts.MultiLevelWildcard = r
	}
	return *opts
}

// PushOptions converts the server section into push handler options.
func (s ServerConfig) PushOptions() *push.Options {
	opts := push.DefaultOptions()

	if len(s.AllowedOrigins) > 0 {
		opts.CheckOrigin = true
		opts.AllowedOrigins = s.AllowedOrigins
	}
	if s.MaxMessageSize > 0 {
		opts.MaxMessageSize = s.MaxMessageSize
	}
	if s.PingInterval > 0 {
		opts.PingInterval = s.PingInterval
		opts.PongWait = 2 * s.PingInterval
	}
	if s.SendBuffer > 0 {
		opts.SendChannelBuffer = s.SendBuffer
	}
	if s.PublishRate > 0 {
		opts.PublishRate = rate.Limit(s.PublishRate)
		opts.PublishBurst = s.PublishBurst
	}
	return opts
}

// ServerOptions converts the server section into HTTP server options.
func (s ServerConfig) ServerOptions() *push.ServerOptions {
	return &push.ServerOptions{
		ServerAddr:         s.Addr,
		ServerReadTimeout:  s.ReadTimeout,
		ServerWriteTimeout: s.WriteTimeout,
		ServerIdleTimeout:  s.IdleTimeout,
		ShutdownTimeout:    s.ShutdownTimeout,
	}
}

// ClientOptions converts the redis section into go-redis client options.
func (r RedisConfig) ClientOptions() *redis.Options {
	return &redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	}
}

// Logger builds the process logger writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level

	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
