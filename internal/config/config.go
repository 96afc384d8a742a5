package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. Values come from an optional YAML
// file first and can then be overridden via env vars.
type Config struct {
	Debug      bool   `yaml:"debug"`
	ServerPort string `yaml:"server_port"`

	Backend   BackendConfig        `yaml:"backend"`
	Reconnect ReconnectConfig      `yaml:"reconnect"`
	Roads     RoadsConfig          `yaml:"roads"`
	History   HistoryConfig        `yaml:"history"`
	Admin     AdminConfig          `yaml:"admin"`
	Redis     RedisConfig          `yaml:"redis"`
	NATS      NATSConfig           `yaml:"nats"`
	MQTT      MQTTConfig           `yaml:"mqtt"`
	Threshold map[string]Threshold `yaml:"thresholds"`
}

// BackendConfig points at the detection backend.
type BackendConfig struct {
	HTTPURL    string `yaml:"http_url"`
	WSURL      string `yaml:"ws_url"`
	RoadsPath  string `yaml:"roads_path"`
	StatsPath  string `yaml:"stats_path"`
	FramesPath string `yaml:"frames_path"`
	AuthToken  string `yaml:"auth_token"`
	Timeout    string `yaml:"timeout"`
}

// ReconnectConfig bounds the per-endpoint retry loop.
type ReconnectConfig struct {
	// MaxAttempts is nil when unset; an explicit 0 disables reconnects.
	MaxAttempts   *int   `yaml:"max_attempts"`
	RetryDelay    string `yaml:"retry_delay"`
	MaxRetryDelay string `yaml:"max_retry_delay"`
}

type RoadsConfig struct {
	RefreshInterval string `yaml:"refresh_interval"`
}

type HistoryConfig struct {
	Size int `yaml:"size"`
}

// AdminConfig enables the authenticated resource-metrics channel.
type AdminConfig struct {
	Token       string `yaml:"token"`
	Path        string `yaml:"path"`
	MaxAttempts *int   `yaml:"max_attempts"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	Channel   string `yaml:"channel"`
	KeyPrefix string `yaml:"key_prefix"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// Threshold classifies a road's density and speed.
// V is the average speed limit, C1 the busy count and C2 the congested count.
type Threshold struct {
	V  float64 `yaml:"v" json:"v"`
	C1 int     `yaml:"c1" json:"c1"`
	C2 int     `yaml:"c2" json:"c2"`
}

// MaxHistorySize is the upper bound on the rolling history window.
const MaxHistorySize = 60

// DefaultThreshold applies to roads without their own entry.
var DefaultThreshold = Threshold{V: 15, C1: 15, C2: 25}

// Load reads the YAML file at path (if any), applies env overrides and defaults and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEBUG"); v != "" {
		c.Debug = v == "true" || v == "1"
	}
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	c.Backend.HTTPURL = getEnv("BACKEND_HTTP_URL", c.Backend.HTTPURL)
	c.Backend.WSURL = getEnv("BACKEND_WS_URL", c.Backend.WSURL)
	c.Backend.AuthToken = getEnv("AUTH_TOKEN", c.Backend.AuthToken)
	c.Admin.Token = getEnv("ADMIN_TOKEN", c.Admin.Token)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Channel = getEnv("REDIS_CHANNEL", c.Redis.Channel)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	if v := os.Getenv("MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.MaxAttempts = &n
		}
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.ServerPort, ":8080")
	setDefault(&c.Backend.HTTPURL, "http://localhost:8000")
	if c.Backend.WSURL == "" {
		c.Backend.WSURL = wsFromHTTP(c.Backend.HTTPURL)
	}
	setDefault(&c.Backend.RoadsPath, "/api/v1/roads_name")
	setDefault(&c.Backend.StatsPath, "/api/v1/ws/info/")
	setDefault(&c.Backend.FramesPath, "/api/v1/ws/frames/")
	setDefault(&c.Backend.Timeout, "5s")
	setDefaultInt(&c.Reconnect.MaxAttempts, 10)
	setDefault(&c.Reconnect.RetryDelay, "3s")
	setDefault(&c.Reconnect.MaxRetryDelay, c.Reconnect.RetryDelay)
	setDefault(&c.Roads.RefreshInterval, "0s")
	if c.History.Size == 0 {
		c.History.Size = MaxHistorySize
	}
	setDefault(&c.Admin.Path, "/api/v1/admin/ws/resources")
	setDefaultInt(&c.Admin.MaxAttempts, 10)
	setDefault(&c.Redis.Addr, "localhost:6379")
	setDefault(&c.Redis.Channel, "traffic_channel")
	setDefault(&c.Redis.KeyPrefix, "road:")
	setDefault(&c.NATS.URL, "nats://localhost:4222")
	setDefault(&c.NATS.Subject, "traffic.snapshots")
	setDefault(&c.MQTT.Broker, "localhost:1883")
	setDefault(&c.MQTT.ClientID, "trafficwatch")
	setDefault(&c.MQTT.Topic, "traffic/roads")
}

// Validate checks durations and bounds.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"backend.timeout":           c.Backend.Timeout,
		"reconnect.retry_delay":     c.Reconnect.RetryDelay,
		"reconnect.max_retry_delay": c.Reconnect.MaxRetryDelay,
		"roads.refresh_interval":    c.Roads.RefreshInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
		}
	}
	if c.RetryDelay() <= 0 {
		errs = append(errs, errors.New("reconnect.retry_delay must be a positive duration"))
	}
	if c.MaxRetryDelay() < c.RetryDelay() {
		errs = append(errs, errors.New("reconnect.max_retry_delay must not be below retry_delay"))
	}
	if c.MaxReconnectAttempts() < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if c.AdminMaxAttempts() < 0 {
		errs = append(errs, errors.New("admin.max_attempts must not be negative"))
	}
	if c.History.Size < 1 || c.History.Size > MaxHistorySize {
		errs = append(errs, fmt.Errorf("history.size must be between 1 and %d", MaxHistorySize))
	}
	return errors.Join(errs...)
}

// MaxReconnectAttempts is the per-channel retry budget after defaults.
func (c *Config) MaxReconnectAttempts() int { return derefInt(c.Reconnect.MaxAttempts) }

// AdminMaxAttempts is the admin channel's retry budget after defaults.
func (c *Config) AdminMaxAttempts() int { return derefInt(c.Admin.MaxAttempts) }

func (c *Config) RetryDelay() time.Duration     { return mustDuration(c.Reconnect.RetryDelay) }
func (c *Config) MaxRetryDelay() time.Duration  { return mustDuration(c.Reconnect.MaxRetryDelay) }
func (c *Config) BackendTimeout() time.Duration { return mustDuration(c.Backend.Timeout) }
func (c *Config) RoadsRefresh() time.Duration   { return mustDuration(c.Roads.RefreshInterval) }
func (c *Config) RoadsURL() string              { return joinURL(c.Backend.HTTPURL, c.Backend.RoadsPath) }
func (c *Config) StatsBase() string             { return joinURL(c.Backend.WSURL, c.Backend.StatsPath) }
func (c *Config) FramesBase() string            { return joinURL(c.Backend.WSURL, c.Backend.FramesPath) }
func (c *Config) AdminURL() string              { return joinURL(c.Backend.WSURL, c.Admin.Path) }

// ThresholdFor returns the configured threshold for a road, or DefaultThreshold.
func (c *Config) ThresholdFor(road string) Threshold {
	if t, ok := c.Threshold[road]; ok {
		return t
	}
	return DefaultThreshold
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setDefaultInt(dst **int, v int) {
	if *dst == nil {
		*dst = &v
	}
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func wsFromHTTP(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
