// Package config provides configuration management for SweetLink.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of sweetlink.json
type Config struct {
	Daemon    DaemonConfig    `json:"daemon" yaml:"daemon" mapstructure:"daemon"`
	Secret    SecretConfig    `json:"secret" yaml:"secret" mapstructure:"secret"`
	Session   SessionConfig   `json:"session" yaml:"session" mapstructure:"session"`
	Client    ClientConfig    `json:"client" yaml:"client" mapstructure:"client"`
	Codenames CodenamesConfig `json:"codenames" yaml:"codenames" mapstructure:"codenames"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
}

type DaemonConfig struct {
	Host      string `json:"host" yaml:"host" mapstructure:"host"`
	Port      int    `json:"port" yaml:"port" mapstructure:"port"`
	PublicURL string `json:"publicUrl" yaml:"publicUrl" mapstructure:"publicUrl"`
	WSPath    string `json:"wsPath" yaml:"wsPath" mapstructure:"wsPath"`
}

type SecretConfig struct {
	Path       string `json:"path" yaml:"path" mapstructure:"path"`
	AutoCreate bool   `json:"autoCreate" yaml:"autoCreate" mapstructure:"autoCreate"`
}

type SessionConfig struct {
	HeartbeatIntervalMs  int `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs" mapstructure:"heartbeatIntervalMs"`
	HeartbeatToleranceMs int `json:"heartbeatToleranceMs" yaml:"heartbeatToleranceMs" mapstructure:"heartbeatToleranceMs"`
	GraceMs              int `json:"graceMs" yaml:"graceMs" mapstructure:"graceMs"`
	CommandTimeoutMs     int `json:"commandTimeoutMs" yaml:"commandTimeoutMs" mapstructure:"commandTimeoutMs"`
	RegisterTimeoutMs    int `json:"registerTimeoutMs" yaml:"registerTimeoutMs" mapstructure:"registerTimeoutMs"`
}

type ClientConfig struct {
	ReconnectBaseDelayMs int    `json:"reconnectBaseDelayMs" yaml:"reconnectBaseDelayMs" mapstructure:"reconnectBaseDelayMs"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts" mapstructure:"maxReconnectAttempts"`
	StatePath            string `json:"statePath" yaml:"statePath" mapstructure:"statePath"`
}

type CodenamesConfig struct {
	Backend     string `json:"backend" yaml:"backend" mapstructure:"backend"`
	Path        string `json:"path" yaml:"path" mapstructure:"path"`
	RedisAddr   string `json:"redisAddr" yaml:"redisAddr" mapstructure:"redisAddr"`
	RedisPrefix string `json:"redisPrefix" yaml:"redisPrefix" mapstructure:"redisPrefix"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}

// Duration helpers keep the millisecond keys readable in the JSON file.

func (s SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

func (s SessionConfig) HeartbeatTolerance() time.Duration {
	return time.Duration(s.HeartbeatToleranceMs) * time.Millisecond
}

func (s SessionConfig) Grace() time.Duration {
	return time.Duration(s.GraceMs) * time.Millisecond
}

func (s SessionConfig) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutMs) * time.Millisecond
}

func (s SessionConfig) RegisterTimeout() time.Duration {
	return time.Duration(s.RegisterTimeoutMs) * time.Millisecond
}

func (c ClientConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// Addr returns the host:port the daemon listens on.
func (d DaemonConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// BaseURL returns the HTTP origin operators use to reach the daemon.
func (d DaemonConfig) BaseURL() string {
	if d.PublicURL != "" {
		u := strings.TrimRight(d.PublicURL, "/")
		u = strings.Replace(u, "wss://", "https://", 1)
		return strings.Replace(u, "ws://", "http://", 1)
	}
	return "http://" + d.Addr()
}

// SocketURL returns the websocket URL handed to pages during handshake.
func (d DaemonConfig) SocketURL() string {
	base := d.BaseURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + d.WSPath
}

// StateDir returns the SweetLink state directory path.
// Can be overridden via SWEETLINK_STATE_DIR environment variable.
// Default: ~/.sweetlink
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("SWEETLINK_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".sweetlink"
	}
	return filepath.Join(home, ".sweetlink")
}

// ConfigPath returns the default config file path.
// Can be overridden via SWEETLINK_CONFIG_PATH environment variable.
// Default: ~/.sweetlink/sweetlink.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("SWEETLINK_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "sweetlink.json")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance.
// A missing config file is reported as ErrConfigNotFound together with a
// usable instance carrying defaults and environment overrides.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath := strings.TrimSpace(os.Getenv("SWEETLINK_CONFIG_PATH")); configPath != "" {
		expandedPath := expandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("sweetlink")
			v.AddConfigPath(expandedPath)
		} else {
			v.SetConfigFile(expandedPath)
		}
	} else {
		v.SetConfigName("sweetlink")
		v.SetConfigType("json")
		v.AddConfigPath(StateDir())
	}

	v.SetEnvPrefix("SWEETLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return v, ErrConfigNotFound
		}
		return nil, err
	}

	return v, nil
}

// Load reads the configuration from file or environment variables. Defaults
// apply when no config file exists.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Secret.Path = expandPath(cfg.Secret.Path)
	cfg.Client.StatePath = expandPath(cfg.Client.StatePath)
	cfg.Codenames.Path = expandPath(cfg.Codenames.Path)

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	state := StateDir()

	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 4455)
	v.SetDefault("daemon.publicUrl", "")
	v.SetDefault("daemon.wsPath", "/bridge")

	v.SetDefault("secret.path", filepath.Join(state, "secret.key"))
	v.SetDefault("secret.autoCreate", true)

	v.SetDefault("session.heartbeatIntervalMs", 5000)
	v.SetDefault("session.heartbeatToleranceMs", 45000)
	v.SetDefault("session.graceMs", 60000)
	v.SetDefault("session.commandTimeoutMs", 30000)
	v.SetDefault("session.registerTimeoutMs", 10000)

	v.SetDefault("client.reconnectBaseDelayMs", 1500)
	v.SetDefault("client.maxReconnectAttempts", 5)
	v.SetDefault("client.statePath", filepath.Join(state, "client-session.json"))

	v.SetDefault("codenames.backend", "file")
	v.SetDefault("codenames.path", filepath.Join(state, "session-codenames.json"))
	v.SetDefault("codenames.redisAddr", "127.0.0.1:6379")
	v.SetDefault("codenames.redisPrefix", "sweetlink:codenames:")

	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.rps", 20)
	v.SetDefault("rateLimit.burst", 40)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Save saves the configuration to the config file.
// Uses ConfigPath() for consistency with Load() - defaults to ~/.sweetlink/sweetlink.json
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port %d is out of range", c.Daemon.Port)
	}
	if !strings.HasPrefix(c.Daemon.WSPath, "/") {
		return fmt.Errorf("daemon.wsPath must start with '/', got %q", c.Daemon.WSPath)
	}

	durations := map[string]int{
		"session.heartbeatIntervalMs":  c.Session.HeartbeatIntervalMs,
		"session.heartbeatToleranceMs": c.Session.HeartbeatToleranceMs,
		"session.commandTimeoutMs":     c.Session.CommandTimeoutMs,
		"session.registerTimeoutMs":    c.Session.RegisterTimeoutMs,
		"client.reconnectBaseDelayMs":  c.Client.ReconnectBaseDelayMs,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, value)
		}
	}
	if c.Session.GraceMs < 0 {
		return fmt.Errorf("session.graceMs must not be negative, got %d", c.Session.GraceMs)
	}

	switch c.Codenames.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("codenames.backend must be 'file' or 'redis', got %q", c.Codenames.Backend)
	}

	return nil
}
