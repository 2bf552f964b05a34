// Package config loads the bridge's YAML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Defaults
const (
	DefaultRefreshInterval = 180
	DefaultScanInterval    = 30 * time.Second
	DefaultFanDuration     = 15 * time.Minute
	DefaultAPIPort         = 8081
	DefaultStreamInterval  = 2 * time.Second
	DefaultAuditPath       = "nest_web.db"
	DefaultLogLevel        = "info"

	DefaultMQTTBroker      = "tcp://localhost:1883"
	DefaultMQTTClientID    = "hass-nest-web"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultBaseTopic       = "nest_web"
)

// Config is the top-level configuration file.
type Config struct {
	NestWeb      NestWebConfig `yaml:"nest_web"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	API          APIConfig     `yaml:"api"`
	Audit        AuditConfig   `yaml:"audit"`
	LogLevel     string        `yaml:"log_level"`
}

// NestWebConfig configures the Nest account and refresh schedule.
type NestWebConfig struct {
	// RefreshInterval is in seconds. Values below the coordinator's floor are
	// replaced by its default at startup, not rejected here.
	RefreshInterval  int           `yaml:"refresh_interval"`
	Structure        StringList    `yaml:"structure"`
	RefreshToken     string        `yaml:"refresh_token"`
	RefreshTokenFile string        `yaml:"refresh_token_file"`
	FanDuration      time.Duration `yaml:"fan_duration"`
	Overrides        Overrides     `yaml:"overrides"`
}

// Overrides point the client at non-default endpoints.
type Overrides struct {
	BaseURL        string        `yaml:"base_url"`
	AuthURL        string        `yaml:"auth_url"`
	TokenURL       string        `yaml:"token_url"`
	ClientID       string        `yaml:"client_id"`
	UserAgent      string        `yaml:"user_agent"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MQTTConfig configures the Home Assistant MQTT connection.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
}

type APIConfig struct {
	Port           int           `yaml:"port"`
	StreamInterval time.Duration `yaml:"stream_interval"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

// StringList accepts either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path means environment and defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NEST_REFRESH_TOKEN"); v != "" {
		c.NestWeb.RefreshToken = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		c.API.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.NestWeb.RefreshInterval == 0 {
		c.NestWeb.RefreshInterval = DefaultRefreshInterval
	}
	if c.NestWeb.FanDuration == 0 {
		c.NestWeb.FanDuration = DefaultFanDuration
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultMQTTBroker
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultMQTTClientID
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = DefaultBaseTopic
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.API.StreamInterval == 0 {
		c.API.StreamInterval = DefaultStreamInterval
	}
	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.NestWeb.RefreshToken == "" && c.NestWeb.RefreshTokenFile == "" {
		errs = append(errs, errors.New("nest_web: refresh_token, refresh_token_file or NEST_REFRESH_TOKEN is required"))
	}
	if c.NestWeb.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("nest_web.refresh_interval: must not be negative, got %d", c.NestWeb.RefreshInterval))
	}
	if c.NestWeb.FanDuration < 0 {
		errs = append(errs, fmt.Errorf("nest_web.fan_duration: must not be negative, got %s", c.NestWeb.FanDuration))
	}
	for _, name := range c.NestWeb.Structure {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("nest_web.structure: names must not be empty"))
			break
		}
	}
	if c.ScanInterval < 0 {
		errs = append(errs, fmt.Errorf("scan_interval: must not be negative, got %s", c.ScanInterval))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port: %d is out of range", c.API.Port))
	}
	if c.API.StreamInterval < 0 {
		errs = append(errs, fmt.Errorf("api.stream_interval: must not be negative, got %s", c.API.StreamInterval))
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "+#") || strings.ContainsAny(c.MQTT.DiscoveryPrefix, "+#") {
		errs = append(errs, errors.New("mqtt: topics must not contain wildcards"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// RefreshInterval is the configured interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.NestWeb.RefreshInterval) * time.Second
}

// RefreshToken returns the inline token, or the trimmed contents of
// refresh_token_file when no inline token is set.
func (c *Config) RefreshToken() (string, error) {
	if c.NestWeb.RefreshToken != "" {
		return c.NestWeb.RefreshToken, nil
	}
	data, err := os.ReadFile(c.NestWeb.RefreshTokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("refresh token file %s is empty", c.NestWeb.RefreshTokenFile)
	}
	return token, nil
}

// Level parses LogLevel. Validate has already rejected bad values.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
