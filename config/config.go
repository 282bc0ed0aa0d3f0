package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pulsefeed/models"
)

// Duration is a time.Duration that unmarshals from YAML scalars written
// either as Go duration strings ("500ms", "30s") or as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", value.Line)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Pulsefeed     PulsefeedConfig     `yaml:"pulsefeed"`
	Stream        StreamConfig        `yaml:"stream"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Backoff       BackoffConfig       `yaml:"backoff"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type PulsefeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StreamConfig struct {
	URL              string   `yaml:"url"`
	Channels         []string `yaml:"channels"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

type ChannelsConfig struct {
	FrameBuffer int `yaml:"frame_buffer"`
	EventBuffer int `yaml:"event_buffer"`
}

type BackoffConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Multiplier  int      `yaml:"multiplier"`
}

type NotificationsConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Sound           bool            `yaml:"sound"`
	Desktop         bool            `yaml:"desktop"`
	Filters         map[string]bool `yaml:"filters"`
	MaxStored       int             `yaml:"max_stored"`
	AlertsPerSecond float64         `yaml:"alerts_per_second"`
	AlertBurst      int             `yaml:"alert_burst"`
}

type ArchiveConfig struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

// defaultConfig carries every value that must survive a partial YAML file.
func defaultConfig() Config {
	return Config{
		Pulsefeed: PulsefeedConfig{
			Name:    "pulsefeed",
			Version: "dev",
		},
		Stream: StreamConfig{
			URL:              "ws://localhost:8000/ws",
			Channels:         models.DefaultChannels(),
			HandshakeTimeout: Duration(10 * time.Second),
		},
		Channels: ChannelsConfig{
			FrameBuffer: 256,
			EventBuffer: 64,
		},
		Backoff: BackoffConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			Multiplier:  2,
		},
		Notifications: NotificationsConfig{
			Enabled:         true,
			Sound:           true,
			Desktop:         false,
			MaxStored:       200,
			AlertsPerSecond: 1,
			AlertBurst:      3,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			FlushInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads the YAML configuration at path, applies defaults for
// anything the file omits and environment overrides on top, then validates
// the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deploy environments redirect the stream endpoint
// and supply AWS settings without editing the config file.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("PULSEFEED_WS_URL"); v != "" {
		config.Stream.URL = strings.TrimSpace(v)
	}
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(config *Config) error {
	parsed, err := url.Parse(config.Stream.URL)
	if err != nil {
		return fmt.Errorf("invalid stream url %q: %w", config.Stream.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("stream url %q must use ws or wss scheme", config.Stream.URL)
	}
	if len(config.Stream.Channels) == 0 {
		return fmt.Errorf("stream channels must not be empty")
	}
	for _, ch := range config.Stream.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("stream channels must not contain blank names")
		}
	}

	if config.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("backoff max_attempts must be positive")
	}
	if config.Backoff.BaseDelay <= 0 {
		return fmt.Errorf("backoff base_delay must be positive")
	}
	if config.Backoff.MaxDelay < config.Backoff.BaseDelay {
		return fmt.Errorf("backoff max_delay must be >= base_delay")
	}
	if config.Backoff.Multiplier < 2 {
		return fmt.Errorf("backoff multiplier must be >= 2")
	}

	if config.Notifications.MaxStored <= 0 {
		return fmt.Errorf("notifications max_stored must be positive")
	}
	if config.Notifications.AlertsPerSecond <= 0 {
		return fmt.Errorf("notifications alerts_per_second must be positive")
	}
	if config.Notifications.AlertBurst <= 0 {
		return fmt.Errorf("notifications alert_burst must be positive")
	}

	if config.Archive.Enabled {
		config.Archive.S3.Bucket = strings.TrimSpace(config.Archive.S3.Bucket)
		if !isValidS3Bucket(config.Archive.S3.Bucket) {
			return fmt.Errorf("invalid s3 bucket name %q", config.Archive.S3.Bucket)
		}
		if config.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive flush_interval must be positive")
		}
	}

	return nil
}

var s3BucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// isValidS3Bucket applies the subset of the S3 naming rules that matter
// before the first request: length, charset, and no empty labels.
func isValidS3Bucket(name string) bool {
	if !s3BucketPattern.MatchString(name) {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
