// Package config loads relay configuration from defaults, an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
// A double underscore separates nested keys: RELAY_QUEUE__POLL_INTERVAL.
const EnvPrefix = "RELAY_"

// Config is the complete relay configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Log          LogConfig          `koanf:"log"`
	Auth         AuthConfig         `koanf:"auth"`
	CORS         CORSConfig         `koanf:"cors"`
	Queue        QueueConfig        `koanf:"queue"`
	Campaigns    CampaignsConfig    `koanf:"campaigns"`
	Sessions     SessionsConfig     `koanf:"sessions"`
	Webhooks     WebhooksConfig     `koanf:"webhooks"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Housekeeping HousekeepingConfig `koanf:"housekeeping"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

// LogConfig configures the process logger. File enables a rotated log file next to stdout.
type LogConfig struct {
	Level      string `koanf:"level" validate:"oneof=debug info warn error"`
	Format     string `koanf:"format" validate:"oneof=text json"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// AuthConfig holds the key used to verify API bearer tokens.
type AuthConfig struct {
	SecretKey string `koanf:"secret_key" validate:"required,min=16"`
	Issuer    string `koanf:"issuer"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// QueueConfig configures the outbound queue worker.
type QueueConfig struct {
	Enabled        bool          `koanf:"enabled"`
	PollInterval   time.Duration `koanf:"poll_interval" validate:"gt=0"`
	BatchSize      int           `koanf:"batch_size" validate:"min=1"`
	MaxRetries     int           `koanf:"max_retries" validate:"min=1"`
	BaseBackoff    time.Duration `koanf:"base_backoff" validate:"gt=0"`
	SendTimeout    time.Duration `koanf:"send_timeout" validate:"gt=0"`
	LastErrorLimit int           `koanf:"last_error_limit" validate:"min=1"`
}

// CampaignsConfig configures the campaign dispatcher.
type CampaignsConfig struct {
	Enabled          bool          `koanf:"enabled"`
	PollInterval     time.Duration `koanf:"poll_interval" validate:"gt=0"`
	BatchSize        int           `koanf:"batch_size" validate:"min=1"`
	DefaultChannelID int64         `koanf:"default_channel_id"`
}

// SessionsConfig configures channel sessions and their transports.
type SessionsConfig struct {
	RestoreOnStart  bool             `koanf:"restore_on_start"`
	PairingTTL      time.Duration    `koanf:"pairing_ttl" validate:"gt=0"`
	SendRate        float64          `koanf:"send_rate" validate:"gt=0"`
	SendBurst       int              `koanf:"send_burst" validate:"min=1"`
	BreakerFailures uint32           `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration    `koanf:"breaker_timeout" validate:"gt=0"`
	RedialBase      time.Duration    `koanf:"redial_base" validate:"gt=0"`
	RedialMax       time.Duration    `koanf:"redial_max" validate:"gtefield=RedialBase"`
	AuthStatePath   string           `koanf:"auth_state_path" validate:"required"`
	DeviceLink      DeviceLinkConfig `koanf:"device_link"`
	CloudAPI        CloudAPIConfig   `koanf:"cloud_api"`
}

// DeviceLinkConfig configures the device-link gateway client.
type DeviceLinkConfig struct {
	GatewayURL       string        `koanf:"gateway_url"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
}

// CloudAPIConfig configures the token-based channel API client.
type CloudAPIConfig struct {
	BaseURL string        `koanf:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// WebhooksConfig configures integration event delivery.
type WebhooksConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	Workers   int           `koanf:"workers" validate:"min=1"`
	QueueSize int           `koanf:"queue_size" validate:"min=1"`
}

// SecretsConfig holds the key protecting stored credentials, base64 encoded.
type SecretsConfig struct {
	Key string `koanf:"key" validate:"required"`
}

// HousekeepingConfig configures the maintenance tick.
type HousekeepingConfig struct {
	Interval   time.Duration `koanf:"interval" validate:"gt=0"`
	StuckAfter time.Duration `koanf:"stuck_after" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrateOnStart:  true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Queue: QueueConfig{
			Enabled:        true,
			PollInterval:   2 * time.Second,
			BatchSize:      10,
			MaxRetries:     5,
			BaseBackoff:    30 * time.Second,
			SendTimeout:    15 * time.Second,
			LastErrorLimit: 500,
		},
		Campaigns: CampaignsConfig{
			Enabled:      true,
			PollInterval: time.Minute,
			BatchSize:    50,
		},
		Sessions: SessionsConfig{
			RestoreOnStart:  true,
			PairingTTL:      60 * time.Second,
			SendRate:        1,
			SendBurst:       5,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			RedialBase:      time.Second,
			RedialMax:       time.Minute,
			AuthStatePath:   "data/authstate.db",
			DeviceLink: DeviceLinkConfig{
				HandshakeTimeout: 10 * time.Second,
				PingInterval:     30 * time.Second,
			},
			CloudAPI: CloudAPIConfig{
				BaseURL: "https://graph.facebook.com/v19.0",
				Timeout: 10 * time.Second,
			},
		},
		Webhooks: WebhooksConfig{
			Enabled:   true,
			Timeout:   5 * time.Second,
			Workers:   4,
			QueueSize: 256,
		},
		Housekeeping: HousekeepingConfig{
			Interval:   time.Minute,
			StuckAfter: 5 * time.Minute,
		},
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PathFromEnv returns the config file path set through the environment, if any.
func PathFromEnv() string {
	return os.Getenv(EnvPrefix + "CONFIG")
}

// Validate checks field constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
