// Package config loads server configuration from a YAML file and
// CUMULUS_* environment variables via viper, validated with
// go-playground/validator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Trash   TrashConfig   `mapstructure:"trash"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr" validate:"required"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size" validate:"gt=0"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
}

// AuthConfig holds token verification settings. Token issuance lives in the
// external auth service; this server only verifies.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required"`
}

// DBConfig holds metadata store settings.
type DBConfig struct {
	URL           string `mapstructure:"url" validate:"required"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend    string        `mapstructure:"backend" validate:"required,oneof=s3 local"`
	PresignTTL time.Duration `mapstructure:"presign_ttl" validate:"gt=0"`
	OpTimeout  time.Duration `mapstructure:"op_timeout" validate:"gt=0"`

	S3    S3Config    `mapstructure:"s3"`
	Local LocalConfig `mapstructure:"local"`
}

// S3Config holds S3/MinIO backend settings. Only used when backend = "s3".
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
}

// LocalConfig holds local filesystem backend settings. Only used when
// backend = "local".
type LocalConfig struct {
	RootPath string `mapstructure:"root_path"`
}

// QuotaConfig holds per-user quota defaults applied on first touch.
type QuotaConfig struct {
	DefaultLimitBytes int64 `mapstructure:"default_limit_bytes" validate:"gte=0"`
}

// TrashConfig controls the trash reaper.
type TrashConfig struct {
	DefaultRetentionDays int           `mapstructure:"default_retention_days" validate:"gt=0"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// Load reads configuration from an optional file path plus CUMULUS_*
// environment variables and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.max_upload_size", int64(1<<30)) // 1 GiB
	v.SetDefault("server.rate_limit_per_min", 240)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("db.migrations_dir", "migrations")
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.presign_ttl", 15*time.Minute)
	v.SetDefault("storage.op_timeout", 60*time.Second)
	v.SetDefault("storage.s3.endpoint", "http://localhost:9000")
	v.SetDefault("storage.s3.bucket", "cumulus")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.local.root_path", "/data/storage")
	v.SetDefault("quota.default_limit_bytes", int64(10<<30)) // 10 GiB
	v.SetDefault("trash.default_retention_days", 30)
	v.SetDefault("trash.sweep_interval", 24*time.Hour)

	v.SetEnvPrefix("CUMULUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural constraints plus the cross-field rules the
// struct tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch cfg.Storage.Backend {
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("invalid configuration: storage.s3.bucket is required for the s3 backend")
		}
	case "local":
		if cfg.Storage.Local.RootPath == "" {
			return fmt.Errorf("invalid configuration: storage.local.root_path is required for the local backend")
		}
	}

	return nil
}
