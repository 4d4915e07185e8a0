// Package config loads notara configuration from defaults, an optional
// notara.yaml, a .env file and NOTARA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dukerupert/notara/internal/backup"
	"github.com/dukerupert/notara/internal/email"
	"github.com/dukerupert/notara/internal/license"
	"github.com/dukerupert/notara/internal/push"
)

type Config struct {
	Port      string         `mapstructure:"port" validate:"required,numeric"`
	LogLevel  string         `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string         `mapstructure:"log_format" validate:"oneof=text json"`
	Origins   []string       `mapstructure:"allowed_origins"`
	Database  DatabaseConfig `mapstructure:"database"`
	License   LicenseConfig  `mapstructure:"license"`
	Push      PushConfig     `mapstructure:"push"`
	Backup    BackupConfig   `mapstructure:"backup"`
	Email     EmailConfig    `mapstructure:"email"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type LicenseConfig struct {
	Key           string        `mapstructure:"key"`
	ValidationURL string        `mapstructure:"validation_url" validate:"omitempty,url"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key" validate:"required_with=VAPIDPublicKey"`
	Subscriber      string `mapstructure:"subscriber" validate:"omitempty,email"`
}

// EmailConfig enables alert emails through Postmark when all fields are set.
type EmailConfig struct {
	PostmarkToken string `mapstructure:"postmark_token"`
	From          string `mapstructure:"from" validate:"required_with=PostmarkToken,omitempty,email"`
	To            string `mapstructure:"to" validate:"required_with=PostmarkToken,omitempty,email"`
}

type BackupConfig struct {
	RetentionDays int      `mapstructure:"retention_days" validate:"min=1"`
	S3            S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "notara.db")
	v.SetDefault("license.key", "")
	v.SetDefault("license.validation_url", "")
	v.SetDefault("license.check_interval", 24*time.Hour)
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")
	v.SetDefault("email.postmark_token", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.to", "")
	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.s3.endpoint", "")
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.region", "us-east-1")
	v.SetDefault("backup.s3.access_key", "")
	v.SetDefault("backup.s3.secret_key", "")
}

// Load reads configuration. configPath may be empty, in which case
// notara.yaml is looked up in the working directory. A missing file is not an
// error.
func Load(configPath string) (*Config, error) {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("notara")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NOTARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (c *Config) LicenseConfig() license.Config {
	return license.Config{
		Key:           c.License.Key,
		ValidationURL: c.License.ValidationURL,
		CheckInterval: c.License.CheckInterval,
	}
}

func (c *Config) PushConfig() push.Config {
	return push.Config{
		VAPIDPublicKey:  c.Push.VAPIDPublicKey,
		VAPIDPrivateKey: c.Push.VAPIDPrivateKey,
		Subscriber:      c.Push.Subscriber,
	}
}

func (c *Config) S3Config() backup.S3Config {
	return backup.S3Config{
		Endpoint:  c.Backup.S3.Endpoint,
		Bucket:    c.Backup.S3.Bucket,
		Region:    c.Backup.S3.Region,
		AccessKey: c.Backup.S3.AccessKey,
		SecretKey: c.Backup.S3.SecretKey,
	}
}

func (c *Config) EmailConfig() email.Config {
	return email.Config{
		ServerToken: c.Email.PostmarkToken,
		From:        c.Email.From,
		To:          c.Email.To,
	}
}
