package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Verification VerificationConfig `mapstructure:"verification"`
	Ingestion    IngestionConfig    `mapstructure:"ingestion"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ConnString builds the postgres connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type NATSConfig struct {
	URL        string `mapstructure:"url"`
	DLQEnabled bool   `mapstructure:"dlq_enabled"`
}

type VerificationConfig struct {
	// Disabled turns signature verification off for local and test
	// environments; every envelope is then treated as verified.
	Disabled bool `mapstructure:"disabled"`

	// CertHostSuffix is the required signing certificate host suffix.
	CertHostSuffix string `mapstructure:"cert_host_suffix"`

	// CertFetchTimeout bounds the certificate fetch.
	CertFetchTimeout time.Duration `mapstructure:"cert_fetch_timeout"`
}

type IngestionConfig struct {
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8092)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "trailmail")
	v.SetDefault("database.password", "trailmail-dev")
	v.SetDefault("database.database", "trailmail")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.dlq_enabled", false)
	v.SetDefault("verification.disabled", false)
	v.SetDefault("verification.cert_host_suffix", ".amazonaws.com")
	v.SetDefault("verification.cert_fetch_timeout", "10s")
	v.SetDefault("ingestion.rate_limit_enabled", false)
	v.SetDefault("ingestion.rate_limit_requests", 600)
	v.SetDefault("ingestion.rate_limit_window", "1m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/trailmail")
	}

	// Environment variables override
	v.SetEnvPrefix("TRAILMAIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
