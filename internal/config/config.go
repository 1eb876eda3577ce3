// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Fees     FeeConfig      `mapstructure:"fees"`
	Transfer TransferConfig `mapstructure:"transfer"`
	LogLevel string         `mapstructure:"log_level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the idempotency store settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the notification event topic settings.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// OracleConfig holds price oracle client settings.
type OracleConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FeeConfig holds the fee schedule.
type FeeConfig struct {
	// Bps is the commission in basis points of notional.
	Bps int64 `mapstructure:"bps"`
	// Minimum is the per-fill floor, as a decimal string.
	Minimum string `mapstructure:"minimum"`
}

// TransferConfig holds fund transfer settings.
type TransferConfig struct {
	// DestinationTimeLock is the mandatory delay after destination approval
	// before withdrawals to it are permitted.
	DestinationTimeLock time.Duration `mapstructure:"destination_time_lock"`
	SettlementTimeout   time.Duration `mapstructure:"settlement_timeout"`
	// IdempotencyWindow bounds the replay window for order and transfer keys.
	IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
}

// Load reads configuration from an optional config file and the environment.
// Environment variables use the BROKERAGE_ prefix with underscores, e.g.
// BROKERAGE_DATABASE_DSN.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.dsn", "host=localhost user=brokerage dbname=brokerage sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "brokerage.notifications")
	v.SetDefault("oracle.base_url", "http://localhost:9000")
	v.SetDefault("oracle.timeout", 2*time.Second)
	v.SetDefault("fees.bps", 10)
	v.SetDefault("fees.minimum", "0.99")
	v.SetDefault("transfer.destination_time_lock", 24*time.Hour)
	v.SetDefault("transfer.settlement_timeout", 5*time.Second)
	v.SetDefault("transfer.idempotency_window", 24*time.Hour)
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/brokerage")

	v.SetEnvPrefix("BROKERAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
