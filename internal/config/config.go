// Package config handles configuration loading and validation for the
// share-statistics pipeline.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Role selects which of the pipeline's independently-runnable processes
// this binary instance plays.
type Role string

const (
	RoleCombined Role = "combined"
	RoleWriter   Role = "writer"
	RoleLive     Role = "live"
	RoleParser   Role = "parser"
)

// Config holds all configuration for the pipeline.
type Config struct {
	Role       Role             `mapstructure:"role"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	HTTPD      HTTPDConfig      `mapstructure:"httpd"`
	DataDir    string           `mapstructure:"data_dir"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Flush      FlushConfig      `mapstructure:"flush"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	Log        LogConfig        `mapstructure:"log"`
}

// KafkaConfig defines message-log transport settings.
type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	ShareLogTopic      string   `mapstructure:"sharelog_topic"`
	CommonEventsTopic  string   `mapstructure:"common_events_topic"`
	ShareLogTailK      int64    `mapstructure:"sharelog_tail_k"`
	CommonEventsTailK  int64    `mapstructure:"common_events_tail_k"`
	FetchWaitMaxMS      int     `mapstructure:"fetch_wait_max_ms"`
	WriterGroupID      string   `mapstructure:"writer_group_id"`
	LiveGroupID        string   `mapstructure:"live_group_id"`
}

// HTTPDConfig defines the query-endpoint HTTP listener.
type HTTPDConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MySQLConfig defines relational store settings.
type MySQLConfig struct {
	DSN              string `mapstructure:"dsn"`
	MaxOpenConns     int    `mapstructure:"max_open_conns"`
	MaxAllowedPacket int    `mapstructure:"max_allowed_packet_mb"`
}

// RedisConfig defines key/value store settings.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	Concurrency    int    `mapstructure:"concurrency"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	KeyExpire      int    `mapstructure:"key_expire"`
	PublishPolicy  int    `mapstructure:"publish_policy"`
	IndexPolicy    int    `mapstructure:"index_policy"`
}

// Publish policy bits, OR'd together in redis.publish_policy to select
// which pub/sub channels a worker update also publishes to.
const (
	PublishWorkerUpdate = 1 << 0
	PublishUserUpdate   = 1 << 1
)

// FlushConfig defines the flush and expiry-sweep cadences.
type FlushConfig struct {
	DBInterval          time.Duration `mapstructure:"db_interval"`
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
	LastFlushTimeFile   string        `mapstructure:"last_flush_time_file"`
}

// ProfilingConfig defines the pprof debug listener.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pool-stats")
	}

	v.SetEnvPrefix("POOL_STATS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", "combined")

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.sharelog_topic", "sharelog")
	v.SetDefault("kafka.common_events_topic", "common_events")
	v.SetDefault("kafka.sharelog_tail_k", 36000000)
	v.SetDefault("kafka.common_events_tail_k", 100000)
	v.SetDefault("kafka.fetch_wait_max_ms", 200)
	v.SetDefault("kafka.writer_group_id", "sharelog-writer")
	v.SetDefault("kafka.live_group_id", "live-stats-server")

	v.SetDefault("httpd.host", "0.0.0.0")
	v.SetDefault("httpd.port", 8080)

	v.SetDefault("data_dir", "./data")

	v.SetDefault("mysql.max_open_conns", 16)
	v.SetDefault("mysql.max_allowed_packet_mb", 16)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.concurrency", 4)
	v.SetDefault("redis.key_prefix", "pool_stats:")
	v.SetDefault("redis.key_expire", 0)
	v.SetDefault("redis.publish_policy", 0)
	v.SetDefault("redis.index_policy", 0)

	v.SetDefault("flush.db_interval", "30s")
	v.SetDefault("flush.expiry_sweep_interval", "30m")
	v.SetDefault("flush.last_flush_time_file", "./flush_db_time.txt")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleCombined, RoleWriter, RoleLive, RoleParser:
	default:
		return fmt.Errorf("role must be one of combined|writer|live|parser, got %q", c.Role)
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.NeedsMySQL() && c.MySQL.DSN == "" {
		return fmt.Errorf("mysql.dsn is required for role %q", c.Role)
	}

	if c.MySQL.MaxAllowedPacket < 16 {
		return fmt.Errorf("mysql.max_allowed_packet_mb must be >= 16, got %d", c.MySQL.MaxAllowedPacket)
	}

	if c.NeedsRedis() && c.Redis.Concurrency < 1 {
		return fmt.Errorf("redis.concurrency must be >= 1, got %d", c.Redis.Concurrency)
	}

	if c.Flush.DBInterval <= 0 {
		return fmt.Errorf("flush.db_interval must be positive")
	}

	return nil
}

// NeedsMySQL reports whether this role's components talk to the relational store.
func (c *Config) NeedsMySQL() bool {
	return c.Role == RoleCombined || c.Role == RoleLive || c.Role == RoleParser
}

// NeedsRedis reports whether this role's components talk to the key/value store.
func (c *Config) NeedsRedis() bool {
	return c.Role == RoleCombined || c.Role == RoleLive
}

// NeedsWriter reports whether this role runs the sharelog writer.
func (c *Config) NeedsWriter() bool {
	return c.Role == RoleCombined || c.Role == RoleWriter
}

// NeedsLive reports whether this role runs the live-stats server.
func (c *Config) NeedsLive() bool {
	return c.Role == RoleCombined || c.Role == RoleLive
}

// NeedsParser reports whether this role runs the parser/aggregator server.
func (c *Config) NeedsParser() bool {
	return c.Role == RoleCombined || c.Role == RoleParser
}

// HTTPDAddr returns the combined listen address for the query endpoints.
func (c *Config) HTTPDAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPD.Host, c.HTTPD.Port)
}
