package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

const (
	ServiceName = "allocation"
	envPrefix   = "ALLOCATION"
)

const (
	PublisherRedis = "redis"
	PublisherKafka = "kafka"
	PublisherLog   = "log"
)

type Config struct {
	HTTP          HTTPConfig          `mapstructure:"http"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Publisher     PublisherConfig     `mapstructure:"publisher"`
	SMTP          SMTPConfig          `mapstructure:"smtp"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Log           LogConfig           `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	PoolSize int    `mapstructure:"pool_size"`
	Consume  bool   `mapstructure:"consume"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type NotificationsConfig struct {
	StockAlertsTo string `mapstructure:"stock_alerts_to"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "root")
	v.SetDefault("database.name", "allocation")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.consume", true)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("publisher.backend", PublisherRedis)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.from", "allocations@example.com")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("notifications.stock_alerts_to", "stock@made.com")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("retry.max_interval", 2*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads defaults, then the optional file at path, then ALLOCATION_*
// environment variables (e.g. ALLOCATION_DATABASE_DRIVER).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Publisher.Backend {
	case PublisherRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis publisher")
		}
	case PublisherKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required for the kafka publisher")
		}
	case PublisherLog:
	default:
		return fmt.Errorf("unsupported publisher backend %q", c.Publisher.Backend)
	}

	if c.Database.Driver == "mysql" && c.Database.DSN != "" {
		if _, err := mysql.ParseDSN(c.Database.DSN); err != nil {
			return fmt.Errorf("invalid database.dsn: %w", err)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	return nil
}

// DatabaseDSN returns the configured DSN, or builds one for MySQL. A MySQL
// DSN always reports matched rather than changed rows so a version check
// that rewrites the same value still counts as a match.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		if c.Database.DSN != "" {
			return c.Database.DSN
		}
		return "file:allocation.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	if c.Database.DSN != "" {
		mc, err := mysql.ParseDSN(c.Database.DSN)
		if err != nil {
			// rejected by Validate
			return c.Database.DSN
		}
		mc.ClientFoundRows = true
		return mc.FormatDSN()
	}

	mc := mysql.NewConfig()
	mc.User = c.Database.User
	mc.Passwd = c.Database.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port))
	mc.DBName = c.Database.Name
	mc.ParseTime = true
	mc.ClientFoundRows = true
	return mc.FormatDSN()
}

// RedisEnabled reports whether anything needs a Redis connection.
func (c *Config) RedisEnabled() bool {
	return c.Publisher.Backend == PublisherRedis || c.Redis.Consume
}
