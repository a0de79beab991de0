package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	WebSocket WebSocketConfig
	Realtime  RealtimeConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port        int
	GinMode     string `mapstructure:"gin_mode"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	RequestRateLimit  int           `mapstructure:"request_rate_limit"`
	RequestRateWindow time.Duration `mapstructure:"request_rate_window"`
}

type AuthConfig struct {
	MasterSecret string        `mapstructure:"master_secret"`
	TokenExpiry  time.Duration `mapstructure:"token_expiry"`
	Issuer       string
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the redis geo index when Address is set.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	GeoKey   string `mapstructure:"geo_key"`
	// IndexRepairInterval is how often an out of date geo index is rebuilt.
	IndexRepairInterval time.Duration `mapstructure:"index_repair_interval"`
}

type WebSocketConfig struct {
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxPayload    int64         `mapstructure:"max_payload"`
	SendQueueSize int           `mapstructure:"send_queue_size"`
}

type RealtimeConfig struct {
	MinViewportZoom     int           `mapstructure:"min_viewport_zoom"`
	LocationRateLimit   int           `mapstructure:"location_rate_limit"`
	LocationRateWindow  time.Duration `mapstructure:"location_rate_window"`
	HistoryDefaultLimit int           `mapstructure:"history_default_limit"`
	HistoryMaxLimit     int           `mapstructure:"history_max_limit"`
	OperationTimeout    time.Duration `mapstructure:"operation_timeout"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// LoadConfig reads an optional config.yaml from . or ./config and applies
// environment overrides.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5005)
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.request_rate_limit", 120)
	v.SetDefault("server.request_rate_window", "1m")
	v.SetDefault("auth.token_expiry", "168h")
	v.SetDefault("auth.issuer", "pawkeeper-live")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pawkeeper.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.geo_key", "pawkeeper:pins:geo")
	v.SetDefault("redis.index_repair_interval", "30s")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.ping_timeout", "20s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.max_payload", 1000000)
	v.SetDefault("websocket.send_queue_size", 256)
	v.SetDefault("realtime.min_viewport_zoom", 10)
	v.SetDefault("realtime.location_rate_limit", 30)
	v.SetDefault("realtime.location_rate_window", "1m")
	v.SetDefault("realtime.history_default_limit", 50)
	v.SetDefault("realtime.history_max_limit", 200)
	v.SetDefault("realtime.operation_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.gin_mode", "GIN_MODE")
	_ = v.BindEnv("server.tls_cert_file", "TLS_CERT_FILE")
	_ = v.BindEnv("server.tls_key_file", "TLS_KEY_FILE")
	_ = v.BindEnv("auth.master_secret", "MASTER_SECRET")
	_ = v.BindEnv("auth.token_expiry", "TOKEN_EXPIRY")
	_ = v.BindEnv("database.driver", "DB_DRIVER")
	_ = v.BindEnv("database.dsn", "DB_DSN")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.pretty", "LOG_PRETTY")
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT")
	}
	if c.Server.RequestRateLimit <= 0 || c.Server.RequestRateWindow <= 0 {
		return fmt.Errorf("invalid request rate limit")
	}
	if c.Redis.Address != "" && c.Redis.IndexRepairInterval <= 0 {
		return fmt.Errorf("redis.index_repair_interval must be positive")
	}
	if c.Auth.MasterSecret == "" {
		return fmt.Errorf("MASTER_SECRET is required")
	}
	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("invalid TOKEN_EXPIRY")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.SendQueueSize <= 0 {
		return fmt.Errorf("websocket.send_queue_size must be positive")
	}
	if c.Realtime.HistoryDefaultLimit <= 0 || c.Realtime.HistoryMaxLimit < c.Realtime.HistoryDefaultLimit {
		return fmt.Errorf("invalid history limits")
	}
	if c.Realtime.LocationRateLimit <= 0 || c.Realtime.LocationRateWindow <= 0 {
		return fmt.Errorf("invalid location rate limit")
	}
	if c.Realtime.OperationTimeout <= 0 {
		return fmt.Errorf("realtime.operation_timeout must be positive")
	}
	return nil
}
