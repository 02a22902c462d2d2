package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Env       string          `yaml:"env"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Stream    StreamConfig    `yaml:"stream"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Notify    NotifyConfig    `yaml:"notify"`
	Geo       GeoConfig       `yaml:"geo"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig 是开发用后端的配置。
type ServerConfig struct {
	Port                  string `yaml:"port"`
	DatabaseDriver        string `yaml:"database_driver"`
	DatabaseDSN           string `yaml:"database_dsn"`
	JWTSecret             string `yaml:"jwt_secret"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	PublicURL             string `yaml:"public_url"`
}

// ClientConfig 是同步引擎（一个“标签页”）的配置。
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	StreamURL      string        `yaml:"stream_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StoragePath    string        `yaml:"storage_path"`
	HistoryPath    string        `yaml:"history_path"`
}

type StreamConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type BroadcastConfig struct {
	Driver   string `yaml:"driver"`
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Channel  string `yaml:"channel"`
}

type NotifyConfig struct {
	MaxVisible    int     `yaml:"max_visible"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// GeoConfig 提供静态坐标；未设置时定位返回不可用。
type GeoConfig struct {
	Lat    *float64      `yaml:"lat"`
	Lng    *float64      `yaml:"lng"`
	Denied bool          `yaml:"denied"`
	Limit  time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Env: "dev",
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Port:                  "8080",
			DatabaseDriver:        "postgres",
			DatabaseDSN:           "host=localhost user=postgres password=postgres dbname=scrum_poker port=5432 sslmode=disable TimeZone=UTC",
			JWTSecret:             defaultJWTSecret,
			AccessTokenTTLMinutes: 24 * 60,
			PublicURL:             "http://localhost:8080",
		},
		Client: ClientConfig{
			BaseURL:        "http://localhost:8080",
			PollInterval:   3 * time.Second,
			RequestTimeout: 10 * time.Second,
			StoragePath:    "poker-session.db",
			HistoryPath:    "poker-history.db",
		},
		Stream: StreamConfig{
			MaxRetries:     10,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Broadcast: BroadcastConfig{Driver: "memory", Channel: "scrum-poker"},
		Notify:    NotifyConfig{MaxVisible: 3, RatePerSecond: 1, Burst: 3},
		Geo:       GeoConfig{Limit: 10 * time.Second},
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// Load 依次叠加默认值、YAML 文件、.env 与环境变量。
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("POKER_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// .env 不覆盖已存在的环境变量
	envFile := getenv("POKER_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.Log.Level = getenv("LOG_LEVEL", cfg.Log.Level)

	cfg.Server.Port = getenv("APP_PORT", cfg.Server.Port)
	cfg.Server.DatabaseDriver = getenv("DATABASE_DRIVER", cfg.Server.DatabaseDriver)
	cfg.Server.DatabaseDSN = getenv("DATABASE_DSN", cfg.Server.DatabaseDSN)
	cfg.Server.JWTSecret = getenv("JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.PublicURL = getenv("PUBLIC_URL", cfg.Server.PublicURL)
	// 非法的 TTL 保留原值，由 Validate 兜底
	if ttl, err := strconv.Atoi(os.Getenv("ACCESS_TOKEN_TTL_MINUTES")); err == nil && ttl > 0 {
		cfg.Server.AccessTokenTTLMinutes = ttl
	}

	cfg.Client.BaseURL = getenv("POKER_API_URL", cfg.Client.BaseURL)
	cfg.Client.StreamURL = getenv("POKER_STREAM_URL", cfg.Client.StreamURL)
	cfg.Client.StoragePath = getenv("POKER_STORAGE_PATH", cfg.Client.StoragePath)
	cfg.Client.HistoryPath = getenv("POKER_HISTORY_PATH", cfg.Client.HistoryPath)
	if err := durationEnv("POKER_POLL_INTERVAL", &cfg.Client.PollInterval); err != nil {
		return Config{}, err
	}
	if err := durationEnv("POKER_REQUEST_TIMEOUT", &cfg.Client.RequestTimeout); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("POKER_STREAM_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid POKER_STREAM_MAX_RETRIES: %w", err)
		}
		cfg.Stream.MaxRetries = n
	}

	cfg.Broadcast.Driver = getenv("POKER_BROADCAST_DRIVER", cfg.Broadcast.Driver)
	cfg.Broadcast.Addr = getenv("POKER_BROADCAST_ADDR", cfg.Broadcast.Addr)
	cfg.Broadcast.User = getenv("POKER_BROADCAST_USER", cfg.Broadcast.User)
	cfg.Broadcast.Password = getenv("POKER_BROADCAST_PASSWORD", cfg.Broadcast.Password)
	cfg.Broadcast.Channel = getenv("POKER_BROADCAST_CHANNEL", cfg.Broadcast.Channel)

	if err := floatEnv("POKER_GEO_LAT", &cfg.Geo.Lat); err != nil {
		return Config{}, err
	}
	if err := floatEnv("POKER_GEO_LNG", &cfg.Geo.Lng); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StreamEndpoint 返回事件流地址，未配置时由 REST 地址推导。
func (c ClientConfig) StreamEndpoint() string {
	if c.StreamURL != "" {
		return c.StreamURL
	}
	u := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Validate 拒绝无法运行的配置。
func Validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Client.BaseURL) == "" {
		errs = append(errs, errors.New("client.base_url is required"))
	}
	if cfg.Client.PollInterval <= 0 {
		errs = append(errs, errors.New("client.poll_interval must be positive"))
	}
	if cfg.Stream.MaxRetries < 0 {
		errs = append(errs, errors.New("stream.max_retries must not be negative"))
	}
	switch cfg.Broadcast.Driver {
	case "memory", "redis", "stomp":
	default:
		errs = append(errs, fmt.Errorf("broadcast.driver %q is not one of memory, redis, stomp", cfg.Broadcast.Driver))
	}
	switch cfg.Server.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("server.database_driver %q is not one of postgres, sqlite", cfg.Server.DatabaseDriver))
	}
	if cfg.Server.AccessTokenTTLMinutes <= 0 {
		errs = append(errs, errors.New("server.access_token_ttl_minutes must be positive"))
	}
	if cfg.Env != "dev" && cfg.Server.JWTSecret == defaultJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set outside dev"))
	}
	if cfg.Notify.MaxVisible <= 0 {
		errs = append(errs, errors.New("notify.max_visible must be positive"))
	}
	return errors.Join(errs...)
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func durationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func floatEnv(key string, dst **float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = &f
	return nil
}
