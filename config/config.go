package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Klineflow KlineflowConfig `yaml:"klineflow"`
	Binance   BinanceConfig   `yaml:"binance"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Signals   SignalsConfig   `yaml:"signals"`
	History   HistoryConfig   `yaml:"history"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type KlineflowConfig struct {
	Name           string        `yaml:"name"`
	Version        string        `yaml:"version"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type BinanceConfig struct {
	WsURL        string          `yaml:"ws_url"`
	RestURL      string          `yaml:"rest_url"`
	DialTimeout  time.Duration   `yaml:"dial_timeout"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	PingTimeout  time.Duration   `yaml:"ping_timeout"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Pairs        []string        `yaml:"pairs"`
	Timeframes   []string        `yaml:"timeframes"`
	Janitor      JanitorConfig   `yaml:"janitor"`
}

type ReconnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type JanitorConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	CandleWindow int           `yaml:"candle_window"`
	CandleTTL    time.Duration `yaml:"candle_ttl"`
	IndicatorTTL time.Duration `yaml:"indicator_ttl"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

type TelegramConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Token             string        `yaml:"token"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	PerChatInterval   time.Duration `yaml:"per_chat_interval"`
	QueueSize         int           `yaml:"queue_size"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

type SignalsConfig struct {
	RSIPeriod      int           `yaml:"rsi_period"`
	EMAPeriods     []int         `yaml:"ema_periods"`
	RepeatInterval time.Duration `yaml:"repeat_interval"`
}

type HistoryConfig struct {
	Enabled       bool `yaml:"enabled"`
	BackfillLimit int  `yaml:"backfill_limit"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	MaxAge    int    `yaml:"max_age"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Binance: BinanceConfig{
			DialTimeout:  10 * time.Second,
			PingInterval: 20 * time.Second,
			PingTimeout:  10 * time.Second,
			Reconnect: ReconnectConfig{
				MaxAttempts:  5,
				InitialDelay: 5 * time.Second,
				MaxDelay:     300 * time.Second,
				Multiplier:   2.0,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 4,
				BurstSize:         8,
			},
			Janitor: JanitorConfig{
				StaleThreshold: 5 * time.Minute,
				SweepInterval:  time.Minute,
				StatsInterval:  time.Minute,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override secrets from environment variables if available
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		config.Telegram.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = strings.TrimSpace(v)
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		config.Postgres.Password = strings.TrimSpace(v)
	}
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.Bucket = strings.TrimSpace(v)
		}
	}

	config.Archive.Bucket = strings.TrimSpace(config.Archive.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

var validTimeframes = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true,
	"12h": true, "1d": true, "3d": true, "1w": true, "1M": true,
}

func validateConfig(cfg *Config) error {
	if cfg.Klineflow.Name == "" {
		return fmt.Errorf("klineflow.name is required")
	}

	if cfg.Klineflow.Version == "" {
		return fmt.Errorf("klineflow.version is required")
	}

	if cfg.Binance.WsURL == "" {
		return fmt.Errorf("binance.ws_url is required")
	}

	if cfg.Binance.PingInterval <= 0 {
		return fmt.Errorf("binance.ping_interval must be greater than 0")
	}
	if cfg.Binance.PingTimeout <= 0 {
		return fmt.Errorf("binance.ping_timeout must be greater than 0")
	}

	if cfg.Binance.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("binance.reconnect.max_attempts must be greater than 0")
	}
	if cfg.Binance.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("binance.reconnect.initial_delay must be greater than 0")
	}
	if cfg.Binance.Reconnect.MaxDelay < cfg.Binance.Reconnect.InitialDelay {
		return fmt.Errorf("binance.reconnect.max_delay must be at least initial_delay")
	}
	if cfg.Binance.Reconnect.Multiplier < 1 {
		return fmt.Errorf("binance.reconnect.multiplier must be at least 1")
	}

	for _, tf := range cfg.Binance.Timeframes {
		if !validTimeframes[tf] {
			return fmt.Errorf("binance.timeframes contains unsupported interval '%s'", tf)
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}

	if cfg.Postgres.Enabled {
		if cfg.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required when postgres is enabled")
		}
		if cfg.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required when postgres is enabled")
		}
	}

	if cfg.Signals.RSIPeriod < 0 {
		return fmt.Errorf("signals.rsi_period must not be negative")
	}
	for _, p := range cfg.Signals.EMAPeriods {
		if p <= 0 {
			return fmt.Errorf("signals.ema_periods must be greater than 0")
		}
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if cfg.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when archive is enabled")
		}
		if cfg.Archive.AccessKeyID == "" || cfg.Archive.SecretAccessKey == "" {
			return fmt.Errorf("archive.access_key_id and archive.secret_access_key are required when archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.Bucket) {
			return fmt.Errorf("archive.bucket '%s' is invalid", cfg.Archive.Bucket)
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}

// DSN builds the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, sslMode)
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
