package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config.yml"

type Config struct {
	Bookflow     BookflowConfig            `yaml:"bookflow"`
	Logging      LoggingConfig             `yaml:"logging"`
	Server       ServerConfig              `yaml:"server"`
	Subscription SubscriptionConfig        `yaml:"subscription"`
	Aggregator   AggregatorConfig          `yaml:"aggregator"`
	ErrorHandler ErrorHandlerConfig        `yaml:"error_handler"`
	Reconnect    ReconnectConfig           `yaml:"reconnect"`
	Network      NetworkConfig             `yaml:"network"`
	Exchanges    map[string]ExchangeConfig `yaml:"exchanges"`
	Cache        CacheConfig               `yaml:"cache"`
	Storage      StorageConfig             `yaml:"storage"`
	CloudWatch   CloudWatchConfig          `yaml:"cloudwatch"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ServerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Address          string        `yaml:"address"`
	EventBuffer      int           `yaml:"event_buffer"`
	LogHistory       int           `yaml:"log_history"`
	ResourceInterval time.Duration `yaml:"resource_interval"`
}

type SubscriptionConfig struct {
	Symbol    string   `yaml:"symbol"`
	Exchanges []string `yaml:"exchanges"`
}

type AggregatorConfig struct {
	MaxDepth          int `yaml:"max_depth"`
	PricePrecision    int `yaml:"price_precision"`
	QuantityPrecision int `yaml:"quantity_precision"`
}

type ErrorHandlerConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	ResetDelay  time.Duration `yaml:"reset_delay"`
}

type NetworkConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckAddress  string        `yaml:"check_address"`
	CheckInterval time.Duration `yaml:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
}

// ExchangeConfig overrides an adapter's endpoints and keepalive. Zero values
// keep the adapter's defaults.
type ExchangeConfig struct {
	WSURL             string        `yaml:"ws_url"`
	RESTURL           string        `yaml:"rest_url"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	Depth             int           `yaml:"depth"`
	Trades            bool          `yaml:"trades"`
	RESTRatePerSecond float64       `yaml:"rest_rate_per_second"`
}

type CacheConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// Default returns a configuration usable without a file.
func Default() Config {
	return Config{
		Bookflow: BookflowConfig{Name: "bookflow", Version: "dev"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
		Server: ServerConfig{
			Enabled:          true,
			Address:          ":8080",
			EventBuffer:      256,
			LogHistory:       200,
			ResourceInterval: 5 * time.Second,
		},
		Aggregator: AggregatorConfig{
			MaxDepth:          100,
			PricePrecision:    2,
			QuantityPrecision: 6,
		},
		ErrorHandler: ErrorHandlerConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second},
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 10,
			ResetDelay:  time.Minute,
		},
		Network: NetworkConfig{
			Enabled:       true,
			CheckAddress:  "1.1.1.1:443",
			CheckInterval: 10 * time.Second,
			CheckTimeout:  3 * time.Second,
		},
		Cache: CacheConfig{TTL: 2 * time.Second, Redis: RedisConfig{Prefix: "bookflow:"}},
		Storage: StorageConfig{
			S3:    S3Config{Prefix: "orderbook", Compression: "snappy", FlushInterval: time.Minute},
			Kafka: KafkaConfig{Topic: "bookflow.orderbook"},
		},
		CloudWatch: CloudWatchConfig{Namespace: "Bookflow", Dashboard: "Bookflow"},
	}
}

// LoadConfig reads path (or the environment specific file when path is the
// default), applies env overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	env := CurrentEnvironment()
	path = resolveConfigPath(path, defaultConfigPath, env)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := decodeConfig(data, &config, env.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	config.Subscription.Symbol = strings.ToUpper(strings.TrimSpace(config.Subscription.Symbol))
	for i, ex := range config.Subscription.Exchanges {
		config.Subscription.Exchanges[i] = strings.ToLower(strings.TrimSpace(ex))
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// decodeConfig overlays data onto config. strict rejects unknown keys.
func decodeConfig(data []byte, config *Config, strict bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(config *Config) error {
	if v := os.Getenv("BOOKFLOW_SYMBOL"); v != "" {
		config.Subscription.Symbol = v
	}
	if v := os.Getenv("BOOKFLOW_EXCHANGES"); v != "" {
		config.Subscription.Exchanges = splitList(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Cache.Redis.Addr = strings.TrimSpace(v)
		config.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Cache.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		config.Cache.Redis.DB = db
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Storage.Kafka.Brokers = splitList(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Exchange returns the overrides for id, or the zero value.
func (c *Config) Exchange(id string) ExchangeConfig {
	if c.Exchanges == nil {
		return ExchangeConfig{}
	}
	return c.Exchanges[strings.ToLower(id)]
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Aggregator.MaxDepth <= 0 {
		return fmt.Errorf("aggregator.max_depth must be greater than 0")
	}
	if cfg.Aggregator.PricePrecision < 0 || cfg.Aggregator.QuantityPrecision < 0 {
		return fmt.Errorf("aggregator precisions must not be negative")
	}

	if cfg.ErrorHandler.InitialBackoff <= 0 {
		return fmt.Errorf("error_handler.initial_backoff must be greater than 0")
	}
	if cfg.ErrorHandler.MaxBackoff < cfg.ErrorHandler.InitialBackoff {
		return fmt.Errorf("error_handler.max_backoff must not be below initial_backoff")
	}

	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be below base_delay")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be greater than 0")
	}
	if cfg.Reconnect.ResetDelay <= 0 {
		return fmt.Errorf("reconnect.reset_delay must be greater than 0")
	}

	if cfg.Network.Enabled {
		if cfg.Network.CheckAddress == "" {
			return fmt.Errorf("network.check_address is required when network monitoring is enabled")
		}
		if cfg.Network.CheckInterval <= 0 {
			return fmt.Errorf("network.check_interval must be greater than 0")
		}
	}

	if cfg.Server.Enabled && cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required when the server is enabled")
	}

	if cfg.Subscription.Symbol != "" && len(cfg.Subscription.Exchanges) == 0 {
		return fmt.Errorf("subscription.exchanges is required when subscription.symbol is set")
	}

	if cfg.Cache.Redis.Enabled && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required when redis is enabled")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}

	return nil
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
