package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

// KnownExchanges lists every exchange the pipeline has an adapter for.
var KnownExchanges = []string{"binance", "bithumb", "bybit", "okx", "upbit"}

type Config struct {
	// Environment is taken from APP_ENV, never from the file.
	Environment Environment `yaml:"-"`

	Tradeflow TradeflowConfig           `yaml:"tradeflow"`
	Logging   LoggingConfig             `yaml:"logging"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Reader    ReaderConfig              `yaml:"reader"`
	Symbols   SymbolsConfig             `yaml:"symbols"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Processor ProcessorConfig           `yaml:"processor"`
	Storage   StorageConfig             `yaml:"storage"`
	Status    StatusConfig              `yaml:"status"`
	Direct    DirectConfig              `yaml:"direct"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	// RawBuffer bounds the per-connection frame buffer; the oldest frame is dropped on overflow.
	RawBuffer        int `yaml:"raw_buffer"`
	NormalizedBuffer int `yaml:"normalized_buffer"`
	WriterBuffer     int `yaml:"writer_buffer"`
}

type ReaderConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SubscribeRate     float64       `yaml:"subscribe_rate"`
	SubscribeBurst    int           `yaml:"subscribe_burst"`
	// BackpressureGrace is how long a reader waits on a full buffer before evicting the oldest frame.
	BackpressureGrace time.Duration `yaml:"backpressure_grace"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter bool          `yaml:"jitter"`
}

type SymbolsConfig struct {
	// Common base assets offered on every exchange unless overridden.
	Common []string `yaml:"common"`
}

type ExchangeConfig struct {
	Enabled         bool     `yaml:"enabled"`
	URL             string   `yaml:"url" validate:"required,url"`
	Format          string   `yaml:"format"`
	QuoteCurrencies []string `yaml:"quote_currencies" validate:"required,min=1,dive,required"`
	Symbols         []string `yaml:"symbols" validate:"omitempty,dive,required"`
	// Pairs are subscribed at startup in BASE/QUOTE form; empty means every supported combination.
	Pairs []string `yaml:"pairs" validate:"omitempty,dive,required,contains=/"`
}

type ProcessorConfig struct {
	MalformedThreshold int           `yaml:"malformed_threshold"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

type StorageConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
	S3    S3Config    `yaml:"s3"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	// MaxAttempts bounds the writes of one batch before it is dropped.
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff BackoffConfig `yaml:"retry_backoff"`
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
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRecords      int           `yaml:"max_records"`
	Compression     string        `yaml:"compression"`
}

type StatusConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
}

// DirectConfig controls the websocket route of the status server that streams
// normalized trades to clients without a broker in between.
type DirectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	// ClientBuffer bounds each client's send queue; trades that do not fit are dropped for that client.
	ClientBuffer int           `yaml:"client_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type MetricsConfig struct {
	ChannelSize         bool             `yaml:"channel_size"`
	ChannelSizeInterval time.Duration    `yaml:"channel_size_interval"`
	ReportInterval      time.Duration    `yaml:"report_interval"`
	CloudWatch          CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the YAML file at path. In staging and production the
// default path is swapped for config/config.<env>.yml.
func LoadConfig(path string) (*Config, error) {
	env := CurrentEnvironment()
	path = env.configPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	config.Environment = env
	env.applyDefaults(&config)
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	normalizeExchanges(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Channels: ChannelsConfig{
			RawBuffer:        1024,
			NormalizedBuffer: 4096,
			WriterBuffer:     1024,
		},
		Reader: ReaderConfig{
			HandshakeTimeout:  10 * time.Second,
			PingInterval:      20 * time.Second,
			HeartbeatInterval: 20 * time.Second,
			SubscribeRate:     5,
			SubscribeBurst:    1,
			BackpressureGrace: 50 * time.Millisecond,
			Backoff: BackoffConfig{
				Min:    time.Second,
				Max:    30 * time.Second,
				Factor: 2,
				Jitter: true,
			},
		},
		Processor: ProcessorConfig{MalformedThreshold: 5, DrainTimeout: 5 * time.Second},
		Storage: StorageConfig{
			Kafka: KafkaConfig{
				Topic:        "trades.normalized",
				BatchSize:    100,
				BatchTimeout: time.Second,
				MaxAttempts:  5,
				RetryBackoff: BackoffConfig{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true},
			},
			S3: S3Config{FlushInterval: time.Minute, MaxRecords: 50000, Compression: "snappy", Prefix: "trades"},
		},
		Status:  StatusConfig{Address: "0.0.0.0:8080", LogHistory: 200, MetricsHistory: 200},
		Direct:  DirectConfig{ClientBuffer: 256, WriteTimeout: 5 * time.Second, PingInterval: 30 * time.Second},
		Metrics: MetricsConfig{ChannelSizeInterval: 10 * time.Second, ReportInterval: 30 * time.Second},
	}
}

func applyEnvOverrides(config *Config) {
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
	if config.Storage.Kafka.Enabled {
		if v := os.Getenv("KAFKA_BROKERS"); v != "" {
			var brokers []string
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					brokers = append(brokers, b)
				}
			}
			config.Storage.Kafka.Brokers = brokers
		}
	}
}

// normalizeExchanges lower-cases exchange keys and upper-cases assets so later
// lookups never depend on how the file was written.
func normalizeExchanges(config *Config) {
	for i, s := range config.Symbols.Common {
		config.Symbols.Common[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	out := make(map[string]ExchangeConfig, len(config.Exchanges))
	for name, ex := range config.Exchanges {
		for i, q := range ex.QuoteCurrencies {
			ex.QuoteCurrencies[i] = strings.ToUpper(strings.TrimSpace(q))
		}
		for i, s := range ex.Symbols {
			ex.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
		}
		ex.Format = strings.ToLower(strings.TrimSpace(ex.Format))
		out[strings.ToLower(strings.TrimSpace(name))] = ex
	}
	config.Exchanges = out
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.NormalizedBuffer <= 0 {
		return fmt.Errorf("channels.normalized_buffer must be greater than 0")
	}

	if cfg.Reader.Backoff.Min <= 0 || cfg.Reader.Backoff.Max < cfg.Reader.Backoff.Min {
		return fmt.Errorf("reader.backoff requires 0 < min <= max")
	}
	if cfg.Reader.SubscribeRate <= 0 {
		return fmt.Errorf("reader.subscribe_rate must be greater than 0")
	}

	known := make(map[string]struct{}, len(KnownExchanges))
	for _, name := range KnownExchanges {
		known[name] = struct{}{}
	}
	validate := validator.New()
	enabled := 0
	for _, name := range cfg.ExchangeNames() {
		ex := cfg.Exchanges[name]
		if _, ok := known[name]; !ok {
			return fmt.Errorf("exchanges.%s is not a supported exchange", name)
		}
		if !ex.Enabled {
			continue
		}
		enabled++
		if err := validate.Struct(ex); err != nil {
			return fmt.Errorf("exchanges.%s: %w", name, err)
		}
		if len(ex.Symbols) == 0 && len(cfg.Symbols.Common) == 0 {
			return fmt.Errorf("exchanges.%s has no symbols and symbols.common is empty", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
	}

	if cfg.Direct.Enabled {
		if !cfg.Status.Enabled {
			return fmt.Errorf("direct requires status.enabled, the stream is served by the status server")
		}
		if cfg.Direct.ClientBuffer <= 0 {
			return fmt.Errorf("direct.client_buffer must be greater than 0")
		}
	}

	return nil
}

// ExchangeNames returns configured exchange names in sorted order.
func (c *Config) ExchangeNames() []string {
	names := make([]string, 0, len(c.Exchanges))
	for name := range c.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledExchanges returns the sorted names of enabled exchanges.
func (c *Config) EnabledExchanges() []string {
	var names []string
	for _, name := range c.ExchangeNames() {
		if c.Exchanges[name].Enabled {
			names = append(names, name)
		}
	}
	return names
}

// SupportedSymbols returns the exchange's base assets, falling back to symbols.common.
func (c *Config) SupportedSymbols(exchange string) []string {
	ex, ok := c.Exchanges[strings.ToLower(exchange)]
	if ok && len(ex.Symbols) > 0 {
		return append([]string(nil), ex.Symbols...)
	}
	return append([]string(nil), c.Symbols.Common...)
}

// SupportedQuotes returns the exchange's quote currencies.
func (c *Config) SupportedQuotes(exchange string) []string {
	ex, ok := c.Exchanges[strings.ToLower(exchange)]
	if !ok {
		return nil
	}
	return append([]string(nil), ex.QuoteCurrencies...)
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
