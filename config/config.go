package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRESTURL      = "https://api.oceanex.pro/v1"
	DefaultWebsocketURL = "wss://ws-slanger.oceanex.pro/app/a4931d3a95e48863076c739e9527?protocol=7&version=4.3.1&flash=false&client=js"

	EnvRESTURL        = "ocean_http_api_base_url"
	EnvWebsocketURL   = "ocean_websocket_api_base_url"
	EnvUID            = "ocean_uid"
	EnvPrivateKeyFile = "ocean_private_key_file"

	ModeStream = "stream"
	ModePoll   = "poll"
)

type Config struct {
	Oceanflow OceanflowConfig `yaml:"oceanflow"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Reader    ReaderConfig    `yaml:"reader"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type OceanflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	RESTURL        string `yaml:"rest_url"`
	WebsocketURL   string `yaml:"websocket_url"`
	UID            string `yaml:"uid"`
	PrivateKeyFile string `yaml:"private_key_file"`
	UserAgent      string `yaml:"user_agent"`
}

// HasCredentials reports whether private endpoints can be signed.
func (e ExchangeConfig) HasCredentials() bool {
	return e.UID != "" && e.PrivateKeyFile != ""
}

type ReaderConfig struct {
	Mode      string          `yaml:"mode"`
	Symbols   []string        `yaml:"symbols"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Poll      PollConfig      `yaml:"poll"`
	Stream    StreamConfig    `yaml:"stream"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type BootstrapConfig struct {
	Depth int           `yaml:"depth"`
	Pause time.Duration `yaml:"pause"`
}

type PollConfig struct {
	Depth      int           `yaml:"depth"`
	Pause      time.Duration `yaml:"pause"`
	ErrorPause time.Duration `yaml:"error_pause"`
	Interval   time.Duration `yaml:"interval"`
}

type StreamConfig struct {
	MessageTimeout time.Duration `yaml:"message_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Trades         bool          `yaml:"trades"`
	Books          bool          `yaml:"books"`
}

type ProcessorConfig struct {
	ErrorPause time.Duration `yaml:"error_pause"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used for every key the YAML file omits.
func Default() Config {
	return Config{
		Oceanflow: OceanflowConfig{Name: "oceanflow", Version: "dev"},
		Exchange: ExchangeConfig{
			RESTURL:      DefaultRESTURL,
			WebsocketURL: DefaultWebsocketURL,
			UserAgent:    "oceanflow",
		},
		Reader: ReaderConfig{
			Mode:      ModeStream,
			Timeout:   10 * time.Second,
			RateLimit: RateLimitConfig{RequestsPerSecond: 50, BurstSize: 10},
			Retry:     RetryConfig{MaxAttempts: 10, BaseDelay: 2 * time.Second},
			Catalog:   CatalogConfig{TTL: 30 * time.Minute},
			Bootstrap: BootstrapConfig{Depth: 2, Pause: time.Second},
			Poll: PollConfig{
				Depth:      2,
				Pause:      5 * time.Second,
				ErrorPause: 5 * time.Second,
				Interval:   time.Hour,
			},
			Stream: StreamConfig{
				MessageTimeout: 30 * time.Second,
				PingTimeout:    10 * time.Second,
				ReconnectDelay: 30 * time.Second,
				Trades:         true,
				Books:          true,
			},
		},
		Processor: ProcessorConfig{ErrorPause: 5 * time.Second},
		Metrics:   MetricsConfig{Prometheus: true},
		Dashboard: DashboardConfig{Address: ":8080", LogHistory: 200, SampleInterval: 5 * time.Second},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvRESTURL)); v != "" {
		cfg.Exchange.RESTURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebsocketURL)); v != "" {
		cfg.Exchange.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUID)); v != "" {
		cfg.Exchange.UID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)); v != "" {
		cfg.Exchange.PrivateKeyFile = v
	}
	cfg.Exchange.RESTURL = strings.TrimRight(cfg.Exchange.RESTURL, "/")
	for i, s := range cfg.Reader.Symbols {
		cfg.Reader.Symbols[i] = strings.ToLower(strings.TrimSpace(s))
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Oceanflow.Name == "" {
		return fmt.Errorf("oceanflow.name is required")
	}

	if err := validateURL(cfg.Exchange.RESTURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange.rest_url: %w", err)
	}
	if err := validateURL(cfg.Exchange.WebsocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange.websocket_url: %w", err)
	}

	if (cfg.Exchange.UID == "") != (cfg.Exchange.PrivateKeyFile == "") {
		return fmt.Errorf("exchange.uid and exchange.private_key_file must be set together")
	}

	switch cfg.Reader.Mode {
	case ModeStream, ModePoll:
	default:
		return fmt.Errorf("reader.mode must be %q or %q, got %q", ModeStream, ModePoll, cfg.Reader.Mode)
	}

	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}
	if cfg.Reader.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("reader.retry.max_attempts must be greater than 0")
	}
	if cfg.Reader.Retry.BaseDelay <= 0 {
		return fmt.Errorf("reader.retry.base_delay must be greater than 0")
	}
	if cfg.Reader.Catalog.TTL <= 0 {
		return fmt.Errorf("reader.catalog.ttl must be greater than 0")
	}
	if cfg.Reader.Bootstrap.Depth <= 0 {
		return fmt.Errorf("reader.bootstrap.depth must be greater than 0")
	}
	if cfg.Reader.Poll.Interval <= 0 {
		return fmt.Errorf("reader.poll.interval must be greater than 0")
	}

	stream := cfg.Reader.Stream
	if stream.MessageTimeout <= 0 || stream.PingTimeout <= 0 {
		return fmt.Errorf("reader.stream.message_timeout and reader.stream.ping_timeout must be greater than 0")
	}
	if stream.ReconnectDelay < 0 {
		return fmt.Errorf("reader.stream.reconnect_delay must not be negative")
	}
	if cfg.Reader.Mode == ModeStream && !stream.Trades && !stream.Books {
		return fmt.Errorf("reader.stream must enable trades, books or both")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %v", raw, schemes)
}
