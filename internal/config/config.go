package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

const (
	RunnerCommand = "command"
	RunnerDocker  = "docker"
)

var browserPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Results  ResultsConfig  `yaml:"results"`
	Redis    RedisConfig    `yaml:"redis"`
	Ingress  IngressConfig  `yaml:"ingress"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// RabbitMQConfig holds the broker connection and the named channels of a service
type RabbitMQConfig struct {
	Host         string           `yaml:"host"`
	Port         int              `yaml:"port"`
	User         string           `yaml:"user"`
	Password     string           `yaml:"password"`
	VHost        string           `yaml:"vhost"`
	ExchangeType string           `yaml:"exchange_type"`
	Connection   ConnectionConfig `yaml:"connection"`
	Consumer     ConsumerConfig   `yaml:"consumer"`
	Channels     []ChannelConfig  `yaml:"channels"`
}

// ChannelConfig maps a logical channel name to an exchange, queue and routing key
type ChannelConfig struct {
	Name       string `yaml:"name"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	WaitRetries       int           `yaml:"wait_retries"`
	WaitInterval      time.Duration `yaml:"wait_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// Browser is the worker class this process serves; it also names the jobs channel
	Browser          string           `yaml:"browser"`
	PollInterval     time.Duration    `yaml:"poll_interval"`
	ShutdownGrace    time.Duration    `yaml:"shutdown_grace"`
	RuntimeRoot      string           `yaml:"runtime_root"`
	ScriptsRoot      string           `yaml:"scripts_root"`
	ResultsBaseURL   string           `yaml:"results_base_url"`
	ResultServiceURL string           `yaml:"result_service_url"`
	SubmitTimeout    time.Duration    `yaml:"submit_timeout"`
	CommandTimeout   time.Duration    `yaml:"command_timeout"`
	Runner           string           `yaml:"runner"`
	Capabilities     CapabilityConfig `yaml:"capabilities"`
	Command          CommandConfig    `yaml:"command"`
	Docker           DockerConfig     `yaml:"docker"`
	Archive          ArchiveConfig    `yaml:"archive"`
}

// CapabilityConfig describes what the worker's engine installation supports.
// Its keys take precedence over the job's when building the engine config.
type CapabilityConfig struct {
	Engine            string `yaml:"engine"`
	EngineOptionsKey  string `yaml:"engine_options_key"`
	EngineOptions     any    `yaml:"engine_options"`
	ScriptsFolder     string `yaml:"scripts_folder"`
	AsyncCaptureLimit int    `yaml:"async_capture_limit"`
	AsyncCompareLimit int    `yaml:"async_compare_limit"`
	Debug             bool   `yaml:"debug"`
	DebugWindow       bool   `yaml:"debug_window"`
}

// CommandConfig configures the local process runner
type CommandConfig struct {
	Binary string `yaml:"binary"`
	Xvfb   bool   `yaml:"xvfb"`
}

// DockerConfig configures the container runner
type DockerConfig struct {
	Image   string `yaml:"image"`
	Host    string `yaml:"host"`
	Pull    bool   `yaml:"pull"`
	Network string `yaml:"network"`
}

// ArchiveConfig configures report upload to S3. Archiving is disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	PathStyle     bool   `yaml:"path_style"`
	Prefix        string `yaml:"prefix"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// ResultsConfig holds result-service delivery settings
type ResultsConfig struct {
	IdleInterval    time.Duration `yaml:"idle_interval"`
	Backoff         time.Duration `yaml:"backoff"`
	FetchLimit      int           `yaml:"fetch_limit"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// RedisConfig holds the connection for the job-id guard
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// IngressConfig holds api-service settings
type IngressConfig struct {
	DefaultBrowser    string        `yaml:"default_browser"`
	SupportedBrowsers []string      `yaml:"supported_browsers"`
	RuntimeRoot       string        `yaml:"runtime_root"`
	ResultServiceURL  string        `yaml:"result_service_url"`
	ProxyTimeout      time.Duration `yaml:"proxy_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.ConnectRetries == 0 {
		c.Database.ConnectRetries = 10
	}
	if c.Database.RetryInterval == 0 {
		c.Database.RetryInterval = 3 * time.Second
	}
	if c.RabbitMQ.ExchangeType == "" {
		c.RabbitMQ.ExchangeType = "direct"
	}
	if c.RabbitMQ.Connection.RetryInterval == 0 {
		c.RabbitMQ.Connection.RetryInterval = 3 * time.Second
	}
	if c.RabbitMQ.Connection.WaitRetries == 0 {
		c.RabbitMQ.Connection.WaitRetries = 5
	}
	if c.RabbitMQ.Connection.WaitInterval == 0 {
		c.RabbitMQ.Connection.WaitInterval = 2 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 10 * time.Second
	}
	if c.Worker.ShutdownGrace == 0 {
		c.Worker.ShutdownGrace = 30 * time.Second
	}
	if c.Worker.CommandTimeout == 0 {
		c.Worker.CommandTimeout = 15 * time.Minute
	}
	if c.Worker.SubmitTimeout == 0 {
		c.Worker.SubmitTimeout = 30 * time.Second
	}
	if c.Worker.Runner == "" {
		c.Worker.Runner = RunnerCommand
	}
	if c.Worker.Command.Binary == "" {
		c.Worker.Command.Binary = "backstop"
	}
	if c.Worker.Docker.Image == "" {
		c.Worker.Docker.Image = "backstopjs/backstopjs:latest"
	}
	if c.Worker.Capabilities.EngineOptionsKey == "" {
		c.Worker.Capabilities.EngineOptionsKey = "engineOptions"
	}
	if c.Results.IdleInterval == 0 {
		c.Results.IdleInterval = 3 * time.Second
	}
	if c.Results.Backoff == 0 {
		c.Results.Backoff = 30 * time.Second
	}
	if c.Results.FetchLimit == 0 {
		c.Results.FetchLimit = 20
	}
	if c.Results.DeliveryTimeout == 0 {
		c.Results.DeliveryTimeout = 30 * time.Second
	}
	if c.Redis.DedupTTL == 0 {
		c.Redis.DedupTTL = 24 * time.Hour
	}
	if c.Ingress.ProxyTimeout == 0 {
		c.Ingress.ProxyTimeout = 30 * time.Second
	}
}

// Channel returns the channel configuration with the given name
func (c *RabbitMQConfig) Channel(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *RabbitMQConfig) validate() error {
	if c.Host == "" {
		return errors.New("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", c.Port); err != nil {
		return err
	}

	if len(c.Channels) == 0 {
		return errors.New("at least one rabbitmq channel is required")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("rabbitmq channel %d: name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("rabbitmq channel %s: duplicate name", ch.Name)
		}
		seen[ch.Name] = true

		if ch.Exchange == "" {
			return fmt.Errorf("rabbitmq channel %s: exchange is required", ch.Name)
		}
		if ch.Queue == "" {
			return fmt.Errorf("rabbitmq channel %s: queue is required", ch.Name)
		}
		if ch.RoutingKey == "" {
			return fmt.Errorf("rabbitmq channel %s: routing_key is required", ch.Name)
		}
	}

	return nil
}

func (c *DatabaseConfig) validate() error {
	if c.Host == "" {
		return errors.New("database host is required")
	}

	if err := validatePort("database", c.Port); err != nil {
		return err
	}

	if c.Database == "" {
		return errors.New("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the api-service
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.RabbitMQ.validate(); err != nil {
		return err
	}

	if c.Redis.Addr == "" {
		return errors.New("redis addr is required")
	}

	if len(c.Ingress.SupportedBrowsers) == 0 {
		return errors.New("ingress supported_browsers is required")
	}

	for _, browser := range c.Ingress.SupportedBrowsers {
		if !browserPattern.MatchString(browser) {
			return fmt.Errorf("invalid browser name: %q", browser)
		}
		if _, ok := c.RabbitMQ.Channel(browser); !ok {
			return fmt.Errorf("no rabbitmq channel for browser %s", browser)
		}
	}

	if !slices.Contains(c.Ingress.SupportedBrowsers, c.Ingress.DefaultBrowser) {
		return fmt.Errorf("ingress default_browser %q is not supported", c.Ingress.DefaultBrowser)
	}

	if c.Ingress.RuntimeRoot == "" {
		return errors.New("ingress runtime_root is required")
	}

	if c.Ingress.ResultServiceURL == "" {
		return errors.New("ingress result_service_url is required")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration of the worker-service
func (c *Config) ValidateWorkerConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.RabbitMQ.validate(); err != nil {
		return err
	}

	if !browserPattern.MatchString(c.Worker.Browser) {
		return fmt.Errorf("invalid worker browser: %q", c.Worker.Browser)
	}

	if _, ok := c.RabbitMQ.Channel(c.Worker.Browser); !ok {
		return fmt.Errorf("no rabbitmq channel for worker browser %s", c.Worker.Browser)
	}

	if c.Worker.PollInterval <= 0 {
		return errors.New("worker poll_interval must be greater than 0")
	}

	if c.Worker.ShutdownGrace < 0 {
		return errors.New("worker shutdown_grace must not be negative")
	}

	if c.Worker.CommandTimeout <= 0 {
		return errors.New("worker command_timeout must be greater than 0")
	}

	if c.Worker.RuntimeRoot == "" {
		return errors.New("worker runtime_root is required")
	}

	if c.Worker.ResultsBaseURL == "" {
		return errors.New("worker results_base_url is required")
	}

	if c.Worker.ResultServiceURL == "" {
		return errors.New("worker result_service_url is required")
	}

	if c.Worker.Capabilities.Engine == "" {
		return errors.New("worker capabilities engine is required")
	}

	switch c.Worker.Runner {
	case RunnerCommand:
	case RunnerDocker:
		if c.Worker.Docker.Image == "" {
			return errors.New("worker docker image is required")
		}
	default:
		return fmt.Errorf("invalid worker runner: %q (must be %s or %s)", c.Worker.Runner, RunnerCommand, RunnerDocker)
	}

	if c.Worker.Archive.Bucket != "" && c.Worker.Archive.Region == "" {
		return errors.New("worker archive region is required when a bucket is set")
	}

	return nil
}

// ValidateResultConfig checks the configuration of the result-service
func (c *Config) ValidateResultConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}

	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Results.IdleInterval <= 0 {
		return errors.New("results idle_interval must be greater than 0")
	}

	if c.Results.Backoff <= 0 {
		return errors.New("results backoff must be greater than 0")
	}

	if c.Results.FetchLimit <= 0 {
		return errors.New("results fetch_limit must be greater than 0")
	}

	return nil
}
