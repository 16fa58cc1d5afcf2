package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Duration is a time.Duration written as "30s" or "5m" in config files
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app" toml:"app"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq" toml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Worker     WorkerConfig     `yaml:"worker" toml:"worker"`
	Quota      QuotaConfig      `yaml:"quota" toml:"quota"`
	Generation GenerationConfig `yaml:"generation" toml:"generation"`
	LLM        LLMConfig        `yaml:"llm" toml:"llm"`
	Publish    PublishConfig    `yaml:"publish" toml:"publish"`
	OAuth      OAuthConfig      `yaml:"oauth" toml:"oauth"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Version     string `yaml:"version" toml:"version"`
	Environment string `yaml:"environment" toml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int      `yaml:"port" toml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds the job store connection configuration.
// Driver sqlite uses Path; driver postgres uses the network fields.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver" toml:"driver"`
	Path            string   `yaml:"path" toml:"path"`
	BusyTimeoutMs   int      `yaml:"busy_timeout_ms" toml:"busy_timeout_ms"`
	Host            string   `yaml:"host" toml:"host"`
	Port            int      `yaml:"port" toml:"port"`
	User            string   `yaml:"user" toml:"user"`
	Password        string   `yaml:"password" toml:"password"`
	Database        string   `yaml:"database" toml:"database"`
	SSLMode         string   `yaml:"sslmode" toml:"sslmode"`
	MaxOpenConns    int      `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time" toml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" toml:"host"`
	Port       int              `yaml:"port" toml:"port"`
	User       string           `yaml:"user" toml:"user"`
	Password   string           `yaml:"password" toml:"password"`
	VHost      string           `yaml:"vhost" toml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange" toml:"exchange"`
	Queues     QueuesConfig     `yaml:"queues" toml:"queues"`
	Connection ConnectionConfig `yaml:"connection" toml:"connection"`
	Publish    RetryConfig      `yaml:"publish" toml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer" toml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name" toml:"name"`
	Type       string `yaml:"type" toml:"type"`
	Durable    bool   `yaml:"durable" toml:"durable"`
	AutoDelete bool   `yaml:"auto_delete" toml:"auto_delete"`
}

// QueueConfig holds one queue and the routing key bound to it
type QueueConfig struct {
	Name       string `yaml:"name" toml:"name"`
	RoutingKey string `yaml:"routing_key" toml:"routing_key"`
	Durable    bool   `yaml:"durable" toml:"durable"`
	AutoDelete bool   `yaml:"auto_delete" toml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive" toml:"exclusive"`
}

// QueuesConfig lists every queue of the pipeline topology
type QueuesConfig struct {
	Generation   QueueConfig `yaml:"generation" toml:"generation"`
	Render       QueueConfig `yaml:"render" toml:"render"`
	Upload       QueueConfig `yaml:"upload" toml:"upload"`
	RenderEvents QueueConfig `yaml:"render_events" toml:"render_events"`
	QuotaAlerts  QueueConfig `yaml:"quota_alerts" toml:"quota_alerts"`
}

// All returns the queues in declaration order
func (q QueuesConfig) All() []QueueConfig {
	return []QueueConfig{q.Generation, q.Render, q.Upload, q.RenderEvents, q.QuotaAlerts}
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int      `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryInterval     Duration `yaml:"retry_interval" toml:"retry_interval"`
	Heartbeat         Duration `yaml:"heartbeat" toml:"heartbeat"`
	ConnectionTimeout Duration `yaml:"connection_timeout" toml:"connection_timeout"`
}

// RetryConfig holds publish retry settings
type RetryConfig struct {
	RetryAttempts     int      `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryInterval     Duration `yaml:"retry_interval" toml:"retry_interval"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count" toml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" toml:"level"`
	Format       string `yaml:"format" toml:"format"`
	Output       string `yaml:"output" toml:"output"`
	EnableCaller bool   `yaml:"enable_caller" toml:"enable_caller"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string   `yaml:"id" toml:"id"`
	Concurrency     int      `yaml:"concurrency" toml:"concurrency"`
	JobTimeout      Duration `yaml:"job_timeout" toml:"job_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	TempDir         string   `yaml:"temp_dir" toml:"temp_dir"`
}

// QuotaConfig holds plan limits and alert thresholds
type QuotaConfig struct {
	FreeLimit        int     `yaml:"free_limit" toml:"free_limit"`
	ProLimit         int     `yaml:"pro_limit" toml:"pro_limit"`
	AgencyLimit      int     `yaml:"agency_limit" toml:"agency_limit"`
	WarningPercent   float64 `yaml:"warning_percent" toml:"warning_percent"`
	ExhaustedPercent float64 `yaml:"exhausted_percent" toml:"exhausted_percent"`
}

// GuardConfig maps the configured plan limits, leaving unset plans at their defaults
func (q QuotaConfig) GuardConfig() quota.Config {
	limits := quota.Limits{}
	for plan, limit := range map[domain.Plan]int{
		domain.PlanFree:   q.FreeLimit,
		domain.PlanPro:    q.ProLimit,
		domain.PlanAgency: q.AgencyLimit,
	} {
		if limit > 0 {
			limits[plan] = limit
		}
	}

	return quota.Config{
		Limits:           limits,
		WarningPercent:   q.WarningPercent,
		ExhaustedPercent: q.ExhaustedPercent,
	}
}

// GenerationConfig holds script generation settings
type GenerationConfig struct {
	WordsPerMinute   int      `yaml:"words_per_minute" toml:"words_per_minute"`
	AllowedDurations []int    `yaml:"allowed_durations" toml:"allowed_durations"`
	BlockedTerms     []string `yaml:"blocked_terms" toml:"blocked_terms"`
}

// LLMConfig holds the text provider endpoint and pricing
type LLMConfig struct {
	BaseURL              string   `yaml:"base_url" toml:"base_url"`
	Model                string   `yaml:"model" toml:"model"`
	APIKey               string   `yaml:"api_key" toml:"api_key"`
	TimeoutSeconds       int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
	PromptPricePer1K     float64  `yaml:"prompt_price_per_1k" toml:"prompt_price_per_1k"`
	CompletionPricePer1K float64  `yaml:"completion_price_per_1k" toml:"completion_price_per_1k"`
	RetryAttempts        int      `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryBaseDelay       Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay        Duration `yaml:"retry_max_delay" toml:"retry_max_delay"`
}

// PublishConfig holds the video platform upload settings
type PublishConfig struct {
	UploadURL      string   `yaml:"upload_url" toml:"upload_url"`
	ChunkSize      int      `yaml:"chunk_size" toml:"chunk_size"`
	MaxRetries     int      `yaml:"max_retries" toml:"max_retries"`
	RetryBaseDelay Duration `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// OAuthConfig holds the platform OAuth client used to refresh channel tokens
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url" toml:"token_url"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML. Secrets set in the environment
// override the file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".toml":
		err = toml.Unmarshal(data, &config)
	default:
		err = yaml.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"DATABASE_PASSWORD":   &c.Database.Password,
		"RABBITMQ_PASSWORD":   &c.RabbitMQ.Password,
		"LLM_API_KEY":         &c.LLM.APIKey,
		"OAUTH_CLIENT_ID":     &c.OAuth.ClientID,
		"OAUTH_CLIENT_SECRET": &c.OAuth.ClientSecret,
	}
	for key, field := range overrides {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 30 * time.Second
	}
	if c.Worker.ShutdownTimeout.Duration == 0 {
		c.Worker.ShutdownTimeout.Duration = 30 * time.Second
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout.Duration <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}

	if c.Publish.UploadURL == "" {
		return fmt.Errorf("publish upload_url is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the sqlite driver")
		}
		return nil

	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		return nil

	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	for _, q := range c.RabbitMQ.Queues.All() {
		if q.Name == "" || q.RoutingKey == "" {
			return fmt.Errorf("rabbitmq queues need a name and routing_key")
		}
	}

	return nil
}
