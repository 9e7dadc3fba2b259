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

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	CORS      CORSConfig      `yaml:"cors"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port      int             `yaml:"port"`
	Host      string          `yaml:"host"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig caps API requests per client IP. Requests == 0 uses the
// default; a negative value disables limiting.
type RateLimitConfig struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// Enabled reports whether requests are limited.
func (c RateLimitConfig) Enabled() bool { return c.Requests > 0 && c.WindowSeconds > 0 }

// Window returns the period over which Requests are allowed.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Transport providers
const (
	ProviderSMTP = "smtp"
	ProviderSES  = "ses"
)

// TransportConfig selects and configures the outbound relay.
type TransportConfig struct {
	Provider string     `yaml:"provider"` // "smtp" (default) or "ses"
	SMTP     SMTPConfig `yaml:"smtp"`
	SES      SESConfig  `yaml:"ses"`
}

// SMTPConfig holds relay credentials and the sender identity.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Secure         *bool  `yaml:"secure"` // implicit TLS; defaults to port == 465
	Username       string `yaml:"user"`
	Password       string `yaml:"pass"`
	FromAddress    string `yaml:"from_address"`
	FromName       string `yaml:"from_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IsSecure reports whether the relay expects implicit TLS.
func (c SMTPConfig) IsSecure() bool {
	if c.Secure != nil {
		return *c.Secure
	}
	return c.Port == 465
}

// Timeout returns the configured timeout as a duration
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region      string `yaml:"region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
}

// DispatchConfig holds the bulk engine knobs. They are fixed at process start.
type DispatchConfig struct {
	MaxBatchSize       int `yaml:"max_batch_size"`
	BatchDelayMs       int `yaml:"batch_delay_ms"`
	MaxRetries         int `yaml:"max_retries"`
	RetryBaseDelayMs   int `yaml:"retry_base_delay_ms"`
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
	OutcomeQueueSize   int `yaml:"outcome_queue_size"`
}

// BatchDelay returns the pause between batches.
func (c DispatchConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// RetryBaseDelay returns the linear backoff unit.
func (c DispatchConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// SendTimeout returns the per-attempt send bound.
func (c DispatchConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the Postgres DSN. Empty means in-memory campaigns.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the Redis URL used for cancel flags and send locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CORSConfig holds browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Storage backends for finished campaign results.
const (
	StorageLocal = "local"
	StorageAWS   = "aws"
)

// StorageConfig holds where finished campaign results are archived.
// An empty Type disables archiving.
type StorageConfig struct {
	Type          string `yaml:"type"`
	LocalPath     string `yaml:"local_path"`
	S3Bucket      string `yaml:"s3_bucket"`
	Prefix        string `yaml:"prefix"`
	DynamoDBTable string `yaml:"dynamodb_table"` // optional summary index
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// Enabled reports whether results are archived at all.
func (c StorageConfig) Enabled() bool { return c.Type != "" }

// GetAWSProfile returns the configured profile, falling back to AWS_PROFILE.
func (c StorageConfig) GetAWSProfile() string {
	if c.AWSProfile != "" {
		return c.AWSProfile
	}
	return os.Getenv("AWS_PROFILE")
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// defaultOrigins are the browser origins the hosted frontends use.
var defaultOrigins = []string{
	"https://email-jpgg.onrender.com",
	"https://emailb.onrender.com",
	"http://localhost:3000",
	"http://localhost:5000",
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := preset()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := preset()
	cfg.applyDefaults()
	return cfg
}

// preset seeds the fields where zero is a meaningful setting. YAML only
// overwrites keys that are present, so an explicit 0 survives.
func preset() *Config {
	cfg := &Config{}
	cfg.Dispatch.BatchDelayMs = 500
	cfg.Dispatch.RetryBaseDelayMs = 1000
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.RateLimit.Requests == 0 {
		cfg.Server.RateLimit.Requests = 100
	}
	if cfg.Server.RateLimit.WindowSeconds == 0 {
		cfg.Server.RateLimit.WindowSeconds = 15 * 60
	}
	if cfg.Transport.Provider == "" {
		cfg.Transport.Provider = ProviderSMTP
	}
	if cfg.Transport.SMTP.Host == "" {
		cfg.Transport.SMTP.Host = "smtp.gmail.com"
	}
	if cfg.Transport.SMTP.Port == 0 {
		cfg.Transport.SMTP.Port = 587
	}
	if cfg.Transport.SMTP.FromName == "" {
		cfg.Transport.SMTP.FromName = "Email Campaign Service"
	}
	if cfg.Transport.SMTP.TimeoutSeconds == 0 {
		cfg.Transport.SMTP.TimeoutSeconds = 30
	}
	if cfg.Transport.SES.Region == "" {
		cfg.Transport.SES.Region = "us-east-1"
	}
	if cfg.Transport.SES.FromName == "" {
		cfg.Transport.SES.FromName = cfg.Transport.SMTP.FromName
	}
	if cfg.Dispatch.MaxBatchSize == 0 {
		cfg.Dispatch.MaxBatchSize = 50
	}
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Dispatch.SendTimeoutSeconds == 0 {
		cfg.Dispatch.SendTimeoutSeconds = 30
	}
	if cfg.Dispatch.OutcomeQueueSize == 0 {
		cfg.Dispatch.OutcomeQueueSize = 1024
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = append([]string(nil), defaultOrigins...)
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "campaign-results"
	}
	if cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate rejects settings the engine cannot run with.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Dispatch.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_batch_size must be positive, got %d", cfg.Dispatch.MaxBatchSize))
	}
	if cfg.Dispatch.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must be positive, got %d", cfg.Dispatch.MaxRetries))
	}
	if cfg.Dispatch.BatchDelayMs < 0 {
		errs = append(errs, fmt.Errorf("dispatch.batch_delay_ms must not be negative, got %d", cfg.Dispatch.BatchDelayMs))
	}
	if cfg.Dispatch.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("dispatch.retry_base_delay_ms must not be negative, got %d", cfg.Dispatch.RetryBaseDelayMs))
	}
	switch cfg.Transport.Provider {
	case ProviderSMTP, ProviderSES:
	default:
		errs = append(errs, fmt.Errorf("transport.provider %q is not one of smtp, ses", cfg.Transport.Provider))
	}
	switch cfg.Storage.Type {
	case "", StorageLocal:
	case StorageAWS:
		if cfg.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("storage.s3_bucket is required for aws storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not one of local, aws", cfg.Storage.Type))
	}
	return errors.Join(errs...)
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars.
// A missing config file is not an error: defaults plus env are used.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if err := envInt("PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := envInt("RATE_LIMIT_REQUESTS", &cfg.Server.RateLimit.Requests); err != nil {
		return err
	}

	if v := os.Getenv("TRANSPORT_PROVIDER"); v != "" {
		cfg.Transport.Provider = strings.ToLower(v)
	}
	smtp := &cfg.Transport.SMTP
	if v := os.Getenv("SMTP_HOST"); v != "" {
		smtp.Host = v
	}
	if err := envInt("SMTP_PORT", &smtp.Port); err != nil {
		return err
	}
	if v := os.Getenv("SMTP_SECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SMTP_SECURE: %w", err)
		}
		smtp.Secure = &b
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		smtp.Username = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		smtp.Password = v
	}
	if v := os.Getenv("SMTP_FROM_EMAIL"); v != "" {
		smtp.FromAddress = v
	}
	if v := os.Getenv("SMTP_FROM_NAME"); v != "" {
		smtp.FromName = v
	}

	ses := &cfg.Transport.SES
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		ses.Region = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		ses.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		ses.SecretKey = v
	}
	if v := os.Getenv("SES_FROM_EMAIL"); v != "" {
		ses.FromAddress = v
	}

	if err := envInt("MAX_BATCH_SIZE", &cfg.Dispatch.MaxBatchSize); err != nil {
		return err
	}
	if err := envInt("BATCH_DELAY_MS", &cfg.Dispatch.BatchDelayMs); err != nil {
		return err
	}
	if err := envInt("MAX_RETRIES", &cfg.Dispatch.MaxRetries); err != nil {
		return err
	}
	if err := envInt("RETRY_BASE_DELAY_MS", &cfg.Dispatch.RetryBaseDelayMs); err != nil {
		return err
	}
	if err := envInt("SEND_TIMEOUT_SECONDS", &cfg.Dispatch.SendTimeoutSeconds); err != nil {
		return err
	}

	// Database override (critical for container deploys where config.yaml has local defaults)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		// Some hosting dashboards double the scheme when pasting URLs.
		cleaned := strings.Replace(v, "http://https://", "https://", 1)
		cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, cleaned)
	}
	if v := os.Getenv("RESULTS_STORAGE"); v != "" {
		cfg.Storage.Type = strings.ToLower(v)
	}
	if v := os.Getenv("RESULTS_LOCAL_PATH"); v != "" {
		cfg.Storage.LocalPath = v
	}
	if v := os.Getenv("RESULTS_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
		if cfg.Storage.Type == "" {
			cfg.Storage.Type = StorageAWS
		}
	}
	if v := os.Getenv("RESULTS_DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("RESULTS_AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
