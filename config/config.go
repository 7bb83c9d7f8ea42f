// Package config provides configuration management for lexflow.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for lexflow.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the admin HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage selects the persistence backend for batches, reservations and entities.
	Storage StorageConfig `mapstructure:"storage"`

	// Ledger tunes the reservation ledger.
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Providers configures the external collaborators actions talk to.
	Providers ProvidersConfig `mapstructure:"providers"`

	// AWS holds shared SDK settings for DynamoDB, SES and S3.
	AWS AWSConfig `mapstructure:"aws"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`

	// WriteTimeout is the maximum duration before timing out writes. Batch
	// execution runs inside the request, so keep this generous.
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes" validate:"gte=0"`

	// MaxBodyBytes limits the size of batch intake bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gte=0"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age" validate:"gte=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`

	// AddSource adds the caller location to each record.
	AddSource bool `mapstructure:"add_source"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, redis, dynamodb). redis
	// and dynamodb back the reservation ledger; batches and entities then
	// live in badger when a path is set, in memory otherwise.
	Type string `mapstructure:"type" validate:"oneof=memory badger redis dynamodb"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`

	// DynamoDB is the DynamoDB configuration.
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"gte=0"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep" validate:"gte=0"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"gte=0"`

	// KeyPrefix namespaces ledger keys.
	KeyPrefix string `mapstructure:"key_prefix"`

	// RecordTTL expires ledger records; zero keeps them forever.
	RecordTTL time.Duration `mapstructure:"record_ttl" validate:"gte=0"`

	// DialTimeout bounds connection setup.
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`
}

// DynamoDBConfig holds DynamoDB-specific settings.
type DynamoDBConfig struct {
	// LedgerTable is the reservation table; its partition key is idempotency_key.
	LedgerTable string `mapstructure:"ledger_table"`

	// BatchIndex is the GSI on batch_id used to list a batch's records.
	BatchIndex string `mapstructure:"batch_index"`
}

// LedgerConfig tunes the reservation ledger.
type LedgerConfig struct {
	// StaleAfter is the age after which a pending reservation is reclaimed.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

// ProvidersConfig groups the external collaborators.
type ProvidersConfig struct {
	Mail      MailConfig      `mapstructure:"mail"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
}

// MailConfig selects the mail delivery driver.
type MailConfig struct {
	// Driver is log or ses.
	Driver string `mapstructure:"driver" validate:"oneof=log ses"`

	// From is the sender address for ses.
	From string `mapstructure:"from" validate:"omitempty,email"`

	// RatePerSecond throttles outgoing mail; zero disables throttling.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0"`

	// Burst is the limiter burst size.
	Burst int `mapstructure:"burst" validate:"gte=0"`
}

// DocumentsConfig selects the document storage driver.
type DocumentsConfig struct {
	// Driver is memory or s3.
	Driver string `mapstructure:"driver" validate:"oneof=memory s3"`

	// Bucket is the S3 bucket.
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix"`
}

// CalendarConfig configures the calendar provider client.
type CalendarConfig struct {
	// Enabled turns on the HTTP client; otherwise events are only mirrored locally.
	Enabled bool `mapstructure:"enabled"`

	// BaseURL is the provider API root.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`

	// Token is a static bearer token.
	Token string `mapstructure:"token"`

	// Timeout bounds one provider call.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// RequestsPerSecond throttles provider calls.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter burst size.
	Burst int `mapstructure:"burst" validate:"gte=0"`

	// MaxFailures opens the breaker after this many consecutive failures.
	MaxFailures int `mapstructure:"max_failures" validate:"gte=0"`

	// OpenTimeout is how long the breaker stays open.
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gte=0"`
}

// AWSConfig holds shared AWS SDK settings.
type AWSConfig struct {
	// Region is the AWS region.
	Region string `mapstructure:"region"`

	// Endpoint overrides the service endpoint (localstack, dynamodb-local).
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`

	// Profile selects a shared credentials profile.
	Profile string `mapstructure:"profile"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path" validate:"omitempty,startswith=/"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc otlp"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Insecure disables TLS to the collector.
	Insecure bool `mapstructure:"insecure"`

	// Timeout bounds one export.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// Sampler is always_on, always_off or parentbased_traceidratio.
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type)
}
