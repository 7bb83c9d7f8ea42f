package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "lexflow",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    120 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
				MaxBodyBytes:    4 << 20, // 4MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			Redis: RedisConfig{
				Address:     "localhost:6379",
				DB:          0,
				KeyPrefix:   "lexflow:ledger:",
				DialTimeout: 5 * time.Second,
			},
			DynamoDB: DynamoDBConfig{
				LedgerTable: "lexflow-reservations",
				BatchIndex:  "batch_id-index",
			},
		},
		Ledger: LedgerConfig{
			StaleAfter: 10 * time.Minute,
		},
		Providers: ProvidersConfig{
			Mail: MailConfig{
				Driver:        "log",
				RatePerSecond: 10,
				Burst:         5,
			},
			Documents: DocumentsConfig{
				Driver: "memory",
				Prefix: "lexflow",
			},
			Calendar: CalendarConfig{
				Enabled:           false,
				Timeout:           10 * time.Second,
				RequestsPerSecond: 5,
				Burst:             5,
				MaxFailures:       5,
				OpenTimeout:       30 * time.Second,
			},
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Insecure:   true,
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
