package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lexflow/lexflow/config"
	"github.com/lexflow/lexflow/pkg/logger"
	"github.com/lexflow/lexflow/pkg/telemetry/tracing"
	"github.com/lexflow/lexflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchConfig = flag.Bool("watch-config", true, "Reload log settings when the config file changes")

	// CLI overrides
	appName     = flag.String("app-name", "", "Override app name")
	serverPort  = flag.Int("port", 0, "Override server port")
	logLevel    = flag.String("log-level", "", "Override log level")
	storageType = flag.String("storage", "", "Override storage type (memory, badger, redis, dynamodb)")
	debugMode   = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	logger.SetGlobal(log)

	if err := run(cfg, loader, log); err != nil {
		log.Error("lexflow exited with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
	_ = log.Close()
}

func run(cfg *config.Config, loader *config.Loader, log logger.Logger) error {
	log.Info("Starting lexflow",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Headers:     cfg.Tracing.Headers,
		Insecure:    cfg.Tracing.Insecure,
		Timeout:     cfg.Tracing.Timeout,
		Sampler:     cfg.Tracing.Sampler,
		SampleRate:  cfg.Tracing.SampleRate,
		Environment: cfg.App.Environment,
	}, cfg.App.Name, version.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	if *watchConfig && *configPath != "" {
		startWatcher(ctx, loader, log)
	}

	log.Info("lexflow is running",
		"http_port", cfg.Server.Port,
		"storage", cfg.Storage.Type,
		"metrics_port", cfg.Metrics.Port,
	)

	runErr := a.run(ctx)
	if runErr != nil {
		log.Error("Server error", "error", runErr)
	} else {
		log.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()

	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("lexflow stopped gracefully")
	return runErr
}

// startWatcher applies log level changes from the config file. Other settings
// need a restart.
func startWatcher(ctx context.Context, loader *config.Loader, log logger.Logger) {
	watcher, err := config.NewWatcher(*configPath, loader, config.WithWatcherLogger(log))
	if err != nil {
		log.Warn("Config watcher disabled", "error", err)
		return
	}
	watcher.OnChange(func(next *config.Config) {
		if *logLevel != "" || *debugMode {
			return
		}
		log.SetLevel(logger.ParseLevel(next.Log.Level))
		log.Info("Log level updated", "level", next.Log.Level)
	})
	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("Config watcher stopped", "error", err)
		}
		_ = watcher.Stop()
	}()
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printHelp() {
	fmt.Printf("lexflow - approval batch execution engine\n\n")
	fmt.Printf("Usage: lexflow [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  lexflow                                   # Run with default config\n")
	fmt.Printf("  lexflow -config config.yaml               # Use specific config file\n")
	fmt.Printf("  lexflow -port 9090 -log-level debug       # Override specific options\n")
	fmt.Printf("  lexflow -storage badger                   # Persist to the local badger path\n")
	fmt.Printf("  lexflow -version                          # Print version info\n")
}
