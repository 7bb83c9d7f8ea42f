package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/lexflow/lexflow/config"
	"github.com/lexflow/lexflow/pkg/api"
	"github.com/lexflow/lexflow/pkg/api/handlers"
	"github.com/lexflow/lexflow/pkg/cloud"
	"github.com/lexflow/lexflow/pkg/dispatch"
	"github.com/lexflow/lexflow/pkg/executor"
	"github.com/lexflow/lexflow/pkg/ledger"
	"github.com/lexflow/lexflow/pkg/logger"
	"github.com/lexflow/lexflow/pkg/metrics"
	"github.com/lexflow/lexflow/pkg/provider/calendar"
	"github.com/lexflow/lexflow/pkg/provider/docstore"
	"github.com/lexflow/lexflow/pkg/provider/mail"
	"github.com/lexflow/lexflow/pkg/storage"
	"github.com/lexflow/lexflow/pkg/workflow"
)

// app is the wired process: backends, engine and the admin HTTP server.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	backends *storage.Backends
	metrics  *metrics.Manager
	server   *api.HTTPServer
	// metricsServed is true when /metrics is mounted on the admin router.
	metricsServed bool
}

// newApp builds every component from cfg. Nothing listens yet.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	var aws *cloud.Clients
	if needsAWS(cfg) {
		var err error
		if aws, err = cloud.Load(ctx, cfg.AWS); err != nil {
			return nil, err
		}
	}

	storageOpts := []storage.Option{storage.WithLogger(log)}
	if cfg.Storage.Type == "dynamodb" {
		storageOpts = append(storageOpts, storage.WithDynamoClient(aws.DynamoDB()))
	}
	backends, err := storage.Open(ctx, cfg.Storage, storageOpts...)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{cfg: cfg, log: log, backends: backends}
	if err := a.wire(aws); err != nil {
		_ = backends.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(aws *cloud.Clients) error {
	cfg, log := a.cfg, a.log

	sender, err := newMailSender(cfg.Providers.Mail, aws, log)
	if err != nil {
		return err
	}
	files, err := newUploader(cfg.Providers.Documents, aws)
	if err != nil {
		return err
	}
	creator, err := newCalendar(cfg.Providers.Calendar, log)
	if err != nil {
		return err
	}

	d, err := dispatch.NewDefault(dispatch.Deps{
		Entities: a.backends.Entities,
		Mail:     sender,
		Files:    files,
		Calendar: creator,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	l, err := ledger.New(a.backends.Ledger,
		ledger.WithStaleAfter(cfg.Ledger.StaleAfter),
		ledger.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Metrics.Enabled
	mcfg.Port = cfg.Metrics.Port
	mcfg.Path = cfg.Metrics.Path
	a.metrics = metrics.NewManager(mcfg)

	engine, err := executor.New(l, d,
		executor.WithLogger(log),
		executor.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	approver, err := workflow.New(a.backends.Batches, engine, workflow.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create approver: %w", err)
	}

	checks := make(map[string]handlers.Checker, len(a.backends.Checks)+1)
	for name, check := range a.backends.Checks {
		checks[name] = handlers.Checker(check)
	}
	if client, ok := creator.(*calendar.Client); ok {
		checks[client.Name()] = client.HealthCheck
	}

	apiHandlers := &api.Handlers{
		Batches:      handlers.NewBatchHandler(approver, a.backends.Batches, log),
		Reservations: handlers.NewReservationHandler(l),
		Health:       handlers.NewHealthHandler(checks),
	}
	if a.metrics.Enabled() {
		apiHandlers.Metrics = a.metrics
		if cfg.Metrics.Port == cfg.Server.Port {
			apiHandlers.MetricsHandler = a.metrics.Handler()
			a.metricsServed = true
		}
	}
	a.server = api.NewHTTPServer(cfg, log, apiHandlers)
	return nil
}

// run serves until ctx is cancelled or a server fails.
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if a.metrics.Enabled() && !a.metricsServed {
		go func() {
			a.log.Info("Starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// shutdown stops the HTTP server first so no new batch starts, then closes
// the backends.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := a.backends.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Storage.Type == "dynamodb" ||
		cfg.Providers.Mail.Driver == "ses" ||
		cfg.Providers.Documents.Driver == "s3"
}

func newMailSender(cfg config.MailConfig, aws *cloud.Clients, log logger.Logger) (mail.Sender, error) {
	var sender mail.Sender
	switch cfg.Driver {
	case "ses":
		ses, err := mail.NewSESSender(aws.SES(), cfg.From)
		if err != nil {
			return nil, fmt.Errorf("create ses sender: %w", err)
		}
		sender = ses
	case "", "log":
		sender = mail.NewLogSender(log)
	default:
		return nil, fmt.Errorf("unsupported mail driver %q", cfg.Driver)
	}
	return mail.NewRateLimited(sender, cfg.RatePerSecond, cfg.Burst), nil
}

func newUploader(cfg config.DocumentsConfig, aws *cloud.Clients) (docstore.Uploader, error) {
	switch cfg.Driver {
	case "s3":
		up, err := docstore.NewS3Uploader(aws.S3(), cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("create s3 uploader: %w", err)
		}
		return up, nil
	case "", "memory":
		return docstore.NewMemoryUploader(), nil
	default:
		return nil, fmt.Errorf("unsupported document driver %q", cfg.Driver)
	}
}

func newCalendar(cfg config.CalendarConfig, log logger.Logger) (calendar.Creator, error) {
	if !cfg.Enabled {
		return calendar.NewLocalCreator(log), nil
	}
	opts := []calendar.Option{calendar.WithLogger(log)}
	if cfg.Token != "" {
		token := cfg.Token
		opts = append(opts, calendar.WithTokenSource(func(context.Context) (string, error) {
			return token, nil
		}))
	}
	client, err := calendar.New(calendar.Config{
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxFailures:       cfg.MaxFailures,
		OpenTimeout:       cfg.OpenTimeout,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}
	return client, nil
}
