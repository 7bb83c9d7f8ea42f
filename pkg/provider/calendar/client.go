// Package calendar creates events in the firm's external calendar provider.
//
// Requests pass through a circuit breaker, then a rate limiter, then an
// OpenTelemetry client span. There are no retries: a failed call is reported
// once and the reservation ledger decides whether it is ever attempted again.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lexflow/lexflow/pkg/logger"
)

const serviceName = "calendar"

// Event is the provider-neutral calendar event.
type Event struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// Created is the provider's acknowledgement of a new event.
type Created struct {
	EventID string            `json:"id"`
	Links   map[string]string `json:"links,omitempty"`
}

// Creator creates calendar events.
type Creator interface {
	CreateEvent(ctx context.Context, event Event) (Created, error)
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("calendar provider returned %d: %s", e.StatusCode, e.Body)
}

// Config configures the calendar client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// OpenTimeout is how long the breaker stays open.
	OpenTimeout   time.Duration
	HalfOpenLimit int
}

// Client is the HTTP calendar provider client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[Created]
	limiter    *rate.Limiter
	logger     logger.Logger
	token      func(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithTokenSource sets the bearer token provider. Token acquisition and
// refresh live outside this package.
func WithTokenSource(fn func(ctx context.Context) (string, error)) Option {
	return func(cl *Client) { cl.token = fn }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(cl *Client) {
		if log != nil {
			cl.logger = log
		}
	}
}

// New creates a calendar client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("calendar base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     logger.Global(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[Created](gobreaker.Settings{
		Name:        serviceName,
		MaxRequests: toUint32(cfg.HalfOpenLimit),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// CreateEvent posts the event to the provider.
func (c *Client) CreateEvent(ctx context.Context, event Event) (Created, error) {
	return c.breaker.Execute(func() (Created, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Created{}, err
			}
		}

		ctx, span := otel.Tracer("lexflow.calendar").Start(ctx, "HTTP POST "+serviceName,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.method", http.MethodPost),
				attribute.String("peer.service", serviceName),
			),
		)
		defer span.End()

		created, err := c.post(ctx, event, span)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return created, err
	})
}

func (c *Client) post(ctx context.Context, event Event, span trace.Span) (Created, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Created{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(payload))
	if err != nil {
		return Created{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return Created{}, fmt.Errorf("calendar token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Created{}, fmt.Errorf("calendar request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Created{}, fmt.Errorf("calendar response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Created{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var created Created
	if err := json.Unmarshal(body, &created); err != nil {
		return Created{}, fmt.Errorf("decode calendar response: %w", err)
	}
	if created.EventID == "" {
		return Created{}, fmt.Errorf("calendar response has no event id")
	}
	return created, nil
}

// Name identifies the provider in readiness reports.
func (c *Client) Name() string {
	return serviceName
}

// HealthCheck reports provider availability from the breaker state without a
// network call.
func (c *Client) HealthCheck(_ context.Context) error {
	switch state := c.breaker.State(); state {
	case gobreaker.StateClosed:
		return nil
	case gobreaker.StateHalfOpen:
		return fmt.Errorf("%s: degraded (circuit breaker half-open)", serviceName)
	case gobreaker.StateOpen:
		return fmt.Errorf("%s: failing (circuit breaker open)", serviceName)
	default:
		return fmt.Errorf("%s: unknown circuit breaker state %v", serviceName, state)
	}
}

func toUint32(v int) uint32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
