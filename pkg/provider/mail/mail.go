// Package mail delivers outbound email on behalf of approved actions.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lexflow/lexflow/pkg/logger"
)

// ErrNoRecipients is returned when a message has no To address.
var ErrNoRecipients = errors.New("mail message has no recipients")

// Message is one outbound email.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// Sender delivers a message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// SESAPI is the subset of the SES v2 client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends mail through Amazon SES.
type SESSender struct {
	client    SESAPI
	fromEmail string
}

// NewSESSender creates an SES-backed sender.
func NewSESSender(client SESAPI, fromEmail string) (*SESSender, error) {
	if client == nil {
		return nil, fmt.Errorf("ses client cannot be nil")
	}
	if fromEmail == "" {
		return nil, fmt.Errorf("from address is required")
	}
	return &SESSender{client: client, fromEmail: fromEmail}, nil
}

func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: msg.To,
			CcAddresses: msg.Cc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger logger.Logger
}

// NewLogSender creates a sender for local development.
func NewLogSender(log logger.Logger) *LogSender {
	if log == nil {
		log = logger.Global()
	}
	return &LogSender{logger: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	id := uuid.NewString()
	s.logger.InfoContext(ctx, "mail delivered to log",
		"message_id", id,
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
	)
	return id, nil
}

// RateLimited throttles another Sender.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket. A non-positive rps disables
// throttling.
func NewRateLimited(next Sender, rps float64, burst int) Sender {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Send(ctx context.Context, msg Message) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("mail rate limit: %w", err)
	}
	return r.next.Send(ctx, msg)
}
