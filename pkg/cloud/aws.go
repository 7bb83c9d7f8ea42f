// Package cloud builds AWS SDK clients from lexflow configuration.
package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/lexflow/lexflow/config"
)

// Clients holds the AWS clients lexflow talks to. Endpoint overrides apply to
// every service, which is what local emulators expect.
type Clients struct {
	Config   aws.Config
	endpoint string
}

// Load resolves credentials and region through the SDK default chain.
func Load(ctx context.Context, cfg config.AWSConfig) (*Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Clients{Config: awsCfg, endpoint: cfg.Endpoint}, nil
}

// DynamoDB returns a DynamoDB client.
func (c *Clients) DynamoDB() *dynamodb.Client {
	return dynamodb.NewFromConfig(c.Config, func(o *dynamodb.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
	})
}

// S3 returns an S3 client. Path-style addressing is forced with an endpoint
// override since emulators rarely serve virtual-hosted buckets.
func (c *Clients) S3() *s3.Client {
	return s3.NewFromConfig(c.Config, func(o *s3.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
			o.UsePathStyle = true
		}
	})
}

// SES returns an SES v2 client.
func (c *Clients) SES() *sesv2.Client {
	return sesv2.NewFromConfig(c.Config, func(o *sesv2.Options) {
		if c.endpoint != "" {
			o.BaseEndpoint = aws.String(c.endpoint)
		}
	})
}
