// Package aws wraps the SDK clients the delivery adapters send through.
// Each wrapper exposes the fixed-signature send method its adapter
// interface expects, keeping SDK option plumbing out of the delivery
// package.
package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// SESClient is the outbound email client behind the email adapter.
type SESClient struct {
	client *ses.Client
}

// NewSESClient resolves credentials from the ambient chain and pins the
// client to one region.
func NewSESClient(ctx context.Context, region string) (*SESClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config for ses: %w", err)
	}
	return &SESClient{client: ses.NewFromConfig(cfg)}, nil
}

// SendEmail submits one message with the client's default call options.
func (s *SESClient) SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error) {
	return s.client.SendEmail(ctx, input)
}
