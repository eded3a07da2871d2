package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// SES sends through AWS SES using the v2 SDK. SES has no bulk endpoint for
// distinct content, so batches degrade to sequential sends.
type SES struct {
	region     string
	client     *sesv2.Client
	batchDelay time.Duration
}

// NewSES creates an SES adapter. The SDK client is initialized lazily-safe:
// missing credentials leave the client nil and every send fails cleanly.
func NewSES(cfg config.SESConfig, batchDelay time.Duration) *SES {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	s := &SES{region: region, batchDelay: batchDelay}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.Printf("[SES] Warning: failed to initialize AWS config: %v", err)
		return s
	}
	s.client = sesv2.NewFromConfig(awsCfg)
	return s
}

// Name identifies this adapter in the registry.
func (s *SES) Name() string { return "ses" }

// VerifyConfiguration checks that the SES account is reachable.
func (s *SES) VerifyConfiguration(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("ses: client not initialized, check credentials")
	}
	if _, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{}); err != nil {
		return fmt.Errorf("ses: %w", err)
	}
	return nil
}

// Send delivers a single email through SES.
func (s *SES) Send(ctx context.Context, job *mail.Job) *mail.SendResult {
	if s.client == nil {
		return failedResult(s.Name(), fmt.Errorf("ses: client not initialized"))
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", job.FromName, job.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{job.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(job.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("job_id"), Value: aws.String(job.ID)},
			{Name: aws.String("tenant_id"), Value: aws.String(job.TenantID)},
		},
	}
	if job.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(job.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if job.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(job.TextBody), Charset: aws.String("UTF-8")}
	}
	if job.ReplyTo != "" {
		input.ReplyToAddresses = []string{job.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		log.Printf("[SES] Failed to send to %s: %v", logger.RedactEmail(job.Recipient), err)
		return failedResult(s.Name(), err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(job.Recipient), messageID)
	return sentResult(s.Name(), messageID)
}

// SendBatch dispatches messages individually in sequence.
func (s *SES) SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("ses: client not initialized")
	}
	return sequentialBatch(ctx, s, jobs, s.batchDelay), nil
}
