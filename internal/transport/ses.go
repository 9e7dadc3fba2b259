package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
)

// sesAPI is the subset of *sesv2.Client used here.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SES sends through AWS SES using the SDK v2.
type SES struct {
	client   sesAPI
	from     string
	fromName string
}

// NewSES creates an SES transport. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewSES(ctx context.Context, cfg config.SESConfig) (*SES, error) {
	if cfg.FromAddress == "" {
		return nil, ErrNoSender
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: load aws config: %w", err)
	}

	logger.Info("ses transport configured", "region", cfg.Region)
	return newSESWithClient(sesv2.NewFromConfig(awsCfg), cfg.FromAddress, cfg.FromName), nil
}

func newSESWithClient(client sesAPI, from, fromName string) *SES {
	return &SES{client: client, from: from, fromName: fromName}
}

// Verify checks that the account is reachable and allowed to send.
func (s *SES) Verify(ctx context.Context) bool {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		logger.Warn("ses account check failed", "error", err)
		return false
	}
	return out.SendingEnabled
}

// SendOne delivers a message with text and HTML bodies.
func (s *SES) SendOne(ctx context.Context, to, subject, body string) error {
	from := s.from
	if s.fromName != "" {
		from = fmt.Sprintf("%q <%s>", s.fromName, s.from)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
					Html: &types.Content{Data: aws.String(HTMLBody(body)), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return &Error{Provider: config.ProviderSES, To: to, Cause: err}
	}

	logger.Debug("ses message accepted", "recipient", to, "message_id", aws.ToString(out.MessageId))
	return nil
}
