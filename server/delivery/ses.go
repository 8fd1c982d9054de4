package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/migadu/autorespond/logger"
	"github.com/migadu/autorespond/pkg/retry"
)

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds the configuration for creating an SES transport.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESTransport sends replies as raw messages through the AWS SES v2 API.
type SESTransport struct {
	client  SendEmailAPI
	Timeout time.Duration
	Backoff retry.BackoffConfig
}

// NewSESTransport loads the AWS configuration and creates an SES client.
// Static credentials are used when both keys are set, the default
// credential chain otherwise.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESTransport{
		client:  sesv2.NewFromConfig(awsCfg),
		Backoff: retry.DefaultBackoffConfig(),
	}, nil
}

// NewSESTransportWithClient creates an SES transport with a custom client, used for testing.
func NewSESTransportWithClient(client SendEmailAPI, backoff retry.BackoffConfig) *SESTransport {
	return &SESTransport{client: client, Backoff: backoff}
}

func (s *SESTransport) Name() string {
	return "ses"
}

func (s *SESTransport) Submit(ctx context.Context, msg []byte, from string, rcpts []string) error {
	start := time.Now()
	err := s.submit(ctx, msg, from, rcpts)
	observe(s.Name(), start, err)
	return err
}

func (s *SESTransport) submit(ctx context.Context, msg []byte, from string, rcpts []string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	input := buildRawInput(msg, from, rcpts)

	attempt := 0
	return retry.WithRetryAdvanced(ctx, func() error {
		attempt++
		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			logger.DebugContext(ctx, "AUTORESPOND: SES accepted message", "message_id", aws.ToString(out.MessageId))
			return nil
		}

		terr := classifySESError(err)
		if terr.Permanent {
			return retry.Stop(terr)
		}
		logger.WarnContext(ctx, "AUTORESPOND: SES API error", "attempt", attempt, "error", err)
		return terr
	}, s.Backoff)
}

// buildRawInput wraps the finished message. The envelope sender is only
// set when there is one; SES then falls back to the From header.
func buildRawInput(msg []byte, from string, rcpts []string) *sesv2.SendEmailInput {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: rcpts,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg,
			},
		},
	}
	if from != "" {
		input.FromEmailAddress = aws.String(from)
	}
	return input
}

// classifySESError marks request rejections as permanent. Throttling and
// network errors stay temporary.
func classifySESError(err error) *TransportError {
	var (
		rejected      *types.MessageRejected
		notVerified   *types.MailFromDomainNotVerifiedException
		badRequest    *types.BadRequestException
		suspended     *types.AccountSuspendedException
		sendingPaused *types.SendingPausedException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &notVerified),
		errors.As(err, &badRequest),
		errors.As(err, &suspended),
		errors.As(err, &sendingPaused):
		return &TransportError{Err: err, Permanent: true}
	default:
		return &TransportError{Err: err}
	}
}
