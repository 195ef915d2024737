package sender

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/pulsemail/relay/internal/config"
	"github.com/pulsemail/relay/internal/pkg/logger"
)

// SESSender delivers mail through AWS SES v2.
type SESSender struct {
	client *sesv2.Client
	cfg    config.SESConfig
}

// NewSESSender builds the SES client. Credentials come from the standard
// AWS chain (env, shared config, instance role); AWS_ACCESS_KEY_ID plus
// AWS_SECRET_ACCESS_KEY in the environment takes that path too, so static
// credentials need no special casing beyond the explicit override.
func NewSESSender(ctx context.Context, cfg config.SESConfig, accessKey, secretKey string) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESSender{client: sesv2.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// Send delivers one email. Provider rejections come back as *SendError so
// the worker can classify them; transport errors pass through untouched.
func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	fromName := msg.FromName
	if fromName == "" {
		fromName = s.cfg.FromName
	}
	fromEmail := msg.FromEmail
	if fromEmail == "" {
		fromEmail = s.cfg.FromEmail
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", fromName, fromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("contact_id"), Value: aws.String(msg.ContactID)},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, wrapSESError(err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)

	return &Result{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}

// wrapSESError maps SES API exceptions onto SendError with an SMTP-flavored
// code the classifier understands.
func wrapSESError(err error) error {
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return &SendError{Code: 429, Msg: err.Error()}
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return &SendError{Code: 550, Msg: err.Error()}
	}
	var accountSuspended *types.AccountSuspendedException
	if errors.As(err, &accountSuspended) {
		return &SendError{Code: 554, Msg: err.Error()}
	}
	var sendingPaused *types.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return &SendError{Code: 421, Msg: err.Error()}
	}
	var badRequest *types.BadRequestException
	if errors.As(err, &badRequest) {
		return &SendError{Code: 550, Msg: err.Error()}
	}
	var msgRejected *types.MessageRejected
	if errors.As(err, &msgRejected) {
		return &SendError{Code: 550, Msg: err.Error()}
	}
	// Network/transport failure: no provider verdict
	return err
}
