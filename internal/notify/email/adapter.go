// Package email implements the email channel adapter on top of AWS SES.
package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/metrics"
	"github.com/rkastur/pigeon/internal/notify"
)

// Config is the email channel configuration.
type Config struct {
	Region      string
	FromAddress string

	// SubjectPrefix, when set, is prepended to every subject line.
	SubjectPrefix string
}

// Channel implements notify.ChannelConfig.
func (Config) Channel() notify.Channel { return notify.ChannelEmail }

// Validate implements notify.ChannelConfig.
func (c Config) Validate() error {
	if c.FromAddress == "" {
		return fmt.Errorf("email: from_address is required")
	}
	if c.Region == "" {
		return fmt.Errorf("email: region is required")
	}
	return nil
}

// sesAPI is the slice of the SES client the adapter uses; tests inject a
// fake.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Adapter delivers email through AWS SES.
type Adapter struct {
	logger *zap.Logger

	mu    sync.RWMutex
	cfg   Config
	api   sesAPI
	ready bool
}

// New creates an uninitialized email adapter.
func New(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Channel implements notify.Adapter.
func (a *Adapter) Channel() notify.Channel { return notify.ChannelEmail }

// Initialize implements notify.Adapter.
func (a *Adapter) Initialize(ctx context.Context, raw notify.ChannelConfig) error {
	cfg, ok := raw.(Config)
	if !ok {
		if p, isPtr := raw.(*Config); isPtr {
			cfg, ok = *p, true
		}
	}
	if !ok {
		return fmt.Errorf("email: expected email.Config, got %T", raw)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("email: loading AWS config: %w", err)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.api = ses.NewFromConfig(awsCfg)
	a.ready = true
	a.mu.Unlock()

	a.logger.Info("email adapter initialized",
		zap.String("region", cfg.Region),
		zap.String("from", cfg.FromAddress),
	)
	return nil
}

// Ready implements notify.Adapter.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Send implements notify.Adapter.
func (a *Adapter) Send(ctx context.Context, recipient notify.Recipient, content notify.Content, _ *notify.Event, opts *notify.SendOptions) notify.Result {
	id := notify.ResolveNotificationID(opts)

	a.mu.RLock()
	cfg, api, ready := a.cfg, a.api, a.ready
	a.mu.RUnlock()

	if !ready {
		return notify.FailureResult(id, notify.CodeAdapterNotReady, "email adapter is not initialized")
	}

	address, ok := recipient.Address(notify.ChannelEmail)
	if !ok {
		return notify.FailureResult(id, notify.CodeEmailAddressMissing,
			fmt.Sprintf("recipient %s has no email address", recipient.ID))
	}

	subject := content.Title
	if cfg.SubjectPrefix != "" {
		subject = cfg.SubjectPrefix + " " + subject
	}

	emailBody := &types.Body{}
	if content.Format == notify.FormatHTML {
		emailBody.Html = &types.Content{Data: aws.String(content.Body), Charset: aws.String("UTF-8")}
	} else {
		emailBody.Text = &types.Content{Data: aws.String(content.Body), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source:      aws.String(cfg.FromAddress),
		Destination: &types.Destination{ToAddresses: []string{address}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body:    emailBody,
		},
	}

	start := time.Now()
	result, err := api.SendEmail(ctx, input)
	metrics.RecordDelivery(string(notify.ChannelEmail), "ses", err == nil, time.Since(start))

	if err != nil {
		a.logger.Warn("email send failed",
			zap.String("notification_id", id),
			zap.Error(err),
		)
		return notify.FailureResult(id, notify.CodeEmailSendFailed, err.Error())
	}

	a.logger.Info("email sent",
		zap.String("notification_id", id),
		zap.String("to", address),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return notify.SuccessResult(id, map[string]any{
		"provider":     "ses",
		"provider_ref": aws.ToString(result.MessageId),
	})
}

// SendBulk implements notify.Adapter. SES accepts one destination per
// SendEmail call here, so the batch is a sequential fan-out.
func (a *Adapter) SendBulk(ctx context.Context, recipients []notify.Recipient, content notify.Content, event *notify.Event, opts *notify.SendOptions) []notify.Result {
	results := make([]notify.Result, len(recipients))
	for i, recipient := range recipients {
		results[i] = a.Send(ctx, recipient, content, event, deriveOptions(opts, i))
	}
	return results
}

// Cancel implements notify.Adapter; email cannot be recalled.
func (a *Adapter) Cancel(_ context.Context, notificationID string) bool {
	a.logger.Warn("email delivery cannot be cancelled",
		zap.String("notification_id", notificationID),
	)
	return false
}

// Status implements notify.Adapter. SES reports bounces asynchronously
// via SNS topics, not a query API, so the status is inferred.
func (a *Adapter) Status(context.Context, string) notify.StatusInfo {
	return notify.InferredStatus(notify.StatusSent,
		"ses does not offer a per-message status query; inferred from accepted send")
}

func deriveOptions(opts *notify.SendOptions, index int) *notify.SendOptions {
	if opts == nil {
		return nil
	}
	derived := *opts
	if derived.NotificationID != "" {
		derived.NotificationID = fmt.Sprintf("%s-%d", opts.NotificationID, index)
	}
	return &derived
}
