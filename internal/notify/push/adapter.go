// Package push implements the push channel adapter on top of AWS SNS
// platform endpoints. The recipient's push address is an endpoint ARN.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/metrics"
	"github.com/rkastur/pigeon/internal/notify"
)

// Config is the push channel configuration.
type Config struct {
	Region string
}

// Channel implements notify.ChannelConfig.
func (Config) Channel() notify.Channel { return notify.ChannelPush }

// Validate implements notify.ChannelConfig.
func (c Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("push: region is required")
	}
	return nil
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Adapter delivers mobile push notifications via SNS platform endpoints.
type Adapter struct {
	logger *zap.Logger

	mu    sync.RWMutex
	api   snsAPI
	ready bool
}

// New creates an uninitialized push adapter.
func New(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Channel implements notify.Adapter.
func (a *Adapter) Channel() notify.Channel { return notify.ChannelPush }

// Initialize implements notify.Adapter.
func (a *Adapter) Initialize(ctx context.Context, raw notify.ChannelConfig) error {
	cfg, ok := raw.(Config)
	if !ok {
		if p, isPtr := raw.(*Config); isPtr {
			cfg, ok = *p, true
		}
	}
	if !ok {
		return fmt.Errorf("push: expected push.Config, got %T", raw)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("push: loading AWS config: %w", err)
	}

	a.mu.Lock()
	a.api = sns.NewFromConfig(awsCfg)
	a.ready = true
	a.mu.Unlock()

	a.logger.Info("push adapter initialized", zap.String("region", cfg.Region))
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
	api, ready := a.api, a.ready
	a.mu.RUnlock()

	if !ready {
		return notify.FailureResult(id, notify.CodeAdapterNotReady, "push adapter is not initialized")
	}

	endpointARN, ok := recipient.Address(notify.ChannelPush)
	if !ok {
		return notify.FailureResult(id, notify.CodePushTokenMissing,
			fmt.Sprintf("recipient %s has no push endpoint", recipient.ID))
	}

	message, err := platformMessage(content)
	if err != nil {
		return notify.FailureResult(id, notify.CodePushSendFailed, err.Error())
	}

	input := &sns.PublishInput{
		TargetArn:        aws.String(endpointARN),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	}

	start := time.Now()
	result, err := api.Publish(ctx, input)
	metrics.RecordDelivery(string(notify.ChannelPush), "sns", err == nil, time.Since(start))

	if err != nil {
		a.logger.Warn("push send failed",
			zap.String("notification_id", id),
			zap.Error(err),
		)
		return notify.FailureResult(id, notify.CodePushSendFailed, err.Error())
	}

	a.logger.Info("push sent",
		zap.String("notification_id", id),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return notify.SuccessResult(id, map[string]any{
		"provider":     "sns",
		"provider_ref": aws.ToString(result.MessageId),
	})
}

// SendBulk implements notify.Adapter as a sequential fan-out; SNS
// platform publishes are one endpoint per call.
func (a *Adapter) SendBulk(ctx context.Context, recipients []notify.Recipient, content notify.Content, event *notify.Event, opts *notify.SendOptions) []notify.Result {
	results := make([]notify.Result, len(recipients))
	for i, recipient := range recipients {
		results[i] = a.Send(ctx, recipient, content, event, deriveOptions(opts, i))
	}
	return results
}

// Cancel implements notify.Adapter; a published push cannot be recalled.
func (a *Adapter) Cancel(_ context.Context, notificationID string) bool {
	a.logger.Warn("push delivery cannot be cancelled",
		zap.String("notification_id", notificationID),
	)
	return false
}

// Status implements notify.Adapter.
func (a *Adapter) Status(context.Context, string) notify.StatusInfo {
	return notify.InferredStatus(notify.StatusSent,
		"sns platform publish offers no status query; inferred from accepted send")
}

// platformMessage builds the SNS multi-platform JSON message with GCM and
// APNS bodies plus the mandatory default fallback.
func platformMessage(content notify.Content) (string, error) {
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": content.Title,
			"body":  content.Body,
		},
	})
	if err != nil {
		return "", fmt.Errorf("push: building GCM payload: %w", err)
	}

	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{
				"title": content.Title,
				"body":  content.Body,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("push: building APNS payload: %w", err)
	}

	wrapper, err := json.Marshal(map[string]string{
		"default": content.Body,
		"GCM":     string(gcm),
		"APNS":    string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("push: building platform message: %w", err)
	}
	return string(wrapper), nil
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
