// Package report publishes delivery outcomes to an SQS queue so
// downstream consumers (analytics, billing, user-facing history) can
// process them asynchronously. Publishing is best-effort: a report
// failure never fails the delivery it describes.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

// Config holds delivery-report queue configuration. An empty QueueURL
// disables reporting.
type Config struct {
	Region   string
	QueueURL string
}

// Enabled reports whether delivery reporting is configured.
func (c Config) Enabled() bool { return c.QueueURL != "" }

// DeliveryReport is the payload published for each delivery attempt.
type DeliveryReport struct {
	NotificationID string         `json:"notification_id"`
	Channel        string         `json:"channel"`
	RecipientID    string         `json:"recipient_id"`
	Success        bool           `json:"success"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	DeliveredAt    int64          `json:"delivered_at"`
	ReportedAt     int64          `json:"reported_at"`
}

// sqsAPI is the slice of the SQS client the producer uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer publishes delivery reports.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates an SQS-backed report producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("delivery report producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends one delivery report. Failures are logged and swallowed.
func (p *Producer) Publish(ctx context.Context, channel notify.Channel, recipientID string, res notify.Result) {
	rep := DeliveryReport{
		NotificationID: res.NotificationID,
		Channel:        string(channel),
		RecipientID:    recipientID,
		Success:        res.Success,
		ErrorCode:      res.ErrorCode,
		ErrorMessage:   res.ErrorMessage,
		Details:        res.Details,
		DeliveredAt:    res.Timestamp.UnixNano(),
		ReportedAt:     time.Now().UnixNano(),
	}

	body, err := json.Marshal(rep)
	if err != nil {
		p.logger.Error("failed to marshal delivery report", zap.Error(err))
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Warn("failed to publish delivery report",
			zap.Error(err),
			zap.String("notification_id", res.NotificationID),
		)
	}
}

// PublishBatch publishes one report per result.
func (p *Producer) PublishBatch(ctx context.Context, channel notify.Channel, recipients []notify.Recipient, results []notify.Result) {
	for i, res := range results {
		recipientID := ""
		if i < len(recipients) {
			recipientID = recipients[i].ID
		}
		p.Publish(ctx, channel, recipientID, res)
	}
}
