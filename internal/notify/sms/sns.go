package sms

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

func init() {
	RegisterProvider(ProviderSNS, func(cfg Config, logger *zap.Logger) (Provider, error) {
		return NewSNSProvider(context.Background(), cfg.SNS, logger)
	})
}

// snsAPI is the slice of the SNS client this provider uses; tests inject
// a fake.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSProvider sends SMS via AWS SNS direct publish to a phone number.
type SNSProvider struct {
	api      snsAPI
	senderID string
	logger   *zap.Logger
}

// NewSNSProvider creates an SNS-backed provider using the default AWS
// credential chain.
func NewSNSProvider(ctx context.Context, cfg SNSProviderConfig, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return &SNSProvider{
		api:      sns.NewFromConfig(awsCfg),
		senderID: cfg.SenderID,
		logger:   logger,
	}, nil
}

// Name implements Provider.
func (p *SNSProvider) Name() string { return ProviderSNS }

// Send implements Provider.
func (p *SNSProvider) Send(ctx context.Context, req SendRequest) (Receipt, error) {
	input := &sns.PublishInput{
		PhoneNumber: aws.String(req.PhoneNumber),
		Message:     aws.String(req.Body),
	}
	if p.senderID != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(p.senderID),
			},
		}
	}

	result, err := p.api.Publish(ctx, input)
	if err != nil {
		return Receipt{}, fmt.Errorf("sns publish failed: %w", err)
	}

	p.logger.Debug("sms accepted by sns",
		zap.String("notification_id", req.NotificationID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return Receipt{ProviderRef: aws.ToString(result.MessageId)}, nil
}

// Status implements Provider. SNS offers no per-message delivery query;
// delivery reports only arrive through CloudWatch logs.
func (p *SNSProvider) Status(context.Context, string, string) (notify.DeliveryStatus, error) {
	return notify.StatusUnknown, ErrStatusUnsupported
}
