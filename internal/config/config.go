// Package config loads service configuration from environment
// variables and assembles the per-channel adapter configurations.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rkastur/pigeon/internal/dedupe"
	"github.com/rkastur/pigeon/internal/notify"
	"github.com/rkastur/pigeon/internal/notify/email"
	"github.com/rkastur/pigeon/internal/notify/factory"
	"github.com/rkastur/pigeon/internal/notify/push"
	"github.com/rkastur/pigeon/internal/notify/sms"
	"github.com/rkastur/pigeon/internal/notify/webhook"
	"github.com/rkastur/pigeon/internal/report"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Channels to enable, comma separated (sms,webhook,email,push)
	EnabledChannels []string

	// Factory
	InitTimeout         time.Duration
	HealthCheckInterval time.Duration
	AutoRecovery        bool

	// SMS
	SMSProvider           string
	SMSDefaultCountryCode string
	SMSPrefix             string
	SMSMaxLength          int
	SMSAutoSplit          bool
	SMSTrackingBaseURL    string
	SMSStatusCallbackURL  string
	SMSPerSecond          float64
	SMSPerMinute          int

	// AWS (SNS SMS, SES email, SNS push, SQS reports)
	AWSRegion   string
	SNSSenderID string

	// Tencent Cloud SMS
	TencentRegion     string
	TencentSecretID   string
	TencentSecretKey  string
	TencentSdkAppID   string
	TencentSignName   string
	TencentTemplateID string

	// Aliyun SMS
	AliyunRegionID        string
	AliyunAccessKeyID     string
	AliyunAccessKeySecret string
	AliyunSignName        string
	AliyunTemplateCode    string

	// Email
	SESFromEmail       string
	EmailSubjectPrefix string

	// Webhook
	WebhookDefaultURL    string
	WebhookMethod        string
	WebhookFormat        string
	WebhookTimeout       time.Duration
	WebhookSecret        string
	WebhookSigHeader     string
	WebhookSigAlgorithm  string
	WebhookMaxRetries    int
	WebhookRetryInterval time.Duration

	// Redis (send deduplication)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Delivery reports
	ReportQueueURL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		EnabledChannels: []string{"sms", "webhook"},

		InitTimeout:         10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		AutoRecovery:        true,

		SMSProvider:           sms.ProviderSNS,
		SMSDefaultCountryCode: "1",
		SMSMaxLength:          160,
		SMSPerSecond:          10,
		SMSPerMinute:          300,

		AWSRegion: "us-east-1",

		SESFromEmail: "noreply@pigeon.local",

		WebhookMethod:        "POST",
		WebhookFormat:        "json",
		WebhookTimeout:       30 * time.Second,
		WebhookSigHeader:     "X-Signature",
		WebhookSigAlgorithm:  "sha256",
		WebhookMaxRetries:    3,
		WebhookRetryInterval: time.Second,

		RedisPort: 6379,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if channels := os.Getenv("ENABLED_CHANNELS"); channels != "" {
		cfg.EnabledChannels = nil
		for _, ch := range strings.Split(channels, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				cfg.EnabledChannels = append(cfg.EnabledChannels, ch)
			}
		}
	}

	if v := os.Getenv("INIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid INIT_TIMEOUT: %w", err)
		}
		cfg.InitTimeout = d
	}

	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEALTH_CHECK_INTERVAL: %w", err)
		}
		cfg.HealthCheckInterval = d
	}

	if v := os.Getenv("AUTO_RECOVERY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AUTO_RECOVERY: %w", err)
		}
		cfg.AutoRecovery = b
	}

	// SMS config
	if provider := os.Getenv("SMS_PROVIDER"); provider != "" {
		cfg.SMSProvider = provider
	}

	if code := os.Getenv("SMS_DEFAULT_COUNTRY_CODE"); code != "" {
		cfg.SMSDefaultCountryCode = code
	}

	cfg.SMSPrefix = os.Getenv("SMS_PREFIX")

	if v := os.Getenv("SMS_MAX_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_MAX_LENGTH: %w", err)
		}
		cfg.SMSMaxLength = n
	}

	if v := os.Getenv("SMS_AUTO_SPLIT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_AUTO_SPLIT: %w", err)
		}
		cfg.SMSAutoSplit = b
	}

	cfg.SMSTrackingBaseURL = os.Getenv("SMS_TRACKING_BASE_URL")
	cfg.SMSStatusCallbackURL = os.Getenv("SMS_STATUS_CALLBACK_URL")

	if v := os.Getenv("SMS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_PER_SECOND: %w", err)
		}
		cfg.SMSPerSecond = f
	}

	if v := os.Getenv("SMS_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMS_PER_MINUTE: %w", err)
		}
		cfg.SMSPerMinute = n
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	cfg.SNSSenderID = os.Getenv("SNS_SENDER_ID")

	// Tencent Cloud config
	cfg.TencentRegion = os.Getenv("TENCENT_REGION")
	cfg.TencentSecretID = os.Getenv("TENCENT_SECRET_ID")
	cfg.TencentSecretKey = os.Getenv("TENCENT_SECRET_KEY")
	cfg.TencentSdkAppID = os.Getenv("TENCENT_SMS_SDK_APP_ID")
	cfg.TencentSignName = os.Getenv("TENCENT_SMS_SIGN_NAME")
	cfg.TencentTemplateID = os.Getenv("TENCENT_SMS_TEMPLATE_ID")

	// Aliyun config
	cfg.AliyunRegionID = os.Getenv("ALIYUN_REGION_ID")
	cfg.AliyunAccessKeyID = os.Getenv("ALIYUN_ACCESS_KEY_ID")
	cfg.AliyunAccessKeySecret = os.Getenv("ALIYUN_ACCESS_KEY_SECRET")
	cfg.AliyunSignName = os.Getenv("ALIYUN_SMS_SIGN_NAME")
	cfg.AliyunTemplateCode = os.Getenv("ALIYUN_SMS_TEMPLATE_CODE")

	// Email config
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.EmailSubjectPrefix = os.Getenv("EMAIL_SUBJECT_PREFIX")

	// Webhook config
	cfg.WebhookDefaultURL = os.Getenv("WEBHOOK_DEFAULT_URL")

	if method := os.Getenv("WEBHOOK_METHOD"); method != "" {
		cfg.WebhookMethod = method
	}

	if format := os.Getenv("WEBHOOK_FORMAT"); format != "" {
		cfg.WebhookFormat = format
	}

	if v := os.Getenv("WEBHOOK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = d
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")

	if header := os.Getenv("WEBHOOK_SIGNATURE_HEADER"); header != "" {
		cfg.WebhookSigHeader = header
	}

	if alg := os.Getenv("WEBHOOK_SIGNATURE_ALGORITHM"); alg != "" {
		cfg.WebhookSigAlgorithm = alg
	}

	if v := os.Getenv("WEBHOOK_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_MAX_RETRIES: %w", err)
		}
		cfg.WebhookMaxRetries = n
	}

	if v := os.Getenv("WEBHOOK_RETRY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_RETRY_INTERVAL: %w", err)
		}
		cfg.WebhookRetryInterval = d
	}

	// Redis config
	cfg.RedisHost = os.Getenv("REDIS_HOST")

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Delivery report config
	cfg.ReportQueueURL = os.Getenv("REPORT_QUEUE_URL")

	return cfg, nil
}

// SMSConfig builds the SMS adapter configuration.
func (c *Config) SMSConfig() sms.Config {
	return sms.Config{
		Provider: c.SMSProvider,
		SNS: sms.SNSProviderConfig{
			Region:   c.AWSRegion,
			SenderID: c.SNSSenderID,
		},
		Tencent: sms.TencentProviderConfig{
			Region:     c.TencentRegion,
			SecretID:   c.TencentSecretID,
			SecretKey:  c.TencentSecretKey,
			SdkAppID:   c.TencentSdkAppID,
			SignName:   c.TencentSignName,
			TemplateID: c.TencentTemplateID,
		},
		Aliyun: sms.AliyunProviderConfig{
			RegionID:        c.AliyunRegionID,
			AccessKeyID:     c.AliyunAccessKeyID,
			AccessKeySecret: c.AliyunAccessKeySecret,
			SignName:        c.AliyunSignName,
			TemplateCode:    c.AliyunTemplateCode,
		},
		DefaultCountryCode: c.SMSDefaultCountryCode,
		MessagePrefix:      c.SMSPrefix,
		MaxLength:          c.SMSMaxLength,
		AutoSplit:          c.SMSAutoSplit,
		TrackingBaseURL:    c.SMSTrackingBaseURL,
		StatusCallbackURL:  c.SMSStatusCallbackURL,
		MessagesPerSecond:  c.SMSPerSecond,
		MessagesPerMinute:  c.SMSPerMinute,
		BreakerEnabled:     true,
	}
}

// WebhookConfig builds the webhook adapter configuration.
func (c *Config) WebhookConfig() webhook.Config {
	return webhook.Config{
		DefaultURL:         c.WebhookDefaultURL,
		Method:             c.WebhookMethod,
		WireFormat:         webhook.Format(c.WebhookFormat),
		Timeout:            c.WebhookTimeout,
		SigningSecret:      c.WebhookSecret,
		SignatureHeader:    c.WebhookSigHeader,
		SignatureAlgorithm: c.WebhookSigAlgorithm,
		MaxRetries:         c.WebhookMaxRetries,
		RetryBaseInterval:  c.WebhookRetryInterval,
		BreakerEnabled:     true,
	}
}

// EmailConfig builds the email adapter configuration.
func (c *Config) EmailConfig() email.Config {
	return email.Config{
		Region:        c.AWSRegion,
		FromAddress:   c.SESFromEmail,
		SubjectPrefix: c.EmailSubjectPrefix,
	}
}

// PushConfig builds the push adapter configuration.
func (c *Config) PushConfig() push.Config {
	return push.Config{Region: c.AWSRegion}
}

// FactoryConfig assembles the factory configuration for the enabled
// channels.
func (c *Config) FactoryConfig() (factory.Config, error) {
	channelCfgs := map[notify.Channel]notify.ChannelConfig{
		notify.ChannelSMS:     c.SMSConfig(),
		notify.ChannelWebhook: c.WebhookConfig(),
		notify.ChannelEmail:   c.EmailConfig(),
		notify.ChannelPush:    c.PushConfig(),
	}

	var enabled []notify.Channel
	for _, name := range c.EnabledChannels {
		ch := notify.Channel(name)
		if !ch.Valid() {
			return factory.Config{}, fmt.Errorf("unknown channel %q in ENABLED_CHANNELS", name)
		}
		enabled = append(enabled, ch)
	}

	return factory.Config{
		EnabledChannels:     enabled,
		ChannelConfigs:      channelCfgs,
		InitTimeout:         c.InitTimeout,
		AutoRecovery:        c.AutoRecovery,
		HealthCheckInterval: c.HealthCheckInterval,
	}, nil
}

// DedupeConfig builds the send deduplication configuration.
func (c *Config) DedupeConfig() dedupe.Config {
	return dedupe.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// ReportConfig builds the delivery report configuration.
func (c *Config) ReportConfig() report.Config {
	return report.Config{
		Region:   c.AWSRegion,
		QueueURL: c.ReportQueueURL,
	}
}
