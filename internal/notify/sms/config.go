// Package sms implements the SMS channel adapter. Delivery goes through a
// pluggable provider selected at initialization; the adapter itself owns
// phone-number normalization, message composition, and bulk throttling.
package sms

import (
	"fmt"

	"github.com/rkastur/pigeon/internal/notify"
)

// Provider identifiers accepted in Config.Provider. Each one must have a
// registered provider factory (see provider.go).
const (
	ProviderSNS     = "sns"
	ProviderTencent = "tencentcloud"
	ProviderAliyun  = "aliyun"
	ProviderMemory  = "memory"
)

// SNSProviderConfig configures the AWS SNS provider.
type SNSProviderConfig struct {
	Region   string
	SenderID string // optional alphanumeric sender ID
}

// TencentProviderConfig configures the Tencent Cloud SMS provider.
// Tencent only sends through approved templates, so the message body is
// passed as the template's single parameter.
type TencentProviderConfig struct {
	Region     string
	SecretID   string
	SecretKey  string
	SdkAppID   string
	SignName   string
	TemplateID string
}

// AliyunProviderConfig configures the Alibaba Cloud SMS provider. Like
// Tencent, Aliyun sends through approved templates.
type AliyunProviderConfig struct {
	RegionID        string
	AccessKeyID     string
	AccessKeySecret string
	SignName        string
	TemplateCode    string
}

// Config is the SMS channel configuration. It is immutable once passed to
// Initialize.
type Config struct {
	// Provider selects the transport: sns, tencentcloud, aliyun, or
	// memory (in-process, for tests and development).
	Provider string

	SNS     SNSProviderConfig
	Tencent TencentProviderConfig
	Aliyun  AliyunProviderConfig

	// DefaultCountryCode (e.g. "+1") is prepended to national-format
	// numbers during normalization.
	DefaultCountryCode string

	// MessagePrefix, when set, is prepended to every message body.
	MessagePrefix string

	// MaxLength is the hard ceiling on composed message length; 0 means
	// unlimited. Messages over the ceiling are truncated with an
	// ellipsis.
	MaxLength int

	// AutoSplit is accepted for configuration compatibility but only
	// gates the truncate branch; splitting into multiple provider sends
	// is not implemented.
	AutoSplit bool

	// TrackingBaseURL, when set, replaces an action URL in the content
	// with TrackingBaseURL/<notificationID>.
	TrackingBaseURL string

	// StatusCallbackURL, when set, is passed to providers that support
	// delivery callbacks, with the notification ID appended.
	StatusCallbackURL string

	// MessagesPerSecond paces individual sends inside a bulk batch;
	// 0 disables pacing.
	MessagesPerSecond float64

	// MessagesPerMinute is the hard per-minute cap inside a bulk batch;
	// when reached the batch sleeps until the minute window rolls over.
	// 0 disables the cap.
	MessagesPerMinute int

	// BreakerEnabled guards provider calls with a circuit breaker.
	BreakerEnabled bool
}

// Channel implements notify.ChannelConfig.
func (Config) Channel() notify.Channel { return notify.ChannelSMS }

// Validate implements notify.ChannelConfig. It checks the provider slot
// eagerly so misconfiguration fails at startup, not at first send.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderSNS:
		if c.SNS.Region == "" {
			return fmt.Errorf("sms: sns provider requires a region")
		}
	case ProviderTencent:
		t := c.Tencent
		if t.SecretID == "" || t.SecretKey == "" || t.SdkAppID == "" || t.TemplateID == "" {
			return fmt.Errorf("sms: tencentcloud provider requires secret_id, secret_key, sdk_app_id, and template_id")
		}
	case ProviderAliyun:
		a := c.Aliyun
		if a.AccessKeyID == "" || a.AccessKeySecret == "" || a.SignName == "" || a.TemplateCode == "" {
			return fmt.Errorf("sms: aliyun provider requires access_key_id, access_key_secret, sign_name, and template_code")
		}
	case ProviderMemory:
		// nothing to check
	case "":
		return fmt.Errorf("sms: provider is required")
	default:
		// externally registered providers validate themselves
		if !providerRegistered(c.Provider) {
			return fmt.Errorf("sms: unsupported provider %q", c.Provider)
		}
	}

	if c.MaxLength < 0 {
		return fmt.Errorf("sms: max_length must be >= 0")
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("sms: messages_per_second must be >= 0")
	}
	if c.MessagesPerMinute < 0 {
		return fmt.Errorf("sms: messages_per_minute must be >= 0")
	}
	return nil
}
