// Package webhook implements the webhook channel adapter: signed HTTP
// delivery of a notification envelope in JSON, form, or XML, with
// retry-with-backoff and bulk coalescing for recipients sharing a target.
package webhook

import (
	"fmt"
	"time"

	"github.com/rkastur/pigeon/internal/notify"
)

// Format selects the wire serialization. Exactly one format is chosen per
// adapter configuration, not per call.
type Format string

const (
	FormatJSON Format = "json"
	FormatForm Format = "form"
	FormatXML  Format = "xml"
)

// Signature digests accepted in Config.SignatureAlgorithm.
const (
	AlgSHA256 = "sha256"
	AlgSHA512 = "sha512"
	AlgMD5    = "md5"
)

// Config is the webhook channel configuration. Immutable once passed to
// Initialize.
type Config struct {
	// DefaultURL is the fallback target when a recipient has no webhook
	// address configured.
	DefaultURL string

	// Method is the HTTP method (POST, PUT, or PATCH). Defaults to POST.
	Method string

	// WireFormat selects JSON (default), form, or XML serialization.
	WireFormat Format

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration

	// Headers are static headers attached to every request.
	Headers map[string]string

	// SigningSecret and SignatureHeader enable HMAC signing. The
	// signature always covers the canonical JSON envelope, regardless of
	// the wire format.
	SigningSecret   string
	SignatureHeader string

	// SignatureAlgorithm is sha256 (default), sha512, or md5.
	SignatureAlgorithm string

	// MaxRetries is the number of retries after the first attempt for
	// retryable failures (network errors, 5xx, 429, 408).
	MaxRetries int

	// RetryBaseInterval is the backoff base; the delay before retry n is
	// base * 2^n. Defaults to 1s.
	RetryBaseInterval time.Duration

	// BreakerEnabled guards HTTP delivery with a circuit breaker.
	BreakerEnabled bool
}

// Channel implements notify.ChannelConfig.
func (Config) Channel() notify.Channel { return notify.ChannelWebhook }

// Validate implements notify.ChannelConfig.
func (c Config) Validate() error {
	switch c.Method {
	case "", "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("webhook: method %q not supported (only POST, PUT, PATCH)", c.Method)
	}

	switch c.WireFormat {
	case "", FormatJSON, FormatForm, FormatXML:
	default:
		return fmt.Errorf("webhook: unsupported wire format %q", c.WireFormat)
	}

	switch c.SignatureAlgorithm {
	case "", AlgSHA256, AlgSHA512, AlgMD5:
	default:
		return fmt.Errorf("webhook: unsupported signature algorithm %q", c.SignatureAlgorithm)
	}

	if c.SigningSecret != "" && c.SignatureHeader == "" {
		return fmt.Errorf("webhook: signing secret set but signature header name is empty")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("webhook: max_retries must be >= 0")
	}
	if c.Timeout < 0 || c.RetryBaseInterval < 0 {
		return fmt.Errorf("webhook: timeouts must be >= 0")
	}
	return nil
}

// withDefaults returns a copy with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = "POST"
	}
	if c.WireFormat == "" {
		c.WireFormat = FormatJSON
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryBaseInterval == 0 {
		c.RetryBaseInterval = time.Second
	}
	if c.SignatureAlgorithm == "" {
		c.SignatureAlgorithm = AlgSHA256
	}
	return c
}
