package notify

import (
	"context"
	"strconv"
)

// ChannelConfig is the per-channel configuration contract. Each adapter
// package defines its own concrete variant carrying only the fields that
// channel needs; Validate runs eagerly at construction, not at first use.
type ChannelConfig interface {
	Channel() Channel
	Validate() error
}

// Adapter is the uniform contract every channel implements.
//
// Send and SendBulk never let errors cross their boundary: provider and
// network failures are converted into failed Results carrying a stable
// error code. Initialize may fail, leaving the adapter not ready.
type Adapter interface {
	// Channel identifies the transport this adapter serves.
	Channel() Channel

	// Initialize establishes provider clients from the given config.
	// It is safe to call again after a failure.
	Initialize(ctx context.Context, cfg ChannelConfig) error

	// Ready is a cheap check of internal readiness. It does not probe
	// the remote provider.
	Ready() bool

	// Send delivers to the recipient's primary address for this channel
	// and returns exactly one result.
	Send(ctx context.Context, recipient Recipient, content Content, event *Event, opts *SendOptions) Result

	// SendBulk delivers to many recipients honoring channel batching and
	// rate rules. It returns exactly one result per input recipient, in
	// input order.
	SendBulk(ctx context.Context, recipients []Recipient, content Content, event *Event, opts *SendOptions) []Result

	// Cancel is best-effort. Channels without cancellable semantics
	// return false unconditionally and log a warning.
	Cancel(ctx context.Context, notificationID string) bool

	// Status is a best-effort lookup, falling back to an inferred status
	// when the provider offers no query API.
	Status(ctx context.Context, notificationID string) StatusInfo
}

// Stable error codes carried by failed Results.
const (
	CodePhoneNumberMissing  = "PHONE_NUMBER_MISSING"
	CodeSMSSendFailed       = "SMS_SEND_FAILED"
	CodeEmailAddressMissing = "EMAIL_ADDRESS_MISSING"
	CodeEmailSendFailed     = "EMAIL_SEND_FAILED"
	CodePushTokenMissing    = "PUSH_TOKEN_MISSING"
	CodePushSendFailed      = "PUSH_SEND_FAILED"
	CodeWebhookURLMissing   = "WEBHOOK_URL_MISSING"
	CodeWebhookSendFailed   = "WEBHOOK_SEND_FAILED"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeAdapterNotReady     = "ADAPTER_NOT_READY"
)

// HTTPErrorCode builds the HTTP_ERROR_<status> code for terminal webhook
// failures.
func HTTPErrorCode(status int) string {
	return "HTTP_ERROR_" + strconv.Itoa(status)
}
