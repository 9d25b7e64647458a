// Package notify defines the domain model shared by every delivery channel:
// recipients, content, results, and the Adapter contract each channel implements.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies a notification transport. It names both the
// configuration slot and the adapter implementation for that transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Valid reports whether the channel is one of the supported transports.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook:
		return true
	default:
		return false
	}
}

// ContentFormat describes how the message body should be interpreted.
type ContentFormat string

const (
	FormatText     ContentFormat = "text"
	FormatHTML     ContentFormat = "html"
	FormatMarkdown ContentFormat = "markdown"
)

// Action is a link the recipient can follow from the notification.
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Attachment carries binary or textual content alongside a notification.
// Channels that cannot transport binary data (SMS, webhook) expose only
// its metadata.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Size returns the attachment payload size in bytes.
func (a Attachment) Size() int { return len(a.Data) }

// Content is the channel-agnostic message payload. Adapters pick the
// pieces their transport can carry.
type Content struct {
	Title        string
	Body         string
	Format       ContentFormat
	Actions      []Action
	Attachments  []Attachment
	ResourceURLs []string
}

// Recipient is the addressed target of a notification. A recipient may
// hold zero or more addresses per channel; a missing address for the
// target channel is a per-recipient failure, not a process failure.
type Recipient struct {
	ID        string
	Type      string
	Addresses map[Channel][]string
}

// Address returns the recipient's primary (first) address for the channel.
func (r Recipient) Address(ch Channel) (string, bool) {
	addrs := r.Addresses[ch]
	if len(addrs) == 0 || addrs[0] == "" {
		return "", false
	}
	return addrs[0], true
}

// Event is the optional domain event that triggered a notification.
// Adapters may embed its metadata in outbound payloads but must work
// without it.
type Event struct {
	ID        string         `json:"id"`
	Code      string         `json:"code"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SendOptions carries caller-controlled extras for a single send.
type SendOptions struct {
	// NotificationID is the caller-supplied ID for this logical send
	// attempt. When empty the adapter generates one. The ID is stable
	// across internal retries of the same attempt.
	NotificationID string

	// Tracking is an opaque metadata bag forwarded to channels that can
	// carry it (webhook payload, SMS status callback).
	Tracking map[string]string
}

// NotificationID returns the caller-supplied ID or a freshly generated one.
func (o *SendOptions) notificationID() string {
	if o != nil && o.NotificationID != "" {
		return o.NotificationID
	}
	return uuid.NewString()
}

// ResolveNotificationID extracts the notification ID from options,
// generating a new UUID when the caller did not supply one.
func ResolveNotificationID(opts *SendOptions) string {
	return opts.notificationID()
}

// Result is the outcome of one delivery attempt for one recipient.
// Success means the provider acknowledged the message (SID, HTTP 2xx);
// it does not mean final delivery to the end user.
type Result struct {
	Success        bool           `json:"success"`
	NotificationID string         `json:"notification_id"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SuccessResult builds a successful result stamped with the current time.
func SuccessResult(notificationID string, details map[string]any) Result {
	return Result{
		Success:        true,
		NotificationID: notificationID,
		Details:        details,
		Timestamp:      time.Now(),
	}
}

// FailureResult builds a failed result with a stable error code.
func FailureResult(notificationID, code, message string) Result {
	return Result{
		Success:        false,
		NotificationID: notificationID,
		ErrorCode:      code,
		ErrorMessage:   message,
		Timestamp:      time.Now(),
	}
}

// DeliveryStatus is the adapter-level view of where a notification is in
// its lifecycle.
type DeliveryStatus string

const (
	StatusScheduled DeliveryStatus = "scheduled"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusUnknown   DeliveryStatus = "unknown"
)

// StatusInfo is the answer of a best-effort status lookup. When the
// provider offers no query API the status is inferred and Details says so.
type StatusInfo struct {
	Status    DeliveryStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// InferredStatus builds a StatusInfo for providers without a status API.
func InferredStatus(status DeliveryStatus, note string) StatusInfo {
	return StatusInfo{
		Status:    status,
		Timestamp: time.Now(),
		Details: map[string]any{
			"inferred": true,
			"note":     note,
		},
	}
}
