package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/breaker"
	"github.com/rkastur/pigeon/internal/metrics"
	"github.com/rkastur/pigeon/internal/notify"
)

// Adapter delivers notification envelopes to HTTP(S) endpoints. Bulk
// sends coalesce recipients sharing a resolved target URL into a single
// batched request.
type Adapter struct {
	logger *zap.Logger

	mu     sync.RWMutex
	cfg    Config
	client *http.Client
	brk    *breaker.Breaker
	ready  bool

	// test seam for backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an uninitialized webhook adapter.
func New(logger *zap.Logger) *Adapter {
	return &Adapter{
		logger: logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Channel implements notify.Adapter.
func (a *Adapter) Channel() notify.Channel { return notify.ChannelWebhook }

// Initialize implements notify.Adapter.
func (a *Adapter) Initialize(_ context.Context, raw notify.ChannelConfig) error {
	cfg, ok := raw.(Config)
	if !ok {
		if p, isPtr := raw.(*Config); isPtr {
			cfg, ok = *p, true
		}
	}
	if !ok {
		return fmt.Errorf("webhook: expected webhook.Config, got %T", raw)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	var brk *breaker.Breaker
	if cfg.BreakerEnabled {
		brk = breaker.New(breaker.DefaultConfig("webhook"), a.logger)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.client = &http.Client{Timeout: cfg.Timeout}
	a.brk = brk
	a.ready = true
	a.mu.Unlock()

	a.logger.Info("webhook adapter initialized",
		zap.String("method", cfg.Method),
		zap.String("format", string(cfg.WireFormat)),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Bool("signing", cfg.SigningSecret != ""),
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
func (a *Adapter) Send(ctx context.Context, recipient notify.Recipient, content notify.Content, event *notify.Event, opts *notify.SendOptions) notify.Result {
	id := notify.ResolveNotificationID(opts)

	a.mu.RLock()
	cfg, ready := a.cfg, a.ready
	a.mu.RUnlock()

	if !ready {
		return notify.FailureResult(id, notify.CodeAdapterNotReady, "webhook adapter is not initialized")
	}

	target := a.resolveTarget(cfg, recipient)
	if target == "" {
		a.logger.Debug("recipient has no webhook target",
			zap.String("recipient_id", recipient.ID),
			zap.String("notification_id", id),
		)
		return notify.FailureResult(id, notify.CodeWebhookURLMissing,
			fmt.Sprintf("recipient %s has no webhook URL and no default URL is configured", recipient.ID))
	}

	env := buildEnvelope(id, content, []notify.Recipient{recipient}, event, tracking(opts))
	return a.deliver(ctx, cfg, target, env, id, "")
}

// SendBulk implements notify.Adapter. Recipients sharing a resolved
// target URL are grouped; groups of size >= 2 go out as one batched HTTP
// request whose single outcome fans out to every recipient in the group.
func (a *Adapter) SendBulk(ctx context.Context, recipients []notify.Recipient, content notify.Content, event *notify.Event, opts *notify.SendOptions) []notify.Result {
	a.mu.RLock()
	cfg, ready := a.cfg, a.ready
	a.mu.RUnlock()

	results := make([]notify.Result, len(recipients))

	if !ready {
		for i := range recipients {
			results[i] = notify.FailureResult(
				notify.ResolveNotificationID(bulkOptions(opts, i)),
				notify.CodeAdapterNotReady, "webhook adapter is not initialized")
		}
		return results
	}

	// group indices by resolved target, preserving first-appearance order
	groups := make(map[string][]int)
	var order []string
	for i, recipient := range recipients {
		target := a.resolveTarget(cfg, recipient)
		if target == "" {
			results[i] = notify.FailureResult(
				notify.ResolveNotificationID(bulkOptions(opts, i)),
				notify.CodeWebhookURLMissing,
				fmt.Sprintf("recipient %s has no webhook URL and no default URL is configured", recipient.ID))
			continue
		}
		if _, seen := groups[target]; !seen {
			order = append(order, target)
		}
		groups[target] = append(groups[target], i)
	}

	for _, target := range order {
		indices := groups[target]

		if len(indices) == 1 {
			i := indices[0]
			results[i] = a.Send(ctx, recipients[i], content, event, bulkOptions(opts, i))
			continue
		}

		group := make([]notify.Recipient, len(indices))
		for gi, i := range indices {
			group[gi] = recipients[i]
		}

		batchID := uuid.NewString()
		baseID := notify.ResolveNotificationID(opts)
		env := buildEnvelope(baseID, content, group, event, tracking(opts))

		metrics.RecordCoalescedBatch()
		a.logger.Info("coalescing webhook recipients",
			zap.String("batch_id", batchID),
			zap.Int("batch_size", len(group)),
		)

		groupResult := a.deliver(ctx, cfg, target, env, baseID, batchID)

		// expand the single batched outcome to every group member
		for _, i := range indices {
			r := groupResult
			r.NotificationID = fmt.Sprintf("%s-%d", baseID, i)
			details := make(map[string]any, len(groupResult.Details)+1)
			for k, v := range groupResult.Details {
				details[k] = v
			}
			details["batch_id"] = batchID
			r.Details = details
			results[i] = r
		}
	}

	return results
}

// Cancel implements notify.Adapter. Webhook delivery is fire-and-forget;
// this is a documented limitation.
func (a *Adapter) Cancel(_ context.Context, notificationID string) bool {
	a.logger.Warn("webhook delivery cannot be cancelled",
		zap.String("notification_id", notificationID),
	)
	return false
}

// Status implements notify.Adapter. The status reflects only the outcome
// of the HTTP exchange, not downstream processing by the receiver.
func (a *Adapter) Status(_ context.Context, _ string) notify.StatusInfo {
	return notify.InferredStatus(notify.StatusDelivered,
		"status reflects the HTTP exchange only, not downstream processing by the receiver")
}

// resolveTarget picks the recipient's first webhook URL, falling back to
// the configured default.
func (a *Adapter) resolveTarget(cfg Config, recipient notify.Recipient) string {
	if addr, ok := recipient.Address(notify.ChannelWebhook); ok {
		return addr
	}
	return cfg.DefaultURL
}

// deliver serializes the envelope, signs it, and runs the retry loop.
// Only network errors, 5xx, 429, and 408 are retried; other statuses are
// terminal.
func (a *Adapter) deliver(ctx context.Context, cfg Config, target string, env envelope, id, batchID string) notify.Result {
	canonical, err := json.Marshal(env)
	if err != nil {
		return notify.FailureResult(id, notify.CodeWebhookSendFailed,
			fmt.Sprintf("serializing payload: %v", err))
	}

	body, contentType, err := wireBody(cfg.WireFormat, canonical)
	if err != nil {
		return notify.FailureResult(id, notify.CodeWebhookSendFailed, err.Error())
	}

	var signature string
	if cfg.SigningSecret != "" && cfg.SignatureHeader != "" {
		signature, err = sign(cfg.SigningSecret, cfg.SignatureAlgorithm, canonical)
		if err != nil {
			return notify.FailureResult(id, notify.CodeWebhookSendFailed, err.Error())
		}
	}

	a.mu.RLock()
	client, brk := a.client, a.brk
	a.mu.RUnlock()

	start := time.Now()
	var lastStatus int
	var lastErr error

	for attempt := 0; ; attempt++ {
		if brk != nil && !brk.Allow() {
			return notify.FailureResult(id, notify.CodeProviderUnavailable,
				"webhook endpoint is unavailable (circuit open)")
		}

		status, reqErr := a.doRequest(ctx, client, cfg, target, body, contentType, id, batchID, signature)
		lastStatus, lastErr = status, reqErr

		if reqErr == nil && status >= 200 && status < 300 {
			if brk != nil {
				brk.RecordSuccess()
			}
			metrics.RecordDelivery(string(notify.ChannelWebhook), "http", true, time.Since(start))
			a.logger.Info("webhook delivered",
				zap.String("notification_id", id),
				zap.String("url", target),
				zap.Int("status", status),
				zap.Int("attempts", attempt+1),
			)
			return notify.SuccessResult(id, map[string]any{
				"http_status": status,
				"attempts":    attempt + 1,
			})
		}

		if brk != nil {
			brk.RecordFailure()
		}

		if reqErr == nil && !retryableStatus(status) {
			metrics.RecordDelivery(string(notify.ChannelWebhook), "http", false, time.Since(start))
			return notify.FailureResult(id, notify.HTTPErrorCode(status),
				fmt.Sprintf("webhook returned terminal status %d", status))
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.RetryBaseInterval * (1 << attempt)
		metrics.RecordRetry(string(notify.ChannelWebhook))
		a.logger.Warn("webhook attempt failed, retrying",
			zap.String("notification_id", id),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Duration("backoff", delay),
			zap.Error(reqErr),
		)
		if err := a.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	metrics.RecordDelivery(string(notify.ChannelWebhook), "http", false, time.Since(start))
	if lastErr != nil {
		return notify.FailureResult(id, notify.CodeWebhookSendFailed,
			fmt.Sprintf("webhook request failed after retries: %v", lastErr))
	}
	return notify.FailureResult(id, notify.HTTPErrorCode(lastStatus),
		fmt.Sprintf("webhook returned status %d after %d attempts", lastStatus, cfg.MaxRetries+1))
}

func (a *Adapter) doRequest(ctx context.Context, client *http.Client, cfg Config, target string, body []byte, contentType, id, batchID, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, cfg.Method, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building webhook request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Notification-ID", id)
	if batchID != "" {
		req.Header.Set("X-Batch-ID", batchID)
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}
	if signature != "" {
		req.Header.Set(cfg.SignatureHeader, signature)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func wireBody(format Format, canonical []byte) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		return canonical, "application/json", nil
	case FormatForm:
		encoded, err := encodeForm(canonical)
		if err != nil {
			return nil, "", err
		}
		return []byte(encoded), "application/x-www-form-urlencoded", nil
	case FormatXML:
		encoded, err := encodeXML(canonical)
		if err != nil {
			return nil, "", err
		}
		return []byte(encoded), "application/xml", nil
	default:
		return nil, "", fmt.Errorf("webhook: unsupported wire format %q", format)
	}
}

func tracking(opts *notify.SendOptions) map[string]string {
	if opts == nil {
		return nil
	}
	return opts.Tracking
}

// bulkOptions derives per-recipient options: a caller-supplied
// notification ID becomes "<id>-<index>" so every result is unique.
func bulkOptions(opts *notify.SendOptions, index int) *notify.SendOptions {
	if opts == nil {
		return nil
	}
	derived := *opts
	if derived.NotificationID != "" {
		derived.NotificationID = fmt.Sprintf("%s-%d", opts.NotificationID, index)
	}
	return &derived
}
