package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rkastur/pigeon/internal/breaker"
	"github.com/rkastur/pigeon/internal/metrics"
	"github.com/rkastur/pigeon/internal/notify"
)

// sentRecord remembers enough about an accepted send to answer a later
// status lookup. Best-effort and per-process only.
type sentRecord struct {
	providerRef string
	phoneNumber string
	sentAt      time.Time
}

// Adapter delivers SMS through a pluggable provider. Bulk sends are
// strictly sequential, paced by a per-second limiter and capped by a hard
// per-minute quota; this favors provider-quota correctness over raw
// throughput.
type Adapter struct {
	logger *zap.Logger

	mu       sync.RWMutex
	cfg      Config
	provider Provider
	brk      *breaker.Breaker
	pacer    *rate.Limiter
	ready    bool

	sentMu sync.Mutex
	sent   map[string]sentRecord

	// test seams; real clock and sleeper by default
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an uninitialized SMS adapter.
func New(logger *zap.Logger) *Adapter {
	return &Adapter{
		logger: logger,
		sent:   make(map[string]sentRecord),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Channel implements notify.Adapter.
func (a *Adapter) Channel() notify.Channel { return notify.ChannelSMS }

// Initialize implements notify.Adapter. It validates the config, builds
// the selected provider, and marks the adapter ready. Safe to call again
// after a failure.
func (a *Adapter) Initialize(ctx context.Context, raw notify.ChannelConfig) error {
	cfg, ok := raw.(Config)
	if !ok {
		if p, isPtr := raw.(*Config); isPtr {
			cfg, ok = *p, true
		}
	}
	if !ok {
		return fmt.Errorf("sms: expected sms.Config, got %T", raw)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	provider, err := newProvider(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("sms: provider setup failed: %w", err)
	}

	var brk *breaker.Breaker
	if cfg.BreakerEnabled {
		brk = breaker.New(breaker.DefaultConfig("sms/"+cfg.Provider), a.logger)
	}

	var pacer *rate.Limiter
	if cfg.MessagesPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.provider = provider
	a.brk = brk
	a.pacer = pacer
	a.ready = true
	a.mu.Unlock()

	a.logger.Info("sms adapter initialized",
		zap.String("provider", cfg.Provider),
		zap.Float64("messages_per_second", cfg.MessagesPerSecond),
		zap.Int("messages_per_minute", cfg.MessagesPerMinute),
	)
	return nil
}

// Ready implements notify.Adapter.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ready
}

// Send implements notify.Adapter. Provider and validation failures are
// converted into failed results; Send never returns an error.
func (a *Adapter) Send(ctx context.Context, recipient notify.Recipient, content notify.Content, event *notify.Event, opts *notify.SendOptions) notify.Result {
	id := notify.ResolveNotificationID(opts)

	a.mu.RLock()
	cfg, provider, brk, ready := a.cfg, a.provider, a.brk, a.ready
	a.mu.RUnlock()

	if !ready {
		return notify.FailureResult(id, notify.CodeAdapterNotReady, "sms adapter is not initialized")
	}

	raw, ok := recipient.Address(notify.ChannelSMS)
	if !ok {
		a.logger.Debug("recipient has no phone number",
			zap.String("recipient_id", recipient.ID),
			zap.String("notification_id", id),
		)
		return notify.FailureResult(id, notify.CodePhoneNumberMissing,
			fmt.Sprintf("recipient %s has no phone number for the sms channel", recipient.ID))
	}

	phone, err := NormalizePhoneNumber(raw, cfg.DefaultCountryCode)
	if err != nil {
		return notify.FailureResult(id, notify.CodeSMSSendFailed,
			fmt.Sprintf("invalid phone number: %v", err))
	}

	if brk != nil && !brk.Allow() {
		return notify.FailureResult(id, notify.CodeProviderUnavailable,
			fmt.Sprintf("sms provider %s is unavailable (circuit open)", provider.Name()))
	}

	req := SendRequest{
		NotificationID:    id,
		PhoneNumber:       phone,
		Body:              composeBody(cfg, content, id),
		StatusCallbackURL: callbackURL(cfg.StatusCallbackURL, id),
	}

	start := time.Now()
	receipt, err := provider.Send(ctx, req)
	metrics.RecordDelivery(string(notify.ChannelSMS), provider.Name(), err == nil, time.Since(start))

	if err != nil {
		if brk != nil {
			brk.RecordFailure()
		}
		a.logger.Warn("sms send failed",
			zap.String("notification_id", id),
			zap.String("provider", provider.Name()),
			zap.Error(err),
		)
		return notify.FailureResult(id, notify.CodeSMSSendFailed, err.Error())
	}

	if brk != nil {
		brk.RecordSuccess()
	}

	a.sentMu.Lock()
	a.sent[id] = sentRecord{providerRef: receipt.ProviderRef, phoneNumber: phone, sentAt: time.Now()}
	a.sentMu.Unlock()

	a.logger.Info("sms sent",
		zap.String("notification_id", id),
		zap.String("provider", provider.Name()),
		zap.String("provider_ref", receipt.ProviderRef),
	)

	return notify.SuccessResult(id, map[string]any{
		"provider":     provider.Name(),
		"provider_ref": receipt.ProviderRef,
	})
}

// SendBulk implements notify.Adapter. Recipients are processed strictly
// in order under a dual-rate throttle: the per-second pacer delays
// between individual sends, and when the per-minute cap is hit mid-batch
// the adapter sleeps out the remainder of the current minute window.
func (a *Adapter) SendBulk(ctx context.Context, recipients []notify.Recipient, content notify.Content, event *notify.Event, opts *notify.SendOptions) []notify.Result {
	a.mu.RLock()
	cfg, pacer := a.cfg, a.pacer
	a.mu.RUnlock()

	results := make([]notify.Result, 0, len(recipients))
	windowStart := a.now()
	inWindow := 0

	for i, recipient := range recipients {
		recipientOpts := bulkOptions(opts, i)

		if aborted := ctx.Err(); aborted != nil {
			results = append(results, notify.FailureResult(
				notify.ResolveNotificationID(recipientOpts), notify.CodeSMSSendFailed, aborted.Error()))
			continue
		}

		if i > 0 && pacer != nil {
			metrics.RecordThrottlePause("pace")
			if err := pacer.Wait(ctx); err != nil {
				results = append(results, notify.FailureResult(
					notify.ResolveNotificationID(recipientOpts), notify.CodeSMSSendFailed, err.Error()))
				continue
			}
		}

		if cfg.MessagesPerMinute > 0 && inWindow >= cfg.MessagesPerMinute {
			if remaining := time.Minute - a.now().Sub(windowStart); remaining > 0 {
				a.logger.Info("sms per-minute cap reached, pausing batch",
					zap.Int("cap", cfg.MessagesPerMinute),
					zap.Duration("pause", remaining),
				)
				metrics.RecordThrottlePause("minute_cap")
				if err := a.sleep(ctx, remaining); err != nil {
					results = append(results, notify.FailureResult(
						notify.ResolveNotificationID(recipientOpts), notify.CodeSMSSendFailed, err.Error()))
					continue
				}
			}
			windowStart = a.now()
			inWindow = 0
		}

		results = append(results, a.Send(ctx, recipient, content, event, recipientOpts))
		inWindow++
	}

	return results
}

// Cancel implements notify.Adapter. SMS delivery cannot be recalled once
// handed to the provider; this is a documented limitation.
func (a *Adapter) Cancel(_ context.Context, notificationID string) bool {
	a.logger.Warn("sms delivery cannot be cancelled",
		zap.String("notification_id", notificationID),
	)
	return false
}

// Status implements notify.Adapter. Only providers with a query API give
// a confirmed answer; everything else is inferred from the accepted send.
func (a *Adapter) Status(ctx context.Context, notificationID string) notify.StatusInfo {
	a.sentMu.Lock()
	rec, found := a.sent[notificationID]
	a.sentMu.Unlock()

	if !found {
		return notify.InferredStatus(notify.StatusUnknown, "no send record for this notification ID")
	}

	a.mu.RLock()
	provider := a.provider
	a.mu.RUnlock()

	status, err := provider.Status(ctx, rec.providerRef, rec.phoneNumber)
	if errors.Is(err, ErrStatusUnsupported) {
		return notify.InferredStatus(notify.StatusSent,
			fmt.Sprintf("provider %s does not report delivery status; inferred from accepted send", provider.Name()))
	}
	if err != nil {
		a.logger.Warn("sms status lookup failed",
			zap.String("notification_id", notificationID),
			zap.Error(err),
		)
		return notify.InferredStatus(notify.StatusUnknown, fmt.Sprintf("status lookup failed: %v", err))
	}

	return notify.StatusInfo{
		Status:    status,
		Timestamp: time.Now(),
		Details: map[string]any{
			"provider":     provider.Name(),
			"provider_ref": rec.providerRef,
		},
	}
}

// bulkOptions derives per-recipient options from the batch options: a
// caller-supplied notification ID becomes "<id>-<index>" so every
// recipient's result carries a unique ID.
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

// composeBody assembles the provider-facing message: optional prefix,
// body, optional action link (rewritten to a tracking URL when one is
// configured), then the length ceiling.
func composeBody(cfg Config, content notify.Content, notificationID string) string {
	var b strings.Builder
	if cfg.MessagePrefix != "" {
		b.WriteString(cfg.MessagePrefix)
		b.WriteString(" ")
	}
	b.WriteString(content.Body)

	if link := actionLink(cfg, content, notificationID); link != "" {
		b.WriteString(" ")
		b.WriteString(link)
	}

	if cfg.AutoSplit {
		// splitting into multiple provider sends is not implemented;
		// the flag currently just bypasses truncation
		return b.String()
	}
	return enforceCeiling(b.String(), cfg.MaxLength)
}

func actionLink(cfg Config, content notify.Content, notificationID string) string {
	for _, action := range content.Actions {
		if action.URL == "" {
			continue
		}
		if cfg.TrackingBaseURL != "" {
			return strings.TrimRight(cfg.TrackingBaseURL, "/") + "/" + notificationID
		}
		return action.URL
	}
	return ""
}

// enforceCeiling truncates over-length messages with an ellipsis. The
// auto-split flag only gates this branch; splitting into multiple sends
// is not implemented.
func enforceCeiling(body string, maxLength int) string {
	if maxLength <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= maxLength {
		return body
	}
	const ellipsis = "..."
	if maxLength <= len(ellipsis) {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-len(ellipsis)]) + ellipsis
}

func callbackURL(base, notificationID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + notificationID
}
