package sms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

func init() {
	RegisterProvider(ProviderMemory, func(_ Config, logger *zap.Logger) (Provider, error) {
		return NewMemoryProvider(logger), nil
	})
}

// MemoryMessage is one message accepted by the in-memory provider.
type MemoryMessage struct {
	NotificationID    string
	PhoneNumber       string
	Body              string
	StatusCallbackURL string
	ProviderRef       string
	SentAt            time.Time
}

// MemoryProvider is the in-process SMS provider used in tests and
// development. It records every accepted message and can be told to fail.
type MemoryProvider struct {
	logger *zap.Logger

	mu       sync.Mutex
	messages []MemoryMessage
	statuses map[string]notify.DeliveryStatus
	failWith error
	seq      int
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(logger *zap.Logger) *MemoryProvider {
	return &MemoryProvider{
		logger:   logger,
		statuses: make(map[string]notify.DeliveryStatus),
	}
}

// Name implements Provider.
func (m *MemoryProvider) Name() string { return ProviderMemory }

// Send implements Provider, recording the message in memory.
func (m *MemoryProvider) Send(_ context.Context, req SendRequest) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return Receipt{}, m.failWith
	}

	m.seq++
	ref := fmt.Sprintf("mem-%d", m.seq)
	m.messages = append(m.messages, MemoryMessage{
		NotificationID:    req.NotificationID,
		PhoneNumber:       req.PhoneNumber,
		Body:              req.Body,
		StatusCallbackURL: req.StatusCallbackURL,
		ProviderRef:       ref,
		SentAt:            time.Now(),
	})
	m.statuses[ref] = notify.StatusDelivered

	if m.logger != nil {
		m.logger.Debug("memory sms accepted",
			zap.String("notification_id", req.NotificationID),
			zap.String("phone_number", req.PhoneNumber),
		)
	}
	return Receipt{ProviderRef: ref}, nil
}

// Status implements Provider, answering from the recorded messages.
func (m *MemoryProvider) Status(_ context.Context, ref, _ string) (notify.DeliveryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[ref]
	if !ok {
		return notify.StatusUnknown, fmt.Errorf("sms: no message with ref %q", ref)
	}
	return status, nil
}

// FailWith makes subsequent sends fail with the given error; nil restores
// normal operation.
func (m *MemoryProvider) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetStatus overrides the recorded status for a provider ref.
func (m *MemoryProvider) SetStatus(ref string, status notify.DeliveryStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[ref] = status
}

// Messages returns a copy of the accepted messages.
func (m *MemoryProvider) Messages() []MemoryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemoryMessage, len(m.messages))
	copy(out, m.messages)
	return out
}
