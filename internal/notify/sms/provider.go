package sms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

// ErrStatusUnsupported is returned by providers without a delivery-status
// query API; the adapter then falls back to an inferred status.
var ErrStatusUnsupported = errors.New("sms: provider does not support status lookup")

// SendRequest is the provider-level view of one outbound SMS. The phone
// number is already in E.164 format and the body is fully composed.
type SendRequest struct {
	NotificationID    string
	PhoneNumber       string
	Body              string
	StatusCallbackURL string
}

// Receipt is the provider acknowledgment for an accepted message.
type Receipt struct {
	ProviderRef string // provider message ID / SID / serial number
}

// Provider is the transport behind the SMS adapter. Implementations are
// registered by name and selected via Config.Provider.
type Provider interface {
	Name() string

	// Send submits one message and returns the provider reference.
	Send(ctx context.Context, req SendRequest) (Receipt, error)

	// Status queries delivery status for a previously sent message.
	// Providers without a query API return ErrStatusUnsupported.
	Status(ctx context.Context, ref, phoneNumber string) (notify.DeliveryStatus, error)
}

// Factory builds a provider from the channel config.
type Factory func(cfg Config, logger *zap.Logger) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterProvider adds a provider factory under the given name. Called
// from init in each provider file; also available to external packages
// that want to plug in their own transport.
func RegisterProvider(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// newProvider instantiates the provider named in the config.
func newProvider(cfg Config, logger *zap.Logger) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sms: unknown provider %q (registered: %v)", cfg.Provider, registeredProviders())
	}
	return factory(cfg, logger)
}

func providerRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

func registeredProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
