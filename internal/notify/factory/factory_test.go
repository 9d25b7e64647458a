package factory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rkastur/pigeon/internal/notify"
)

// stubConfig satisfies notify.ChannelConfig for any channel.
type stubConfig struct {
	ch notify.Channel
}

func (c stubConfig) Channel() notify.Channel { return c.ch }
func (c stubConfig) Validate() error         { return nil }

// stubAdapter is a scriptable adapter: per-call init errors, an optional
// init delay, and a switchable ready flag.
type stubAdapter struct {
	ch notify.Channel

	mu        sync.Mutex
	initErrs  []error // consumed one per Initialize call; empty means success
	initDelay time.Duration
	initCalls int
	ready     bool
}

func (s *stubAdapter) Channel() notify.Channel { return s.ch }

func (s *stubAdapter) Initialize(ctx context.Context, _ notify.ChannelConfig) error {
	s.mu.Lock()
	s.initCalls++
	delay := s.initDelay
	var err error
	if len(s.initErrs) > 0 {
		err = s.initErrs[0]
		s.initErrs = s.initErrs[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *stubAdapter) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *stubAdapter) setReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

func (s *stubAdapter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

func (s *stubAdapter) Send(context.Context, notify.Recipient, notify.Content, *notify.Event, *notify.SendOptions) notify.Result {
	return notify.SuccessResult("stub", nil)
}

func (s *stubAdapter) SendBulk(_ context.Context, recipients []notify.Recipient, _ notify.Content, _ *notify.Event, _ *notify.SendOptions) []notify.Result {
	return make([]notify.Result, len(recipients))
}

func (s *stubAdapter) Cancel(context.Context, string) bool { return false }

func (s *stubAdapter) Status(context.Context, string) notify.StatusInfo {
	return notify.StatusInfo{Status: notify.StatusUnknown}
}

func builderFor(stubs map[notify.Channel]*stubAdapter) map[notify.Channel]AdapterBuilder {
	builders := make(map[notify.Channel]AdapterBuilder, len(stubs))
	for ch, stub := range stubs {
		stub := stub
		builders[ch] = func(*zap.Logger) notify.Adapter { return stub }
	}
	return builders
}

func testConfig(channels ...notify.Channel) Config {
	cfgs := make(map[notify.Channel]notify.ChannelConfig, len(channels))
	for _, ch := range channels {
		cfgs[ch] = stubConfig{ch: ch}
	}
	return Config{
		EnabledChannels: channels,
		ChannelConfigs:  cfgs,
		InitTimeout:     200 * time.Millisecond,
		InitMaxRetries:  2,
		InitRetryBase:   time.Millisecond,
	}
}

func TestInitializeAllChannels(t *testing.T) {
	stubs := map[notify.Channel]*stubAdapter{
		notify.ChannelSMS:     {ch: notify.ChannelSMS},
		notify.ChannelWebhook: {ch: notify.ChannelWebhook},
	}

	f := New(testConfig(notify.ChannelSMS, notify.ChannelWebhook), builderFor(stubs), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for ch := range stubs {
		if !f.IsChannelAvailable(ch) {
			t.Errorf("channel %s not available after init", ch)
		}
		adapter, err := f.GetAdapter(context.Background(), ch)
		if err != nil {
			t.Errorf("GetAdapter(%s): %v", ch, err)
		}
		if adapter != stubs[ch] {
			t.Errorf("GetAdapter(%s) returned a different adapter", ch)
		}
	}

	if got := len(f.AvailableChannels()); got != 2 {
		t.Errorf("AvailableChannels reports %d channels, want 2", got)
	}
}

func TestInitializePartialFailure(t *testing.T) {
	boom := errors.New("credentials rejected")
	stubs := map[notify.Channel]*stubAdapter{
		notify.ChannelSMS:     {ch: notify.ChannelSMS},
		notify.ChannelWebhook: {ch: notify.ChannelWebhook, initErrs: []error{boom, boom, boom}},
	}

	f := New(testConfig(notify.ChannelSMS, notify.ChannelWebhook), builderFor(stubs), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize must tolerate a single channel failure: %v", err)
	}

	if !f.IsChannelAvailable(notify.ChannelSMS) {
		t.Error("healthy channel should be available")
	}
	if f.IsChannelAvailable(notify.ChannelWebhook) {
		t.Error("failed channel should not be available")
	}

	states := f.ChannelStates()
	if states[notify.ChannelSMS] != StateReady {
		t.Errorf("sms state = %s, want ready", states[notify.ChannelSMS])
	}
	if states[notify.ChannelWebhook] != StateFailed {
		t.Errorf("webhook state = %s, want failed", states[notify.ChannelWebhook])
	}

	if _, err := f.GetAdapter(context.Background(), notify.ChannelWebhook); err == nil {
		t.Error("GetAdapter for a failed channel must error without auto-recovery")
	}
}

func TestInitializeAllChannelsFailIsFatal(t *testing.T) {
	boom := errors.New("nope")
	stubs := map[notify.Channel]*stubAdapter{
		notify.ChannelSMS:     {ch: notify.ChannelSMS, initErrs: []error{boom, boom, boom}},
		notify.ChannelWebhook: {ch: notify.ChannelWebhook, initErrs: []error{boom, boom, boom}},
	}

	f := New(testConfig(notify.ChannelSMS, notify.ChannelWebhook), builderFor(stubs), zap.NewNop())
	defer f.Dispose()

	err := f.Initialize(context.Background())
	if !errors.Is(err, ErrNoChannelsReady) {
		t.Fatalf("Initialize error = %v, want ErrNoChannelsReady", err)
	}
}

func TestInitializeRetriesWithBackoff(t *testing.T) {
	flaky := &stubAdapter{
		ch:       notify.ChannelSMS,
		initErrs: []error{errors.New("transient"), errors.New("transient")},
	}

	f := New(testConfig(notify.ChannelSMS), builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: flaky}), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := flaky.calls(); got != 3 {
		t.Errorf("adapter initialized %d times, want 3 (1 + 2 retries)", got)
	}
	if !f.IsChannelAvailable(notify.ChannelSMS) {
		t.Error("channel should be ready after a successful retry")
	}
}

func TestInitializeTimeout(t *testing.T) {
	slow := &stubAdapter{ch: notify.ChannelSMS, initDelay: time.Second}

	cfg := testConfig(notify.ChannelSMS)
	cfg.InitTimeout = 10 * time.Millisecond
	cfg.InitMaxRetries = 1

	f := New(cfg, builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: slow}), zap.NewNop())
	defer f.Dispose()

	err := f.Initialize(context.Background())
	if !errors.Is(err, ErrNoChannelsReady) {
		t.Fatalf("Initialize error = %v, want ErrNoChannelsReady", err)
	}
	if f.ChannelStates()[notify.ChannelSMS] != StateFailed {
		t.Error("timed-out channel should be failed")
	}
}

func TestInitializeReentry(t *testing.T) {
	slow := &stubAdapter{ch: notify.ChannelSMS, initDelay: 100 * time.Millisecond}

	f := New(testConfig(notify.ChannelSMS), builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: slow}), zap.NewNop())
	defer f.Dispose()

	done := make(chan error, 1)
	go func() { done <- f.Initialize(context.Background()) }()

	// give the first call time to start
	time.Sleep(10 * time.Millisecond)

	if err := f.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitializing) {
		t.Errorf("concurrent Initialize error = %v, want ErrAlreadyInitializing", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
}

func TestGetAdapterAutoRecovery(t *testing.T) {
	stub := &stubAdapter{ch: notify.ChannelSMS}

	cfg := testConfig(notify.ChannelSMS)
	cfg.AutoRecovery = true

	f := New(cfg, builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: stub}), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// simulate the adapter losing readiness
	stub.setReady(false)

	adapter, err := f.GetAdapter(context.Background(), notify.ChannelSMS)
	if err != nil {
		t.Fatalf("GetAdapter should recover the adapter: %v", err)
	}
	if !adapter.Ready() {
		t.Error("adapter should be ready after recovery")
	}
	if got := stub.calls(); got != 2 {
		t.Errorf("adapter initialized %d times, want 2 (init + one recovery)", got)
	}
}

func TestGetAdapterRecoveryFailure(t *testing.T) {
	stub := &stubAdapter{ch: notify.ChannelSMS}

	cfg := testConfig(notify.ChannelSMS)
	cfg.AutoRecovery = true

	f := New(cfg, builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: stub}), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	stub.setReady(false)
	stub.mu.Lock()
	stub.initErrs = []error{errors.New("still broken")}
	stub.mu.Unlock()

	if _, err := f.GetAdapter(context.Background(), notify.ChannelSMS); err == nil {
		t.Fatal("GetAdapter must surface a failed recovery")
	}
	if f.ChannelStates()[notify.ChannelSMS] != StateFailed {
		t.Error("channel should be failed after unsuccessful recovery")
	}
}

func TestHealthCheckRecoversChannel(t *testing.T) {
	stub := &stubAdapter{ch: notify.ChannelSMS}

	cfg := testConfig(notify.ChannelSMS)
	cfg.AutoRecovery = true
	cfg.HealthCheckInterval = 5 * time.Millisecond

	f := New(cfg, builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: stub}), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	stub.setReady(false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stub.Ready() && f.IsChannelAvailable(notify.ChannelSMS) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("health check did not recover the channel in time")
}

func TestDisposeIdempotent(t *testing.T) {
	stub := &stubAdapter{ch: notify.ChannelSMS}

	f := New(testConfig(notify.ChannelSMS), builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: stub}), zap.NewNop())

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	f.Dispose()
	f.Dispose() // second call must be a no-op

	if _, err := f.GetAdapter(context.Background(), notify.ChannelSMS); !errors.Is(err, ErrDisposed) {
		t.Errorf("GetAdapter after Dispose = %v, want ErrDisposed", err)
	}
}

func TestGetAdapterUnconfiguredChannel(t *testing.T) {
	stub := &stubAdapter{ch: notify.ChannelSMS}

	f := New(testConfig(notify.ChannelSMS), builderFor(map[notify.Channel]*stubAdapter{notify.ChannelSMS: stub}), zap.NewNop())
	defer f.Dispose()

	if err := f.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := f.GetAdapter(context.Background(), notify.ChannelEmail); err == nil {
		t.Error("GetAdapter for an unconfigured channel must error")
	}
}
