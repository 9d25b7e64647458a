// Package factory owns the set of configured channel adapters: it drives
// their initialization with timeout and retry, hands them out to callers,
// and runs an optional health-check loop that re-initializes adapters
// found not ready.
//
// The adapter registry is owned by a single goroutine; every read and
// mutation flows through a command channel, so callers always observe an
// atomic before/after state without shared-memory locking.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rkastur/pigeon/internal/metrics"
	"github.com/rkastur/pigeon/internal/notify"
)

// ChannelState is the lifecycle state of one channel's adapter.
type ChannelState string

const (
	StateUnconfigured ChannelState = "unconfigured"
	StateInitializing ChannelState = "initializing"
	StateReady        ChannelState = "ready"
	StateDegraded     ChannelState = "degraded"
	StateFailed       ChannelState = "failed"
)

var (
	// ErrAlreadyInitializing is returned when Initialize is re-entered
	// while a previous call is still running.
	ErrAlreadyInitializing = errors.New("factory: initialization already in progress")

	// ErrNoChannelsReady is returned when every configured channel fails
	// to initialize; a notification subsystem with no working channel is
	// a fatal configuration error.
	ErrNoChannelsReady = errors.New("factory: no channels initialized successfully")

	// ErrDisposed is returned from any call made after Dispose.
	ErrDisposed = errors.New("factory: disposed")
)

// AdapterBuilder constructs an uninitialized adapter for a channel.
type AdapterBuilder func(logger *zap.Logger) notify.Adapter

// Config controls factory behavior.
type Config struct {
	// EnabledChannels lists the channels to initialize.
	EnabledChannels []notify.Channel

	// ChannelConfigs maps each enabled channel to its configuration.
	// A missing entry is a fatal error for that channel.
	ChannelConfigs map[notify.Channel]notify.ChannelConfig

	// InitTimeout bounds one adapter initialization attempt. Default 10s.
	InitTimeout time.Duration

	// InitMaxRetries is the number of retries after the first attempt.
	// Default 2.
	InitMaxRetries int

	// InitRetryBase is the backoff base between attempts
	// (base * 2^attempt). Default 500ms.
	InitRetryBase time.Duration

	// AutoRecovery re-initializes unready adapters: once synchronously
	// inside GetAdapter, and periodically when HealthCheckInterval is
	// set.
	AutoRecovery bool

	// HealthCheckInterval enables the periodic readiness poll; 0
	// disables it. Only effective with AutoRecovery.
	HealthCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitTimeout == 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.InitMaxRetries == 0 {
		c.InitMaxRetries = 2
	}
	if c.InitRetryBase == 0 {
		c.InitRetryBase = 500 * time.Millisecond
	}
	return c
}

// entry is the registry record for one channel. Owned by the run loop;
// never touched from outside it.
type entry struct {
	adapter     notify.Adapter
	state       ChannelState
	recovering  bool
	lastFailure error
}

// command is one unit of work executed on the registry by the owner
// goroutine.
type command struct {
	run  func(reg map[notify.Channel]*entry)
	done chan struct{}
}

// Factory manages channel adapters. All exported methods are safe for
// concurrent use.
type Factory struct {
	logger   *zap.Logger
	cfg      Config
	builders map[notify.Channel]AdapterBuilder

	commands chan command
	quit     chan struct{}
	loopDone chan struct{}

	initializing atomic.Bool
	initialized  atomic.Bool
	disposeOnce  sync.Once
}

// New creates a factory and starts its registry owner goroutine. Call
// Initialize before requesting adapters and Dispose when done.
func New(cfg Config, builders map[notify.Channel]AdapterBuilder, logger *zap.Logger) *Factory {
	f := &Factory{
		logger:   logger,
		cfg:      cfg.withDefaults(),
		builders: builders,
		commands: make(chan command),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go f.run()
	return f
}

// run is the registry owner loop. It is the only goroutine that touches
// the entry map.
func (f *Factory) run() {
	defer close(f.loopDone)

	registry := make(map[notify.Channel]*entry)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if f.cfg.AutoRecovery && f.cfg.HealthCheckInterval > 0 {
		ticker = time.NewTicker(f.cfg.HealthCheckInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-f.quit:
			return
		case cmd := <-f.commands:
			cmd.run(registry)
			if cmd.done != nil {
				close(cmd.done)
			}
		case <-tick:
			f.healthCheck(registry)
		}
	}
}

// exec runs fn on the registry inside the owner goroutine and waits for
// it to finish.
func (f *Factory) exec(fn func(reg map[notify.Channel]*entry)) error {
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case f.commands <- cmd:
	case <-f.quit:
		return ErrDisposed
	}
	select {
	case <-cmd.done:
		return nil
	case <-f.quit:
		return ErrDisposed
	}
}

// Initialize configures and initializes every enabled channel
// concurrently. A single channel failing is logged and excluded; only
// when zero channels come up does Initialize fail. Re-entry while a
// previous call is running fails fast.
func (f *Factory) Initialize(ctx context.Context) error {
	if !f.initializing.CompareAndSwap(false, true) {
		return ErrAlreadyInitializing
	}
	defer f.initializing.Store(false)

	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var failures *multierror.Error
	readyCount := 0

	for _, ch := range f.cfg.EnabledChannels {
		ch := ch
		g.Go(func() error {
			if err := f.initializeChannel(gctx, ch); err != nil {
				f.logger.Error("channel initialization failed",
					zap.String("channel", string(ch)),
					zap.Error(err),
				)
				mu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", ch, err))
				mu.Unlock()
				// sibling channels keep initializing
				return nil
			}
			mu.Lock()
			readyCount++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if readyCount == 0 {
		if err := failures.ErrorOrNil(); err != nil {
			return fmt.Errorf("%w: %v", ErrNoChannelsReady, err)
		}
		return ErrNoChannelsReady
	}

	f.initialized.Store(true)
	f.logger.Info("notification factory initialized",
		zap.Int("ready_channels", readyCount),
		zap.Int("enabled_channels", len(f.cfg.EnabledChannels)),
	)
	return nil
}

// initializeChannel builds the adapter for one channel and initializes it
// under the configured timeout, retrying with exponential backoff.
func (f *Factory) initializeChannel(ctx context.Context, ch notify.Channel) error {
	chCfg, ok := f.cfg.ChannelConfigs[ch]
	if !ok {
		return fmt.Errorf("no configuration for channel %q", ch)
	}

	builder, ok := f.builders[ch]
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", ch)
	}

	adapter := builder(f.logger)

	if err := f.exec(func(reg map[notify.Channel]*entry) {
		reg[ch] = &entry{adapter: adapter, state: StateInitializing}
	}); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.InitMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.cfg.InitRetryBase * (1 << (attempt - 1))
			f.logger.Warn("retrying channel initialization",
				zap.String("channel", string(ch)),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(backoff):
			}
			if lastErr != nil {
				break
			}
		}

		lastErr = f.initWithTimeout(ctx, adapter, chCfg)
		if lastErr == nil {
			return f.setState(ch, StateReady, nil)
		}
	}

	_ = f.setState(ch, StateFailed, lastErr)
	return lastErr
}

// initWithTimeout races adapter.Initialize against the configured
// timeout. The loser's eventual completion is discarded; the adapter is
// simply re-initialized on the next attempt.
func (f *Factory) initWithTimeout(ctx context.Context, adapter notify.Adapter, chCfg notify.ChannelConfig) error {
	initCtx, cancel := context.WithTimeout(ctx, f.cfg.InitTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- adapter.Initialize(initCtx, chCfg)
	}()

	select {
	case err := <-errc:
		return err
	case <-initCtx.Done():
		return fmt.Errorf("initialization timed out after %s", f.cfg.InitTimeout)
	}
}

// setState records a channel's new state and publishes the readiness
// gauge.
func (f *Factory) setState(ch notify.Channel, state ChannelState, cause error) error {
	return f.exec(func(reg map[notify.Channel]*entry) {
		e, ok := reg[ch]
		if !ok {
			return
		}
		e.state = state
		e.lastFailure = cause
		metrics.SetChannelReady(string(ch), state == StateReady)
	})
}

// GetAdapter returns the channel's adapter if it is ready. When the
// adapter is not ready and auto-recovery is enabled, exactly one
// synchronous re-initialization is attempted before the outcome is
// surfaced.
func (f *Factory) GetAdapter(ctx context.Context, ch notify.Channel) (notify.Adapter, error) {
	var adapter notify.Adapter
	var state ChannelState
	var exists, recovering bool

	if err := f.exec(func(reg map[notify.Channel]*entry) {
		e, ok := reg[ch]
		if !ok {
			return
		}
		exists = true
		adapter = e.adapter
		state = e.state
		recovering = e.recovering
	}); err != nil {
		return nil, err
	}

	if !exists {
		return nil, fmt.Errorf("factory: channel %q is not configured", ch)
	}

	if state == StateReady && adapter.Ready() {
		return adapter, nil
	}

	if !f.cfg.AutoRecovery {
		return nil, fmt.Errorf("factory: channel %q is not ready (state %s)", ch, state)
	}

	if recovering {
		return nil, fmt.Errorf("factory: channel %q is recovering", ch)
	}

	if err := f.recoverChannel(ctx, ch, adapter); err != nil {
		return nil, fmt.Errorf("factory: channel %q recovery failed: %w", ch, err)
	}
	return adapter, nil
}

// recoverChannel performs one in-place re-initialization of an adapter.
// The recovering flag gives per-channel mutual exclusion between
// concurrent recoveries.
func (f *Factory) recoverChannel(ctx context.Context, ch notify.Channel, adapter notify.Adapter) error {
	chCfg, ok := f.cfg.ChannelConfigs[ch]
	if !ok {
		return fmt.Errorf("no configuration for channel %q", ch)
	}

	var allowed bool
	if err := f.exec(func(reg map[notify.Channel]*entry) {
		e, ok := reg[ch]
		if !ok || e.recovering {
			return
		}
		e.recovering = true
		e.state = StateDegraded
		allowed = true
	}); err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("recovery already in progress")
	}

	err := f.initWithTimeout(ctx, adapter, chCfg)
	metrics.RecordRecovery(string(ch), err == nil)

	finalState := StateReady
	if err != nil {
		finalState = StateFailed
	}
	if execErr := f.exec(func(reg map[notify.Channel]*entry) {
		e, ok := reg[ch]
		if !ok {
			return
		}
		e.recovering = false
		e.state = finalState
		e.lastFailure = err
		metrics.SetChannelReady(string(ch), finalState == StateReady)
	}); execErr != nil {
		return execErr
	}

	if err != nil {
		return err
	}
	f.logger.Info("channel recovered", zap.String("channel", string(ch)))
	return nil
}

// healthCheck runs inside the owner goroutine on every tick. Readiness
// polls are cheap and synchronous; recoveries run in their own
// goroutines so one slow adapter cannot delay checks of its siblings.
func (f *Factory) healthCheck(registry map[notify.Channel]*entry) {
	for ch, e := range registry {
		if e.recovering || e.state == StateInitializing {
			continue
		}
		if e.adapter.Ready() {
			continue
		}

		f.logger.Warn("health check found adapter not ready",
			zap.String("channel", string(ch)),
		)
		e.recovering = true
		e.state = StateDegraded

		ch, adapter := ch, e.adapter
		go func() {
			err := f.initWithTimeout(context.Background(), adapter, f.cfg.ChannelConfigs[ch])
			metrics.RecordRecovery(string(ch), err == nil)

			finalState := StateReady
			if err != nil {
				finalState = StateFailed
				f.logger.Error("health check recovery failed",
					zap.String("channel", string(ch)),
					zap.Error(err),
				)
			}
			_ = f.exec(func(reg map[notify.Channel]*entry) {
				e, ok := reg[ch]
				if !ok {
					return
				}
				e.recovering = false
				e.state = finalState
				e.lastFailure = err
				metrics.SetChannelReady(string(ch), finalState == StateReady)
			})
		}()
	}
}

// IsChannelAvailable reports whether the channel's adapter is ready.
func (f *Factory) IsChannelAvailable(ch notify.Channel) bool {
	available := false
	_ = f.exec(func(reg map[notify.Channel]*entry) {
		if e, ok := reg[ch]; ok {
			available = e.state == StateReady
		}
	})
	return available
}

// AvailableChannels returns the channels whose adapters are ready.
func (f *Factory) AvailableChannels() []notify.Channel {
	var out []notify.Channel
	_ = f.exec(func(reg map[notify.Channel]*entry) {
		for ch, e := range reg {
			if e.state == StateReady {
				out = append(out, ch)
			}
		}
	})
	return out
}

// ChannelStates returns a defensive copy of every channel's state.
func (f *Factory) ChannelStates() map[notify.Channel]ChannelState {
	out := make(map[notify.Channel]ChannelState)
	_ = f.exec(func(reg map[notify.Channel]*entry) {
		for ch, e := range reg {
			out[ch] = e.state
		}
	})
	return out
}

// Dispose stops the health-check loop and releases adapter references.
// Idempotent; any call after Dispose returns ErrDisposed.
func (f *Factory) Dispose() {
	f.disposeOnce.Do(func() {
		close(f.quit)
		<-f.loopDone
		f.initialized.Store(false)
		f.logger.Info("notification factory disposed")
	})
}
