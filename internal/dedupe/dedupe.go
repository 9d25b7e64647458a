// Package dedupe guards against duplicate notification sends using
// Redis. Callers reserve a notification ID before dispatch and record
// the outcome after; a second reservation of the same ID within the TTL
// is rejected, catching client retries of a request that already went
// out.
package dedupe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is how long a completed send is remembered.
	DefaultTTL = 24 * time.Hour

	// processingTTL bounds the reservation held while a send is in
	// flight, so a crashed process does not block the ID forever.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicate indicates the notification ID was already sent or is
// currently in flight.
var ErrDuplicate = errors.New("dedupe: notification already sent or in flight")

// Config holds Redis connection settings. An empty Host disables
// deduplication.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether deduplication is configured.
func (c Config) Enabled() bool { return c.Host != "" }

// Outcome is the cached record of a completed send.
type Outcome struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	Success        bool   `json:"success"`
	CompletedAt    int64  `json:"completed_at"`
}

// Guard provides send deduplication backed by Redis.
type Guard struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Guard, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	logger.Info("dedupe guard connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &Guard{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// NewWithClient wraps an existing Redis client. Used in tests.
func NewWithClient(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl, logger: logger}
}

func (g *Guard) key(channel, notificationID string) string {
	return fmt.Sprintf("sent:%s:%s", channel, notificationID)
}

// Reserve atomically claims a notification ID for sending. Returns the
// previous outcome if the ID completed already, ErrDuplicate if it is
// in flight, or (nil, nil) when the reservation succeeded.
func (g *Guard) Reserve(ctx context.Context, channel, notificationID string) (*Outcome, error) {
	key := g.key(channel, notificationID)

	set, err := g.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		return nil, nil
	}

	val, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// reservation expired between SETNX and GET; claim it now
		if _, err := g.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result(); err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicate
	}

	var out Outcome
	if err := json.Unmarshal([]byte(val), &out); err != nil {
		g.logger.Error("failed to unmarshal cached outcome", zap.Error(err))
		return nil, fmt.Errorf("invalid cached outcome: %w", err)
	}

	g.logger.Debug("duplicate send suppressed",
		zap.String("channel", channel),
		zap.String("notification_id", notificationID),
	)
	return &out, nil
}

// Complete records the outcome of a finished send, replacing the
// in-flight marker.
func (g *Guard) Complete(ctx context.Context, channel string, out Outcome) error {
	if out.CompletedAt == 0 {
		out.CompletedAt = time.Now().Unix()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := g.rdb.Set(ctx, g.key(channel, out.NotificationID), data, g.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops an in-flight reservation so the ID can be retried, used
// when the send was never attempted (for example the adapter was not
// ready).
func (g *Guard) Release(ctx context.Context, channel, notificationID string) error {
	return g.rdb.Del(ctx, g.key(channel, notificationID)).Err()
}

// Ping checks Redis connectivity.
func (g *Guard) Ping(ctx context.Context) error {
	return g.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (g *Guard) Close() error {
	return g.rdb.Close()
}
