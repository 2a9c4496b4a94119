package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/chatterhq/chatter/internal/config"
)

const userChannelPrefix = "user:"

// ErrBrokerNotStarted is returned by Publish before Subscribe was called.
var ErrBrokerNotStarted = errors.New("broker not subscribed")

// DeliverFunc hands a frame addressed to userID to local connections.
type DeliverFunc func(userID string, frame []byte)

// Broker routes frames to the instance holding a user's connections.
type Broker interface {
	// Publish sends frame to every connection of userID, wherever it lives.
	Publish(ctx context.Context, userID string, frame []byte) error
	// Subscribe starts delivering published frames to fn until ctx is done.
	Subscribe(ctx context.Context, fn DeliverFunc) error
	// Close releases broker resources.
	Close() error
}

// MemoryBroker delivers frames within one process.
type MemoryBroker struct {
	mu      sync.RWMutex
	deliver DeliverFunc
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, userID string, frame []byte) error {
	b.mu.RLock()
	fn := b.deliver
	b.mu.RUnlock()
	if fn == nil {
		return ErrBrokerNotStarted
	}
	fn(userID, frame)
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(ctx context.Context, fn DeliverFunc) error {
	b.mu.Lock()
	b.deliver = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.deliver = nil
		b.mu.Unlock()
	}()
	return nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	return nil
}

// RedisBroker fans frames out across instances over Redis pub/sub, one
// channel per user.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &RedisBroker{rdb: rdb, logger: logger}, nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, userID string, frame []byte) error {
	if err := b.rdb.Publish(ctx, userChannelPrefix+userID, frame).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", userID, err)
	}
	return nil
}

// Subscribe implements Broker. The subscription runs in its own goroutine
// and stops with ctx.
func (b *RedisBroker) Subscribe(ctx context.Context, fn DeliverFunc) error {
	pubsub := b.rdb.PSubscribe(ctx, userChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to user channels: %w", err)
	}

	go func() {
		defer func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Debug("Failed to close redis subscription", "error", err)
			}
		}()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("Redis broker shutting down", "reason", ctx.Err())
				return
			case msg, ok := <-ch:
				if !ok {
					b.logger.Warn("Redis subscription closed")
					return
				}
				userID := strings.TrimPrefix(msg.Channel, userChannelPrefix)
				fn(userID, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}
