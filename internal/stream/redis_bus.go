package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const redisPingTimeout = 5 * time.Second

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisBus relays run events through Redis pub/sub so a stream on one replica
// can observe a run dispatched on another.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *zap.Logger
}

// NewRedisBus wraps an existing client. The caller owns the client.
func NewRedisBus(client redis.UniversalClient, prefix string, buffer int, logger *zap.Logger) *RedisBus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, prefix: prefix, buffer: buffer, logger: logger.Named("redis_bus")}
}

// Publish encodes evt as JSON on the run's channel.
func (b *RedisBus) Publish(ctx context.Context, runID string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(b.prefix, runID), data).Err(); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}
	return nil
}

// Subscribe listens on the run's channel. The subscription is confirmed
// before returning so no event published afterwards is missed.
func (b *RedisBus) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	channel := Channel(b.prefix, runID)
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	subCtx, stop := context.WithCancel(ctx)
	out := make(chan Event, b.buffer)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("discarding undecodable run event", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				default:
					b.logger.Debug("dropped run event for slow subscriber", zap.String("channel", channel))
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			stop()
			if err := ps.Close(); err != nil {
				b.logger.Debug("close subscription", zap.String("channel", channel), zap.Error(err))
			}
		})
	}
	return out, cancel, nil
}

// Close is a no-op; the client is closed by its owner.
func (b *RedisBus) Close() error {
	return nil
}
