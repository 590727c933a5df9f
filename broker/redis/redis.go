// Package redis provides a Redis Streams-backed implementation of the
// broker.Broker interface. A single stream key per namespace gives ordered
// delivery with event-ID resumption; the registry itself stays in-process.
package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcpmux/mcpmux/broker"
	"github.com/mcpmux/mcpmux/internal/jsonrpc"
)

// Config contains configuration options for the Redis broker. Defaults can
// be loaded from the environment via envdecode.
type Config struct {
	// Addr is the Redis server address used when Client is nil.
	Addr string `env:"MCPMUX_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all Redis keys used by the broker.
	KeyPrefix string `env:"MCPMUX_REDIS_PREFIX,default=mcpmux:broker:"`
	// StreamMaxLen bounds the per-namespace replay window (approximate trim).
	StreamMaxLen int64 `env:"MCPMUX_REDIS_STREAM_MAXLEN,default=1024"`

	// Client, when set, overrides Addr.
	Client redis.UniversalClient
}

// Broker is a Redis Streams-based broker.
type Broker struct {
	client       redis.UniversalClient
	keyPrefix    string
	streamMaxLen int64
}

// New creates a Redis-backed broker.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "mcpmux:broker:"
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}

	return &Broker{client: client, keyPrefix: keyPrefix, streamMaxLen: maxLen}
}

// NewFromEnv builds a Broker from environment variables.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis broker config: %w", err)
	}
	return New(cfg), nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, message jsonrpc.Message) (string, error) {
	key := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": []byte(message)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", key, err)
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	key := b.streamKey(namespace)

	startID := lastEventID
	if startID == "" {
		// Pin the cursor to the current tail so that re-issued XREADs cannot
		// skip messages published between blocking reads.
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to resolve stream tail for %s: %w", key, err)
		}
		if len(last) > 0 {
			startID = last[0].ID
		} else {
			startID = "0"
		}
	}

	return &stream{client: b.client, key: key, nextID: startID}, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	key := b.streamKey(namespace)

	if err := b.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

// stream is a pull-based cursor over a namespace's Redis stream.
type stream struct {
	client redis.UniversalClient
	key    string
	nextID string
	closed atomic.Bool
}

// Next implements broker.MessageStream.
func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed.Load() {
			return broker.MessageEnvelope{}, fmt.Errorf("stream closed")
		}
		if ctx.Err() != nil {
			return broker.MessageEnvelope{}, ctx.Err()
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.nextID},
			Count:   1,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return broker.MessageEnvelope{}, ctx.Err()
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				s.nextID = msg.ID

				data, ok := msg.Values["data"].(string)
				if !ok {
					// Malformed entry; advance past it.
					continue
				}

				return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
			}
		}
	}
}

// Close implements broker.MessageStream.
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
