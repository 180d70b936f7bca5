package cache

import (
	"context"
	"time"

	"github.com/mk12/mira/cache/local"
	cacheredis "github.com/mk12/mira/cache/redis"
)

// Cache defines the key/value operations used for sessions and lock leases.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub defines channel publish/subscribe operations. Subscribe returns
// once the subscription is live; the returned func ends it and may be
// called more than once.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// CacheConfig holds configuration for both Redis and LocalCache.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

// Backend is an opened cache together with its event bus.
type Backend struct {
	Cache  Cache
	PubSub PubSub
	Redis  bool
	close  func() error
}

// Close releases any connections held by the backend.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open returns a Redis-backed Backend if RedisAddr is set, otherwise an
// in-process one that only serves a single server instance.
func Open(ctx context.Context, cfg CacheConfig) (*Backend, error) {
	if cfg.RedisAddr != "" {
		rc, err := cacheredis.Dial(ctx, cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{
			Cache:  rc,
			PubSub: pubSub[*cacheredis.Message]{rc, fromRedis},
			Redis:  true,
			close:  rc.Close,
		}, nil
	}

	lc, err := local.NewCache(local.Config{GCInterval: cfg.LocalGCInterval})
	if err != nil {
		return nil, err
	}
	return &Backend{
		Cache:  lc,
		PubSub: pubSub[*local.LocalMessage]{local.NewPubSub(cfg.LocalPubSubBuf), fromLocal},
		close:  func() error { lc.Close(); return nil },
	}, nil
}

func fromRedis(m *cacheredis.Message) *Message { return &Message{Channel: m.Channel, Payload: m.Payload} }
func fromLocal(m *local.LocalMessage) *Message { return &Message{Channel: m.Channel, Payload: m.Payload} }

// bus is the shape both backends expose with their own message type.
type bus[M any] interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan M, func(), error)
}

// pubSub bridges a backend bus to cache.Message.
type pubSub[M any] struct {
	bus     bus[M]
	convert func(M) *Message
}

func (p pubSub[M]) Publish(ctx context.Context, channel, message string) error {
	return p.bus.Publish(ctx, channel, message)
}

func (p pubSub[M]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	in, cancel, err := p.bus.Subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan *Message, cap(in))
	go func() {
		defer close(out)
		for msg := range in {
			out <- p.convert(msg)
		}
	}()
	return out, cancel, nil
}
