package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/rtlstream/errors"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr          string `json:"addr" yaml:"addr"`
	Password      string `json:"password" yaml:"password"`
	DB            int    `json:"db" yaml:"db"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

// Redis publishes on Redis pub/sub channels named ChannelPrefix+topic.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "Redis", "NewRedis", "ping "+cfg.Addr)
	}
	return NewRedisWithClient(client, cfg.ChannelPrefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Publish implements Publisher.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+topic, payload).Err(); err != nil {
		return errors.WrapTransient(err, "Redis", "Publish", "publish "+topic)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
