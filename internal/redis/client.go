// Package redis wraps the go-redis client shared by the Redis state and
// token stores and the refresh lock.
package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"connector-hub/internal/common/errors"
)

const (
	defaultAddress  = "localhost:6379"
	defaultPoolSize = 10
	connectTimeout  = 5 * time.Second
)

type Client struct {
	rdb    *redis.Client
	config Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
}

// NewClient connects and pings the server, failing after connectTimeout.
// Defaults are applied to config in place.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	config.applyDefaults()

	rdb := redis.NewClient(&redis.Options{
		Addr:        config.Address,
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		DialTimeout: connectTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.InternalError("failed to connect to Redis", err).WithContext("address", config.Address)
	}

	return &Client{rdb: rdb, config: *config}, nil
}

// GetGoRedisClient exposes the underlying client for stores and redsync pools.
func (c *Client) GetGoRedisClient() *redis.Client {
	return c.rdb
}

// Address is the server the client is connected to.
func (c *Client) Address() string {
	return c.config.Address
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.InternalError("redis ping failed", err)
	}
	return nil
}
