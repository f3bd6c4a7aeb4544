package storage

import (
	"context"
	"fmt"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/oauth2"
	"connector-hub/internal/storage/postgres"
	"connector-hub/internal/storage/sqlite"
)

// Open creates the backend named by opts.Type.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	factory, err := defaultRegistry.Get(opts.Type)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("unsupported store backend: %s", opts.Type))
	}
	return factory.Create(ctx, opts)
}

type memoryFactory struct{}

func (memoryFactory) Create(ctx context.Context, opts Options) (*Backend, error) {
	return &Backend{
		Type:   "memory",
		States: oauth2.NewMemoryStateStore(opts.stateTTL(), opts.clock()),
		Tokens: oauth2.NewMemoryTokenStore(),
	}, nil
}

func (memoryFactory) GetType() string { return "memory" }

type redisFactory struct{}

// Create shares the caller's Redis client. Closing the backend leaves it open.
func (redisFactory) Create(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Redis == nil {
		return nil, errors.ConfigError("redis backend requires a redis client")
	}
	client := opts.Redis.GetGoRedisClient()
	return &Backend{
		Type:   "redis",
		States: oauth2.NewRedisStateStore(client, opts.stateTTL(), opts.clock()),
		Tokens: oauth2.NewRedisTokenStore(client, opts.cipher()),
	}, nil
}

func (redisFactory) GetType() string { return "redis" }

type sqliteFactory struct{}

func (sqliteFactory) Create(ctx context.Context, opts Options) (*Backend, error) {
	cfg := opts.SQLite
	if cfg == nil {
		cfg = sqlite.DefaultConfig()
	}
	adapter, err := sqlite.NewAdapter(cfg,
		sqlite.WithCipher(opts.cipher()),
		sqlite.WithStateTTL(opts.stateTTL()),
		sqlite.WithClock(opts.clock()),
	)
	if err != nil {
		return nil, errors.InternalError("failed to open SQLite store", err)
	}
	return &Backend{
		Type:    "sqlite",
		States:  adapter,
		Tokens:  adapter,
		closers: []func() error{adapter.Close},
	}, nil
}

func (sqliteFactory) GetType() string { return "sqlite" }

type postgresFactory struct{}

func (postgresFactory) Create(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Postgres == nil {
		return nil, errors.ConfigError("postgres backend requires connection settings")
	}
	adapter, err := postgres.NewAdapter(ctx, opts.Postgres,
		postgres.WithCipher(opts.cipher()),
		postgres.WithStateTTL(opts.stateTTL()),
		postgres.WithClock(opts.clock()),
	)
	if err != nil {
		return nil, errors.InternalError("failed to open PostgreSQL store", err)
	}
	return &Backend{
		Type:    "postgres",
		States:  adapter,
		Tokens:  adapter,
		closers: []func() error{adapter.Close},
	}, nil
}

func (postgresFactory) GetType() string { return "postgres" }
