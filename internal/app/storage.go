package app

import (
	"context"
	"strconv"

	"connector-hub/internal/common/logging"
	"connector-hub/internal/crypto"
	"connector-hub/internal/storage"
	"connector-hub/internal/storage/postgres"
	"connector-hub/internal/storage/sqlite"
)

func (app *App) initializeStorage(ctx context.Context, cipher crypto.Cipher) error {
	opts := storage.Options{
		Type:     app.Config.StoreBackend,
		Redis:    app.RedisClient,
		Cipher:   cipher,
		StateTTL: app.Config.StateTTLDuration(),
	}

	switch app.Config.StoreBackend {
	case "postgres", "postgresql":
		port, _ := strconv.Atoi(app.Config.PostgresPort)
		opts.Postgres = &postgres.Config{
			Host:     app.Config.PostgresHost,
			Port:     port,
			Database: app.Config.PostgresDB,
			Username: app.Config.PostgresUser,
			Password: app.Config.PostgresPassword,
			SSLMode:  app.Config.PostgresSSLMode,
		}
		app.Logger.Info("Storage: PostgreSQL",
			logging.Field{"host", app.Config.PostgresHost},
			logging.Field{"port", port},
			logging.Field{"database", app.Config.PostgresDB},
		)
	case "sqlite":
		opts.SQLite = &sqlite.Config{DatabasePath: app.Config.DatabasePath}
		app.Logger.Info("Storage: SQLite", logging.Field{"path", app.Config.DatabasePath})
	case "redis":
		app.Logger.Info("Storage: Redis", logging.Field{"address", app.Config.RedisAddress})
	default:
		app.Logger.Warn("Storage: Memory, credentials are lost on restart")
	}

	backend, err := storage.Open(ctx, opts)
	if err != nil {
		return err
	}
	app.Backend = backend
	return nil
}
