package app

import (
	"connector-hub/internal/common/logging"
	"connector-hub/internal/locks"
	"connector-hub/internal/redis"
)

func (app *App) initializeRedis() error {
	if app.Config.RedisAddress == "" {
		app.Logger.Info("Redis: Not configured (refresh locking is process local)")
		return nil
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Address:  app.Config.RedisAddress,
		Password: app.Config.RedisPassword,
		DB:       app.Config.RedisDBNumber(),
		PoolSize: app.Config.RedisPoolSizeNumber(),
	})
	if err != nil {
		return err
	}
	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected", logging.Field{"address", app.Config.RedisAddress})

	lockManager, err := locks.NewRedsyncManager(redisClient)
	if err != nil {
		_ = redisClient.Close()
		app.RedisClient = nil
		return err
	}
	app.Locks = lockManager
	app.Logger.Info("Distributed Locks: Enabled")

	return nil
}
