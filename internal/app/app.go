package app

import (
	"context"
	"fmt"

	"connector-hub/internal/auth"
	"connector-hub/internal/circuitbreaker"
	commonhttp "connector-hub/internal/common/http"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/config"
	"connector-hub/internal/connectors"
	"connector-hub/internal/crypto"
	"connector-hub/internal/locks"
	"connector-hub/internal/oauth2"
	"connector-hub/internal/redis"
	"connector-hub/internal/storage"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Registry    *connectors.Registry
	Backend     *storage.Backend
	RedisClient *redis.Client
	Locks       *locks.RedsyncManager
	Breakers    *circuitbreaker.Manager
	Service     *oauth2.Service
	Auth        *auth.Auth
	Logger      logging.Logger

	scheduler *Scheduler
}

// New creates a new application instance with all dependencies
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{"component", "app"}),
	}

	if err := app.initializeRegistry(); err != nil {
		return nil, err
	}

	if err := app.initializeRedis(); err != nil {
		return nil, err
	}

	cipher, err := app.initializeEncryption()
	if err != nil {
		app.Cleanup()
		return nil, err
	}

	if err := app.initializeStorage(ctx, cipher); err != nil {
		app.Cleanup()
		return nil, err
	}

	app.initializeOAuth()
	app.initializeAuth()

	app.scheduler, err = NewScheduler(app.Backend.States, cfg.StateCleanupSchedule)
	if err != nil {
		app.Cleanup()
		return nil, err
	}

	return app, nil
}

func (app *App) initializeRegistry() error {
	var configs []connectors.ConnectorConfig

	if app.Config.ConnectorsFile != "" {
		loaded, err := connectors.LoadFile(app.Config.ConnectorsFile)
		if err != nil {
			return err
		}
		configs = append(configs, loaded...)
	}

	if app.Config.HubSpotClientID != "" {
		configs = append(configs, connectors.HubSpot(
			app.Config.HubSpotClientID,
			app.Config.HubSpotClientSecret,
			app.Config.HubSpotRedirectURI,
			app.Config.HubSpotScopeList(),
		))
	}

	registry, err := connectors.NewRegistry(configs...)
	if err != nil {
		return err
	}
	if registry.Len() == 0 {
		app.Logger.Warn("No connectors configured, set CONNECTORS_FILE or HUBSPOT_CLIENT_ID")
	}

	ids := make([]string, 0, registry.Len())
	for _, cfg := range registry.List() {
		ids = append(ids, cfg.ConnectorID)
	}
	app.Logger.Info("Connectors: Loaded", logging.Field{"connectors", ids})

	app.Registry = registry
	return nil
}

func (app *App) initializeEncryption() (crypto.Cipher, error) {
	if app.Config.EncryptionKey == "" {
		app.Logger.Warn("ENCRYPTION_KEY not set, tokens are stored unencrypted")
		return crypto.PlainCipher{}, nil
	}

	cipher, err := crypto.NewAESCipher(app.Config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token encryption: %w", err)
	}
	app.Logger.Info("Token encryption: Enabled")
	return cipher, nil
}

func (app *App) initializeOAuth() {
	app.Breakers = circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), app.Logger)

	tokenClient := oauth2.NewTokenClient(
		oauth2.WithHTTPClient(commonhttp.NewHTTPClientWithTimeout(app.Config.TokenRequestTimeoutDuration())),
		oauth2.WithCircuitBreakers(app.Breakers),
	)

	connector := oauth2.NewConnector(app.Registry, app.Backend.States, app.Backend.Tokens,
		oauth2.WithTokenClient(tokenClient),
	)

	accessorOpts := []oauth2.AccessorOption{
		oauth2.WithRefreshMargin(app.Config.RefreshMarginDuration()),
	}
	if app.Locks != nil {
		accessorOpts = append(accessorOpts, oauth2.WithRefreshLocker(app.Locks))
	}

	app.Service = oauth2.NewService(connector, oauth2.NewAccessor(connector, accessorOpts...))
}

func (app *App) initializeAuth() {
	var opts []auth.Option
	if app.Config.TrustIdentityHeaders {
		app.Logger.Warn("Trusting identity headers, the API must only be reachable through the gateway")
		opts = append(opts, auth.WithTrustedHeaders())
	}
	app.Auth = auth.New(app.Config.JWTSecret, opts...)
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Backend != nil {
		if err := app.Backend.Close(); err != nil {
			app.Logger.Warn("Error closing storage", logging.Err(err))
		}
	}
	if app.Locks != nil {
		_ = app.Locks.Close()
	}
	if app.RedisClient != nil {
		_ = app.RedisClient.Close()
	}
}
