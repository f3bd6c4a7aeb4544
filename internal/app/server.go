package app

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"connector-hub/internal/common/logging"
	"connector-hub/internal/common/ratelimit"
	"connector-hub/internal/handlers"
	"connector-hub/internal/server"
)

// Handler builds the HTTP handler serving the API
func (app *App) Handler() (http.Handler, error) {
	h := handlers.New(app.Service)

	var limiter *ratelimit.Limiter
	if rps := app.Config.RateLimitRPSNumber(); rps > 0 {
		var err error
		limiter, err = ratelimit.NewLocal(rps, app.Config.RateLimitBurstNumber())
		if err != nil {
			return nil, err
		}
		app.Logger.Info("Rate Limiting: Enabled",
			logging.Field{"rps", rps},
			logging.Field{"burst", app.Config.RateLimitBurstNumber()},
		)
	}

	router := mux.NewRouter()
	SetupRoutes(router, h, RouteOptions{
		Auth:        app.Auth,
		RateLimiter: limiter,
		CORSOrigins: app.Config.CORSAllowedOrigins,
	})
	return router, nil
}

// RunServer starts the background jobs and the HTTP server
func (app *App) RunServer() (*server.Server, error) {
	handler, err := app.Handler()
	if err != nil {
		return nil, err
	}

	app.scheduler.Start()

	srv := server.New(handler, app.Config.Port, "", "")
	if err := srv.Start(); err != nil {
		return nil, err
	}
	app.Logger.Info("Server started", logging.Field{"port", app.Config.Port})
	return srv, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown(ctx context.Context) error {
	if app.scheduler != nil {
		app.scheduler.Stop(ctx)
		app.Logger.Info("State cleanup stopped")
	}
	return nil
}
