// Package app provides application-level wiring: it turns a config and
// a store handle into the HTTP router and background scheduler that
// main() runs.
package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"carbontrace/internal/account"
	"carbontrace/internal/api"
	"carbontrace/internal/config"
	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
	"carbontrace/internal/middleware"
	"carbontrace/internal/principal"
	"carbontrace/internal/scheduler"
	"carbontrace/internal/session"
)

// Deps holds the external dependencies that main() must provide: the
// config and the connected store. The app package never opens
// connections itself.
type Deps struct {
	Cfg    *config.Config
	Store  domain.Store
	Logger *slog.Logger
}

// App holds the fully-wired application.
type App struct {
	Router    http.Handler
	Sessions  *session.Manager
	Accounts  *account.Service
	Scheduler *scheduler.Scheduler
}

// New wires the session manager, services, middleware chain, and routes
// from the provided deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg

	sessions, err := session.NewManager([]byte(cfg.JWTSecret),
		session.WithTokenTTL(cfg.TokenTTL),
		session.WithRenewalWindow(cfg.RenewalWindow),
	)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(deps.Store, nil)
	accounts := account.NewService(deps.Store, deps.Logger)
	resolver := principal.NewResolver(deps.Store, gw, deps.Logger)
	handler := api.NewHandler(accounts, sessions, deps.Store, gw, deps.Logger, cfg.SecureCookies)
	authed := middleware.Auth(sessions, resolver, cfg.SecureCookies)

	r := chi.NewRouter()
	r.Use(middleware.RequestID(deps.Logger))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", session.CSRFHeader},
		ExposedHeaders:   []string{session.RenewedHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
	}))
	r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Mount("/", handler.Routes(authed))

	return &App{
		Router:    r,
		Sessions:  sessions,
		Accounts:  accounts,
		Scheduler: scheduler.New(deps.Store, cfg.SchedulerSpec, deps.Logger),
	}, nil
}
