package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"workescrow/gateway/middleware"
)

// Config wires the gateway handlers to the escrow engine and the ledger.
type Config struct {
	Engine         EscrowService
	Ledger         AccountService
	Audit          AuditReader
	Operators      [][20]byte
	Authenticator  *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	Observability  *middleware.Observability
	CORS           middleware.CORSConfig
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// New builds the gateway router. Health and metrics endpoints are public;
// everything under /v1 requires a bearer token.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, logger)
	}

	r.With(obs.Middleware("health")).Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	escrows := &escrowRoutes{engine: cfg.Engine, audit: cfg.Audit, logger: logger, timeout: cfg.RequestTimeout}
	operators := make(map[[20]byte]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op] = struct{}{}
	}
	accounts := &accountRoutes{ledger: cfg.Ledger, operators: operators, logger: logger, timeout: cfg.RequestTimeout}

	r.Route("/v1/escrows", func(sr chi.Router) {
		sr.Use(obs.Middleware("escrows"))
		protect(sr, cfg, "escrows")
		escrows.mount(sr)
	})
	r.Route("/v1/accounts", func(sr chi.Router) {
		sr.Use(obs.Middleware("accounts"))
		protect(sr, cfg, "accounts")
		accounts.mount(sr)
	})
	return r
}

// protect installs authentication ahead of rate limiting so buckets are
// keyed by the verified caller.
func protect(r chi.Router, cfg Config, route string) {
	if cfg.Authenticator != nil {
		r.Use(cfg.Authenticator.Middleware)
	}
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware(route))
	}
}
