package escrowd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"workescrow/config"
	"workescrow/core/events"
	"workescrow/core/state"
	"workescrow/gateway/middleware"
	"workescrow/gateway/routes"
	nativecommon "workescrow/native/common"
	"workescrow/native/escrow"
	"workescrow/storage"
)

// Service owns the state database, the escrow engine, the audit journal and
// the HTTP gateway serving them.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      storage.Database
	state   *state.Manager
	engine  *escrow.Engine
	pauses  *nativecommon.Pauses
	audit   *AuditJournal
	handler http.Handler
}

// New opens storage and wires the engine and gateway from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("escrowd: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	params, err := cfg.EscrowParams()
	if err != nil {
		return nil, fmt.Errorf("escrow params: %w", err)
	}
	feeDestination, err := cfg.FeeDestination()
	if err != nil {
		return nil, err
	}
	operators, err := cfg.Operators()
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	audit, err := OpenAuditJournal(cfg.AuditDB, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open audit journal: %w", err)
	}

	svc := &Service{
		cfg:    cfg,
		logger: logger,
		db:     db,
		state:  state.NewManager(db),
		pauses: nativecommon.NewPauses(cfg.Escrow.PausedModules...),
		audit:  audit,
	}
	svc.engine = escrow.NewEngine()
	svc.engine.SetState(svc.state)
	svc.engine.SetLedger(svc.state)
	svc.engine.SetPauses(svc.pauses)
	svc.engine.SetFeeDestination(feeDestination)
	svc.engine.SetLogger(logger)
	svc.engine.SetEmitter(events.MultiEmitter{audit})
	if err := svc.engine.SetParams(params); err != nil {
		svc.Close()
		return nil, err
	}

	router := routes.New(routes.Config{
		Engine:    svc.engine,
		Ledger:    svc.state,
		Audit:     audit,
		Operators: operators,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: true}, logger),
		Logger:        logger,
	})
	svc.handler = router
	if cfg.Telemetry.Traces {
		svc.handler = otelhttp.NewHandler(router, "escrowd")
	}

	logger.Info("escrow service configured",
		slog.String("component", "escrowd"),
		slog.String("backend", cfg.StorageBackend),
		slog.String("policy", params.Policy.String()),
		slog.Bool("refundEnabled", params.RefundEnabled),
		slog.Int("operators", len(operators)))
	return svc, nil
}

// Handler returns the gateway handler.
func (s *Service) Handler() http.Handler { return s.handler }

// Engine exposes the wired escrow engine.
func (s *Service) Engine() *escrow.Engine { return s.engine }

// State exposes the state manager backing the engine and the ledger.
func (s *Service) State() *state.Manager { return s.state }

// SetPaused toggles a module pause at runtime.
func (s *Service) SetPaused(module string, paused bool) {
	s.pauses.Set(module, paused)
	s.logger.Warn("module pause updated",
		slog.String("component", "escrowd"),
		slog.String("module", module),
		slog.Bool("paused", paused))
}

// Serve accepts connections on listener until ctx is cancelled, then shuts
// the server down within the configured timeout.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("escrowd listening",
			slog.String("component", "escrowd"),
			slog.String("address", listener.Addr().String()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return <-errCh
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Service) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Close releases the audit journal and the state database.
func (s *Service) Close() error {
	var err error
	if s.audit != nil {
		err = s.audit.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return err
}
