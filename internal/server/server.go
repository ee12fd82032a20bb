// Package server exposes the agent engine over HTTP: program runs, procedure
// management, health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/agentvm/agentvm/internal/capability"
	"github.com/agentvm/agentvm/internal/vm"
	"github.com/agentvm/agentvm/pkg/config"
	"github.com/agentvm/agentvm/pkg/logger"
	"github.com/agentvm/agentvm/pkg/metrics"
)

// Server wires the VM, its capabilities and the HTTP surface together.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	engine  *vm.VM
	caps    map[string]any
	cron    *cron.Cron
	httpSrv *http.Server
}

// New assembles a server from configuration. Capabilities are installed once
// and shared by every run: the store (Redis when configured, in-memory
// otherwise), the llm client when an API key is present, and XML parsing.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	procs := vm.NewProcedureStore(
		time.Duration(cfg.Engine.ProcedureTTLSeconds)*time.Second,
		cfg.Engine.ProcedureMaxBytes,
	)
	engine := vm.New(
		vm.WithLogger(log),
		vm.WithProcedureStore(procs),
		vm.WithDefaultFuel(cfg.Engine.DefaultFuel),
	)

	caps := map[string]any{
		"xml": capability.NewXMLParser(),
	}
	if cfg.Redis.Addr != "" {
		store := capability.NewRedisStore(capability.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err := store.Ping(context.Background()); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		caps["store"] = store
		log.WithField("addr", cfg.Redis.Addr).Info("using redis store capability")
	} else {
		caps["store"] = capability.NewMemoryStore()
	}
	if cfg.LLM.APIKey != "" {
		caps["llm"] = capability.NewOpenAILLM(capability.OpenAIConfig{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
		})
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		engine: engine,
		caps:   caps,
		cron:   cron.New(),
	}

	spec := fmt.Sprintf("@every %ds", cfg.Engine.SweepIntervalSeconds)
	if _, err := s.cron.AddFunc(spec, s.sweepProcedures); err != nil {
		return nil, fmt.Errorf("schedule procedure sweep: %w", err)
	}

	router := chi.NewRouter()
	router.Use(s.requestMetrics)
	router.Use(s.requestLogger)
	router.Use(s.rateLimit)

	router.Get("/health", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route("/v1", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/procedures", s.handleStoreProcedure)
		r.Delete("/procedures/{token}", s.handleReleaseProcedure)
		r.Get("/procedures/stats", s.handleProcedureStats)
	})

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Engine exposes the underlying VM, mainly for tests.
func (s *Server) Engine() *vm.VM { return s.engine }

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.httpSrv.Addr).Info("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) sweepProcedures() {
	removed := s.engine.Procedures().ClearExpired()
	count, _ := s.engine.Procedures().Stats()
	metrics.SetStoredProcedures(count)
	if removed > 0 {
		s.log.WithField("removed", removed).Debug("swept expired procedures")
	}
}
