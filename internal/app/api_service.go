package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/api"
	"github.com/dokzlo13/groupd/internal/config"
)

// APIService serves the HTTP API, including health endpoints.
type APIService struct {
	cfg     *config.Config
	handler http.Handler
	server  *http.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, engine api.Engine, ready func() bool) *APIService {
	return &APIService{
		cfg:     cfg,
		handler: api.NewRouter(engine, ready),
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.API.Enabled {
		log.Info().Msg("HTTP API is disabled")
		return
	}

	go s.run(ctx)
}

func (s *APIService) run(ctx context.Context) {
	addr := s.cfg.API.Addr()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting HTTP API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP API server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP API server error")
	}
}
