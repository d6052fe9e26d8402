package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/api"
	"github.com/dokzlo13/scened/internal/config"
)

// APIService serves the REST API, health and readiness endpoints.
type APIService struct {
	cfg    *config.Config
	Server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, deps api.Deps) *APIService {
	return &APIService{
		cfg:    cfg,
		Server: api.NewServer(cfg.HTTP.Addr(), deps),
	}
}

// Start begins serving if the API is enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.HTTP.Enabled {
		log.Info().Msg("HTTP API is disabled")
		return
	}

	go func() {
		if err := s.Server.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}
