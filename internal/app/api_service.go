package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/api"
	"github.com/softboxd/softboxd/internal/config"
)

// APIService wraps the control API HTTP server.
type APIService struct {
	cfg    *config.Config
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, deps api.Deps) *APIService {
	return &APIService{
		cfg:    cfg,
		server: api.NewServer(cfg.API.Host, cfg.API.Port, deps),
	}
}

// Start begins the control API server.
func (s *APIService) Start(ctx context.Context) {
	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}
