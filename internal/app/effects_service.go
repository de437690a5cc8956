package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/config"
	"github.com/softboxd/softboxd/internal/effects"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/storage/kv"
)

// EffectsService wraps the scripted effect engine.
type EffectsService struct {
	cfg    *config.Config
	engine *effects.Engine
}

// NewEffectsService creates the effect engine when effects are enabled.
func NewEffectsService(cfg *config.Config, ov *overlay.Engine, manager *kv.Manager, bus *eventbus.Bus) *EffectsService {
	s := &EffectsService{cfg: cfg}
	if cfg.Effects.Enabled {
		s.engine = effects.New(cfg.Effects.Dir, ov, manager, bus, cfg.Effects.GetQueueSize())
	}
	return s
}

// Engine returns the effect engine, nil when effects are disabled.
func (s *EffectsService) Engine() *effects.Engine {
	return s.engine
}

// Start loads effect scripts and begins the worker goroutine.
// Must succeed before the API starts accepting effect calls.
func (s *EffectsService) Start(ctx context.Context) error {
	if s.engine == nil {
		log.Debug().Msg("Effects disabled")
		return nil
	}

	if err := s.engine.Load(ctx); err != nil {
		return err
	}

	go s.engine.Run(ctx)

	if err := s.engine.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("Effect hot reload unavailable")
	}

	return nil
}

// Close shuts down the effect engine.
func (s *EffectsService) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
}
