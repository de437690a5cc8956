package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/config"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/lightlink"
	"github.com/softboxd/softboxd/internal/overlay"
)

// LightLinkService wraps the physical fill-light mirror.
type LightLinkService struct {
	cfg  *config.Config
	link *lightlink.Link
}

// NewLightLinkService creates the light link when it is enabled.
func NewLightLinkService(cfg *config.Config, ov *overlay.Engine, bus *eventbus.Bus) *LightLinkService {
	s := &LightLinkService{cfg: cfg}
	if !cfg.LightLink.Enabled {
		return s
	}

	writer := lightlink.NewBridgeWriter(cfg.LightLink.Bridge, cfg.LightLink.Token, cfg.LightLink.Lights)
	s.link = lightlink.New(writer, ov, bus, lightlink.Config{
		Quiet:        cfg.LightLink.Quiet.Duration(),
		RateLimitRPS: cfg.LightLink.RateLimitRPS,
		MinBackoff:   cfg.LightLink.MinRetryBackoff.Duration(),
		MaxBackoff:   cfg.LightLink.MaxRetryBackoff.Duration(),
		Multiplier:   cfg.LightLink.RetryMultiplier,
		MaxConnects:  cfg.LightLink.MaxConnects,
	})
	return s
}

// Start begins mirroring the overlay onto the bridge lamps.
// The onFatalError callback is called when the connect budget is exhausted.
func (s *LightLinkService) Start(ctx context.Context, onFatalError func(error)) {
	if s.link == nil {
		log.Debug().Msg("Light link disabled")
		return
	}

	go func() {
		if err := s.link.Run(ctx); err != nil {
			if errors.Is(err, lightlink.ErrMaxConnectsExceeded) {
				log.Error().Msg("Light link: max connects exceeded, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			} else {
				log.Error().Err(err).Msg("Light link error")
			}
		}
	}()
}
