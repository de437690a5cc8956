package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/camera/sim"
	"github.com/softboxd/softboxd/internal/config"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/storage"
	"github.com/softboxd/softboxd/internal/stores"
)

// facingStateID is the resource-state id the session facing is stored under.
const facingStateID = "current"

// CameraService wraps the session controller and its capture backend.
type CameraService struct {
	cfg *config.Config

	Controller *camera.Controller
	facing     *storage.TypedStore[string]
}

// NewCameraService builds the capture backend named in the config and the
// controller on top of it.
func NewCameraService(cfg *config.Config, registry *stores.Registry, bus *eventbus.Bus) (*CameraService, error) {
	var (
		session camera.Session
		devices camera.DeviceSource
		perms   camera.PermissionSource
	)

	switch cfg.Camera.Backend {
	case "sim":
		session = sim.NewSession(sim.Options{
			Warmup: cfg.Camera.Sim.WarmupDelay.Duration(),
			Width:  cfg.Camera.Sim.FrameWidth,
			Height: cfg.Camera.Sim.FrameHeight,
			Faults: sim.Faults{FailStarts: cfg.Camera.Sim.FailStarts},
		})
		devices = sim.DefaultDevices()
		perms = sim.AlwaysAuthorized()
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Camera.Backend)
	}

	controller := camera.New(session, devices, perms, bus, camera.Options{
		SetupTimeout:   cfg.Camera.SetupTimeout.Duration(),
		ReconcileEvery: cfg.Camera.ReconcileEvery.Duration(),
		RetryBudget:    cfg.Camera.GetRetryBudget(),
		MaskDrift:      cfg.Camera.GetMaskDrift(),
		RestartRPS:     cfg.Camera.RestartRPS,
	})

	s := &CameraService{
		cfg:        cfg,
		Controller: controller,
		facing:     registry.Facing(),
	}

	// Persist the facing on every session transition so it survives restarts
	if bus != nil {
		bus.Subscribe(eventbus.EventTypeSession, s.persistFacing)
	}

	return s, nil
}

func (s *CameraService) persistFacing(ev eventbus.Event) {
	facing, ok := ev.Data["facing"].(string)
	if !ok {
		return
	}
	if err := s.facing.Set(facingStateID, facing); err != nil {
		log.Error().Err(err).Msg("Failed to persist session facing")
	}
}

// Start runs the controller loop and configures the session with the
// restored facing, falling back to the configured default.
func (s *CameraService) Start(ctx context.Context) {
	go func() {
		if err := s.Controller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Session controller error")
		}
	}()

	facing := s.restoreFacing()
	if s.Controller.Configure(facing) {
		log.Info().Str("facing", facing.String()).Msg("Session configure requested")
	}
}

func (s *CameraService) restoreFacing() camera.Facing {
	name := s.cfg.Camera.DefaultFacing

	persisted, version, err := s.facing.Get(facingStateID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore session facing")
	} else if version > 0 {
		name = persisted
		log.Info().Str("facing", name).Msg("Session facing restored")
	}

	facing, err := camera.ParseFacing(name)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid facing, defaulting to front")
		return camera.FacingFront
	}
	return facing
}

// Close stops the controller.
func (s *CameraService) Close() {
	if s.Controller != nil {
		s.Controller.Close()
	}
}
