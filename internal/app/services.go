package app

import (
	"context"
	"time"

	"github.com/softboxd/softboxd/internal/api"
	"github.com/softboxd/softboxd/internal/capture"
	"github.com/softboxd/softboxd/internal/config"
	"github.com/softboxd/softboxd/internal/db"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/gallery"
	"github.com/softboxd/softboxd/internal/ledger"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/preset"
	"github.com/softboxd/softboxd/internal/storage"
	"github.com/softboxd/softboxd/internal/storage/kv"
	"github.com/softboxd/softboxd/internal/stores"
)

// kvCleanupInterval is how often expired script-state entries are purged.
const kvCleanupInterval = 5 * time.Minute

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Stores *stores.Registry
	KV     *kv.Manager
	Bus    *eventbus.Bus

	// Domain engines
	Overlay *overlay.Engine
	Presets *preset.Catalog
	Gallery *gallery.Gallery
	Flow    *capture.Flow

	// High-level services
	Camera    *CameraService
	Effects   *EffectsService
	LightLink *LightLinkService
	Timelapse *TimelapseService
	API       *APIService
	Health    *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger and state stores
	s.Ledger = ledger.New(database.DB)
	s.Stores = stores.NewRegistry(storage.NewStore(database.DB))
	s.KV = kv.NewManager(database.DB)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize overlay engine with persisted state
	s.Overlay = overlay.New(s.Stores.Overlay(), s.Bus)

	// Initialize preset catalog
	s.Presets = preset.NewCatalog(database.DB, s.Bus)

	// Initialize photo gallery
	s.Gallery, err = gallery.New(database.DB, cfg.Gallery.Dir)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize camera service (session controller plus backend)
	s.Camera, err = NewCameraService(cfg, s.Stores, s.Bus)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize capture flow
	s.Flow = capture.NewFlow(s.Camera.Controller, s.Overlay, s.Gallery, s.Ledger, s.Bus, cfg.Camera.CaptureTimeout.Duration())

	// Initialize timelapse service
	s.Timelapse = NewTimelapseService(cfg, s.Flow, s.Ledger, s.Bus, s.Stores.Timelapse())

	// Initialize scripted effects service
	s.Effects = NewEffectsService(cfg, s.Overlay, s.KV, s.Bus)

	// Initialize physical light link service
	s.LightLink = NewLightLinkService(cfg, s.Overlay, s.Bus)

	// Initialize control API service
	s.API = NewAPIService(cfg, api.Deps{
		Controller: s.Camera.Controller,
		Flow:       s.Flow,
		Presets:    s.Presets,
		Overlay:    s.Overlay,
		Gallery:    s.Gallery,
		Effects:    s.Effects.Engine(),
		Timelapse:  s.Timelapse.Runner,
		Bus:        s.Bus,
	})

	// Initialize health service
	s.Health = NewHealthService(cfg, s.Camera.Controller)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max connects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Start the session controller and restore facing
	s.Camera.Start(ctx)

	// Load effect scripts before accepting API calls
	if err := s.Effects.Start(ctx); err != nil {
		return err
	}

	// Start remaining background services
	s.Timelapse.Start(ctx)
	s.LightLink.Start(ctx, onFatalError)
	s.API.Start(ctx)
	s.Health.Start(ctx)

	// Purge expired script-state entries in the background
	s.KV.StartCleanup(ctx, kvCleanupInterval)

	return nil
}

// ClearState clears all persisted runtime state.
func (s *Services) ClearState() error {
	return s.Stores.Clear()
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Effects != nil {
		s.Effects.Close()
	}
	if s.Camera != nil {
		s.Camera.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
