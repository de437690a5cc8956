// Package api exposes the HTTP control plane: session lifecycle, capture,
// presets, overlay, photos, effects, timelapse, and the SSE event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/capture"
	"github.com/softboxd/softboxd/internal/effects"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/gallery"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/preset"
	"github.com/softboxd/softboxd/internal/timelapse"
)

// Deps carries the services the handlers drive. Effects may be nil when
// scripted effects are disabled; everything else is required.
type Deps struct {
	Controller *camera.Controller
	Flow       *capture.Flow
	Presets    *preset.Catalog
	Overlay    *overlay.Engine
	Gallery    *gallery.Gallery
	Effects    *effects.Engine
	Timelapse  *timelapse.Runner
	Bus        *eventbus.Bus
}

// Server is the control API HTTP server.
type Server struct {
	addr       string
	deps       Deps
	hub        *sseHub
	heartbeat  time.Duration
	httpServer *http.Server
}

// NewServer creates the server and subscribes its event stream hub to the
// bus.
func NewServer(host string, port int, deps Deps) *Server {
	s := &Server{
		addr:      fmt.Sprintf("%s:%d", host, port),
		deps:      deps,
		hub:       newSSEHub(),
		heartbeat: sseHeartbeatInterval,
	}
	if deps.Bus != nil {
		s.hub.subscribe(deps.Bus)
	}
	return s
}

// Router builds the route table. Split out from Run so tests can drive
// the handlers directly.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/status", s.handleStatus).Methods("GET")

	v1.HandleFunc("/session/configure", s.handleConfigure).Methods("POST")
	v1.HandleFunc("/session/switch", s.handleSwitch).Methods("POST")
	v1.HandleFunc("/session/repair", s.handleRepair).Methods("POST")
	v1.HandleFunc("/session/stop", s.handleStop).Methods("POST")
	v1.HandleFunc("/session/resume", s.handleResume).Methods("POST")

	v1.HandleFunc("/capture", s.handleCapture).Methods("POST")

	v1.HandleFunc("/presets", s.handleListPresets).Methods("GET")
	v1.HandleFunc("/presets", s.handleCreatePreset).Methods("POST")
	v1.HandleFunc("/presets/{id}/apply", s.handleApplyPreset).Methods("POST")

	v1.HandleFunc("/overlay", s.handleGetOverlay).Methods("GET")
	v1.HandleFunc("/overlay", s.handlePatchOverlay).Methods("PATCH")

	v1.HandleFunc("/photos", s.handleListPhotos).Methods("GET")
	v1.HandleFunc("/photos/{id}", s.handleGetPhoto).Methods("GET")
	v1.HandleFunc("/photos/{id}/data", s.handlePhotoData).Methods("GET")

	v1.HandleFunc("/effects", s.handleListEffects).Methods("GET")
	v1.HandleFunc("/effects/{name}/start", s.handleStartEffect).Methods("POST")
	v1.HandleFunc("/effects/stop", s.handleStopEffect).Methods("POST")

	v1.HandleFunc("/timelapse/start", s.handleStartTimelapse).Methods("POST")
	v1.HandleFunc("/timelapse/stop", s.handleStopTimelapse).Methods("POST")

	v1.HandleFunc("/events", s.handleEvents).Methods("GET")

	return r
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting control API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
