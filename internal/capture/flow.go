// Package capture orchestrates one photo capture end to end: it asks the
// controller for a frame, stores it in the gallery, records the outcome
// in the ledger and announces it on the bus. Both the HTTP API and the
// timelapse scheduler go through this flow.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/gallery"
	"github.com/softboxd/softboxd/internal/ledger"
	"github.com/softboxd/softboxd/internal/overlay"
)

// Request describes one capture.
type Request struct {
	PresetID       string
	Delay          time.Duration
	IdempotencyKey string // empty disables deduplication
	Source         string // "api" or "timelapse"
}

// Result is a finished capture.
type Result struct {
	Photo    gallery.Photo
	Replayed bool // answered from the ledger, no new capture happened
}

// Flow wires the capture path together.
type Flow struct {
	controller *camera.Controller
	overlay    *overlay.Engine
	gallery    *gallery.Gallery
	ledger     *ledger.Ledger
	bus        *eventbus.Bus
	timeout    time.Duration
}

// NewFlow creates a capture flow. The bus may be nil.
func NewFlow(controller *camera.Controller, ov *overlay.Engine, gal *gallery.Gallery, led *ledger.Ledger, bus *eventbus.Bus, timeout time.Duration) *Flow {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Flow{
		controller: controller,
		overlay:    ov,
		gallery:    gal,
		ledger:     led,
		bus:        bus,
		timeout:    timeout,
	}
}

// Do runs one capture. A request whose idempotency key already completed
// is answered with the original photo without touching the session.
func (f *Flow) Do(ctx context.Context, req Request) (Result, error) {
	if refID, ok := f.ledger.CompletedRef(req.IdempotencyKey); ok {
		photo, err := f.gallery.Get(refID)
		if err != nil {
			return Result{}, fmt.Errorf("idempotent replay of %s: %w", refID, err)
		}
		log.Debug().
			Str("idempotency_key", req.IdempotencyKey).
			Str("photo_id", refID).
			Msg("Capture already completed, replaying")
		return Result{Photo: photo, Replayed: true}, nil
	}

	ch, err := f.controller.Capture(ctx, camera.CaptureRequest{
		Delay:    req.Delay,
		PresetID: req.PresetID,
		Tint:     f.overlay.Tint(),
	})
	if err != nil {
		return Result{}, err
	}

	var res camera.CaptureResult
	select {
	case res = <-ch:
	case <-time.After(req.Delay + f.timeout):
		err := fmt.Errorf("capture timed out after %s", f.timeout)
		f.recordFailure(req, err)
		return Result{}, camera.WrapCapture(err)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	if res.Err != nil {
		f.recordFailure(req, res.Err)
		return Result{}, camera.WrapCapture(res.Err)
	}

	photo, err := f.gallery.Save(res.Photo, req.PresetID)
	if err != nil {
		f.recordFailure(req, err)
		return Result{}, err
	}

	if err := f.ledger.AppendWithSource(ledger.EventCaptureCompleted, req.IdempotencyKey, req.Source, photo.ID, map[string]any{
		"photo_id":  photo.ID,
		"facing":    photo.Facing,
		"preset_id": req.PresetID,
	}); err != nil {
		log.Error().Err(err).Str("photo_id", photo.ID).Msg("Failed to record capture completion")
	}

	f.publish("completed", req, map[string]interface{}{
		"photo_id": photo.ID,
		"facing":   photo.Facing,
	})
	return Result{Photo: photo}, nil
}

func (f *Flow) recordFailure(req Request, cause error) {
	if err := f.ledger.AppendWithSource(ledger.EventCaptureFailed, req.IdempotencyKey, req.Source, "", map[string]any{
		"error":     cause.Error(),
		"preset_id": req.PresetID,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to record capture failure")
	}
	f.publish("failed", req, map[string]interface{}{
		"error": cause.Error(),
	})
}

func (f *Flow) publish(event string, req Request, extra map[string]interface{}) {
	if f.bus == nil {
		return
	}
	data := map[string]interface{}{
		"event":  event,
		"source": req.Source,
	}
	if req.PresetID != "" {
		data["preset_id"] = req.PresetID
	}
	for k, v := range extra {
		data[k] = v
	}
	f.bus.Publish(eventbus.Event{Type: eventbus.EventTypeCapture, Data: data})
}
