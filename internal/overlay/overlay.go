// Package overlay owns the light overlay: the colored fill the UI renders
// over the screen and the capture pipeline bakes into photos. Values are
// clamped on every write, persisted through the resource-state store and
// announced on the event bus.
package overlay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/storage"
)

// StateID is the resource-state id the single overlay row is stored under.
const StateID = "current"

// Update sources, carried on overlay change events.
const (
	SourceAPI    = "api"
	SourcePreset = "preset"
	SourceEffect = "effect"
	SourceSystem = "system"
)

// State is the full overlay value set. All numeric fields live in [0,1].
type State struct {
	Enabled    bool    `json:"enabled"`
	Hue        float64 `json:"hue"`
	Brightness float64 `json:"brightness"`
	Intensity  float64 `json:"intensity"`
}

// Patch is a partial overlay update; nil fields are left unchanged.
type Patch struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	Hue        *float64 `json:"hue,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	Intensity  *float64 `json:"intensity,omitempty"`
}

// DefaultState is the overlay before anyone touched it: a warm key light,
// switched off.
func DefaultState() State {
	return State{
		Enabled:    false,
		Hue:        0.08,
		Brightness: 1.0,
		Intensity:  0.6,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s State) clamped() State {
	s.Hue = clamp01(s.Hue)
	s.Brightness = clamp01(s.Brightness)
	s.Intensity = clamp01(s.Intensity)
	return s
}

// Engine holds the live overlay state.
type Engine struct {
	mu    sync.RWMutex
	state State

	store *storage.TypedStore[State]
	bus   *eventbus.Bus
}

// New creates the engine, restoring persisted state when present. The
// store and bus may be nil (ephemeral engine, used in tests).
func New(store *storage.TypedStore[State], bus *eventbus.Bus) *Engine {
	e := &Engine{
		state: DefaultState(),
		store: store,
		bus:   bus,
	}

	if store != nil {
		persisted, version, err := store.Get(StateID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to restore overlay state, using defaults")
		} else if version > 0 {
			e.state = persisted.clamped()
			log.Info().
				Int64("version", version).
				Bool("enabled", e.state.Enabled).
				Float64("hue", e.state.Hue).
				Msg("Overlay state restored")
		}
	}

	return e
}

// Get returns the current overlay state.
func (e *Engine) Get() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Apply merges a patch into the state, clamps, persists and publishes.
// Returns the resulting state.
func (e *Engine) Apply(p Patch, source string) State {
	e.mu.Lock()
	next := e.state
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.Hue != nil {
		next.Hue = *p.Hue
	}
	if p.Brightness != nil {
		next.Brightness = *p.Brightness
	}
	if p.Intensity != nil {
		next.Intensity = *p.Intensity
	}
	next = next.clamped()

	changed := next != e.state
	e.state = next
	e.mu.Unlock()

	if !changed {
		return next
	}

	if e.store != nil {
		if err := e.store.Set(StateID, next); err != nil {
			log.Error().Err(err).Msg("Failed to persist overlay state")
		}
	}
	e.publish(next, source)

	log.Debug().
		Str("source", source).
		Bool("enabled", next.Enabled).
		Float64("hue", next.Hue).
		Float64("brightness", next.Brightness).
		Float64("intensity", next.Intensity).
		Msg("Overlay updated")
	return next
}

// ApplyPreset sets the preset's color and switches the overlay on.
func (e *Engine) ApplyPreset(hue, brightness float64) State {
	enabled := true
	return e.Apply(Patch{
		Enabled:    &enabled,
		Hue:        &hue,
		Brightness: &brightness,
	}, SourcePreset)
}

// Tint returns the capture tint for the current state, nil when the
// overlay is off.
func (e *Engine) Tint() *camera.Tint {
	st := e.Get()
	if !st.Enabled {
		return nil
	}
	return &camera.Tint{
		Hue:        st.Hue,
		Brightness: st.Brightness,
		Intensity:  st.Intensity,
	}
}

func (e *Engine) publish(st State, source string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeOverlay,
		Data: map[string]interface{}{
			"enabled":    st.Enabled,
			"hue":        st.Hue,
			"brightness": st.Brightness,
			"intensity":  st.Intensity,
			"source":     source,
		},
	})
}
