// Package stores provides centralized access to typed state stores.
package stores

import (
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/storage"
	"github.com/softboxd/softboxd/internal/timelapse"
)

// Resource kinds for persisted runtime state.
const (
	KindOverlay   = "overlay"
	KindFacing    = "session_facing"
	KindTimelapse = "timelapse"
)

// Registry provides centralized access to all typed stores.
// This replaces passing individual stores throughout the codebase.
type Registry struct {
	base           *storage.Store
	overlayStore   *storage.TypedStore[overlay.State]
	facingStore    *storage.TypedStore[string]
	timelapseStore *storage.TypedStore[timelapse.Schedule]
}

// NewRegistry creates a store registry with typed stores for each resource kind.
func NewRegistry(base *storage.Store) *Registry {
	return &Registry{
		base:           base,
		overlayStore:   storage.NewTypedStore[overlay.State](base, KindOverlay),
		facingStore:    storage.NewTypedStore[string](base, KindFacing),
		timelapseStore: storage.NewTypedStore[timelapse.Schedule](base, KindTimelapse),
	}
}

// Overlay returns the typed store for the overlay state.
func (r *Registry) Overlay() *storage.TypedStore[overlay.State] {
	return r.overlayStore
}

// Facing returns the typed store for the last configured camera facing.
func (r *Registry) Facing() *storage.TypedStore[string] {
	return r.facingStore
}

// Timelapse returns the typed store for the timelapse schedule.
func (r *Registry) Timelapse() *storage.TypedStore[timelapse.Schedule] {
	return r.timelapseStore
}

// Clear removes all state from all stores.
func (r *Registry) Clear() error {
	if err := r.overlayStore.Clear(); err != nil {
		return err
	}
	if err := r.facingStore.Clear(); err != nil {
		return err
	}
	return r.timelapseStore.Clear()
}
