// Package preset holds the lighting preset catalog: an immutable built-in
// set grouped into categories plus append-only user presets persisted in
// SQLite. Presets are never mutated after creation.
package preset

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/eventbus"
)

// ErrNotFound is returned when no preset has the requested id.
var ErrNotFound = errors.New("preset not found")

// Preset is an immutable lighting value.
type Preset struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Hue        float64 `json:"hue"`
	Brightness float64 `json:"brightness"`
	Custom     bool    `json:"custom"`
	CreatedAt  int64   `json:"created_at,omitempty"` // unix seconds, zero for built-ins
}

// CategoryCustom is where user presets land when no category is given.
const CategoryCustom = "custom"

// BuiltIns returns the static catalog. Callers get a fresh slice; the
// presets themselves never change.
func BuiltIns() []Preset {
	return []Preset{
		{ID: "warm-candle", Name: "Candle", Category: "warm", Hue: 0.075, Brightness: 0.85},
		{ID: "warm-golden", Name: "Golden Hour", Category: "warm", Hue: 0.10, Brightness: 1.0},
		{ID: "warm-peach", Name: "Peach", Category: "warm", Hue: 0.05, Brightness: 0.9},
		{ID: "cool-daylight", Name: "Daylight", Category: "cool", Hue: 0.55, Brightness: 1.0},
		{ID: "cool-arctic", Name: "Arctic", Category: "cool", Hue: 0.60, Brightness: 0.95},
		{ID: "cool-moonlight", Name: "Moonlight", Category: "cool", Hue: 0.65, Brightness: 0.7},
		{ID: "vivid-rose", Name: "Rose", Category: "vivid", Hue: 0.92, Brightness: 0.95},
		{ID: "vivid-violet", Name: "Violet", Category: "vivid", Hue: 0.78, Brightness: 0.9},
		{ID: "vivid-mint", Name: "Mint", Category: "vivid", Hue: 0.42, Brightness: 0.95},
	}
}

// Catalog serves built-in and user presets.
type Catalog struct {
	db  *sql.DB
	bus *eventbus.Bus

	builtins []Preset
	byID     map[string]Preset
}

// NewCatalog creates a catalog backed by the given database. The bus may
// be nil, which disables event publishing.
func NewCatalog(db *sql.DB, bus *eventbus.Bus) *Catalog {
	builtins := BuiltIns()
	byID := make(map[string]Preset, len(builtins))
	for _, p := range builtins {
		byID[p.ID] = p
	}
	return &Catalog{
		db:       db,
		bus:      bus,
		builtins: builtins,
		byID:     byID,
	}
}

// List returns every preset: built-ins first, then user presets in
// creation order.
func (c *Catalog) List() ([]Preset, error) {
	custom, err := c.queryCustom("")
	if err != nil {
		return nil, err
	}
	out := make([]Preset, 0, len(c.builtins)+len(custom))
	out = append(out, c.builtins...)
	return append(out, custom...), nil
}

// ByCategory returns the presets in one category.
func (c *Catalog) ByCategory(category string) ([]Preset, error) {
	var out []Preset
	for _, p := range c.builtins {
		if p.Category == category {
			out = append(out, p)
		}
	}
	custom, err := c.queryCustom(category)
	if err != nil {
		return nil, err
	}
	return append(out, custom...), nil
}

// Get returns the preset with the given id.
func (c *Catalog) Get(id string) (Preset, error) {
	if p, ok := c.byID[id]; ok {
		return p, nil
	}

	var p Preset
	var createdAt int64
	err := c.db.QueryRow(`
		SELECT id, name, category, hue, brightness, created_at
		FROM presets WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Hue, &p.Brightness, &createdAt)
	if err == sql.ErrNoRows {
		return Preset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Preset{}, err
	}
	p.Custom = true
	p.CreatedAt = createdAt
	return p, nil
}

// Create appends a user preset with a fresh id and returns it. Values are
// clamped to [0,1]; the preset is immutable afterwards.
func (c *Catalog) Create(name, category string, hue, brightness float64) (Preset, error) {
	if name == "" {
		return Preset{}, errors.New("preset name required")
	}
	if category == "" {
		category = CategoryCustom
	}

	p := Preset{
		ID:         uuid.NewString(),
		Name:       name,
		Category:   category,
		Hue:        clamp01(hue),
		Brightness: clamp01(brightness),
		Custom:     true,
		CreatedAt:  time.Now().UTC().Unix(),
	}

	_, err := c.db.Exec(`
		INSERT INTO presets (id, name, category, hue, brightness, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Category, p.Hue, p.Brightness, p.CreatedAt)
	if err != nil {
		return Preset{}, fmt.Errorf("failed to store preset: %w", err)
	}

	log.Info().
		Str("id", p.ID).
		Str("name", p.Name).
		Str("category", p.Category).
		Msg("Preset created")
	c.publish("created", p)
	return p, nil
}

// NotifyApplied announces that a preset was applied to the overlay.
func (c *Catalog) NotifyApplied(p Preset) {
	c.publish("applied", p)
}

func (c *Catalog) queryCustom(category string) ([]Preset, error) {
	query := `
		SELECT id, name, category, hue, brightness, created_at
		FROM presets
	`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Preset
	for rows.Next() {
		var p Preset
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Hue, &p.Brightness, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Custom = true
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Catalog) publish(event string, p Preset) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypePreset,
		Data: map[string]interface{}{
			"event":    event,
			"id":       p.ID,
			"name":     p.Name,
			"category": p.Category,
		},
	})
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
