// Package gallery is the photo library: finished captures land here as
// JPEG files with a SQLite index row for browsing.
package gallery

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
)

// ErrNotFound is returned when no photo has the requested id.
var ErrNotFound = errors.New("photo not found")

// Photo is the indexed metadata of one stored capture.
type Photo struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Facing    string    `json:"facing"`
	PresetID  string    `json:"preset_id,omitempty"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	SizeBytes int64     `json:"size_bytes"`
	TakenAt   time.Time `json:"taken_at"`
}

// Gallery stores capture files under one directory and indexes them.
type Gallery struct {
	db  *sql.DB
	dir string
}

// New creates the gallery, creating the photo directory if needed.
func New(db *sql.DB, dir string) (*Gallery, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create gallery directory: %w", err)
	}
	return &Gallery{db: db, dir: dir}, nil
}

// Dir returns the photo directory.
func (g *Gallery) Dir() string {
	return g.dir
}

// Save writes the capture to disk and indexes it. Returns the stored
// metadata.
func (g *Gallery) Save(p *camera.Photo, presetID string) (Photo, error) {
	takenAt := p.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}
	takenAt = takenAt.UTC()

	meta := Photo{
		ID:        uuid.NewString(),
		Facing:    p.Facing.String(),
		PresetID:  presetID,
		Width:     p.Width,
		Height:    p.Height,
		SizeBytes: int64(len(p.Data)),
		TakenAt:   takenAt,
	}
	meta.Filename = meta.ID + ".jpg"

	path := filepath.Join(g.dir, meta.Filename)
	if err := os.WriteFile(path, p.Data, 0o644); err != nil {
		return Photo{}, fmt.Errorf("failed to write photo file: %w", err)
	}

	_, err := g.db.Exec(`
		INSERT INTO photos (id, filename, facing, preset_id, width, height, size_bytes, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, meta.ID, meta.Filename, meta.Facing, meta.PresetID, meta.Width, meta.Height, meta.SizeBytes, takenAt.Unix())
	if err != nil {
		// Keep index and files consistent.
		os.Remove(path)
		return Photo{}, fmt.Errorf("failed to index photo: %w", err)
	}

	log.Info().
		Str("id", meta.ID).
		Str("facing", meta.Facing).
		Int64("size_bytes", meta.SizeBytes).
		Msg("Photo stored")
	return meta, nil
}

// List returns the newest photos first, windowed by limit and offset.
func (g *Gallery) List(limit, offset int) ([]Photo, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := g.db.Query(`
		SELECT id, filename, facing, preset_id, width, height, size_bytes, taken_at
		FROM photos
		ORDER BY taken_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns the metadata for one photo.
func (g *Gallery) Get(id string) (Photo, error) {
	row := g.db.QueryRow(`
		SELECT id, filename, facing, preset_id, width, height, size_bytes, taken_at
		FROM photos WHERE id = ?
	`, id)

	p, err := scanPhoto(row)
	if err == sql.ErrNoRows {
		return Photo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Photo{}, err
	}
	return p, nil
}

// Open returns the image bytes for one photo along with its metadata.
// The caller closes the reader.
func (g *Gallery) Open(id string) (io.ReadCloser, Photo, error) {
	meta, err := g.Get(id)
	if err != nil {
		return nil, Photo{}, err
	}

	f, err := os.Open(filepath.Join(g.dir, meta.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Photo{}, fmt.Errorf("%w: file for %s missing", ErrNotFound, id)
		}
		return nil, Photo{}, err
	}
	return f, meta, nil
}

// Count returns how many photos are indexed.
func (g *Gallery) Count() (int, error) {
	var n int
	err := g.db.QueryRow(`SELECT COUNT(*) FROM photos`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPhoto(row rowScanner) (Photo, error) {
	var p Photo
	var presetID sql.NullString
	var takenAt int64
	err := row.Scan(&p.ID, &p.Filename, &p.Facing, &presetID, &p.Width, &p.Height, &p.SizeBytes, &takenAt)
	if err != nil {
		return Photo{}, err
	}
	p.PresetID = presetID.String
	p.TakenAt = time.Unix(takenAt, 0).UTC()
	return p, nil
}
