package gallery

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/db"
)

func openGallery(t *testing.T) *Gallery {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	g, err := New(database.DB, filepath.Join(dir, "photos"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func testPhoto(takenAt time.Time) *camera.Photo {
	return &camera.Photo{
		Data:    []byte{0xFF, 0xD8, 0xFF, 0xD9},
		Width:   640,
		Height:  480,
		Facing:  camera.FacingFront,
		TakenAt: takenAt,
	}
}

func TestSaveAndGet(t *testing.T) {
	g := openGallery(t)
	takenAt := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)

	saved, err := g.Save(testPhoto(takenAt), "warm-golden")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.ID == "" {
		t.Fatal("Save() returned empty id")
	}
	if saved.SizeBytes != 4 {
		t.Errorf("Save() size = %d, want 4", saved.SizeBytes)
	}

	got, err := g.Get(saved.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != saved {
		t.Errorf("Get() = %+v, want %+v", got, saved)
	}
	if got.Facing != "front" {
		t.Errorf("Get().Facing = %q, want front", got.Facing)
	}
	if got.PresetID != "warm-golden" {
		t.Errorf("Get().PresetID = %q, want warm-golden", got.PresetID)
	}
	if !got.TakenAt.Equal(takenAt) {
		t.Errorf("Get().TakenAt = %v, want %v", got.TakenAt, takenAt)
	}
}

func TestOpenReturnsBytes(t *testing.T) {
	g := openGallery(t)
	photo := testPhoto(time.Now())

	saved, err := g.Save(photo, "")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	rc, meta, err := g.Open(saved.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()

	if meta.ID != saved.ID {
		t.Errorf("Open() meta id = %s, want %s", meta.ID, saved.ID)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading photo: %v", err)
	}
	if !bytes.Equal(data, photo.Data) {
		t.Errorf("Open() bytes = %v, want %v", data, photo.Data)
	}
}

func TestListWindow(t *testing.T) {
	g := openGallery(t)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		saved, err := g.Save(testPhoto(base.Add(time.Duration(i)*time.Minute)), "")
		if err != nil {
			t.Fatalf("Save() #%d error = %v", i, err)
		}
		ids = append(ids, saved.ID)
	}

	all, err := g.List(10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("List() order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	window, err := g.List(1, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(window) != 1 || window[0].ID != ids[1] {
		t.Errorf("List(1, 1) = %+v, want the middle photo %s", window, ids[1])
	}

	if n, err := g.Count(); err != nil || n != 3 {
		t.Errorf("Count() = %d, %v, want 3, nil", n, err)
	}
}

func TestGetNotFound(t *testing.T) {
	g := openGallery(t)
	if _, err := g.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, _, err := g.Open("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(missing) error = %v, want ErrNotFound", err)
	}
}
