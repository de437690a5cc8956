package capture

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/camera/sim"
	"github.com/softboxd/softboxd/internal/db"
	"github.com/softboxd/softboxd/internal/gallery"
	"github.com/softboxd/softboxd/internal/ledger"
	"github.com/softboxd/softboxd/internal/overlay"
)

type flowFixture struct {
	flow    *Flow
	ctrl    *camera.Controller
	gallery *gallery.Gallery
	ledger  *ledger.Ledger
}

func newFixture(t *testing.T, faults sim.Faults, configure bool) *flowFixture {
	t.Helper()

	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	gal, err := gallery.New(database.DB, filepath.Join(dir, "photos"))
	if err != nil {
		t.Fatalf("gallery.New() error = %v", err)
	}
	led := ledger.New(database.DB)

	session := sim.NewSession(sim.Options{Width: 32, Height: 24, Faults: faults})
	ctrl := camera.New(session, sim.DefaultDevices(), sim.AlwaysAuthorized(), nil, camera.Options{
		SetupTimeout:   time.Second,
		ReconcileEvery: 10 * time.Millisecond,
		RetryBudget:    3,
		MaskDrift:      true,
		RestartRPS:     1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if configure {
		ctrl.Configure(camera.FacingFront)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if st := ctrl.Status(); st.State == camera.StateRunning && st.Ready {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		if st := ctrl.Status(); st.State != camera.StateRunning {
			t.Fatalf("session did not reach running: %+v", st)
		}
	}

	return &flowFixture{
		flow:    NewFlow(ctrl, overlay.New(nil, nil), gal, led, nil, time.Second),
		ctrl:    ctrl,
		gallery: gal,
		ledger:  led,
	}
}

func TestDoCapturesAndStores(t *testing.T) {
	fx := newFixture(t, sim.Faults{}, true)

	res, err := fx.flow.Do(context.Background(), Request{PresetID: "warm-golden", Source: "api"})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if res.Replayed {
		t.Error("Do() replayed a fresh capture")
	}
	if res.Photo.PresetID != "warm-golden" {
		t.Errorf("photo preset = %q, want warm-golden", res.Photo.PresetID)
	}

	stored, err := fx.gallery.Get(res.Photo.ID)
	if err != nil {
		t.Fatalf("gallery.Get() error = %v", err)
	}
	if stored.Facing != "front" {
		t.Errorf("stored facing = %q, want front", stored.Facing)
	}

	completed, err := fx.ledger.GetByType(ledger.EventCaptureCompleted, 10)
	if err != nil {
		t.Fatalf("ledger.GetByType() error = %v", err)
	}
	if len(completed) != 1 {
		t.Fatalf("completed ledger entries = %d, want 1", len(completed))
	}
	if completed[0].RefID != res.Photo.ID {
		t.Errorf("ledger ref = %s, want %s", completed[0].RefID, res.Photo.ID)
	}
}

func TestDoIdempotentReplay(t *testing.T) {
	fx := newFixture(t, sim.Faults{}, true)
	req := Request{IdempotencyKey: "shot-1", Source: "api"}

	first, err := fx.flow.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("first Do() error = %v", err)
	}

	second, err := fx.flow.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if !second.Replayed {
		t.Error("second Do() did not replay")
	}
	if second.Photo.ID != first.Photo.ID {
		t.Errorf("replayed photo = %s, want %s", second.Photo.ID, first.Photo.ID)
	}

	if n, err := fx.gallery.Count(); err != nil || n != 1 {
		t.Errorf("gallery.Count() = %d, %v, want 1, nil", n, err)
	}
}

func TestDoNotRunning(t *testing.T) {
	fx := newFixture(t, sim.Faults{}, false)

	_, err := fx.flow.Do(context.Background(), Request{Source: "api"})
	if !errors.Is(err, camera.ErrNotRunning) {
		t.Fatalf("Do() error = %v, want ErrNotRunning", err)
	}

	// Fail-fast leaves no trace.
	failed, err := fx.ledger.GetByType(ledger.EventCaptureFailed, 10)
	if err != nil {
		t.Fatalf("ledger.GetByType() error = %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("failed ledger entries = %d, want 0", len(failed))
	}
	if n, _ := fx.gallery.Count(); n != 0 {
		t.Errorf("gallery.Count() = %d, want 0", n)
	}
}

func TestDoCaptureFault(t *testing.T) {
	fx := newFixture(t, sim.Faults{CaptureErr: errors.New("sensor fault")}, true)

	_, err := fx.flow.Do(context.Background(), Request{Source: "api"})
	if !errors.Is(err, camera.ErrCaptureFailed) {
		t.Fatalf("Do() error = %v, want ErrCaptureFailed", err)
	}

	failed, err := fx.ledger.GetByType(ledger.EventCaptureFailed, 10)
	if err != nil {
		t.Fatalf("ledger.GetByType() error = %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("failed ledger entries = %d, want 1", len(failed))
	}
}
