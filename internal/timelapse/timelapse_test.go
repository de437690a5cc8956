package timelapse

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/softboxd/softboxd/internal/camera"
	"github.com/softboxd/softboxd/internal/camera/sim"
	"github.com/softboxd/softboxd/internal/capture"
	"github.com/softboxd/softboxd/internal/db"
	"github.com/softboxd/softboxd/internal/gallery"
	"github.com/softboxd/softboxd/internal/ledger"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/storage"
)

type fixture struct {
	runner  *Runner
	flow    *capture.Flow
	gallery *gallery.Gallery
	ledger  *ledger.Ledger
	store   *storage.TypedStore[Schedule]
}

func newFixture(t *testing.T) *fixture {
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
	store := storage.NewTypedStore[Schedule](storage.NewStore(database.DB), "timelapse")

	session := sim.NewSession(sim.Options{Width: 16, Height: 16})
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

	ctrl.Configure(camera.FacingFront)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := ctrl.Status(); st.State == camera.StateRunning && st.Ready {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	flow := capture.NewFlow(ctrl, overlay.New(nil, nil), gal, led, nil, time.Second)
	return &fixture{
		runner:  New(flow, led, nil, store, 30*time.Second),
		flow:    flow,
		gallery: gal,
		ledger:  led,
		store:   store,
	}
}

func TestOccurrenceAlignment(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 30, 7, 0, time.UTC)

	occ := occurrenceAfter(now, 30*time.Second)
	if occ.Time.Unix()%30 != 0 {
		t.Errorf("occurrence time %v not aligned to 30s", occ.Time)
	}
	if !occ.Time.After(now) {
		t.Errorf("occurrence time %v not after %v", occ.Time, now)
	}
	if !strings.HasPrefix(occ.ID, "timelapse/") {
		t.Errorf("occurrence id = %q, want timelapse/ prefix", occ.ID)
	}

	// Any moment within the same period maps to the same occurrence.
	again := occurrenceAfter(now.Add(3*time.Second), 30*time.Second)
	if again.ID != occ.ID {
		t.Errorf("occurrence id drifted within one period: %q vs %q", again.ID, occ.ID)
	}

	// Sub-second intervals are clamped.
	short := occurrenceAfter(now, 100*time.Millisecond)
	if !short.Time.After(now) {
		t.Errorf("clamped occurrence %v not after %v", short.Time, now)
	}
}

func TestFireDeduplicates(t *testing.T) {
	fx := newFixture(t)
	occ := Occurrence{ID: "timelapse/1000000", Time: time.Now()}

	fx.runner.fire(context.Background(), occ)
	fx.runner.fire(context.Background(), occ)

	if n, err := fx.gallery.Count(); err != nil || n != 1 {
		t.Errorf("gallery.Count() = %d, %v, want 1, nil", n, err)
	}
}

func TestRestartDoesNotDoubleCapture(t *testing.T) {
	fx := newFixture(t)
	occ := Occurrence{ID: "timelapse/2000000", Time: time.Now()}

	fx.runner.fire(context.Background(), occ)
	if n, _ := fx.gallery.Count(); n != 1 {
		t.Fatalf("gallery.Count() = %d, want 1", n)
	}

	// A restarted runner sees the same period and must skip it.
	restarted := New(fx.flow, fx.ledger, nil, fx.store, 30*time.Second)
	restarted.fire(context.Background(), occ)

	if n, _ := fx.gallery.Count(); n != 1 {
		t.Errorf("gallery.Count() after restart = %d, want 1", n)
	}
}

func TestStartStopAndPersistence(t *testing.T) {
	fx := newFixture(t)

	sched := fx.runner.Start(2 * time.Second)
	if !sched.Enabled || sched.Interval != 2*time.Second {
		t.Errorf("Start() = %+v, want enabled with 2s interval", sched)
	}

	restored := New(fx.flow, fx.ledger, nil, fx.store, 30*time.Second)
	if got := restored.Current(); !got.Enabled || got.Interval != 2*time.Second {
		t.Errorf("restored schedule = %+v, want enabled with 2s interval", got)
	}

	stopped := fx.runner.Stop()
	if stopped.Enabled {
		t.Error("Stop() left the schedule enabled")
	}
	afterStop := New(fx.flow, fx.ledger, nil, fx.store, 30*time.Second)
	if afterStop.Current().Enabled {
		t.Error("restored schedule enabled after Stop()")
	}

	// Interval floor.
	floored := fx.runner.Start(200 * time.Millisecond)
	if floored.Interval < time.Second {
		t.Errorf("Start() interval = %v, want >= 1s", floored.Interval)
	}
}

func TestRunnerFiresOnSchedule(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fx.runner.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	fx.runner.Start(time.Second)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := fx.gallery.Count(); n >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n, _ := fx.gallery.Count(); n < 1 {
		t.Fatal("runner never captured on schedule")
	}

	fired, err := fx.ledger.GetByType(ledger.EventTimelapseFired, 10)
	if err != nil {
		t.Fatalf("ledger.GetByType() error = %v", err)
	}
	if len(fired) == 0 {
		t.Error("no timelapse occurrences recorded in the ledger")
	}
}
