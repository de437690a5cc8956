package overlay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/softboxd/softboxd/internal/db"
	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/storage"
)

func ptrBool(v bool) *bool { return &v }

func ptrFloat(v float64) *float64 { return &v }

func TestApplyPatch(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
		want  State
	}{
		{
			name:  "empty_patch_keeps_defaults",
			patch: Patch{},
			want:  DefaultState(),
		},
		{
			name:  "enable_only",
			patch: Patch{Enabled: ptrBool(true)},
			want:  State{Enabled: true, Hue: 0.08, Brightness: 1.0, Intensity: 0.6},
		},
		{
			name:  "hue_only",
			patch: Patch{Hue: ptrFloat(0.5)},
			want:  State{Enabled: false, Hue: 0.5, Brightness: 1.0, Intensity: 0.6},
		},
		{
			name: "full_patch",
			patch: Patch{
				Enabled:    ptrBool(true),
				Hue:        ptrFloat(0.33),
				Brightness: ptrFloat(0.7),
				Intensity:  ptrFloat(0.2),
			},
			want: State{Enabled: true, Hue: 0.33, Brightness: 0.7, Intensity: 0.2},
		},
		{
			name: "values_clamped",
			patch: Patch{
				Hue:        ptrFloat(1.7),
				Brightness: ptrFloat(-0.4),
				Intensity:  ptrFloat(2.0),
			},
			want: State{Enabled: false, Hue: 1.0, Brightness: 0.0, Intensity: 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(nil, nil)
			got := e.Apply(tt.patch, SourceAPI)
			if got != tt.want {
				t.Errorf("Apply() = %+v, want %+v", got, tt.want)
			}
			if e.Get() != tt.want {
				t.Errorf("Get() = %+v, want %+v", e.Get(), tt.want)
			}
		})
	}
}

func TestApplyPreset(t *testing.T) {
	e := New(nil, nil)

	got := e.ApplyPreset(0.62, 0.8)
	if !got.Enabled {
		t.Error("ApplyPreset() did not enable the overlay")
	}
	if got.Hue != 0.62 || got.Brightness != 0.8 {
		t.Errorf("ApplyPreset() = hue %v brightness %v, want 0.62/0.8", got.Hue, got.Brightness)
	}
	if got.Intensity != DefaultState().Intensity {
		t.Errorf("ApplyPreset() changed intensity to %v", got.Intensity)
	}
}

func TestTint(t *testing.T) {
	e := New(nil, nil)

	if tint := e.Tint(); tint != nil {
		t.Errorf("Tint() = %+v while disabled, want nil", tint)
	}

	e.Apply(Patch{
		Enabled:    ptrBool(true),
		Hue:        ptrFloat(0.4),
		Brightness: ptrFloat(0.9),
		Intensity:  ptrFloat(0.3),
	}, SourceAPI)

	tint := e.Tint()
	if tint == nil {
		t.Fatal("Tint() = nil while enabled")
	}
	if tint.Hue != 0.4 || tint.Brightness != 0.9 || tint.Intensity != 0.3 {
		t.Errorf("Tint() = %+v, want {0.4 0.9 0.3}", tint)
	}
}

func TestPersistRestore(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	defer database.Close()

	store := storage.NewTypedStore[State](storage.NewStore(database.DB), "overlay")

	first := New(store, nil)
	want := first.Apply(Patch{
		Enabled:    ptrBool(true),
		Hue:        ptrFloat(0.55),
		Brightness: ptrFloat(0.65),
	}, SourceAPI)

	second := New(store, nil)
	if got := second.Get(); got != want {
		t.Errorf("restored state = %+v, want %+v", got, want)
	}
}

func TestPublishesChangeEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close(context.Background())

	events := make(chan eventbus.Event, 4)
	bus.Subscribe(eventbus.EventTypeOverlay, func(ev eventbus.Event) {
		events <- ev
	})

	e := New(nil, bus)
	e.Apply(Patch{Enabled: ptrBool(true)}, SourcePreset)

	select {
	case ev := <-events:
		if ev.Data["source"] != SourcePreset {
			t.Errorf("event source = %v, want %v", ev.Data["source"], SourcePreset)
		}
		if ev.Data["enabled"] != true {
			t.Errorf("event enabled = %v, want true", ev.Data["enabled"])
		}
	case <-time.After(time.Second):
		t.Fatal("no overlay event published")
	}

	// No-op patches stay silent.
	e.Apply(Patch{Enabled: ptrBool(true)}, SourceAPI)
	select {
	case ev := <-events:
		t.Errorf("unexpected event for no-op patch: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
