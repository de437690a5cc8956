package effects

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/softboxd/softboxd/internal/db"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/storage/kv"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
}

func openKV(t *testing.T) *kv.Manager {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "effects.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return kv.NewManager(database.DB)
}

// startEngine loads the scripts and runs the worker until test cleanup.
func startEngine(t *testing.T, e *Engine) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Load(ctx); err != nil {
		cancel()
		t.Fatalf("load scripts: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ctx
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoadRegistersEffects(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.lua", `
local effect = require("effect")

effect.register("alpha", {
  interval = 0.05,
  tick = function(ms) return nil end,
})

effect.register("beta", {
  tick = function(ms) return nil end,
})
`)
	writeScript(t, dir, "b.lua", `
local effect = require("effect")

effect.register("gamma", {
  interval = 0.001,
  tick = function(ms) return nil end,
})
`)

	e := New(dir, overlay.New(nil, nil), nil, nil, 0)
	startEngine(t, e)

	infos := e.List()
	if len(infos) != 3 {
		t.Fatalf("expected 3 effects, got %d", len(infos))
	}

	want := []Info{
		{Name: "alpha", Script: "a.lua", Interval: 50 * time.Millisecond},
		{Name: "beta", Script: "a.lua", Interval: defaultTickInterval},
		{Name: "gamma", Script: "b.lua", Interval: minTickInterval},
	}
	for i, w := range want {
		if infos[i] != w {
			t.Errorf("effect %d: expected %+v, got %+v", i, w, infos[i])
		}
	}

	if name, ok := e.Active(); ok {
		t.Errorf("expected no active effect, got %q", name)
	}
}

func TestStartAppliesTicks(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "steady.lua", `
local effect = require("effect")

effect.register("steady", {
  interval = 0.02,
  tick = function(ms)
    return { enabled = true, hue = 0.5, brightness = 1.0, intensity = 0.8 }
  end,
})
`)

	ov := overlay.New(nil, nil)
	e := New(dir, ov, nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "steady"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if name, ok := e.Active(); !ok || name != "steady" {
		t.Fatalf("expected steady active, got %q (%v)", name, ok)
	}

	waitFor(t, 2*time.Second, "overlay never reflected the effect", func() bool {
		st := ov.Get()
		return st.Enabled && st.Hue == 0.5 && st.Intensity == 0.8
	})
}

func TestStartUnknownEffect(t *testing.T) {
	e := New(t.TempDir(), overlay.New(nil, nil), nil, nil, 0)
	ctx := startEngine(t, e)

	err := e.Start(ctx, "nope")
	if !errors.Is(err, ErrUnknownEffect) {
		t.Fatalf("expected ErrUnknownEffect, got %v", err)
	}
}

func TestStartReplacesActive(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "colors.lua", `
local effect = require("effect")

effect.register("red", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.9 } end,
})

effect.register("blue", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.6 } end,
})
`)

	ov := overlay.New(nil, nil)
	e := New(dir, ov, nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "red"); err != nil {
		t.Fatalf("start red: %v", err)
	}
	waitFor(t, 2*time.Second, "red never ticked", func() bool {
		return ov.Get().Hue == 0.9
	})

	if err := e.Start(ctx, "blue"); err != nil {
		t.Fatalf("start blue: %v", err)
	}
	if name, _ := e.Active(); name != "blue" {
		t.Fatalf("expected blue active, got %q", name)
	}
	waitFor(t, 2*time.Second, "blue never ticked", func() bool {
		return ov.Get().Hue == 0.6
	})
}

func TestStopEffect(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "steady.lua", `
local effect = require("effect")

effect.register("steady", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.3 } end,
})
`)

	e := New(dir, overlay.New(nil, nil), nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "steady"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	name, err := e.Stop(ctx)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if name != "steady" {
		t.Errorf("expected stopped name steady, got %q", name)
	}
	if _, ok := e.Active(); ok {
		t.Error("effect still active after stop")
	}

	// Stopping again is a no-op.
	name, err = e.Stop(ctx)
	if err != nil || name != "" {
		t.Errorf("expected idle stop to return empty, got %q (%v)", name, err)
	}
}

func TestTickErrorStopsEffect(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "fx.lua", `
local effect = require("effect")

effect.register("broken", {
  interval = 0.02,
  tick = function(ms) error("boom") end,
})

effect.register("steady", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.4 } end,
})
`)

	ov := overlay.New(nil, nil)
	e := New(dir, ov, nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "broken"); err != nil {
		t.Fatalf("start broken: %v", err)
	}
	waitFor(t, 2*time.Second, "broken effect never stopped", func() bool {
		_, ok := e.Active()
		return !ok
	})

	// The engine keeps working after a tick failure.
	if err := e.Start(ctx, "steady"); err != nil {
		t.Fatalf("start steady after failure: %v", err)
	}
	waitFor(t, 2*time.Second, "steady never ticked after failure", func() bool {
		return ov.Get().Hue == 0.4
	})
}

func TestEffectStateInKV(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "counter.lua", `
local effect = require("effect")
local kv = require("kv")

local bucket = kv.bucket("fx")

effect.register("counter", {
  interval = 0.02,
  tick = function(ms)
    local n = (bucket:get("ticks") or 0) + 1
    bucket:store("ticks", n)
    return { brightness = math.min(n / 10, 1.0) }
  end,
})
`)

	manager := openKV(t)
	ov := overlay.New(nil, nil)
	e := New(dir, ov, manager, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "counter"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	bucket := manager.Bucket("fx", true)
	waitFor(t, 3*time.Second, "kv counter never advanced", func() bool {
		v, err := bucket.Get("ticks")
		if err != nil {
			return false
		}
		n, ok := v.(float64)
		return ok && n >= 3
	})

	if ov.Get().Brightness <= 0 {
		t.Error("expected brightness driven by the counter")
	}
}

func TestReloadSwapsDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "glow.lua", `
local effect = require("effect")

effect.register("glow", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.2 } end,
})
`)

	ov := overlay.New(nil, nil)
	e := New(dir, ov, nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "glow"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitFor(t, 2*time.Second, "glow v1 never ticked", func() bool {
		return ov.Get().Hue == 0.2
	})

	writeScript(t, dir, "glow.lua", `
local effect = require("effect")

effect.register("glow", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.8 } end,
})
`)
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	// Still active, now with the new definition.
	if name, ok := e.Active(); !ok || name != "glow" {
		t.Fatalf("expected glow active after reload, got %q (%v)", name, ok)
	}
	waitFor(t, 2*time.Second, "glow v2 never ticked", func() bool {
		return ov.Get().Hue == 0.8
	})
}

func TestReloadDropsRemovedEffect(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "fx.lua", `
local effect = require("effect")

effect.register("glow", {
  interval = 0.02,
  tick = function(ms) return { hue = 0.2 } end,
})
`)

	e := New(dir, overlay.New(nil, nil), nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Start(ctx, "glow"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	writeScript(t, dir, "fx.lua", `
local effect = require("effect")

effect.register("other", {
  tick = function(ms) return nil end,
})
`)
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if name, ok := e.Active(); ok {
		t.Errorf("expected no active effect after its removal, got %q", name)
	}
	infos := e.List()
	if len(infos) != 1 || infos[0].Name != "other" {
		t.Errorf("expected only the new effect, got %+v", infos)
	}
}

func TestBrokenScriptSkipped(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "good.lua", `
local effect = require("effect")

effect.register("good", {
  tick = function(ms) return nil end,
})
`)
	writeScript(t, dir, "bad.lua", `this is not lua(`)

	e := New(dir, overlay.New(nil, nil), nil, nil, 0)
	startEngine(t, e)

	infos := e.List()
	if len(infos) != 1 || infos[0].Name != "good" {
		t.Fatalf("expected the good effect to survive a broken neighbor, got %+v", infos)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "first.lua", `
local effect = require("effect")

effect.register("first", {
  tick = function(ms) return nil end,
})
`)

	e := New(dir, overlay.New(nil, nil), nil, nil, 0)
	ctx := startEngine(t, e)

	if err := e.Watch(ctx); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	writeScript(t, dir, "second.lua", `
local effect = require("effect")

effect.register("second", {
  tick = function(ms) return nil end,
})
`)

	waitFor(t, 3*time.Second, "watcher never picked up the new script", func() bool {
		for _, info := range e.List() {
			if info.Name == "second" {
				return true
			}
		}
		return false
	})
}
