// Package effects runs Lua-scripted lighting effects against the overlay.
// Scripts in the effects directory register named effects with a tick
// interval; the engine drives at most one effect at a time on a dedicated
// worker goroutine and applies each tick's result as an overlay patch.
package effects

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/overlay"
	"github.com/softboxd/softboxd/internal/storage/kv"
)

// ErrEngineClosed is returned when the engine has been closed.
var ErrEngineClosed = fmt.Errorf("effect engine closed")

// ErrUnknownEffect is returned when starting an effect no script registered.
var ErrUnknownEffect = fmt.Errorf("unknown effect")

const (
	defaultTickInterval = 100 * time.Millisecond
	minTickInterval     = 20 * time.Millisecond
)

// Info describes a registered effect.
type Info struct {
	Name     string
	Script   string
	Interval time.Duration
}

// scriptEffect is an effect registered from Lua. The tick function belongs
// to the engine's current LState and dies with it on reload.
type scriptEffect struct {
	name     string
	script   string
	interval time.Duration
	tick     *lua.LFunction
}

// luaWork is a unit of work executed on the Lua worker goroutine. All Lua
// execution goes through the work queue; only Run's goroutine touches the
// LState.
type luaWork func(ctx context.Context)

// Engine manages the Lua VM, the effect registry, and the active effect.
type Engine struct {
	dir     string
	overlay *overlay.Engine
	kv      *kv.Manager
	bus     *eventbus.Bus

	// Worker-owned. Touched only by Run's goroutine after Run starts.
	L             *lua.LState
	registry      map[string]*scriptEffect
	order         []string
	loadingScript string
	active        *scriptEffect
	startedAt     time.Time
	ticker        *time.Ticker
	tickC         <-chan time.Time

	workQueue chan luaWork

	// Shutdown signaling. Closing the channel is race-free in selects,
	// unlike a mutex-guarded bool.
	closing   chan struct{}
	closeOnce sync.Once

	// Snapshot for cheap reads from other goroutines.
	mu         sync.RWMutex
	infos      []Info
	activeName string
}

// New creates an effect engine over the given script directory. The kv
// manager and bus may be nil; scripts then lose persistence and listeners
// see no effect events.
func New(dir string, ov *overlay.Engine, manager *kv.Manager, bus *eventbus.Bus, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 64
	}

	e := &Engine{
		dir:       dir,
		overlay:   ov,
		kv:        manager,
		bus:       bus,
		registry:  make(map[string]*scriptEffect),
		workQueue: make(chan luaWork, queueSize),
		closing:   make(chan struct{}),
	}
	e.L = e.newState()

	return e
}

// newState builds a fresh Lua state with the script-facing modules
// preloaded. Called once at construction and again on every reload.
func (e *Engine) newState() *lua.LState {
	L := lua.NewState()

	L.PreloadModule("log", logLoader)
	L.PreloadModule("effect", e.effectLoader)
	if e.kv != nil {
		kvm := &kvModule{manager: e.kv}
		L.PreloadModule("kv", kvm.loader)
	}

	return L
}

// Load reads and executes every .lua script in the effects directory.
// Must be called before Run starts the worker. A script that fails to
// execute is logged and skipped; the rest still load.
func (e *Engine) Load(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create effects dir: %w", err)
	}
	return e.loadScripts(ctx)
}

func (e *Engine) loadScripts(ctx context.Context) error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("failed to read effects dir: %w", err)
	}

	e.L.SetContext(ctx)

	scripts := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		scripts++

		e.loadingScript = entry.Name()
		if err := e.L.DoFile(filepath.Join(e.dir, entry.Name())); err != nil {
			log.Error().Err(err).Str("script", entry.Name()).Msg("Effect script failed to load")
			e.publish("script_error", map[string]interface{}{
				"script": entry.Name(),
				"error":  err.Error(),
			})
		}
	}
	e.loadingScript = ""

	e.updateSnapshot()
	log.Info().
		Str("dir", e.dir).
		Int("scripts", scripts).
		Int("effects", len(e.registry)).
		Msg("Effect scripts loaded")

	return nil
}

// Run executes queued Lua work and drives the active effect's ticks. This
// is the only goroutine that touches the LState. Exits on context cancel
// or Close, draining the queue first.
func (e *Engine) Run(ctx context.Context) {
	defer func() {
		e.stopTicker()
		e.L.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			e.drainQueue(ctx)
			return
		case <-e.closing:
			e.drainQueue(ctx)
			return
		case work := <-e.workQueue:
			e.executeWork(ctx, work)
		case now := <-e.tickC:
			e.tickActive(ctx, now)
		}
	}
}

// Close signals the worker to stop. Safe to call concurrently with
// Start/Stop/Reload; they see the closing signal and return ErrEngineClosed.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
	})
}

func (e *Engine) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-e.workQueue:
			e.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs one work item with panic recovery so a misbehaving
// script cannot kill the worker.
func (e *Engine) executeWork(ctx context.Context, work luaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Effect work panicked, worker continuing")
		}
	}()
	e.L.SetContext(ctx)
	work(ctx)
}

// doSyncWithResult queues work on the Lua worker and waits for its result.
func (e *Engine) doSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := luaWork(func(c context.Context) {
		done <- work(c)
	})

	select {
	case <-e.closing:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.workQueue <- wrapped:
	}

	select {
	case <-e.closing:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Start activates the named effect, replacing any running one.
func (e *Engine) Start(ctx context.Context, name string) error {
	return e.doSyncWithResult(ctx, func(ctx context.Context) error {
		return e.startEffect(ctx, name)
	})
}

// Stop deactivates the running effect and returns its name. Stopping with
// nothing active is a no-op.
func (e *Engine) Stop(ctx context.Context) (string, error) {
	var name string
	err := e.doSyncWithResult(ctx, func(context.Context) error {
		name = e.stopEffect()
		return nil
	})
	return name, err
}

// Reload rebuilds the Lua state from the scripts on disk. The active
// effect is restarted when the reloaded scripts still register it.
func (e *Engine) Reload(ctx context.Context) error {
	return e.doSyncWithResult(ctx, func(ctx context.Context) error {
		return e.reload(ctx)
	})
}

// List returns the registered effects in registration order.
func (e *Engine) List() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Info, len(e.infos))
	copy(out, e.infos)
	return out
}

// Active returns the running effect's name, if any.
func (e *Engine) Active() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeName, e.activeName != ""
}

// startEffect runs on the worker goroutine.
func (e *Engine) startEffect(ctx context.Context, name string) error {
	eff, ok := e.registry[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEffect, name)
	}

	if e.active != nil {
		e.stopEffect()
	}

	e.active = eff
	e.startedAt = time.Now()
	e.ticker = time.NewTicker(eff.interval)
	e.tickC = e.ticker.C

	// The overlay has to be on for the effect to show.
	on := true
	e.overlay.Apply(overlay.Patch{Enabled: &on}, overlay.SourceEffect)

	e.updateSnapshot()
	log.Info().
		Str("effect", eff.name).
		Str("script", eff.script).
		Dur("interval", eff.interval).
		Msg("Effect started")
	e.publish("started", map[string]interface{}{
		"name":     eff.name,
		"interval": eff.interval.String(),
	})

	return nil
}

// stopEffect runs on the worker goroutine.
func (e *Engine) stopEffect() string {
	if e.active == nil {
		return ""
	}

	name := e.active.name
	e.active = nil
	e.stopTicker()

	e.updateSnapshot()
	log.Info().Str("effect", name).Msg("Effect stopped")
	e.publish("stopped", map[string]interface{}{"name": name})

	return name
}

func (e *Engine) stopTicker() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
		e.tickC = nil
	}
}

// tickActive calls the active effect's tick function and applies the
// returned patch to the overlay. A tick error stops the effect; the
// engine stays serviceable.
func (e *Engine) tickActive(ctx context.Context, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Effect tick panicked, stopping effect")
			e.failActive(fmt.Sprintf("panic: %v", rec))
		}
	}()

	eff := e.active
	if eff == nil {
		return
	}

	elapsed := now.Sub(e.startedAt).Milliseconds()
	e.L.SetContext(ctx)
	if err := e.L.CallByParam(lua.P{
		Fn:      eff.tick,
		NRet:    1,
		Protect: true,
	}, lua.LNumber(elapsed)); err != nil {
		log.Error().Err(err).Str("effect", eff.name).Msg("Effect tick failed")
		e.failActive(err.Error())
		return
	}

	ret := e.L.Get(-1)
	e.L.Pop(1)

	patch, ok := patchFromLua(ret)
	if !ok {
		return
	}
	e.overlay.Apply(patch, overlay.SourceEffect)
}

// failActive tears down the active effect after a tick failure.
func (e *Engine) failActive(reason string) {
	if e.active == nil {
		return
	}
	name := e.active.name
	e.active = nil
	e.stopTicker()
	e.updateSnapshot()
	e.publish("failed", map[string]interface{}{
		"name":  name,
		"error": reason,
	})
}

// reload runs on the worker goroutine. A fresh state replaces the old one
// so removed scripts and edited effects disappear cleanly.
func (e *Engine) reload(ctx context.Context) error {
	wasActive := ""
	if e.active != nil {
		wasActive = e.active.name
		e.active = nil
		e.stopTicker()
	}

	e.registry = make(map[string]*scriptEffect)
	e.order = nil
	e.L.Close()
	e.L = e.newState()

	if err := e.loadScripts(ctx); err != nil {
		e.updateSnapshot()
		return err
	}

	e.publish("reloaded", map[string]interface{}{
		"effects": len(e.registry),
	})

	if wasActive != "" {
		if _, ok := e.registry[wasActive]; ok {
			return e.startEffect(ctx, wasActive)
		}
		log.Warn().Str("effect", wasActive).Msg("Active effect gone after reload")
		e.publish("stopped", map[string]interface{}{"name": wasActive})
	}

	e.updateSnapshot()
	return nil
}

// updateSnapshot refreshes the read-side copy of the registry and active
// effect. Called on the worker after every mutation.
func (e *Engine) updateSnapshot() {
	infos := make([]Info, 0, len(e.order))
	for _, name := range e.order {
		eff, ok := e.registry[name]
		if !ok {
			continue
		}
		infos = append(infos, Info{
			Name:     eff.name,
			Script:   eff.script,
			Interval: eff.interval,
		})
	}

	activeName := ""
	if e.active != nil {
		activeName = e.active.name
	}

	e.mu.Lock()
	e.infos = infos
	e.activeName = activeName
	e.mu.Unlock()
}

func (e *Engine) publish(event string, fields map[string]interface{}) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{"event": event}
	for k, v := range fields {
		data[k] = v
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeEffect,
		Data: data,
	})
}

// patchFromLua converts a tick return value into an overlay patch. Nil or
// non-table returns mean the tick had nothing to apply.
func patchFromLua(v lua.LValue) (overlay.Patch, bool) {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return overlay.Patch{}, false
	}

	var p overlay.Patch
	if ev := tbl.RawGetString("enabled"); ev != lua.LNil {
		b := lua.LVAsBool(ev)
		p.Enabled = &b
	}
	p.Hue = numField(tbl, "hue")
	p.Brightness = numField(tbl, "brightness")
	p.Intensity = numField(tbl, "intensity")

	return p, p.Enabled != nil || p.Hue != nil || p.Brightness != nil || p.Intensity != nil
}

func numField(tbl *lua.LTable, key string) *float64 {
	v := tbl.RawGetString(key)
	n, ok := v.(lua.LNumber)
	if !ok {
		return nil
	}
	f := float64(n)
	return &f
}
