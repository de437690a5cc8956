// Package lightlink mirrors the overlay onto physical Hue lamps used as
// fill lights. It subscribes to overlay change events, collapses bursts
// behind a quiet period, rate-limits bridge writes, and keeps retrying
// the bridge connection with bounded exponential backoff.
package lightlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/softboxd/softboxd/internal/eventbus"
	"github.com/softboxd/softboxd/internal/overlay"
)

// ErrMaxConnectsExceeded is returned when the bridge connect budget runs out.
var ErrMaxConnectsExceeded = errors.New("max bridge connects exceeded")

// maxWriteFailures is the consecutive write-error streak that triggers a
// reconnect instead of another blind write.
const maxWriteFailures = 5

// LampState is one write applied to every linked lamp, already in Hue
// bridge ranges.
type LampState struct {
	On  bool
	Hue uint16 // 0-65535
	Bri uint8  // 1-254
	Sat uint8  // 0-254
}

// LampWriter is the hardware-facing surface. The huego bridge adapter
// implements it; tests substitute a fake.
type LampWriter interface {
	// Connect establishes the bridge session and resolves the linked lamps.
	Connect(ctx context.Context) error

	// SetAll applies the state to every linked lamp.
	SetAll(ctx context.Context, s LampState) error
}

// Config contains connection and pacing settings for the link.
type Config struct {
	Quiet        time.Duration // quiet period collapsing overlay bursts
	RateLimitRPS float64       // max lamp writes per second
	MinBackoff   time.Duration // minimum backoff between connect attempts
	MaxBackoff   time.Duration // maximum backoff between connect attempts
	Multiplier   float64       // backoff multiplier
	MaxConnects  int           // max connect attempts, 0 = infinite
}

// DefaultConfig returns sensible defaults for the link.
func DefaultConfig() Config {
	return Config{
		Quiet:        300 * time.Millisecond,
		RateLimitRPS: 5,
		MinBackoff:   1 * time.Second,
		MaxBackoff:   2 * time.Minute,
		Multiplier:   2.0,
		MaxConnects:  0, // infinite
	}
}

// Link drives a LampWriter from overlay change events.
type Link struct {
	writer   LampWriter
	overlay  *overlay.Engine
	cfg      Config
	limiter  *rate.Limiter
	debounce *debouncer

	// pending holds the latest state waiting to be written; a newer state
	// replaces an unwritten older one.
	pending chan LampState
}

// New creates a link and subscribes it to overlay events on the bus.
func New(writer LampWriter, ov *overlay.Engine, bus *eventbus.Bus, cfg Config) *Link {
	if cfg.Quiet <= 0 {
		cfg.Quiet = DefaultConfig().Quiet
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = DefaultConfig().RateLimitRPS
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig().MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}

	l := &Link{
		writer:  writer,
		overlay: ov,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1),
		pending: make(chan LampState, 1),
	}
	l.debounce = newDebouncer(cfg.Quiet, l.flush)

	if bus != nil {
		bus.Subscribe(eventbus.EventTypeOverlay, func(eventbus.Event) {
			l.debounce.touch()
		})
	}

	return l
}

// flush reads the authoritative overlay state after the quiet period and
// queues it for the writer. Event payloads are ignored on purpose; only
// the final state after a burst matters to the lamps.
func (l *Link) flush() {
	l.push(mapLampState(l.overlay.Get()))
}

func (l *Link) push(s LampState) {
	for {
		select {
		case l.pending <- s:
			return
		default:
			// Drop the stale unwritten state.
			select {
			case <-l.pending:
			default:
			}
		}
	}
}

// Run connects to the bridge and serves lamp writes until the context
// ends. Connect failures back off exponentially; exhausting the connect
// budget returns ErrMaxConnectsExceeded so the caller can treat it as
// fatal. A streak of write failures re-enters the connect loop.
func (l *Link) Run(ctx context.Context) error {
	defer l.debounce.stop()

	retryCount := 0
	currentBackoff := l.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := l.writer.Connect(ctx)
		if err == nil {
			retryCount = 0
			currentBackoff = l.cfg.MinBackoff
			log.Info().Msg("Light link connected")

			// Sync the lamps to the overlay as it stands.
			l.push(mapLampState(l.overlay.Get()))

			err = l.serve(ctx)
			if err == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		retryCount++
		if l.cfg.MaxConnects > 0 && retryCount > l.cfg.MaxConnects {
			log.Error().
				Int("max_connects", l.cfg.MaxConnects).
				Msg("Light link: connect budget exhausted, terminating")
			return ErrMaxConnectsExceeded
		}

		log.Warn().
			Err(err).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Msg("Hue bridge unavailable, retrying")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		nextBackoff := time.Duration(float64(currentBackoff) * l.cfg.Multiplier)
		if nextBackoff > l.cfg.MaxBackoff {
			nextBackoff = l.cfg.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

// serve writes queued lamp states until the context ends (nil return) or
// the write-failure streak forces a reconnect (error return).
func (l *Link) serve(ctx context.Context) error {
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-l.pending:
			if err := l.limiter.Wait(ctx); err != nil {
				return nil
			}

			if err := l.writer.SetAll(ctx, s); err != nil {
				failures++
				log.Warn().
					Err(err).
					Int("failures", failures).
					Msg("Lamp write failed")
				if failures >= maxWriteFailures {
					return err
				}
				continue
			}

			failures = 0
			log.Debug().
				Bool("on", s.On).
				Uint16("hue", s.Hue).
				Uint8("bri", s.Bri).
				Msg("Lamps updated")
		}
	}
}

// mapLampState converts overlay values to Hue bridge ranges. Brightness 0
// still maps to bri 1; the bridge rejects 0 and "off" is carried by On.
func mapLampState(s overlay.State) LampState {
	return LampState{
		On:  s.Enabled,
		Hue: uint16(clamp01(s.Hue) * 65535),
		Bri: uint8(clamp01(s.Brightness)*253) + 1,
		Sat: uint8(clamp01(s.Intensity) * 254),
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

// debouncer flushes once after a quiet period with no new touches.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// touch resets the quiet timer.
func (d *debouncer) touch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
}
