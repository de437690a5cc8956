package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/softboxd/softboxd/internal/eventbus"
)

// ErrControllerClosed is returned when commands are submitted after Close.
var ErrControllerClosed = errors.New("camera controller closed")

// Options tune the controller. Zero values fall back to defaults, except
// MaskDrift which the caller must set explicitly.
type Options struct {
	SetupTimeout   time.Duration // deadline for a configure pass to reach running (default: 5s)
	ReconcileEvery time.Duration // readiness check interval (default: 1s)
	RetryBudget    int           // consecutive repair attempts before terminal failure (default: 3)
	MaskDrift      bool          // restart a stopped-but-wanted session instead of reporting
	RestartRPS     float64       // rate limit for drift restarts (default: 0.5)
}

// Controller owns the capture-session handle. All session mutation runs on
// the single Run goroutine; commands are submitted as ops and timers
// re-submit their work the same way. Clients observe progress through the
// published Status snapshot and bus events.
type Controller struct {
	session Session
	devices DeviceSource
	perms   PermissionSource
	bus     *eventbus.Bus

	opts    Options
	limiter *rate.Limiter

	ops       chan func()
	closing   chan struct{}
	closeOnce sync.Once

	// Guards against overlapping configure passes. Checked and set at
	// submission so a second Configure is dropped, not queued.
	configuring atomic.Bool

	mu     sync.RWMutex
	status Status

	// Owned by the Run goroutine.
	retries    int
	timerGen   int
	setupTimer *time.Timer
}

// New creates a controller around a session handle. The bus may be nil,
// which disables event publishing.
func New(session Session, devices DeviceSource, perms PermissionSource, bus *eventbus.Bus, opts Options) *Controller {
	if opts.SetupTimeout == 0 {
		opts.SetupTimeout = 5 * time.Second
	}
	if opts.ReconcileEvery == 0 {
		opts.ReconcileEvery = time.Second
	}
	if opts.RetryBudget == 0 {
		opts.RetryBudget = 3
	}
	if opts.RestartRPS == 0 {
		opts.RestartRPS = 0.5
	}

	return &Controller{
		session: session,
		devices: devices,
		perms:   perms,
		bus:     bus,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RestartRPS), 1),
		ops:     make(chan func(), 64),
		closing: make(chan struct{}),
		status:  Status{State: StateUnconfigured, Facing: FacingFront},
	}
}

// Run starts the controller loop. This is the ONLY goroutine that touches
// the session handle. Exits when the context is cancelled or the
// controller is closed.
func (c *Controller) Run(ctx context.Context) error {
	log.Info().
		Dur("reconcile_every", c.opts.ReconcileEvery).
		Dur("setup_timeout", c.opts.SetupTimeout).
		Int("retry_budget", c.opts.RetryBudget).
		Bool("mask_drift", c.opts.MaskDrift).
		Msg("Camera controller started")

	ticker := time.NewTicker(c.opts.ReconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.closing:
			c.shutdown()
			return nil
		case op := <-c.ops:
			c.execute(op)
		case <-ticker.C:
			c.tick()
		}
	}
}

// Close signals the controller to stop accepting commands.
// Safe to call concurrently with command submission.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

// Status returns the published snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// setStatus mutates the published snapshot under the lock and returns it.
func (c *Controller) setStatus(mutate func(*Status)) Status {
	c.mu.Lock()
	mutate(&c.status)
	st := c.status
	c.mu.Unlock()
	return st
}

// Configure starts a configuration pass for the given facing. Returns
// false when a pass is already in flight (the request is dropped, not
// queued) or the controller is shutting down.
func (c *Controller) Configure(facing Facing) bool {
	if !c.configuring.CompareAndSwap(false, true) {
		log.Debug().Str("facing", facing.String()).Msg("Configuration in flight, dropping request")
		return false
	}
	if !c.submit(func() { c.doConfigure(facing) }) {
		c.configuring.Store(false)
		return false
	}
	return true
}

// SwitchFacing swaps the session input to the opposite camera. On failure
// the published facing is left untouched and no retry is attempted.
func (c *Controller) SwitchFacing(ctx context.Context) error {
	return c.doWithResult(ctx, c.doSwitch)
}

// Repair resets the retry budget and runs the bounded repair sequence.
// Returns nil when the session ends up running.
func (c *Controller) Repair(ctx context.Context) error {
	return c.doWithResult(ctx, func() error {
		c.retries = 0
		st := c.setStatus(func(s *Status) { s.RetryCount = 0 })
		cause := st.Err
		if cause == nil {
			cause = errors.New("operator requested repair")
		}
		log.Info().Msg("Operator repair requested, budget reset")
		c.runRepairLoop(cause)
		if final := c.Status(); final.State != StateRunning {
			return final.Err
		}
		return nil
	})
}

// StopSession stops the session and publishes the Stopped state. No drift
// restart happens while stopped.
func (c *Controller) StopSession(ctx context.Context) error {
	return c.doWithResult(ctx, c.doStop)
}

// Resume restarts a stopped session.
func (c *Controller) Resume(ctx context.Context) error {
	return c.doWithResult(ctx, c.doResume)
}

// Capture submits one photo capture. When the controller is not Running
// it fails fast with ErrNotRunning without touching the session. The
// returned channel delivers exactly one CaptureResult.
func (c *Controller) Capture(ctx context.Context, req CaptureRequest) (<-chan CaptureResult, error) {
	if st := c.Status(); st.State != StateRunning {
		return nil, ErrNotRunning
	}

	var ch <-chan CaptureResult
	err := c.doWithResult(ctx, func() error {
		// Re-check on the loop goroutine; state may have moved since the
		// fail-fast check.
		if st := c.Status(); st.State != StateRunning {
			return ErrNotRunning
		}
		res, err := c.session.CapturePhoto(req)
		if err != nil {
			return WrapCapture(err)
		}
		ch = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// submit queues an op without blocking. Returns false if the controller
// is closing or the queue is full.
func (c *Controller) submit(op func()) bool {
	select {
	case <-c.closing:
		return false
	case c.ops <- op:
		return true
	default:
		log.Error().Msg("Controller op queue full, dropping operation")
		return false
	}
}

// doWithResult queues an op and waits for its result.
func (c *Controller) doWithResult(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	op := func() {
		done <- fn()
	}

	select {
	case <-c.closing:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.ops <- op:
	}

	select {
	case <-c.closing:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// execute runs a single op with panic recovery.
func (c *Controller) execute(op func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Controller operation panicked - loop continuing")
		}
	}()
	op()
}

// doConfigure is the entry of a configuration pass. The permission gate
// may park the pass until the grant callback re-submits it.
func (c *Controller) doConfigure(facing Facing) {
	c.retries = 0
	c.setStatus(func(s *Status) {
		s.State = StateConfiguring
		s.Ready = false
		s.Err = nil
		s.Facing = facing
		s.RetryCount = 0
	})
	c.publishSession("configuring")

	switch perm := c.perms.Status(); perm {
	case PermissionAuthorized:
		c.doConfigureGranted(facing)

	case PermissionNotDetermined:
		log.Info().Msg("Capture permission not determined, requesting")
		c.perms.Request(func(granted bool) {
			// Callback arrives on an arbitrary goroutine; hop back onto
			// the loop before touching anything.
			ok := c.submit(func() {
				if !granted {
					c.enterFailed(ErrPermissionDenied)
					c.configuring.Store(false)
					return
				}
				c.doConfigureGranted(facing)
			})
			if !ok {
				c.configuring.Store(false)
			}
		})

	default:
		log.Warn().Str("permission", perm.String()).Msg("Capture permission unavailable")
		c.enterFailed(ErrPermissionDenied)
		c.configuring.Store(false)
	}
}

// doConfigureGranted runs the attach-and-start body of a configuration
// pass. Attachment failures are terminal until the operator acts; a start
// failure enters the bounded repair sequence.
func (c *Controller) doConfigureGranted(facing Facing) {
	defer c.configuring.Store(false)

	c.armSetupTimer()

	if err := c.attach(facing); err != nil {
		log.Error().Err(err).Str("facing", facing.String()).Msg("Session configuration failed")
		c.enterFailed(err)
		return
	}

	if err := c.session.Start(); err != nil {
		log.Warn().Err(err).Msg("Session start failed, entering repair")
		c.enterFailed(err)
		c.runRepairLoop(err)
		return
	}

	c.enterRunning()
}

// attach rebuilds the session graph: exactly one input for the facing and
// one fresh photo output. Existing attachments are cleared first. A failed
// step aborts without rolling back what was already attached; the next
// pass clears before it builds.
func (c *Controller) attach(facing Facing) error {
	s := c.session
	if s.IsRunning() {
		s.Stop()
	}
	s.BeginConfig()

	for _, in := range s.Inputs() {
		s.RemoveInput(in.ID())
	}
	for _, out := range s.Outputs() {
		s.RemoveOutput(out.ID)
	}

	dev, err := c.devices.Default(facing)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return err
	}
	if err := s.AddInput(dev); err != nil {
		return fmt.Errorf("%w: %w", ErrInputRejected, err)
	}
	if err := s.AddOutput(NewPhotoOutput()); err != nil {
		return fmt.Errorf("%w: %w", ErrOutputRejected, err)
	}

	return s.CommitConfig()
}

// runRepairLoop attempts repairs until one succeeds or the budget is
// spent. Each attempt is a light rebuild first, then a deep rebuild that
// resets controls on every discoverable device.
func (c *Controller) runRepairLoop(cause error) {
	for {
		if c.retries >= c.opts.RetryBudget {
			log.Error().Err(cause).Int("attempts", c.retries).Msg("Repair budget exhausted, giving up")
			c.enterFailed(fmt.Errorf("%w: %w", ErrRepairExhausted, cause))
			return
		}

		c.retries++
		c.setStatus(func(s *Status) { s.RetryCount = c.retries })
		log.Info().Int("attempt", c.retries).Int("budget", c.opts.RetryBudget).Msg("Repairing capture session")
		c.publishSession("repair_attempt")

		if err := c.attemptRepair(); err != nil {
			log.Warn().Err(err).Int("attempt", c.retries).Msg("Repair attempt failed")
			c.enterFailed(err)
			cause = err
			continue
		}

		c.enterRunning()
		return
	}
}

// attemptRepair is one two-tier repair attempt.
func (c *Controller) attemptRepair() error {
	facing := c.Status().Facing

	err := c.rebuild(facing)
	if err == nil {
		return nil
	}
	log.Info().Err(err).Msg("Light repair failed, resetting device controls")

	for _, dev := range c.devices.Discover() {
		if rerr := dev.ResetControls(); rerr != nil {
			log.Warn().Err(rerr).Str("device", dev.ID()).Msg("Failed to reset device controls")
		}
	}

	return c.rebuild(facing)
}

// rebuild tears the session graph down, builds it back and starts it.
func (c *Controller) rebuild(facing Facing) error {
	if err := c.attach(facing); err != nil {
		return err
	}
	return c.session.Start()
}

func (c *Controller) doSwitch() error {
	c.mu.RLock()
	state, facing := c.status.State, c.status.Facing
	c.mu.RUnlock()

	if state != StateRunning {
		return ErrNotRunning
	}
	target := facing.Flip()

	s := c.session
	s.BeginConfig()
	for _, in := range s.Inputs() {
		s.RemoveInput(in.ID())
	}

	dev, err := c.devices.Default(target)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
	} else if aerr := s.AddInput(dev); aerr != nil {
		err = fmt.Errorf("%w: %w", ErrInputRejected, aerr)
	}

	if cerr := s.CommitConfig(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		log.Warn().Err(err).Str("target", target.String()).Msg("Facing switch failed")
		return err
	}

	c.setStatus(func(s *Status) {
		s.Facing = target
		s.Err = nil
	})
	c.publishSession("facing_switched")
	log.Info().Str("facing", target.String()).Msg("Switched camera facing")
	return nil
}

func (c *Controller) doStop() error {
	if c.session.IsRunning() {
		c.session.Stop()
	}
	c.cancelSetupTimer()
	c.setStatus(func(s *Status) {
		s.State = StateStopped
		s.Ready = false
		s.Err = nil
	})
	c.publishSession("stopped")
	c.publishReadiness(false)
	log.Info().Msg("Session stopped")
	return nil
}

func (c *Controller) doResume() error {
	if st := c.Status(); st.State != StateStopped {
		return fmt.Errorf("cannot resume from %s", st.State)
	}

	c.retries = 0
	if err := c.session.Start(); err != nil {
		c.enterFailed(err)
		c.runRepairLoop(err)
		if final := c.Status(); final.State != StateRunning {
			return final.Err
		}
		return nil
	}
	c.enterRunning()
	return nil
}

// tick is one reconcile pass: decide from published flags plus observed
// session state, then apply. Skipped while a configure pass is in flight.
func (c *Controller) tick() {
	if c.configuring.Load() {
		return
	}

	st := c.Status()
	obs := Observed{
		Ready:   st.Ready,
		Failed:  st.Err != nil,
		Running: c.session.IsRunning(),
	}

	switch action := DetermineAction(obs, c.opts.MaskDrift); action {
	case ActionNone:

	case ActionMarkReady:
		c.markReady()

	case ActionMarkNotReady:
		c.markNotReady()

	case ActionRestart:
		if !c.limiter.Allow() {
			log.Debug().Msg("Drift restart rate limited, skipping tick")
			return
		}
		log.Warn().Msg("Session stopped underneath a ready controller, restarting")
		if err := c.session.Start(); err != nil {
			c.enterFailed(err)
			c.runRepairLoop(err)
		}
	}
}

func (c *Controller) markReady() {
	c.cancelSetupTimer()
	c.setStatus(func(s *Status) { s.Ready = true })
	log.Info().Msg("Session observed running, readiness published")
	c.publishReadiness(true)
}

func (c *Controller) markNotReady() {
	c.setStatus(func(s *Status) { s.Ready = false })
	log.Warn().Msg("Session not running, readiness withdrawn")
	c.publishReadiness(false)
}

// enterRunning publishes the Running state. Readiness follows what the
// session actually reports: a warming-up session keeps the setup timer
// armed and lets the reconcile loop flip readiness when it observes the
// session running.
func (c *Controller) enterRunning() {
	running := c.session.IsRunning()
	prev := c.Status().Ready

	c.setStatus(func(s *Status) {
		s.State = StateRunning
		s.Err = nil
		s.Ready = running
		s.RetryCount = c.retries
	})

	if running {
		c.cancelSetupTimer()
	} else {
		c.armSetupTimer()
	}

	c.publishSession("running")
	if running && !prev {
		c.publishReadiness(true)
	}
	log.Info().Bool("ready", running).Int("retries", c.retries).Msg("Session running")
}

func (c *Controller) enterFailed(err error) {
	c.cancelSetupTimer()
	c.setStatus(func(s *Status) {
		s.State = StateFailed
		s.Ready = false
		s.Err = err
		s.RetryCount = c.retries
	})
	c.publishSession("failed")
}

func (c *Controller) armSetupTimer() {
	c.cancelSetupTimer()
	c.timerGen++
	gen := c.timerGen

	c.setupTimer = time.AfterFunc(c.opts.SetupTimeout, func() {
		// Fires on the timer goroutine; hop onto the loop.
		c.submit(func() { c.onSetupTimeout(gen) })
	})
}

func (c *Controller) cancelSetupTimer() {
	if c.setupTimer != nil {
		c.setupTimer.Stop()
		c.setupTimer = nil
	}
	// Invalidate any timeout op already in flight.
	c.timerGen++
}

func (c *Controller) onSetupTimeout(gen int) {
	if gen != c.timerGen {
		return
	}
	st := c.Status()
	if st.Ready || st.State == StateFailed || st.State == StateStopped {
		return
	}

	log.Warn().Dur("timeout", c.opts.SetupTimeout).Msg("Session setup timed out")
	c.enterFailed(ErrSetupTimeout)
	c.runRepairLoop(ErrSetupTimeout)
}

func (c *Controller) shutdown() {
	c.cancelSetupTimer()
	if c.session.IsRunning() {
		c.session.Stop()
	}
	log.Info().Msg("Camera controller stopped")
}

func (c *Controller) publishSession(event string) {
	if c.bus == nil {
		return
	}
	st := c.Status()
	data := map[string]interface{}{
		"event":       event,
		"state":       st.State.String(),
		"facing":      st.Facing.String(),
		"ready":       st.Ready,
		"retry_count": st.RetryCount,
	}
	if st.Err != nil {
		data["error"] = st.Err.Error()
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.EventTypeSession, Data: data})
}

func (c *Controller) publishReadiness(ready bool) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeReadiness,
		Data: map[string]interface{}{"ready": ready},
	})
}
