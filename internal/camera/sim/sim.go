// Package sim provides a software capture pipeline implementing the
// camera interfaces. It is the daemon's default backend when no hardware
// is attached and doubles as a fault-injection harness for development.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/softboxd/softboxd/internal/camera"
)

// Faults injects failures into the simulated pipeline.
type Faults struct {
	FailStarts   int   // fail the first N Start calls
	RejectInput  bool  // AddInput always fails
	RejectOutput bool  // AddOutput always fails
	FailCommit   bool  // CommitConfig always fails
	CaptureErr   error // every capture fails with this
}

// Options tune the simulated session.
type Options struct {
	Warmup time.Duration // delay before a started session reports running
	Width  int           // synthetic frame width
	Height int           // synthetic frame height
	Faults Faults
}

// Session is a software capture session.
type Session struct {
	opts Options

	running atomic.Bool

	mu          sync.Mutex
	configuring bool
	inputs      []camera.Device
	outputs     []camera.Output
	startCount  int
	warmTimer   *time.Timer
}

// NewSession creates a simulated capture session.
func NewSession(opts Options) *Session {
	if opts.Width <= 0 {
		opts.Width = 640
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}
	return &Session{opts: opts}
}

// Start begins delivering frames. With a warm-up delay configured the
// session reports running only after the delay elapses.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startCount++
	if s.startCount <= s.opts.Faults.FailStarts {
		return fmt.Errorf("simulated start failure %d", s.startCount)
	}
	if s.running.Load() {
		return nil
	}

	if s.opts.Warmup <= 0 {
		s.running.Store(true)
		return nil
	}

	s.warmTimer = time.AfterFunc(s.opts.Warmup, func() {
		s.running.Store(true)
		log.Debug().Msg("Simulated session warmed up")
	})
	return nil
}

// Stop halts frame delivery immediately.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warmTimer != nil {
		s.warmTimer.Stop()
		s.warmTimer = nil
	}
	s.running.Store(false)
}

// IsRunning reports whether the session is delivering frames.
func (s *Session) IsRunning() bool {
	return s.running.Load()
}

// Interrupt kills the pipeline without going through Stop, simulating a
// platform-side outage. Used to exercise drift handling.
func (s *Session) Interrupt() {
	s.running.Store(false)
	log.Debug().Msg("Simulated session interrupted")
}

// BeginConfig opens a configuration transaction.
func (s *Session) BeginConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configuring = true
}

// CommitConfig closes the configuration transaction.
func (s *Session) CommitConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configuring = false
	if s.opts.Faults.FailCommit {
		return fmt.Errorf("simulated commit failure")
	}
	return nil
}

// AddInput attaches a capture device.
func (s *Session) AddInput(dev camera.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Faults.RejectInput {
		return fmt.Errorf("simulated input rejection")
	}
	s.inputs = append(s.inputs, dev)
	return nil
}

// RemoveInput detaches a capture device by id.
func (s *Session) RemoveInput(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.inputs[:0]
	for _, in := range s.inputs {
		if in.ID() != id {
			kept = append(kept, in)
		}
	}
	s.inputs = kept
}

// Inputs lists attached capture devices.
func (s *Session) Inputs() []camera.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]camera.Device, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// AddOutput attaches an output.
func (s *Session) AddOutput(out camera.Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Faults.RejectOutput {
		return fmt.Errorf("simulated output rejection")
	}
	s.outputs = append(s.outputs, out)
	return nil
}

// RemoveOutput detaches an output by id.
func (s *Session) RemoveOutput(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.outputs[:0]
	for _, out := range s.outputs {
		if out.ID != id {
			kept = append(kept, out)
		}
	}
	s.outputs = kept
}

// Outputs lists attached outputs.
func (s *Session) Outputs() []camera.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]camera.Output, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// CapturePhoto renders a synthetic frame asynchronously. The returned
// channel delivers exactly one result and is then closed.
func (s *Session) CapturePhoto(req camera.CaptureRequest) (<-chan camera.CaptureResult, error) {
	if !s.running.Load() {
		return nil, fmt.Errorf("simulated session not running")
	}

	facing := camera.FacingFront
	s.mu.Lock()
	if len(s.inputs) > 0 {
		facing = s.inputs[0].Facing()
	}
	s.mu.Unlock()

	ch := make(chan camera.CaptureResult, 1)
	go func() {
		defer close(ch)

		if req.Delay > 0 {
			time.Sleep(req.Delay)
		}

		if err := s.opts.Faults.CaptureErr; err != nil {
			ch <- camera.CaptureResult{Err: err}
			return
		}
		if !s.running.Load() {
			ch <- camera.CaptureResult{Err: fmt.Errorf("session stopped before capture")}
			return
		}

		data, err := renderFrame(s.opts.Width, s.opts.Height, req.Tint)
		if err != nil {
			ch <- camera.CaptureResult{Err: err}
			return
		}
		ch <- camera.CaptureResult{Photo: &camera.Photo{
			Data:    data,
			Width:   s.opts.Width,
			Height:  s.opts.Height,
			Facing:  facing,
			TakenAt: time.Now().UTC(),
		}}
	}()

	return ch, nil
}
