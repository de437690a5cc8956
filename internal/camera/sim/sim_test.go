package sim

import (
	"bytes"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/softboxd/softboxd/internal/camera"
)

var (
	_ camera.Session          = (*Session)(nil)
	_ camera.DeviceSource     = (*DeviceSource)(nil)
	_ camera.Device           = (*Device)(nil)
	_ camera.PermissionSource = (*Permissions)(nil)
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestSessionLifecycle(t *testing.T) {
	s := NewSession(Options{})

	if s.IsRunning() {
		t.Fatal("IsRunning() = true before Start")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after Start without warm-up")
	}

	s.Stop()
	if s.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}
}

func TestSessionWarmup(t *testing.T) {
	s := NewSession(Options{Warmup: 20 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning() = true before warm-up elapsed")
	}
	if !waitFor(t, time.Second, s.IsRunning) {
		t.Fatal("session never warmed up")
	}
}

func TestSessionWarmupCancelledByStop(t *testing.T) {
	s := NewSession(Options{Warmup: 10 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()

	time.Sleep(30 * time.Millisecond)
	if s.IsRunning() {
		t.Fatal("IsRunning() = true after Stop cancelled the warm-up")
	}
}

func TestSessionFailStarts(t *testing.T) {
	s := NewSession(Options{Faults: Faults{FailStarts: 2}})

	for i := 1; i <= 2; i++ {
		if err := s.Start(); err == nil {
			t.Fatalf("Start() #%d error = nil, want failure", i)
		}
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() #3 error = %v, want nil", err)
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after successful start")
	}
}

func TestSessionInterrupt(t *testing.T) {
	s := NewSession(Options{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Interrupt()
	if s.IsRunning() {
		t.Fatal("IsRunning() = true after Interrupt")
	}
}

func TestSessionAttachments(t *testing.T) {
	s := NewSession(Options{})
	front := NewDevice("front-0", "Front", camera.FacingFront)

	s.BeginConfig()
	if err := s.AddInput(front); err != nil {
		t.Fatalf("AddInput() error = %v", err)
	}
	out := camera.NewPhotoOutput()
	if err := s.AddOutput(out); err != nil {
		t.Fatalf("AddOutput() error = %v", err)
	}
	if err := s.CommitConfig(); err != nil {
		t.Fatalf("CommitConfig() error = %v", err)
	}

	if got := len(s.Inputs()); got != 1 {
		t.Errorf("len(Inputs()) = %d, want 1", got)
	}
	if got := len(s.Outputs()); got != 1 {
		t.Errorf("len(Outputs()) = %d, want 1", got)
	}

	s.RemoveInput("front-0")
	s.RemoveOutput(out.ID)
	if got := len(s.Inputs()); got != 0 {
		t.Errorf("len(Inputs()) after remove = %d, want 0", got)
	}
	if got := len(s.Outputs()); got != 0 {
		t.Errorf("len(Outputs()) after remove = %d, want 0", got)
	}
}

func TestSessionRejections(t *testing.T) {
	s := NewSession(Options{Faults: Faults{RejectInput: true, RejectOutput: true, FailCommit: true}})

	if err := s.AddInput(NewDevice("d", "d", camera.FacingFront)); err == nil {
		t.Error("AddInput() error = nil, want rejection")
	}
	if err := s.AddOutput(camera.NewPhotoOutput()); err == nil {
		t.Error("AddOutput() error = nil, want rejection")
	}
	if err := s.CommitConfig(); err == nil {
		t.Error("CommitConfig() error = nil, want failure")
	}
}

func TestCaptureProducesJPEG(t *testing.T) {
	s := NewSession(Options{Width: 64, Height: 48})
	back := NewDevice("back-0", "Back", camera.FacingBack)
	s.BeginConfig()
	if err := s.AddInput(back); err != nil {
		t.Fatalf("AddInput() error = %v", err)
	}
	if err := s.CommitConfig(); err != nil {
		t.Fatalf("CommitConfig() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ch, err := s.CapturePhoto(camera.CaptureRequest{})
	if err != nil {
		t.Fatalf("CapturePhoto() error = %v", err)
	}

	var res camera.CaptureResult
	select {
	case res = <-ch:
	case <-time.After(time.Second):
		t.Fatal("capture result not delivered")
	}
	if res.Err != nil {
		t.Fatalf("capture result error = %v", res.Err)
	}
	if res.Photo.Facing != camera.FacingBack {
		t.Errorf("Photo.Facing = %v, want %v", res.Photo.Facing, camera.FacingBack)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(res.Photo.Data))
	if err != nil {
		t.Fatalf("capture data is not a decodable JPEG: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 48 {
		t.Errorf("decoded frame = %dx%d, want 64x48", cfg.Width, cfg.Height)
	}

	// Channel delivers exactly once and closes.
	if _, open := <-ch; open {
		t.Error("capture channel still open after result")
	}
}

func TestCaptureCarriesTint(t *testing.T) {
	s := NewSession(Options{Width: 32, Height: 32})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	capture := func(tint *camera.Tint) []byte {
		t.Helper()
		ch, err := s.CapturePhoto(camera.CaptureRequest{Tint: tint})
		if err != nil {
			t.Fatalf("CapturePhoto() error = %v", err)
		}
		res := <-ch
		if res.Err != nil {
			t.Fatalf("capture result error = %v", res.Err)
		}
		return res.Photo.Data
	}

	plain := capture(nil)
	tinted := capture(&camera.Tint{Hue: 0, Brightness: 1, Intensity: 1})
	if bytes.Equal(plain, tinted) {
		t.Error("tinted frame identical to plain frame")
	}
}

func TestCaptureNotRunning(t *testing.T) {
	s := NewSession(Options{})
	if _, err := s.CapturePhoto(camera.CaptureRequest{}); err == nil {
		t.Fatal("CapturePhoto() error = nil on a stopped session")
	}
}

func TestCaptureInterruptedDuringDelay(t *testing.T) {
	s := NewSession(Options{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ch, err := s.CapturePhoto(camera.CaptureRequest{Delay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("CapturePhoto() error = %v", err)
	}
	s.Interrupt()

	select {
	case res := <-ch:
		if res.Err == nil {
			t.Error("capture succeeded on an interrupted session")
		}
	case <-time.After(time.Second):
		t.Fatal("capture result not delivered")
	}
}

func TestCaptureFault(t *testing.T) {
	boom := errors.New("sensor fault")
	s := NewSession(Options{Faults: Faults{CaptureErr: boom}})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ch, err := s.CapturePhoto(camera.CaptureRequest{})
	if err != nil {
		t.Fatalf("CapturePhoto() error = %v", err)
	}
	if res := <-ch; !errors.Is(res.Err, boom) {
		t.Errorf("capture result error = %v, want %v", res.Err, boom)
	}
}

func TestDeviceSourceDefault(t *testing.T) {
	ds := DefaultDevices()

	front, err := ds.Default(camera.FacingFront)
	if err != nil {
		t.Fatalf("Default(front) error = %v", err)
	}
	if front.ID() != "sim-front-0" {
		t.Errorf("Default(front).ID() = %q, want %q", front.ID(), "sim-front-0")
	}

	back, err := ds.Default(camera.FacingBack)
	if err != nil {
		t.Fatalf("Default(back) error = %v", err)
	}
	if back.Facing() != camera.FacingBack {
		t.Errorf("Default(back).Facing() = %v, want %v", back.Facing(), camera.FacingBack)
	}

	if got := len(ds.Discover()); got != 2 {
		t.Errorf("len(Discover()) = %d, want 2", got)
	}
}

func TestDeviceSourceMissing(t *testing.T) {
	ds := NewDeviceSource(NewDevice("back-0", "Back", camera.FacingBack))

	_, err := ds.Default(camera.FacingFront)
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Errorf("Default(front) error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestDeviceResetControls(t *testing.T) {
	d := NewDevice("d", "d", camera.FacingFront)
	if err := d.ResetControls(); err != nil {
		t.Fatalf("ResetControls() error = %v", err)
	}
	if d.Resets() != 1 {
		t.Errorf("Resets() = %d, want 1", d.Resets())
	}

	boom := errors.New("usb gone")
	bad := NewDevice("b", "b", camera.FacingBack).FailResets(boom)
	if err := bad.ResetControls(); !errors.Is(err, boom) {
		t.Errorf("ResetControls() error = %v, want %v", err, boom)
	}
	if bad.Resets() != 0 {
		t.Errorf("Resets() = %d, want 0 after failed reset", bad.Resets())
	}
}

func TestPermissionsRequest(t *testing.T) {
	tests := []struct {
		name  string
		grant bool
		want  camera.PermissionState
	}{
		{name: "granted", grant: true, want: camera.PermissionAuthorized},
		{name: "denied", grant: false, want: camera.PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPermissions(camera.PermissionNotDetermined, tt.grant)
			if got := p.Status(); got != camera.PermissionNotDetermined {
				t.Fatalf("Status() = %v, want %v", got, camera.PermissionNotDetermined)
			}

			done := make(chan bool, 1)
			p.Request(func(granted bool) { done <- granted })

			select {
			case granted := <-done:
				if granted != tt.grant {
					t.Errorf("callback granted = %v, want %v", granted, tt.grant)
				}
			case <-time.After(time.Second):
				t.Fatal("permission callback never fired")
			}
			if got := p.Status(); got != tt.want {
				t.Errorf("Status() after request = %v, want %v", got, tt.want)
			}
		})
	}
}
