// Package camera owns the capture-session lifecycle: configuration,
// readiness reconciliation, bounded repair and photo capture.
package camera

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionState is the controller's lifecycle state.
type SessionState int

const (
	StateUnconfigured SessionState = iota
	StateConfiguring
	StateRunning
	StateStopped
	StateFailed
)

// String returns a human-readable name for the state.
func (s SessionState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Facing identifies which camera a session captures from.
type Facing int

const (
	FacingFront Facing = iota
	FacingBack
)

// String returns a human-readable name for the facing.
func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingBack:
		return "back"
	default:
		return "unknown"
	}
}

// Flip returns the opposite facing.
func (f Facing) Flip() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

// ParseFacing parses a facing name.
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "front":
		return FacingFront, nil
	case "back":
		return FacingBack, nil
	default:
		return FacingFront, fmt.Errorf("unknown facing %q", s)
	}
}

// Status is the controller's published snapshot. Clients read this instead
// of poking at the session handle.
type Status struct {
	State      SessionState
	Ready      bool
	Err        error // nil unless State is Failed or a capture just failed
	Facing     Facing
	RetryCount int // repair attempts consumed from the current budget
}

// Tint carries the overlay values a capture was taken under, so the
// backend can bake them into the frame and the gallery can attribute them.
type Tint struct {
	Hue        float64 `json:"hue"`
	Brightness float64 `json:"brightness"`
	Intensity  float64 `json:"intensity"`
}

// CaptureRequest describes a single photo capture.
type CaptureRequest struct {
	Delay    time.Duration // self-timer; zero captures immediately
	PresetID string        // preset attributed to the shot, optional
	Tint     *Tint         // overlay snapshot, nil when overlay disabled
}

// Photo is a finished capture.
type Photo struct {
	Data    []byte
	Width   int
	Height  int
	Facing  Facing
	TakenAt time.Time
}

// CaptureResult is delivered exactly once per accepted capture.
type CaptureResult struct {
	Photo *Photo
	Err   error
}

// OutputKind distinguishes session output attachments.
type OutputKind int

const (
	OutputPhoto OutputKind = iota
)

// Output is an attachment that receives capture data from a running session.
type Output struct {
	ID   uuid.UUID
	Kind OutputKind
}

// NewPhotoOutput creates a fresh photo output attachment.
func NewPhotoOutput() Output {
	return Output{ID: uuid.New(), Kind: OutputPhoto}
}

// Device is a capture device. ResetControls returns focus, exposure and
// white balance to automatic; deep repair calls it on every discoverable
// device.
type Device interface {
	ID() string
	Name() string
	Facing() Facing
	ResetControls() error
}

// DeviceSource resolves and discovers capture devices.
type DeviceSource interface {
	// Default returns the default device for a facing, or ErrDeviceUnavailable.
	Default(facing Facing) (Device, error)
	// Discover lists every device currently attached.
	Discover() []Device
}

// Session is the capture-session handle the controller drives. The
// controller serializes all calls on one goroutine; implementations do not
// need internal locking for these methods, but IsRunning may be called
// concurrently with a capture in flight.
type Session interface {
	Start() error
	Stop()
	IsRunning() bool

	BeginConfig()
	CommitConfig() error

	AddInput(dev Device) error
	RemoveInput(id string)
	Inputs() []Device

	AddOutput(out Output) error
	RemoveOutput(id uuid.UUID)
	Outputs() []Output

	// CapturePhoto submits one capture on a running session. The returned
	// channel delivers exactly one CaptureResult and is then closed.
	CapturePhoto(req CaptureRequest) (<-chan CaptureResult, error)
}

// PermissionState is the platform capture-permission status.
type PermissionState int

const (
	PermissionNotDetermined PermissionState = iota
	PermissionAuthorized
	PermissionDenied
	PermissionRestricted
)

// String returns a human-readable name for the permission state.
func (p PermissionState) String() string {
	switch p {
	case PermissionNotDetermined:
		return "not_determined"
	case PermissionAuthorized:
		return "authorized"
	case PermissionDenied:
		return "denied"
	case PermissionRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// PermissionSource reports and requests capture permission.
// Request's callback may arrive on any goroutine.
type PermissionSource interface {
	Status() PermissionState
	Request(func(granted bool))
}
