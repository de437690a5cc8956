package camera

import (
	"errors"
	"fmt"
)

// Sentinel errors for session failures. Published status carries these so
// clients can distinguish a permission problem from a broken device.
var (
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrInputRejected     = errors.New("session rejected input")
	ErrOutputRejected    = errors.New("session rejected output")
	ErrSetupTimeout      = errors.New("session setup timed out")
	ErrNotRunning        = errors.New("session not running")
	ErrCaptureFailed     = errors.New("capture failed")
	ErrRepairExhausted   = errors.New("repair attempts exhausted")
)

// WrapCapture attaches the underlying cause to ErrCaptureFailed so callers
// can match with errors.Is and still see what broke.
func WrapCapture(cause error) error {
	if cause == nil {
		return ErrCaptureFailed
	}
	return fmt.Errorf("%w: %w", ErrCaptureFailed, cause)
}
