package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/softboxd/softboxd/internal/camera"
)

// Device is a simulated capture device.
type Device struct {
	id     string
	name   string
	facing camera.Facing

	resetErr error
	resets   atomic.Int32
}

// NewDevice creates a simulated device.
func NewDevice(id, name string, facing camera.Facing) *Device {
	return &Device{id: id, name: name, facing: facing}
}

// FailResets makes ResetControls return the given error.
func (d *Device) FailResets(err error) *Device {
	d.resetErr = err
	return d
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// Name returns the device display name.
func (d *Device) Name() string { return d.name }

// Facing returns which way the device points.
func (d *Device) Facing() camera.Facing { return d.facing }

// ResetControls returns focus, exposure and white balance to automatic.
func (d *Device) ResetControls() error {
	if d.resetErr != nil {
		return d.resetErr
	}
	d.resets.Add(1)
	return nil
}

// Resets reports how many times controls were reset.
func (d *Device) Resets() int {
	return int(d.resets.Load())
}

// DeviceSource serves simulated devices.
type DeviceSource struct {
	devices []*Device
}

// NewDeviceSource creates a device source over the given devices.
func NewDeviceSource(devices ...*Device) *DeviceSource {
	return &DeviceSource{devices: devices}
}

// DefaultDevices returns the standard simulated pair: one front camera
// and one back camera.
func DefaultDevices() *DeviceSource {
	return NewDeviceSource(
		NewDevice("sim-front-0", "Simulated Front Camera", camera.FacingFront),
		NewDevice("sim-back-0", "Simulated Back Camera", camera.FacingBack),
	)
}

// Default returns the first device matching the facing.
func (ds *DeviceSource) Default(facing camera.Facing) (camera.Device, error) {
	for _, d := range ds.devices {
		if d.facing == facing {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s device attached", camera.ErrDeviceUnavailable, facing)
}

// Discover lists every simulated device.
func (ds *DeviceSource) Discover() []camera.Device {
	out := make([]camera.Device, len(ds.devices))
	for i, d := range ds.devices {
		out[i] = d
	}
	return out
}

// Permissions is a simulated permission source.
type Permissions struct {
	state atomic.Int32
	grant bool
}

// NewPermissions creates a permission source in the given state. When a
// request is made from NotDetermined, grant decides the outcome.
func NewPermissions(state camera.PermissionState, grant bool) *Permissions {
	p := &Permissions{grant: grant}
	p.state.Store(int32(state))
	return p
}

// AlwaysAuthorized returns a permission source that is already granted.
func AlwaysAuthorized() *Permissions {
	return NewPermissions(camera.PermissionAuthorized, true)
}

// Status returns the current permission state.
func (p *Permissions) Status() camera.PermissionState {
	return camera.PermissionState(p.state.Load())
}

// Request resolves the permission prompt on a separate goroutine, the way
// a platform dialog would.
func (p *Permissions) Request(cb func(granted bool)) {
	go func() {
		if p.grant {
			p.state.Store(int32(camera.PermissionAuthorized))
		} else {
			p.state.Store(int32(camera.PermissionDenied))
		}
		cb(p.grant)
	}()
}
