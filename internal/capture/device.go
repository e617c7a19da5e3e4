// Package capture owns camera sessions: it opens a live stream on a device,
// turns the current frame into a still image and releases the stream again.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera found")
	ErrDeviceBusy       = errors.New("camera is in use by another application")
	ErrCameraUnknown    = errors.New("unable to access camera")
	// ErrNotActive is returned by Capture when no session is open
	ErrNotActive = errors.New("camera is not active")
)

// Constraints are the hints sent along with a stream request
type Constraints struct {
	FacingMode string `json:"facingMode" yaml:"facing_mode"`
	Width      int    `json:"width" yaml:"width"`
	Height     int    `json:"height" yaml:"height"`
}

// DefaultConstraints asks for the rear camera at full HD
var DefaultConstraints = Constraints{
	FacingMode: "environment",
	Width:      1920,
	Height:     1080,
}

// Frame is one still read from a live stream
type Frame struct {
	Image image.Image
	// Mirrored is set when the preview the user saw was flipped horizontally
	Mirrored bool
}

// Stream is a live video stream
type Stream interface {
	// Frame reads the frame currently displayed
	Frame(ctx context.Context) (Frame, error)
	// Stop stops every track of the stream. Calling it twice is fine.
	Stop() error
	// Done is closed once the stream ended, by Stop or by the other side
	Done() <-chan struct{}
}

// Device opens live streams
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// DeviceError is a failure reported by the platform media API, named after
// the DOMException the browser raised
type DeviceError struct {
	Name    string
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Classify maps a device failure to one of the camera sentinel errors
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrPermissionDenied, ErrNoDevice, ErrDeviceBusy, ErrCameraUnknown} {
		if errors.Is(err, known) {
			return err
		}
	}
	var deviceErr *DeviceError
	if errors.As(err, &deviceErr) {
		switch deviceErr.Name {
		case "NotAllowedError", "PermissionDeniedError", "SecurityError":
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case "NotFoundError", "DevicesNotFoundError", "OverconstrainedError":
			return fmt.Errorf("%w: %w", ErrNoDevice, err)
		case "NotReadableError", "TrackStartError", "AbortError":
			return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrCameraUnknown, err)
}
