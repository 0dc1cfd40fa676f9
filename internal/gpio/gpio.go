// Package gpio reads the ARM and RESET push buttons.
// The real implementation uses the Linux GPIO character device;
// the fake allows testing without hardware.
package gpio

import "errors"

// ErrUnsupported is returned where no GPIO character device is available.
var ErrUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Reader reads button states.
type Reader interface {
	// Read returns whether ARM and RESET are currently held down.
	// Buttons pull their line to ground, so raw low = pressed.
	Read() (arm, reset bool, err error)

	// Close releases GPIO resources.
	Close() error
}

// Default pins (BCM numbering).
const (
	PinArm   = 26
	PinReset = 16
)
