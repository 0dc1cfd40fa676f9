//go:build !linux

package gpio

import "fmt"

// RealReader is a placeholder on platforms without a GPIO character device.
type RealReader struct{}

// NewRealReader always fails with ErrUnsupported.
func NewRealReader(pinArm, pinReset int) (*RealReader, error) {
	return nil, fmt.Errorf("%w: buttons on pins %d and %d", ErrUnsupported, pinArm, pinReset)
}

func (r *RealReader) Read() (arm, reset bool, err error) {
	return false, false, ErrUnsupported
}

func (r *RealReader) Close() error { return nil }
