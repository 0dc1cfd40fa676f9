//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the buttons from the Linux GPIO character device.
type RealReader struct {
	chip  *gpiocdev.Chip
	arm   *gpiocdev.Line
	reset *gpiocdev.Line
}

// NewRealReader requests both button lines as pulled-up inputs.
func NewRealReader(pinArm, pinReset int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	arm, err := chip.RequestLine(pinArm, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request ARM pin %d: %w", pinArm, err)
	}

	reset, err := chip.RequestLine(pinReset, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		arm.Close()
		chip.Close()
		return nil, fmt.Errorf("request RESET pin %d: %w", pinReset, err)
	}

	return &RealReader{chip: chip, arm: arm, reset: reset}, nil
}

// Read returns the pressed state of ARM and RESET (raw 0 = pressed).
func (r *RealReader) Read() (bool, bool, error) {
	armRaw, err := r.arm.Value()
	if err != nil {
		return false, false, fmt.Errorf("read ARM pin: %w", err)
	}
	resetRaw, err := r.reset.Value()
	if err != nil {
		return false, false, fmt.Errorf("read RESET pin: %w", err)
	}
	return armRaw == 0, resetRaw == 0, nil
}

// Close returns the lines to pulled-down inputs, the Pi boot default, and releases them.
func (r *RealReader) Close() error {
	var errs []error
	for name, line := range map[string]*gpiocdev.Line{"ARM": r.arm, "RESET": r.reset} {
		if line == nil {
			continue
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}
