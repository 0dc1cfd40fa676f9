package logic

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Unit is a speed unit.
type Unit string

const (
	UnitMPS Unit = "mps"
	UnitKMH Unit = "kmh"
	UnitMPH Unit = "mph"
)

// Conversion factors from metres per second.
const (
	mpsToKMH = 3.6
	mpsToMPH = 2.2369362920544
)

// Units lists the supported units.
var Units = []Unit{UnitMPS, UnitKMH, UnitMPH}

// ParseUnit accepts the canonical names and the common spellings.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mps", "m/s":
		return UnitMPS, nil
	case "kmh", "kmph", "kph", "km/h":
		return UnitKMH, nil
	case "mph":
		return UnitMPH, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

// Valid reports whether u is a supported unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitMPS, UnitKMH, UnitMPH:
		return true
	}
	return false
}

// Label returns the display label, e.g. "km/h".
func (u Unit) Label() string {
	switch u {
	case UnitMPS:
		return "m/s"
	case UnitKMH:
		return "km/h"
	case UnitMPH:
		return "mph"
	}
	return string(u)
}

func factor(u Unit) float64 {
	switch u {
	case UnitKMH:
		return mpsToKMH
	case UnitMPH:
		return mpsToMPH
	default:
		return 1
	}
}

// Convert converts v from one unit to another.
func Convert(v float64, from, to Unit) float64 {
	if from == to {
		return v
	}
	return v / factor(from) * factor(to)
}

// Format renders v with the given number of decimals (clamped to 0..2).
func Format(v float64, precision int) string {
	precision = min(max(precision, 0), 2)
	return strconv.FormatFloat(v, 'f', precision, 64)
}

// NewTargets builds an ascending target list in unit u.
func NewTargets(u Unit, thresholds ...float64) ([]Target, error) {
	targets := make([]Target, len(thresholds))
	for i, th := range thresholds {
		targets[i] = Target{Threshold: th, Unit: u}
	}
	if err := ValidateTargets(targets, u); err != nil {
		return nil, err
	}
	return targets, nil
}

// ValidateTargets checks that targets are non-empty, positive, strictly ascending
// and expressed in the display unit.
func ValidateTargets(targets []Target, display Unit) error {
	if !display.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownUnit, display)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidTargets)
	}
	for i, t := range targets {
		if t.Unit != display {
			return fmt.Errorf("%w: target %d unit %q does not match display unit %q", ErrInvalidTargets, i, t.Unit, display)
		}
		if !(t.Threshold > 0) || math.IsInf(t.Threshold, 0) {
			return fmt.Errorf("%w: target %d threshold %v must be positive", ErrInvalidTargets, i, t.Threshold)
		}
		if i > 0 && t.Threshold <= targets[i-1].Threshold {
			return fmt.Errorf("%w: thresholds must be strictly ascending (%v after %v)", ErrInvalidTargets, t.Threshold, targets[i-1].Threshold)
		}
	}
	return nil
}
