package logic

import "time"

// PressCounts tracks the number of presses of each button since startup.
type PressCounts struct {
	Arm   int
	Reset int
}

// ButtonDebouncer tracks two push buttons and detects debounced presses.
type ButtonDebouncer struct {
	debounceDuration time.Duration
	arm              ChannelState
	reset            ChannelState
	baselined        bool
	counts           PressCounts
}

// NewButtonDebouncer creates a debouncer with the given debounce duration.
func NewButtonDebouncer(debounceDuration time.Duration) *ButtonDebouncer {
	return &ButtonDebouncer{debounceDuration: debounceDuration}
}

// Process takes a new input sample and returns any presses that should be acted on.
// Presses are only returned after baseline is established, on stable UP->DOWN transitions.
func (d *ButtonDebouncer) Process(input ButtonInput) []Press {
	armPressed := d.processChannel(&d.arm, buttonState(input.Arm), input.Time)
	resetPressed := d.processChannel(&d.reset, buttonState(input.Reset), input.Time)

	if !d.baselined {
		if d.arm.Baselined && d.reset.Baselined {
			d.baselined = true
		}
		return nil // a button held down at boot is not a press
	}

	var presses []Press

	// ARM first if both settle on the same sample
	if armPressed {
		d.counts.Arm++
		presses = append(presses, Press{Timestamp: input.Time, Type: PressArm})
	}
	if resetPressed {
		d.counts.Reset++
		presses = append(presses, Press{Timestamp: input.Time, Type: PressReset})
	}
	return presses
}

// processChannel handles debounce logic for a single button.
// Returns true if the button settled into DOWN from UP.
func (d *ButtonDebouncer) processChannel(ch *ChannelState, newState ButtonState, now time.Time) bool {
	if !ch.Baselined {
		if ch.Pending != newState {
			// first observation, or state changed during baseline: restart
			ch.Pending = newState
			ch.PendingSince = now
			return false
		}
		if now.Sub(ch.PendingSince) >= d.debounceDuration {
			ch.Stable = newState
			ch.Baselined = true
			ch.Pending = ""
		}
		return false
	}

	if newState == ch.Stable {
		ch.Pending = ""
		return false
	}

	if ch.Pending != newState {
		ch.Pending = newState
		ch.PendingSince = now
		return false
	}

	if now.Sub(ch.PendingSince) >= d.debounceDuration {
		ch.Stable = newState
		ch.Pending = ""
		return newState == ButtonDown
	}
	return false
}

func buttonState(pressed bool) ButtonState {
	if pressed {
		return ButtonDown
	}
	return ButtonUp
}

// IsBaselined returns whether both buttons have a stable baseline.
func (d *ButtonDebouncer) IsBaselined() bool {
	return d.baselined
}

// CurrentState returns the current stable button states.
func (d *ButtonDebouncer) CurrentState() (arm, reset ButtonState) {
	return d.arm.Stable, d.reset.Stable
}

// Counts returns a copy of the press counters.
func (d *ButtonDebouncer) Counts() PressCounts {
	return d.counts
}
