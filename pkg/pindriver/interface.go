// Package pindriver provides the digital-output hardware abstraction used by
// the device control subsystem. A Driver owns raw pin access; the real
// implementation talks to the Raspberry Pi header through periph.io while the
// mock implementation simulates pins in memory for development and tests. The
// variant is chosen once when the host process wires the controller together.
package pindriver

import "errors"

// Level is the electrical level of a digital output pin.
type Level int

const (
	Low  Level = 0
	High Level = 1
)

// String returns the conventional name for the level.
func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// Invert returns the opposite level.
func (l Level) Invert() Level {
	if l == High {
		return Low
	}
	return High
}

// Sentinel errors returned by Driver implementations. Callers match with
// errors.Is; implementations wrap them with pin context.
var (
	// ErrConfigureFailed indicates the pin could not be set up as an output.
	ErrConfigureFailed = errors.New("pin configuration failed")

	// ErrWriteFailed indicates a level could not be driven onto the pin.
	ErrWriteFailed = errors.New("pin write failed")

	// ErrNotConfigured indicates an operation on a pin that was never
	// configured through this driver.
	ErrNotConfigured = errors.New("pin not configured")
)

// Driver is the contract for raw pin access. Implementations must tolerate
// concurrent calls for different pins; the controller guarantees calls for
// the same pin are serialized.
type Driver interface {
	// Configure claims a pin as a digital output and drives the initial level.
	Configure(pin int, initial Level) error

	// Write drives a level onto a previously configured pin.
	Write(pin int, level Level) error

	// Read returns the last level driven onto a configured pin.
	Read(pin int) (Level, error)

	// Release drives the pin low and returns it to the unconfigured state.
	Release(pin int) error

	// Available reports whether the underlying hardware is usable.
	Available() bool

	// Close releases all configured pins and shuts the driver down.
	Close() error
}
