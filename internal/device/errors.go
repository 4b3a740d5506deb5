package device

import (
	"errors"
	"fmt"
	"time"
)

// Command errors reported to callers. All are recoverable and are translated
// to structured responses at the transport boundary; none escape as panics.
var (
	// ErrNotFound indicates no device is registered under the given name.
	ErrNotFound = errors.New("device not found")

	// ErrDuplicateName indicates the name is already registered.
	ErrDuplicateName = errors.New("device name already registered")

	// ErrPinConfiguration indicates the pin driver rejected configuration or
	// the pin is already bound to another device.
	ErrPinConfiguration = errors.New("pin configuration failed")

	// ErrAlreadyOn indicates a turn-on on a device that is on.
	ErrAlreadyOn = errors.New("device is already on")

	// ErrAlreadyOff indicates a manual turn-off on a device that is off.
	ErrAlreadyOff = errors.New("device is already off")

	// ErrCycleLimitExceeded indicates the trailing-hour cycle budget is spent.
	ErrCycleLimitExceeded = errors.New("max cycles per hour reached")

	// ErrDurationOutOfRange indicates a timed turn-on outside (0, max_runtime].
	ErrDurationOutOfRange = errors.New("duration out of range")

	// ErrHardwareWrite indicates the pin driver failed to drive the level.
	// Device state is left unchanged when this is returned.
	ErrHardwareWrite = errors.New("hardware write failed")
)

// CooldownError is returned when a turn-on arrives before the mandatory idle
// time after the previous turn-off has elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("device in cooldown period, wait %.1fs", e.Remaining.Seconds())
}

// Error kind identifiers used in command responses.
const (
	KindNotFound            = "DeviceNotFound"
	KindDuplicateName       = "DuplicateDeviceName"
	KindPinConfiguration    = "PinConfigurationFailed"
	KindAlreadyOn           = "AlreadyOn"
	KindAlreadyOff          = "AlreadyOff"
	KindCooldownActive      = "CooldownActive"
	KindCycleLimitExceeded  = "CycleLimitExceeded"
	KindDurationOutOfRange  = "DurationOutOfRange"
	KindHardwareWriteFailed = "HardwareWriteFailed"
	kindInternal            = "Internal"
)

// Kind maps an error from this package to its wire error_kind string. It
// returns the empty string for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	var cooldown *CooldownError
	if errors.As(err, &cooldown) {
		return KindCooldownActive
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateName):
		return KindDuplicateName
	case errors.Is(err, ErrPinConfiguration):
		return KindPinConfiguration
	case errors.Is(err, ErrAlreadyOn):
		return KindAlreadyOn
	case errors.Is(err, ErrAlreadyOff):
		return KindAlreadyOff
	case errors.Is(err, ErrCycleLimitExceeded):
		return KindCycleLimitExceeded
	case errors.Is(err, ErrDurationOutOfRange):
		return KindDurationOutOfRange
	case errors.Is(err, ErrHardwareWrite):
		return KindHardwareWriteFailed
	default:
		return kindInternal
	}
}
