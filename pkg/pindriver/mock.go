package pindriver

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mock is an in-memory Driver for development on non-Pi machines and for
// tests. Write failures can be injected per pin to exercise hardware error
// paths.
type Mock struct {
	mu       sync.RWMutex
	pins     map[int]Level
	failPins map[int]error
	closed   bool
	logger   *logrus.Entry
}

// NewMock creates a simulated pin driver.
func NewMock(logger *logrus.Logger) *Mock {
	if logger == nil {
		logger = logrus.New()
	}
	return &Mock{
		pins:     make(map[int]Level),
		failPins: make(map[int]error),
		logger:   logger.WithField("component", "pindriver-mock"),
	}
}

// FailWrites makes every subsequent Write (and Release) on pin return err
// wrapped in ErrWriteFailed. Passing a nil err clears the injection.
func (m *Mock) FailWrites(pin int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failPins, pin)
		return
	}
	m.failPins[pin] = err
}

// Configure claims a pin and drives the initial level.
func (m *Mock) Configure(pin int, initial Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: driver closed", ErrConfigureFailed)
	}
	if pin < 0 || pin > 27 {
		return fmt.Errorf("%w: pin %d outside BCM range 0-27", ErrConfigureFailed, pin)
	}

	m.pins[pin] = initial
	m.logger.WithFields(logrus.Fields{"pin": pin, "initial": initial.String()}).Debug("Configured mock pin")
	return nil
}

// Write drives a level onto a configured pin.
func (m *Mock) Write(pin int, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pins[pin]; !ok {
		return fmt.Errorf("%w: pin %d", ErrNotConfigured, pin)
	}
	if cause, ok := m.failPins[pin]; ok {
		return fmt.Errorf("%w: pin %d: %v", ErrWriteFailed, pin, cause)
	}

	m.pins[pin] = level
	return nil
}

// Read returns the level last written to a configured pin.
func (m *Mock) Read(pin int) (Level, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	level, ok := m.pins[pin]
	if !ok {
		return Low, fmt.Errorf("%w: pin %d", ErrNotConfigured, pin)
	}
	return level, nil
}

// Release drives the pin low and forgets it.
func (m *Mock) Release(pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pins[pin]; !ok {
		return fmt.Errorf("%w: pin %d", ErrNotConfigured, pin)
	}
	if cause, ok := m.failPins[pin]; ok {
		return fmt.Errorf("%w: pin %d: %v", ErrWriteFailed, pin, cause)
	}

	delete(m.pins, pin)
	return nil
}

// Available always reports true for the simulated driver.
func (m *Mock) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Close releases all pins.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pins = make(map[int]Level)
	m.failPins = make(map[int]error)
	m.closed = true
	return nil
}
