package pindriver

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Periph is the real Driver backed by periph.io. Pins are addressed by BCM
// number on the Raspberry Pi header.
type Periph struct {
	mu          sync.RWMutex
	pins        map[int]*periphPin
	initialized bool
	logger      *logrus.Entry
}

type periphPin struct {
	io    gpio.PinIO
	level Level
}

// NewPeriph creates the hardware driver and initializes the periph.io host.
// Construction fails if the host cannot be initialized; the controller must
// refuse to start rather than run with undefined pin behavior.
func NewPeriph(logger *logrus.Logger) (*Periph, error) {
	if logger == nil {
		logger = logrus.New()
	}

	p := &Periph{
		pins:   make(map[int]*periphPin),
		logger: logger.WithField("component", "pindriver-periph"),
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: periph host init: %v", ErrConfigureFailed, err)
	}
	p.initialized = true
	p.logger.Info("periph.io host initialized")

	return p, nil
}

func toGPIOLevel(level Level) gpio.Level {
	return level == High
}

// Configure claims a pin as output and drives the initial level.
func (p *Periph) Configure(pin int, initial Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return fmt.Errorf("%w: driver not initialized", ErrConfigureFailed)
	}

	io := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if io == nil {
		return fmt.Errorf("%w: pin GPIO%d not found", ErrConfigureFailed, pin)
	}

	if err := io.Out(toGPIOLevel(initial)); err != nil {
		return fmt.Errorf("%w: pin %d: %v", ErrConfigureFailed, pin, err)
	}

	p.pins[pin] = &periphPin{io: io, level: initial}
	p.logger.WithFields(logrus.Fields{"pin": pin, "initial": initial.String()}).Debug("Configured output pin")
	return nil
}

// Write drives a level onto a configured pin.
func (p *Periph) Write(pin int, level Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.pins[pin]
	if !ok {
		return fmt.Errorf("%w: pin %d", ErrNotConfigured, pin)
	}

	if err := state.io.Out(toGPIOLevel(level)); err != nil {
		return fmt.Errorf("%w: pin %d: %v", ErrWriteFailed, pin, err)
	}

	state.level = level
	return nil
}

// Read returns the level last driven onto a configured pin.
func (p *Periph) Read(pin int) (Level, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.pins[pin]
	if !ok {
		return Low, fmt.Errorf("%w: pin %d", ErrNotConfigured, pin)
	}
	return state.level, nil
}

// Release drives the pin low and forgets it.
func (p *Periph) Release(pin int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.pins[pin]
	if !ok {
		return fmt.Errorf("%w: pin %d", ErrNotConfigured, pin)
	}

	if err := state.io.Out(gpio.Low); err != nil {
		delete(p.pins, pin)
		return fmt.Errorf("%w: pin %d: %v", ErrWriteFailed, pin, err)
	}

	delete(p.pins, pin)
	p.logger.WithField("pin", pin).Debug("Released pin")
	return nil
}

// Available reports whether the periph.io host came up.
func (p *Periph) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// Close drives every configured pin low and shuts the driver down.
func (p *Periph) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	for pin, state := range p.pins {
		if err := state.io.Out(gpio.Low); err != nil {
			p.logger.WithError(err).WithField("pin", pin).Warn("Failed to reset pin to low")
		}
	}

	p.pins = make(map[int]*periphPin)
	p.initialized = false
	p.logger.Info("periph.io driver shut down")
	return nil
}
