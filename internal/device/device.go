// Package device implements the safety-constrained on/off controller for
// digital-output peripherals (buzzers, relays, pumps, motors). Each device
// owns one pin, a safety configuration, and a bounded history; all mutation
// goes through the Manager, which serializes operations per device while
// letting different devices proceed concurrently.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

// Config is a device's immutable registration-time configuration.
type Config struct {
	Name         string
	Pin          int
	ActiveLevel  pindriver.Level
	InitialLevel pindriver.Level
	Description  string
	Type         string

	// MaxRuntime bounds the duration of a timed turn-on.
	MaxRuntime time.Duration

	// Cooldown is the mandatory idle time after turn-off. Zero disables it.
	Cooldown time.Duration

	// MaxCyclesPerHour caps turn-ons in a trailing hour. Zero disables it.
	MaxCyclesPerHour int
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("device name must not be empty")
	}
	if c.Pin < 0 {
		return fmt.Errorf("invalid pin number %d", c.Pin)
	}
	if c.MaxRuntime <= 0 {
		return fmt.Errorf("max_runtime must be positive")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown_time must not be negative")
	}
	if c.MaxCyclesPerHour < 0 {
		return fmt.Errorf("max_cycles_per_hour must not be negative")
	}
	return nil
}

func (c Config) inactiveLevel() pindriver.Level {
	return c.ActiveLevel.Invert()
}

// Device is one registered peripheral. All state behind mu; the Manager is
// the only caller.
type Device struct {
	cfg Config

	mu           sync.Mutex
	isOn         bool
	sessionStart time.Time // zero while off
	lastOn       time.Time // zero until first turn-on
	lastOff      time.Time // zero until first turn-off
	autoOffAt    time.Time // zero unless a timer is pending
	session      uint64    // incremented on every turn-on; stale timers compare it
	totalRuntime time.Duration
	cycleCount   uint64
	history      *ring
}

func newDevice(cfg Config, historySize int) *Device {
	return &Device{
		cfg:     cfg,
		history: newRing(historySize),
	}
}

// Status is the point-in-time view of a device. CurrentRuntime and
// TimeRemaining are derived from the clock at call time, never stored.
type Status struct {
	Name              string     `json:"device_name"`
	IsOn              bool       `json:"is_on"`
	Pin               int        `json:"pin"`
	Type              string     `json:"device_type"`
	CurrentRuntime    float64    `json:"current_runtime"`
	TimeRemaining     float64    `json:"time_remaining"`
	CooldownRemaining float64    `json:"cooldown_remaining,omitempty"`
	LastTurnedOn      *time.Time `json:"last_turned_on,omitempty"`
	LastTurnedOff     *time.Time `json:"last_turned_off,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Statistics is the usage view of a device.
type Statistics struct {
	Name                  string    `json:"device_name"`
	TotalRuntime          float64   `json:"total_runtime"`
	TotalCycles           uint64    `json:"total_cycles"`
	CyclesLastHour        int       `json:"cycles_last_hour"`
	CurrentSessionRuntime float64   `json:"current_session_runtime"`
	IsOn                  bool      `json:"is_on"`
	Timestamp             time.Time `json:"timestamp"`
}

// Info is the configuration view of a device.
type Info struct {
	Name             string  `json:"name"`
	Pin              int     `json:"pin"`
	Type             string  `json:"device_type"`
	Description      string  `json:"description"`
	ActiveLevel      string  `json:"active_state"`
	InitialLevel     string  `json:"initial_state"`
	MaxRuntime       float64 `json:"max_runtime"`
	Cooldown         float64 `json:"cooldown_time"`
	MaxCyclesPerHour int     `json:"max_cycles_per_hour"`
	IsOn             bool    `json:"is_on"`
}

// Summary is the compact listing view of a device.
type Summary struct {
	Name        string `json:"name"`
	Pin         int    `json:"pin"`
	Type        string `json:"device_type"`
	Description string `json:"description"`
	IsOn        bool   `json:"is_on"`
}

func (d *Device) statusLocked(now time.Time) *Status {
	s := &Status{
		Name:      d.cfg.Name,
		IsOn:      d.isOn,
		Pin:       d.cfg.Pin,
		Type:      d.cfg.Type,
		Timestamp: now,
	}

	if d.isOn {
		runtime := now.Sub(d.sessionStart)
		s.CurrentRuntime = runtime.Seconds()
		if !d.autoOffAt.IsZero() {
			s.TimeRemaining = clampSeconds(d.autoOffAt.Sub(now))
		} else {
			s.TimeRemaining = clampSeconds(d.cfg.MaxRuntime - runtime)
		}
	}

	if !d.lastOn.IsZero() {
		t := d.lastOn
		s.LastTurnedOn = &t
	}
	if !d.lastOff.IsZero() {
		t := d.lastOff
		s.LastTurnedOff = &t
		if d.cfg.Cooldown > 0 {
			s.CooldownRemaining = cooldownRemaining(d.cfg.Cooldown, d.lastOff, now).Seconds()
		}
	}

	return s
}

func (d *Device) statisticsLocked(now time.Time) *Statistics {
	var current time.Duration
	if d.isOn {
		current = now.Sub(d.sessionStart)
	}

	return &Statistics{
		Name:                  d.cfg.Name,
		TotalRuntime:          (d.totalRuntime + current).Seconds(),
		TotalCycles:           d.cycleCount,
		CyclesLastHour:        cyclesInWindow(d.history, now),
		CurrentSessionRuntime: current.Seconds(),
		IsOn:                  d.isOn,
		Timestamp:             now,
	}
}

func (d *Device) infoLocked() *Info {
	return &Info{
		Name:             d.cfg.Name,
		Pin:              d.cfg.Pin,
		Type:             d.cfg.Type,
		Description:      d.cfg.Description,
		ActiveLevel:      d.cfg.ActiveLevel.String(),
		InitialLevel:     d.cfg.InitialLevel.String(),
		MaxRuntime:       d.cfg.MaxRuntime.Seconds(),
		Cooldown:         d.cfg.Cooldown.Seconds(),
		MaxCyclesPerHour: d.cfg.MaxCyclesPerHour,
		IsOn:             d.isOn,
	}
}

func (d *Device) summaryLocked() Summary {
	return Summary{
		Name:        d.cfg.Name,
		Pin:         d.cfg.Pin,
		Type:        d.cfg.Type,
		Description: d.cfg.Description,
		IsOn:        d.isOn,
	}
}

func clampSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
