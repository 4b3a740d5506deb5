package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Homaei/RAPIAMS/internal/clock"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

const defaultHistorySize = 1000

// Recorder receives device transition events for persistence. Events are
// delivered asynchronously from a single goroutine: a slow implementation
// delays delivery, never the command path. Failures are the recorder's
// problem.
type Recorder interface {
	RecordDeviceEvent(name string, pin int, action string, at time.Time)
}

type deviceEvent struct {
	name   string
	pin    int
	action Action
	at     time.Time
}

const recorderQueueSize = 256

// Manager owns the device registry and serializes commands per device. The
// registry lock is never held while a device lock is held, so slow hardware
// writes on one device do not stall commands on another.
type Manager struct {
	driver pindriver.Driver
	clk    clock.Clock
	logger logger.Interface
	sched  *Scheduler

	recorder     Recorder
	events       chan deviceEvent
	recorderStop chan struct{}
	recorderDone chan struct{}
	recorderOnce sync.Once

	historySize int

	mu      sync.RWMutex
	devices map[string]*Device
	pins    map[int]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder attaches an event recorder for device transitions.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithHistorySize overrides the per-device history capacity.
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// NewManager creates a manager backed by the given pin driver and clock. The
// driver is mandatory; there is no ambient fallback.
func NewManager(driver pindriver.Driver, clk clock.Clock, log logger.Interface, opts ...Option) (*Manager, error) {
	if driver == nil {
		return nil, fmt.Errorf("pin driver is required")
	}
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = logger.Default()
	}

	m := &Manager{
		driver:      driver,
		clk:         clk,
		logger:      log.WithField("component", "device-manager"),
		historySize: defaultHistorySize,
		devices:     make(map[string]*Device),
		pins:        make(map[int]string),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sched = NewScheduler(clk, log)
	m.sched.Start()

	if m.recorder != nil {
		m.events = make(chan deviceEvent, recorderQueueSize)
		m.recorderStop = make(chan struct{})
		m.recorderDone = make(chan struct{})
		go m.recordLoop()
	}

	return m, nil
}

// Register adds a device and claims its pin. The pin is configured and driven
// to the configured initial level before the device becomes visible; if the
// driver rejects the pin, nothing is registered.
func (m *Manager) Register(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPinConfiguration, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devices[cfg.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, cfg.Name)
	}
	if owner, claimed := m.pins[cfg.Pin]; claimed {
		return fmt.Errorf("%w: pin %d already claimed by %q", ErrPinConfiguration, cfg.Pin, owner)
	}

	if err := m.driver.Configure(cfg.Pin, cfg.InitialLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrPinConfiguration, err)
	}

	m.devices[cfg.Name] = newDevice(cfg, m.historySize)
	m.pins[cfg.Pin] = cfg.Name

	m.logger.WithFields(map[string]interface{}{
		"device": cfg.Name,
		"pin":    cfg.Pin,
		"type":   cfg.Type,
	}).Info("device registered")

	return nil
}

// Unregister removes a device. A running device is stopped first; the pin is
// released back to the driver.
func (m *Manager) Unregister(name string) error {
	d, err := m.get(name)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.isOn {
		if stopErr := m.turnOffLocked(d, ActionOff); stopErr != nil {
			d.mu.Unlock()
			return stopErr
		}
	}
	pin := d.cfg.Pin
	d.mu.Unlock()

	m.mu.Lock()
	delete(m.devices, name)
	delete(m.pins, pin)
	m.mu.Unlock()

	if err := m.driver.Release(pin); err != nil {
		m.logger.WithError(err).WithField("device", name).Warn("pin release failed")
	}

	m.logger.WithField("device", name).Info("device unregistered")
	return nil
}

// TurnOn turns a device on with no auto-off timer. The safety checks run
// first; state is committed only after the hardware write succeeds.
func (m *Manager) TurnOn(name string) error {
	d, err := m.get(name)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return m.turnOnLocked(d)
}

// TurnOnForDuration turns a device on and arms an auto-off after duration.
// The duration must lie in (0, max_runtime].
func (m *Manager) TurnOnForDuration(name string, duration time.Duration) error {
	d, err := m.get(name)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if duration <= 0 || duration > d.cfg.MaxRuntime {
		return fmt.Errorf("%w: %s not in (0, %s]", ErrDurationOutOfRange, duration, d.cfg.MaxRuntime)
	}

	if err := m.turnOnLocked(d); err != nil {
		return err
	}

	session := d.session
	if err := m.sched.Schedule(name, duration, func() {
		m.autoOff(name, session)
	}); err != nil {
		// The state machine cancels any pending timer on turn-off, so a
		// duplicate here means internal inconsistency; roll the turn-on back.
		m.logger.WithError(err).WithField("device", name).Error("auto-off scheduling failed")
		if offErr := m.turnOffLocked(d, ActionOff); offErr != nil {
			return offErr
		}
		return err
	}
	d.autoOffAt = m.clk.Now().Add(duration)

	return nil
}

// TurnOff manually turns a device off, cancelling any pending auto-off.
func (m *Manager) TurnOff(name string) error {
	d, err := m.get(name)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOn {
		return ErrAlreadyOff
	}
	return m.turnOffLocked(d, ActionOff)
}

// EmergencyStop forces a device off. A device that is already off is a
// success, not an error: the postcondition is "device is off", which already
// holds.
func (m *Manager) EmergencyStop(name string) error {
	d, err := m.get(name)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOn {
		return nil
	}
	return m.turnOffLocked(d, ActionOff)
}

// StopResult is the per-device outcome of EmergencyStopAll.
type StopResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// EmergencyStopAll force-stops every registered device. A failure on one
// device never prevents the attempt on the others; the caller gets one result
// per device, keyed by name.
func (m *Manager) EmergencyStopAll() map[string]StopResult {
	m.mu.RLock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]StopResult, len(names))
	for _, name := range names {
		if err := m.EmergencyStop(name); err != nil {
			m.logger.WithError(err).WithField("device", name).Error("emergency stop failed")
			results[name] = StopResult{
				Success:   false,
				Message:   err.Error(),
				ErrorKind: Kind(err),
			}
			continue
		}
		results[name] = StopResult{Success: true, Message: "stopped"}
	}

	if len(names) > 0 {
		m.logger.WithField("devices", len(names)).Warn("emergency stop all executed")
	}
	return results
}

// Status reports the current state of a device.
func (m *Manager) Status(name string) (*Status, error) {
	d, err := m.get(name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked(m.clk.Now()), nil
}

// Statistics reports usage counters for a device.
func (m *Manager) Statistics(name string) (*Statistics, error) {
	d, err := m.get(name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statisticsLocked(m.clk.Now()), nil
}

// Info reports the registration-time configuration of a device.
func (m *Manager) Info(name string) (*Info, error) {
	d, err := m.get(name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.infoLocked(), nil
}

// History returns a device's transition log, oldest first.
func (m *Manager) History(name string) ([]Entry, error) {
	d, err := m.get(name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.snapshot(), nil
}

// List returns a summary of every registered device, sorted by name.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(devices))
	for _, d := range devices {
		d.mu.Lock()
		out = append(out, d.summaryLocked())
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns the full status of every registered device, sorted by
// name. Used by the metrics collector and websocket broadcasts.
func (m *Manager) Snapshot() []*Status {
	m.mu.RLock()
	devices := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	now := m.clk.Now()
	out := make([]*Status, 0, len(devices))
	for _, d := range devices {
		d.mu.Lock()
		out = append(out, d.statusLocked(now))
		d.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown stops the scheduler, turns every running device off, releases the
// pins, and closes the driver. Per-device stop failures are logged and the
// shutdown continues; the first failure is returned after everything has been
// attempted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.sched.Stop()

	var firstErr error
	for name, result := range m.EmergencyStopAll() {
		if !result.Success && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %s", name, result.Message)
		}
	}

	if m.recorder != nil {
		m.recorderOnce.Do(func() { close(m.recorderStop) })
		<-m.recorderDone
	}

	m.mu.Lock()
	pins := make([]int, 0, len(m.pins))
	for pin := range m.pins {
		pins = append(pins, pin)
	}
	m.devices = make(map[string]*Device)
	m.pins = make(map[int]string)
	m.mu.Unlock()

	sort.Ints(pins)
	for _, pin := range pins {
		if err := m.driver.Release(pin); err != nil {
			m.logger.WithError(err).WithField("pin", pin).Warn("pin release failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := m.driver.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.logger.Info("device manager shut down")
	return firstErr
}

// get looks up a device under the registry read lock. The lock is released
// before the caller takes the device lock.
func (m *Manager) get(name string) (*Device, error) {
	m.mu.RLock()
	d, ok := m.devices[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// turnOnLocked runs the safety checks, drives the pin active, and commits the
// new state. Caller holds d.mu.
func (m *Manager) turnOnLocked(d *Device) error {
	if d.isOn {
		return ErrAlreadyOn
	}

	now := m.clk.Now()
	if err := checkCooldown(d.cfg.Cooldown, d.lastOff, now); err != nil {
		return err
	}
	if err := checkCycleLimit(d.cfg.MaxCyclesPerHour, d.history, now); err != nil {
		return err
	}

	if err := m.driver.Write(d.cfg.Pin, d.cfg.ActiveLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrHardwareWrite, err)
	}

	d.isOn = true
	d.sessionStart = now
	d.lastOn = now
	d.session++
	d.cycleCount++
	d.history.append(Entry{Timestamp: now, Action: ActionOn})
	m.record(d, ActionOn, now)

	m.logger.WithFields(map[string]interface{}{
		"device": d.cfg.Name,
		"pin":    d.cfg.Pin,
	}).Info("device turned on")

	return nil
}

// turnOffLocked cancels any pending timer, drives the pin inactive, and
// commits the new state. Caller holds d.mu and has verified d.isOn.
func (m *Manager) turnOffLocked(d *Device, action Action) error {
	m.sched.Cancel(d.cfg.Name)

	if err := m.driver.Write(d.cfg.Pin, d.cfg.inactiveLevel()); err != nil {
		return fmt.Errorf("%w: %v", ErrHardwareWrite, err)
	}

	now := m.clk.Now()
	d.totalRuntime += now.Sub(d.sessionStart)
	d.isOn = false
	d.sessionStart = time.Time{}
	d.autoOffAt = time.Time{}
	d.lastOff = now
	d.history.append(Entry{Timestamp: now, Action: action})
	m.record(d, action, now)

	m.logger.WithFields(map[string]interface{}{
		"device": d.cfg.Name,
		"pin":    d.cfg.Pin,
	}).Info("device turned off")

	return nil
}

// autoOff is the scheduler callback for a timed turn-on. The captured session
// counter detects the stale-fire race: if the device was manually turned off
// and on again before this callback ran, the counters differ and the firing
// is discarded.
func (m *Manager) autoOff(name string, session uint64) {
	d, err := m.get(name)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOn || d.session != session {
		return
	}

	if err := m.turnOffLocked(d, ActionOff); err != nil {
		m.logger.WithError(err).WithField("device", name).Error("auto-off failed")
	}
}

// record queues a transition for the recorder. The send never blocks: the
// caller holds a device lock, so a full queue drops the event instead of
// stalling the command.
func (m *Manager) record(d *Device, action Action, at time.Time) {
	if m.recorder == nil {
		return
	}

	select {
	case m.events <- deviceEvent{name: d.cfg.Name, pin: d.cfg.Pin, action: action, at: at}:
	default:
		m.logger.WithField("device", d.cfg.Name).Warn("event queue full, transition dropped")
	}
}

// recordLoop delivers queued transitions to the recorder one at a time. On
// stop it drains whatever is still queued so Shutdown flushes the log.
func (m *Manager) recordLoop() {
	defer close(m.recorderDone)

	for {
		select {
		case e := <-m.events:
			m.recorder.RecordDeviceEvent(e.name, e.pin, string(e.action), e.at)
		case <-m.recorderStop:
			for {
				select {
				case e := <-m.events:
					m.recorder.RecordDeviceEvent(e.name, e.pin, string(e.action), e.at)
				default:
					return
				}
			}
		}
	}
}
