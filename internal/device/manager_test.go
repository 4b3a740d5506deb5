package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Homaei/RAPIAMS/internal/clock"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

func testManager(t *testing.T) (*Manager, *pindriver.Mock, *clock.Fake) {
	t.Helper()

	driver := pindriver.NewMock(nil)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	m, err := NewManager(driver, clk, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return m, driver, clk
}

func buzzerConfig() Config {
	return Config{
		Name:             "buzzer",
		Pin:              17,
		ActiveLevel:      pindriver.High,
		InitialLevel:     pindriver.Low,
		Type:             "buzzer",
		Description:      "alarm buzzer",
		MaxRuntime:       60 * time.Second,
		Cooldown:         2 * time.Second,
		MaxCyclesPerHour: 10,
	}
}

func TestNewManagerRequiresDriver(t *testing.T) {
	_, err := NewManager(nil, clock.System(), logger.Default())
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	m, driver, _ := testManager(t)

	require.NoError(t, m.Register(buzzerConfig()))

	// Pin is configured and held at the initial level.
	level, err := driver.Read(17)
	require.NoError(t, err)
	assert.Equal(t, pindriver.Low, level)

	info, err := m.Info("buzzer")
	require.NoError(t, err)
	assert.Equal(t, "buzzer", info.Name)
	assert.Equal(t, 17, info.Pin)
	assert.Equal(t, "HIGH", info.ActiveLevel)
	assert.Equal(t, 60.0, info.MaxRuntime)
	assert.False(t, info.IsOn)
}

func TestRegisterDuplicateName(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.Register(buzzerConfig()))

	dup := buzzerConfig()
	dup.Pin = 18
	err := m.Register(dup)
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, KindDuplicateName, Kind(err))
}

func TestRegisterPinConflict(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.Register(buzzerConfig()))

	other := buzzerConfig()
	other.Name = "relay"
	err := m.Register(other)
	require.ErrorIs(t, err, ErrPinConfiguration)
}

func TestRegisterInvalidConfig(t *testing.T) {
	m, _, _ := testManager(t)

	cfg := buzzerConfig()
	cfg.MaxRuntime = 0
	require.Error(t, m.Register(cfg))

	cfg = buzzerConfig()
	cfg.Name = ""
	require.Error(t, m.Register(cfg))

	// Driver rejects pins outside the header range.
	cfg = buzzerConfig()
	cfg.Pin = 99
	err := m.Register(cfg)
	require.ErrorIs(t, err, ErrPinConfiguration)
}

func TestUnknownDevice(t *testing.T) {
	m, _, _ := testManager(t)

	assert.ErrorIs(t, m.TurnOn("ghost"), ErrNotFound)
	assert.ErrorIs(t, m.TurnOff("ghost"), ErrNotFound)
	assert.ErrorIs(t, m.EmergencyStop("ghost"), ErrNotFound)

	_, err := m.Status("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, Kind(err))
}

func TestTurnOnTurnOff(t *testing.T) {
	m, driver, clk := testManager(t)
	require.NoError(t, m.Register(buzzerConfig()))

	require.NoError(t, m.TurnOn("buzzer"))

	level, err := driver.Read(17)
	require.NoError(t, err)
	assert.Equal(t, pindriver.High, level)

	require.ErrorIs(t, m.TurnOn("buzzer"), ErrAlreadyOn)

	clk.Advance(3 * time.Second)

	status, err := m.Status("buzzer")
	require.NoError(t, err)
	assert.True(t, status.IsOn)
	assert.InDelta(t, 3.0, status.CurrentRuntime, 0.01)
	assert.InDelta(t, 57.0, status.TimeRemaining, 0.01)

	require.NoError(t, m.TurnOff("buzzer"))

	level, err = driver.Read(17)
	require.NoError(t, err)
	assert.Equal(t, pindriver.Low, level)

	require.ErrorIs(t, m.TurnOff("buzzer"), ErrAlreadyOff)

	status, err = m.Status("buzzer")
	require.NoError(t, err)
	assert.False(t, status.IsOn)
	assert.Zero(t, status.CurrentRuntime)
	assert.Zero(t, status.TimeRemaining)

	stats, err := m.Statistics("buzzer")
	require.NoError(t, err)
	assert.InDelta(t, 3.0, stats.TotalRuntime, 0.01)
	assert.Equal(t, uint64(1), stats.TotalCycles)
	assert.Equal(t, 1, stats.CyclesLastHour)
	assert.Zero(t, stats.CurrentSessionRuntime)
}

func TestCooldown(t *testing.T) {
	m, _, clk := testManager(t)

	cfg := buzzerConfig()
	cfg.Cooldown = 60 * time.Second
	require.NoError(t, m.Register(cfg))

	require.NoError(t, m.TurnOn("buzzer"))
	require.NoError(t, m.TurnOff("buzzer"))

	err := m.TurnOn("buzzer")
	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.InDelta(t, 60.0, cooldown.Remaining.Seconds(), 0.01)
	assert.Equal(t, KindCooldownActive, Kind(err))

	clk.Advance(30 * time.Second)
	err = m.TurnOn("buzzer")
	require.ErrorAs(t, err, &cooldown)
	assert.InDelta(t, 30.0, cooldown.Remaining.Seconds(), 0.01)

	status, statusErr := m.Status("buzzer")
	require.NoError(t, statusErr)
	assert.InDelta(t, 30.0, status.CooldownRemaining, 0.01)

	clk.Advance(30 * time.Second)
	require.NoError(t, m.TurnOn("buzzer"))
}

func TestCycleLimit(t *testing.T) {
	m, _, clk := testManager(t)

	cfg := buzzerConfig()
	cfg.Cooldown = 0
	cfg.MaxCyclesPerHour = 3
	require.NoError(t, m.Register(cfg))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.TurnOn("buzzer"))
		require.NoError(t, m.TurnOff("buzzer"))
		clk.Advance(time.Second)
	}

	err := m.TurnOn("buzzer")
	require.ErrorIs(t, err, ErrCycleLimitExceeded)
	assert.Equal(t, KindCycleLimitExceeded, Kind(err))

	// The window is trailing: once the oldest cycle ages out, the budget
	// frees up again.
	clk.Advance(time.Hour)
	require.NoError(t, m.TurnOn("buzzer"))
}

func TestTurnOnForDuration(t *testing.T) {
	m, driver, clk := testManager(t)
	require.NoError(t, m.Register(buzzerConfig()))

	require.NoError(t, m.TurnOnForDuration("buzzer", 5*time.Second))

	status, err := m.Status("buzzer")
	require.NoError(t, err)
	assert.True(t, status.IsOn)
	assert.InDelta(t, 5.0, status.TimeRemaining, 0.01)

	clk.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		s, err := m.Status("buzzer")
		return err == nil && !s.IsOn
	}, 2*time.Second, 5*time.Millisecond, "auto-off never fired")

	level, err := driver.Read(17)
	require.NoError(t, err)
	assert.Equal(t, pindriver.Low, level)

	stats, err := m.Statistics("buzzer")
	require.NoError(t, err)
	assert.InDelta(t, 6.0, stats.TotalRuntime, 0.01)
}

func TestTurnOnForDurationOutOfRange(t *testing.T) {
	m, _, _ := testManager(t)
	require.NoError(t, m.Register(buzzerConfig()))

	for _, d := range []time.Duration{0, -time.Second, 61 * time.Second} {
		err := m.TurnOnForDuration("buzzer", d)
		require.ErrorIs(t, err, ErrDurationOutOfRange, "duration %s", d)
	}

	// A rejected duration leaves the device untouched.
	status, err := m.Status("buzzer")
	require.NoError(t, err)
	assert.False(t, status.IsOn)
}

func TestManualOffCancelsAutoOff(t *testing.T) {
	m, _, clk := testManager(t)

	cfg := buzzerConfig()
	cfg.Cooldown = 0
	require.NoError(t, m.Register(cfg))

	require.NoError(t, m.TurnOnForDuration("buzzer", 10*time.Second))
	require.NoError(t, m.TurnOff("buzzer"))
	assert.Zero(t, m.sched.PendingCount())

	// A new session must survive the old session's deadline passing.
	require.NoError(t, m.TurnOn("buzzer"))
	clk.Advance(15 * time.Second)
	time.Sleep(50 * time.Millisecond)

	status, err := m.Status("buzzer")
	require.NoError(t, err)
	assert.True(t, status.IsOn, "stale timer turned off the new session")
}

func TestHardwareWriteFailureLeavesStateUnchanged(t *testing.T) {
	m, driver, _ := testManager(t)
	require.NoError(t, m.Register(buzzerConfig()))

	driver.FailWrites(17, errors.New("bus fault"))

	err := m.TurnOn("buzzer")
	require.ErrorIs(t, err, ErrHardwareWrite)
	assert.Equal(t, KindHardwareWriteFailed, Kind(err))

	status, statusErr := m.Status("buzzer")
	require.NoError(t, statusErr)
	assert.False(t, status.IsOn)

	stats, statsErr := m.Statistics("buzzer")
	require.NoError(t, statsErr)
	assert.Zero(t, stats.TotalCycles)
	assert.Zero(t, stats.CyclesLastHour)

	// Once the fault clears the turn-on is not blocked by cooldown: the
	// failed attempt never became a cycle.
	driver.FailWrites(17, nil)
	require.NoError(t, m.TurnOn("buzzer"))
}

func TestEmergencyStop(t *testing.T) {
	m, driver, _ := testManager(t)

	cfg := buzzerConfig()
	cfg.Cooldown = time.Hour
	require.NoError(t, m.Register(cfg))

	// Idempotent on an off device.
	require.NoError(t, m.EmergencyStop("buzzer"))

	require.NoError(t, m.TurnOn("buzzer"))
	require.NoError(t, m.EmergencyStop("buzzer"))

	level, err := driver.Read(17)
	require.NoError(t, err)
	assert.Equal(t, pindriver.Low, level)

	require.NoError(t, m.EmergencyStop("buzzer"))
}

func TestEmergencyStopAll(t *testing.T) {
	m, driver, _ := testManager(t)

	for i, name := range []string{"alpha", "bravo", "charlie"} {
		cfg := buzzerConfig()
		cfg.Name = name
		cfg.Pin = 5 + i
		require.NoError(t, m.Register(cfg))
		require.NoError(t, m.TurnOn(name))
	}

	driver.FailWrites(6, errors.New("stuck relay"))

	results := m.EmergencyStopAll()
	require.Len(t, results, 3)

	assert.True(t, results["alpha"].Success)
	assert.True(t, results["charlie"].Success)

	// The failure on bravo must not stop the sweep.
	require.False(t, results["bravo"].Success)
	assert.Equal(t, KindHardwareWriteFailed, results["bravo"].ErrorKind)

	status, err := m.Status("bravo")
	require.NoError(t, err)
	assert.True(t, status.IsOn, "state must reflect the failed write")

	for _, name := range []string{"alpha", "charlie"} {
		status, err := m.Status(name)
		require.NoError(t, err)
		assert.False(t, status.IsOn)
	}
}

func TestListAndSnapshot(t *testing.T) {
	m, _, _ := testManager(t)

	for i, name := range []string{"pump", "fan"} {
		cfg := buzzerConfig()
		cfg.Name = name
		cfg.Pin = 20 + i
		require.NoError(t, m.Register(cfg))
	}
	require.NoError(t, m.TurnOn("pump"))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "fan", list[0].Name)
	assert.Equal(t, "pump", list[1].Name)
	assert.True(t, list[1].IsOn)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[0].IsOn)
	assert.True(t, snap[1].IsOn)
}

func TestHistory(t *testing.T) {
	m, _, clk := testManager(t)

	cfg := buzzerConfig()
	cfg.Cooldown = 0
	require.NoError(t, m.Register(cfg))

	require.NoError(t, m.TurnOn("buzzer"))
	clk.Advance(time.Second)
	require.NoError(t, m.TurnOff("buzzer"))

	entries, err := m.History("buzzer")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionOn, entries[0].Action)
	assert.Equal(t, ActionOff, entries[1].Action)
	assert.True(t, entries[1].Timestamp.After(entries[0].Timestamp))
}

func TestUnregister(t *testing.T) {
	m, driver, _ := testManager(t)
	require.NoError(t, m.Register(buzzerConfig()))
	require.NoError(t, m.TurnOn("buzzer"))

	require.NoError(t, m.Unregister("buzzer"))

	_, err := m.Status("buzzer")
	assert.ErrorIs(t, err, ErrNotFound)

	// Pin is free for a new device.
	_, err = driver.Read(17)
	assert.ErrorIs(t, err, pindriver.ErrNotConfigured)
	require.NoError(t, m.Register(buzzerConfig()))
}

func TestShutdown(t *testing.T) {
	m, driver, _ := testManager(t)

	cfg := buzzerConfig()
	require.NoError(t, m.Register(cfg))
	require.NoError(t, m.TurnOnForDuration("buzzer", 30*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.False(t, driver.Available())
	assert.Empty(t, m.List())
}

type captureRecorder struct {
	mu     sync.Mutex
	events []string
}

func (c *captureRecorder) RecordDeviceEvent(name string, pin int, action string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, name+":"+action)
}

func (c *captureRecorder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestRecorderReceivesTransitions(t *testing.T) {
	driver := pindriver.NewMock(nil)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rec := &captureRecorder{}

	cfg := buzzerConfig()
	cfg.Cooldown = 0

	m, err := NewManager(driver, clk, logger.Default(), WithRecorder(rec))
	require.NoError(t, err)

	require.NoError(t, m.Register(cfg))
	require.NoError(t, m.TurnOn("buzzer"))
	require.NoError(t, m.TurnOff("buzzer"))

	// Shutdown flushes the event queue, so delivery and order are settled.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, []string{"buzzer:on", "buzzer:off"}, rec.snapshot())
}

type slowRecorder struct {
	delay time.Duration
	calls atomic.Int32
}

func (r *slowRecorder) RecordDeviceEvent(name string, pin int, action string, at time.Time) {
	time.Sleep(r.delay)
	r.calls.Add(1)
}

func TestSlowRecorderDoesNotBlockCommands(t *testing.T) {
	driver := pindriver.NewMock(nil)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rec := &slowRecorder{delay: 500 * time.Millisecond}

	m, err := NewManager(driver, clk, logger.Default(), WithRecorder(rec))
	require.NoError(t, err)

	cfg := buzzerConfig()
	cfg.Cooldown = 0
	require.NoError(t, m.Register(cfg))

	// A recorder stuck in I/O must not stall the device critical section:
	// commands and reads proceed while delivery lags behind.
	start := time.Now()
	require.NoError(t, m.TurnOn("buzzer"))

	status, err := m.Status("buzzer")
	require.NoError(t, err)
	assert.True(t, status.IsOn)

	require.NoError(t, m.TurnOff("buzzer"))
	assert.Less(t, time.Since(start), rec.delay, "commands waited on the recorder")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, int32(2), rec.calls.Load(), "queued events must be flushed on shutdown")
}
