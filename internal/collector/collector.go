// Package collector periodically samples host health through gopsutil,
// snapshots device states, persists the sample, and pushes both to websocket
// subscribers.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Homaei/RAPIAMS/internal/device"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/internal/models"
)

const retentionPeriod = 24 * time.Hour

// Store persists samples and trims old ones.
type Store interface {
	SaveMetricSample(sample *models.MetricSample) error
	PruneMetricSamples(before time.Time) (int64, error)
}

// Broadcaster pushes live updates to connected clients.
type Broadcaster interface {
	BroadcastSystemMetrics(sample *models.MetricSample)
	BroadcastDeviceStatus(devices []*device.Status)
}

// Collector drives the sampling loop.
type Collector struct {
	manager     *device.Manager
	store       Store
	broadcaster Broadcaster
	logger      logger.Interface
	interval    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a collector. Store and broadcaster are optional; a nil store
// skips persistence, a nil broadcaster skips live updates.
func New(manager *device.Manager, store Store, broadcaster Broadcaster, log logger.Interface, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		manager:     manager,
		store:       store,
		broadcaster: broadcaster,
		logger:      log.WithField("component", "collector"),
		interval:    interval,
		done:        make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.run(ctx)
	c.logger.WithField("interval", c.interval.String()).Info("metrics collector started")
}

// Stop terminates the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
	c.logger.Info("metrics collector stopped")
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-pruneTicker.C:
			c.prune()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	sample := c.Sample(ctx)

	if c.store != nil {
		if err := c.store.SaveMetricSample(sample); err != nil {
			c.logger.WithError(err).Error("failed to persist metric sample")
		}
	}

	if c.broadcaster != nil {
		c.broadcaster.BroadcastSystemMetrics(sample)
		c.broadcaster.BroadcastDeviceStatus(c.manager.Snapshot())
	}
}

// Sample takes one host snapshot. Individual probe failures degrade to zero
// values rather than aborting the sample.
func (c *Collector) Sample(ctx context.Context) *models.MetricSample {
	sample := &models.MetricSample{
		SampledAt: time.Now().UTC(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.WithError(err).Debug("cpu sample failed")
	} else if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.WithError(err).Debug("memory sample failed")
	} else {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
	}

	if usage, err := disk.UsageWithContext(ctx, "/"); err != nil {
		c.logger.WithError(err).Debug("disk sample failed")
	} else {
		sample.DiskPercent = usage.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.logger.WithError(err).Debug("load sample failed")
	} else {
		sample.LoadAverage1 = avg.Load1
	}

	if uptime, err := host.UptimeWithContext(ctx); err != nil {
		c.logger.WithError(err).Debug("uptime sample failed")
	} else {
		sample.UptimeSeconds = uptime
	}

	devices := c.manager.Snapshot()
	sample.DevicesTotal = len(devices)
	for _, d := range devices {
		if d.IsOn {
			sample.DevicesOn++
		}
	}

	return sample
}

func (c *Collector) prune() {
	if c.store == nil {
		return
	}

	removed, err := c.store.PruneMetricSamples(time.Now().UTC().Add(-retentionPeriod))
	if err != nil {
		c.logger.WithError(err).Error("metric sample pruning failed")
		return
	}
	if removed > 0 {
		c.logger.WithField("removed", removed).Debug("pruned old metric samples")
	}
}
