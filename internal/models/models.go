// Package models defines the persisted records: device transition events and
// system metric samples.
package models

import "time"

// DeviceEvent is one recorded on/off transition of a device.
type DeviceEvent struct {
	ID         uint      `json:"id" gorm:"primarykey"`
	DeviceName string    `json:"device_name" gorm:"not null;index"`
	Pin        int       `json:"pin" gorm:"not null"`
	Action     string    `json:"action" gorm:"not null"`
	OccurredAt time.Time `json:"occurred_at" gorm:"not null;index"`
	CreatedAt  time.Time `json:"created_at"`
}

// MetricSample is one snapshot of host health taken by the collector.
type MetricSample struct {
	ID            uint      `json:"id" gorm:"primarykey"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	LoadAverage1  float64   `json:"load_average_1"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	DevicesTotal  int       `json:"devices_total"`
	DevicesOn     int       `json:"devices_on"`
	SampledAt     time.Time `json:"sampled_at" gorm:"not null;index"`
	CreatedAt     time.Time `json:"created_at"`
}
