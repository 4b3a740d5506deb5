// Package storage persists device transition events and system metric
// samples in SQLite through GORM.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Homaei/RAPIAMS/internal/errors"
	applogger "github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/internal/models"
)

// Database wraps GORM database connection with additional functionality
type Database struct {
	db     *gorm.DB
	logger applogger.Interface
}

// Config holds database configuration
type Config struct {
	Path            string `yaml:"path"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Path:            "data/rapiams.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: "5m",
		LogLevel:        "warn",
	}
}

// New creates a new database connection and migrates the schema.
func New(config *Config, log applogger.Interface) (*Database, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory")
		}
	}

	gormLogger := log.WithField("component", "database")

	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: &gormSlogAdapter{logger: gormLogger},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get underlying sql.DB")
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)

	if config.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(config.ConnMaxLifetime)
		if err != nil {
			log.Warnf("Invalid conn_max_lifetime '%s', using default 5m", config.ConnMaxLifetime)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	database := &Database{
		db:     db,
		logger: gormLogger,
	}

	if err := database.migrate(); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate database")
	}

	log.WithField("path", config.Path).Info("Database connection established")
	return database, nil
}

// NewForTest creates an in-memory database for tests.
func NewForTest(log applogger.Interface) (*Database, error) {
	database, err := New(&Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "error",
	}, log)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open test database")
	}
	return database, nil
}

// DB returns the underlying GORM database instance
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database connectivity
func (d *Database) Health() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (d *Database) migrate() error {
	return d.db.AutoMigrate(
		&models.DeviceEvent{},
		&models.MetricSample{},
	)
}

// RecordDeviceEvent persists one device transition. It satisfies the device
// manager's recorder contract; persistence failures are logged, never
// propagated into the control path.
func (d *Database) RecordDeviceEvent(name string, pin int, action string, at time.Time) {
	event := &models.DeviceEvent{
		DeviceName: name,
		Pin:        pin,
		Action:     action,
		OccurredAt: at,
	}
	if err := d.db.Create(event).Error; err != nil {
		d.logger.WithError(err).WithField("device", name).Error("failed to record device event")
	}
}

// DeviceEvents returns the most recent transitions for a device, newest
// first. A limit of zero returns everything.
func (d *Database) DeviceEvents(name string, limit int) ([]*models.DeviceEvent, error) {
	query := d.db.Where("device_name = ?", name).Order("occurred_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var events []*models.DeviceEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, errors.NewDatabaseError("device event query", err)
	}
	return events, nil
}

// SaveMetricSample persists one collector snapshot.
func (d *Database) SaveMetricSample(sample *models.MetricSample) error {
	if err := d.db.Create(sample).Error; err != nil {
		return errors.NewDatabaseError("metric sample insert", err)
	}
	return nil
}

// MetricSamples returns the most recent samples, newest first.
func (d *Database) MetricSamples(limit int) ([]*models.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}

	var samples []*models.MetricSample
	if err := d.db.Order("sampled_at desc").Limit(limit).Find(&samples).Error; err != nil {
		return nil, errors.NewDatabaseError("metric sample query", err)
	}
	return samples, nil
}

// PruneMetricSamples deletes samples older than the cutoff and returns the
// number removed.
func (d *Database) PruneMetricSamples(before time.Time) (int64, error) {
	result := d.db.Where("sampled_at < ?", before).Delete(&models.MetricSample{})
	if result.Error != nil {
		return 0, errors.NewDatabaseError("metric sample prune", result.Error)
	}
	return result.RowsAffected, nil
}

// ensureDirExists creates directory if it doesn't exist
func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", dir)
		}
		return nil
	}

	if !os.IsNotExist(err) {
		return err
	}

	return os.MkdirAll(dir, 0755)
}

// gormSlogAdapter adapts our structured logger to GORM logger interface
type gormSlogAdapter struct {
	logger applogger.Interface
}

func (g *gormSlogAdapter) LogMode(level logger.LogLevel) logger.Interface {
	return g
}

func (g *gormSlogAdapter) Info(ctx context.Context, msg string, data ...interface{}) {
	g.logger.Infof(msg, data...)
}

func (g *gormSlogAdapter) Warn(ctx context.Context, msg string, data ...interface{}) {
	g.logger.Warnf(msg, data...)
}

func (g *gormSlogAdapter) Error(ctx context.Context, msg string, data ...interface{}) {
	g.logger.Errorf(msg, data...)
}

func (g *gormSlogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := map[string]interface{}{
		"duration": elapsed.String(),
		"rows":     rows,
		"sql":      sql,
	}

	if err != nil {
		g.logger.WithFields(fields).WithError(err).Error("Database query failed")
	} else {
		g.logger.WithFields(fields).Debug("Database query executed")
	}
}
