package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Homaei/RAPIAMS/internal/device"
	"github.com/Homaei/RAPIAMS/internal/storage"
	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

// Config holds the entire application configuration
type Config struct {
	// Application settings
	App AppConfig `yaml:"app"`

	// Database configuration
	Database storage.Config `yaml:"database"`

	// API server configuration
	API APIConfig `yaml:"api"`

	// WebSocket configuration
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// GPIO device configuration
	GPIO GPIOConfig `yaml:"gpio"`

	// Metrics collector configuration
	Collector CollectorConfig `yaml:"collector"`
}

// AppConfig contains general application settings
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	DataDir     string `yaml:"data_dir"`
	Debug       bool   `yaml:"debug"`
}

// APIConfig contains REST API server settings
type APIConfig struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	ReadTimeout  string  `yaml:"read_timeout"`
	WriteTimeout string  `yaml:"write_timeout"`
	CORSEnabled  bool    `yaml:"cors_enabled"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

// WebSocketConfig contains WebSocket server settings
type WebSocketConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Path            string `yaml:"path"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	CheckOrigin     bool   `yaml:"check_origin"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GPIOConfig contains device controller settings
type GPIOConfig struct {
	// MockMode substitutes the simulated pin driver for real hardware.
	MockMode bool `yaml:"mock_mode"`

	// HistorySize is the per-device transition history capacity.
	HistorySize int `yaml:"history_size"`

	// Devices declared here are registered at startup.
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig declares one controllable device.
type DeviceConfig struct {
	Name             string `yaml:"name"`
	Pin              int    `yaml:"pin"`
	Type             string `yaml:"device_type"`
	Description      string `yaml:"description"`
	ActiveState      string `yaml:"active_state"`  // HIGH or LOW
	InitialState     string `yaml:"initial_state"` // HIGH or LOW
	MaxRuntime       string `yaml:"max_runtime"`
	CooldownTime     string `yaml:"cooldown_time"`
	MaxCyclesPerHour int    `yaml:"max_cycles_per_hour"`
}

// CollectorConfig contains system metrics collector settings
type CollectorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SampleInterval string `yaml:"sample_interval"`
}

// Load loads configuration from YAML file with defaults
func Load(configPath string) (*Config, error) {
	config := getDefaults()

	var configFile string
	if configPath != "" {
		configFile = configPath
	} else {
		searchPaths := []string{
			"./rapiams.yaml",
			"./config/rapiams.yaml",
			"/etc/rapiams/rapiams.yaml",
			filepath.Join(os.Getenv("HOME"), ".rapiams", "rapiams.yaml"),
		}

		for _, path := range searchPaths {
			if _, err := os.Stat(path); err == nil {
				configFile = path
				break
			}
		}
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyEnvOverrides(&config)

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// validate validates the configuration and sets derived values
func (c *Config) validate() error {
	if c.App.DataDir != "" {
		if err := os.MkdirAll(c.App.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		if c.Database.Path != ":memory:" && !filepath.IsAbs(c.Database.Path) {
			c.Database.Path = filepath.Join(c.App.DataDir, c.Database.Path)
		}
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level '%s': %w", c.Log.Level, err)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	if c.WebSocket.Port < 1 || c.WebSocket.Port > 65535 {
		return fmt.Errorf("invalid WebSocket port: %d", c.WebSocket.Port)
	}

	seenNames := make(map[string]bool)
	seenPins := make(map[int]string)
	for _, d := range c.GPIO.Devices {
		if seenNames[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		seenNames[d.Name] = true

		if owner, ok := seenPins[d.Pin]; ok {
			return fmt.Errorf("pin %d declared for both %q and %q", d.Pin, owner, d.Name)
		}
		seenPins[d.Pin] = d.Name

		if _, err := d.ToDeviceConfig(); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}

	return nil
}

// ToDeviceConfig converts the declaration into a controller device config.
func (d DeviceConfig) ToDeviceConfig() (device.Config, error) {
	active, err := parseLevel(d.ActiveState, pindriver.High)
	if err != nil {
		return device.Config{}, fmt.Errorf("active_state: %w", err)
	}

	initial := active.Invert()
	if d.InitialState != "" {
		initial, err = parseLevel(d.InitialState, active.Invert())
		if err != nil {
			return device.Config{}, fmt.Errorf("initial_state: %w", err)
		}
	}

	maxRuntime := 30 * time.Second
	if d.MaxRuntime != "" {
		maxRuntime, err = time.ParseDuration(d.MaxRuntime)
		if err != nil {
			return device.Config{}, fmt.Errorf("max_runtime: %w", err)
		}
	}

	var cooldown time.Duration
	if d.CooldownTime != "" {
		cooldown, err = time.ParseDuration(d.CooldownTime)
		if err != nil {
			return device.Config{}, fmt.Errorf("cooldown_time: %w", err)
		}
	}

	return device.Config{
		Name:             d.Name,
		Pin:              d.Pin,
		Type:             d.Type,
		Description:      d.Description,
		ActiveLevel:      active,
		InitialLevel:     initial,
		MaxRuntime:       maxRuntime,
		Cooldown:         cooldown,
		MaxCyclesPerHour: d.MaxCyclesPerHour,
	}, nil
}

func parseLevel(s string, fallback pindriver.Level) (pindriver.Level, error) {
	switch s {
	case "":
		return fallback, nil
	case "HIGH", "high":
		return pindriver.High, nil
	case "LOW", "low":
		return pindriver.Low, nil
	default:
		return pindriver.Low, fmt.Errorf("unknown level %q, want HIGH or LOW", s)
	}
}

// getDefaults returns a Config struct with default values
func getDefaults() Config {
	return Config{
		App: AppConfig{
			Name:        "rapiams",
			Version:     "dev",
			Environment: "development",
			DataDir:     "./data",
			Debug:       false,
		},
		Database: storage.Config{
			Path:            "rapiams.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
			LogLevel:        "warn",
		},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			CORSEnabled:  true,
			RateLimit:    20,
			RateBurst:    40,
		},
		WebSocket: WebSocketConfig{
			Host:            "0.0.0.0",
			Port:            8081,
			Path:            "/ws",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		GPIO: GPIOConfig{
			MockMode:    false,
			HistorySize: 1000,
		},
		Collector: CollectorConfig{
			Enabled:        true,
			SampleInterval: "10s",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("RAPIAMS_API_PORT"); env != "" {
		if port := parseIntEnv(env); port > 0 {
			config.API.Port = port
		}
	}
	if env := os.Getenv("RAPIAMS_API_HOST"); env != "" {
		config.API.Host = env
	}
	if env := os.Getenv("RAPIAMS_LOG_LEVEL"); env != "" {
		config.Log.Level = env
	}
	if env := os.Getenv("RAPIAMS_DEBUG"); env == "true" {
		config.App.Debug = true
	}
	if env := os.Getenv("RAPIAMS_DATA_DIR"); env != "" {
		config.App.DataDir = env
	}
	if env := os.Getenv("RAPIAMS_GPIO_MOCK"); env == "true" {
		config.GPIO.MockMode = true
	}
}

// parseIntEnv safely parses an integer from environment variable
func parseIntEnv(env string) int {
	var i int
	if _, err := fmt.Sscanf(env, "%d", &i); err == nil {
		return i
	}
	return 0
}

// GetAddress returns the formatted address for the API server
func (c *APIConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddress returns the formatted address for the WebSocket server
func (c *WebSocketConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SampleIntervalDuration parses the collector sample interval.
func (c *CollectorConfig) SampleIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.SampleInterval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}
