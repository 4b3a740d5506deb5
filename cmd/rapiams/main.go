package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Homaei/RAPIAMS/internal/api"
	"github.com/Homaei/RAPIAMS/internal/clock"
	"github.com/Homaei/RAPIAMS/internal/collector"
	"github.com/Homaei/RAPIAMS/internal/config"
	"github.com/Homaei/RAPIAMS/internal/device"
	"github.com/Homaei/RAPIAMS/internal/errors"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/internal/storage"
	"github.com/Homaei/RAPIAMS/internal/websocket"
	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rapiams",
	Short: "RAPIAMS - Raspberry Pi device control and monitoring service",
	Long: `RAPIAMS manages digital-output peripherals (relays, pumps, buzzers, fans)
attached to a Raspberry Pi. Every device carries safety constraints: a maximum
runtime for timed activations, a cooldown between activations, and an hourly
cycle budget. The service exposes a REST API and a WebSocket stream, records
transitions and host metrics in SQLite, and supports an emergency stop that
bypasses every constraint.`,
	RunE: runServer,
}

var (
	configFile string
	logLevel   string
	logFormat  string
	mockGPIO   bool
)

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	rootCmd.Flags().BoolVar(&mockGPIO, "mock-gpio", false, "use the simulated pin driver instead of real hardware")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("RAPIAMS %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := setupLogger()
	if err != nil {
		return errors.Wrapf(err, "failed to setup logger")
	}

	log.WithFields(map[string]interface{}{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting RAPIAMS")

	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrapf(err, "failed to load config")
	}

	db, err := storage.New(&cfg.Database, log)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize database")
	}
	defer db.Close()

	// logrus logger for the pin driver and the websocket hub
	logrusLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrusLogger.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		logrusLogger.SetFormatter(&logrus.JSONFormatter{})
	}

	driver, err := setupDriver(cfg, logrusLogger, log)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize pin driver")
	}

	manager, err := device.NewManager(driver, clock.System(), log,
		device.WithRecorder(db),
		device.WithHistorySize(cfg.GPIO.HistorySize),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create device manager")
	}

	for _, decl := range cfg.GPIO.Devices {
		deviceCfg, err := decl.ToDeviceConfig()
		if err != nil {
			return errors.Wrapf(err, "invalid device %q", decl.Name)
		}
		if err := manager.Register(deviceCfg); err != nil {
			return errors.Wrapf(err, "failed to register device %q", decl.Name)
		}
	}
	log.WithField("devices", len(cfg.GPIO.Devices)).Info("Configured devices registered")

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.WebSocket.GetAddress(),
		Path:            cfg.WebSocket.Path,
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     cfg.WebSocket.CheckOrigin,
	}, logrusLogger)

	var metricsCollector *collector.Collector
	if cfg.Collector.Enabled {
		metricsCollector = collector.New(manager, db, wsServer, log, cfg.Collector.SampleIntervalDuration())
		metricsCollector.Start()
	}

	apiServer := api.New(api.Config{
		Address:      cfg.API.GetAddress(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		CORSEnabled:  cfg.API.CORSEnabled,
		RateLimit:    cfg.API.RateLimit,
		RateBurst:    cfg.API.RateBurst,
		Debug:        cfg.App.Debug,
	}, log, manager, db, wsServer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	serverErrors := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			serverErrors <- errors.Wrapf(err, "API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Start(); err != nil && err != http.ErrServerClosed {
			serverErrors <- errors.Wrapf(err, "WebSocket server error")
		}
	}()

	log.Info("All servers started successfully")

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErrors:
		log.WithError(err).Error("Server error occurred")
	}

	log.Info("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown order: stop accepting commands, stop the live stream, stop
	// sampling, then drive every device off and release the pins.
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping API server")
	}
	if err := wsServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping WebSocket server")
	}
	if metricsCollector != nil {
		metricsCollector.Stop()
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down device manager")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All servers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded")
	}

	log.Info("RAPIAMS shutdown complete")
	return nil
}

func setupDriver(cfg *config.Config, logrusLogger *logrus.Logger, log logger.Interface) (pindriver.Driver, error) {
	if mockGPIO || cfg.GPIO.MockMode {
		log.Info("Using simulated pin driver")
		return pindriver.NewMock(logrusLogger), nil
	}

	driver, err := pindriver.NewPeriph(logrusLogger)
	if err != nil {
		return nil, err
	}
	return driver, nil
}

func setupLogger() (*logger.Logger, error) {
	cfg := logger.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: "stdout",
	}

	log, err := logger.New(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create logger")
	}

	logger.SetDefault(log)
	return log, nil
}
