package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Homaei/RAPIAMS/internal/api/middleware"
	"github.com/Homaei/RAPIAMS/internal/device"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

// Notifier pushes device state changes to live subscribers.
type Notifier interface {
	BroadcastDeviceStatus(devices []*device.Status)
	BroadcastEmergencyStop(results map[string]device.StopResult)
}

// DeviceHandler handles device control endpoints.
type DeviceHandler struct {
	manager  *device.Manager
	notifier Notifier
	logger   logger.Interface
}

// NewDeviceHandler creates a new device handler. The notifier is optional.
func NewDeviceHandler(manager *device.Manager, notifier Notifier, log logger.Interface) *DeviceHandler {
	return &DeviceHandler{
		manager:  manager,
		notifier: notifier,
		logger:   log.WithField("component", "device-handler"),
	}
}

// CommandResponse is the envelope for every device command.
type CommandResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RegisterRequest declares a new device. Durations are in seconds, matching
// the status and statistics payloads.
type RegisterRequest struct {
	Name             string  `json:"name" binding:"required"`
	Pin              int     `json:"pin" binding:"min=0"`
	Type             string  `json:"device_type"`
	Description      string  `json:"description"`
	ActiveState      string  `json:"active_state"`
	InitialState     string  `json:"initial_state"`
	MaxRuntime       float64 `json:"max_runtime" binding:"required,gt=0"`
	CooldownTime     float64 `json:"cooldown_time" binding:"min=0"`
	MaxCyclesPerHour int     `json:"max_cycles_per_hour" binding:"min=0"`
}

// DurationRequest carries the timed turn-on duration in seconds.
type DurationRequest struct {
	Duration float64 `json:"duration" binding:"required"`
}

// Register creates a new device.
// POST /api/v1/devices
func (h *DeviceHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}

	cfg, err := requestToConfig(req)
	if err != nil {
		respondError(c, http.StatusBadRequest, "", err.Error())
		return
	}

	if err := h.manager.Register(cfg); err != nil {
		h.respondCommandError(c, err)
		return
	}

	h.notifyStatus()
	c.JSON(http.StatusCreated, CommandResponse{
		Success:   true,
		Message:   "device registered",
		Timestamp: time.Now().UTC(),
	})
}

// TurnOn switches a device on with no timer.
// POST /api/v1/devices/:name/on
func (h *DeviceHandler) TurnOn(c *gin.Context) {
	name := c.Param("name")

	if err := h.manager.TurnOn(name); err != nil {
		h.respondCommandError(c, err)
		return
	}

	h.notifyStatus()
	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "device turned on",
		Timestamp: time.Now().UTC(),
	})
}

// TurnOnForDuration switches a device on with an auto-off timer.
// POST /api/v1/devices/:name/on-for
func (h *DeviceHandler) TurnOnForDuration(c *gin.Context) {
	name := c.Param("name")

	var req DurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return
	}

	duration := time.Duration(req.Duration * float64(time.Second))
	if err := h.manager.TurnOnForDuration(name, duration); err != nil {
		h.respondCommandError(c, err)
		return
	}

	h.notifyStatus()
	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "device turned on with timer",
		Timestamp: time.Now().UTC(),
	})
}

// TurnOff manually switches a device off.
// POST /api/v1/devices/:name/off
func (h *DeviceHandler) TurnOff(c *gin.Context) {
	name := c.Param("name")

	if err := h.manager.TurnOff(name); err != nil {
		h.respondCommandError(c, err)
		return
	}

	h.notifyStatus()
	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "device turned off",
		Timestamp: time.Now().UTC(),
	})
}

// EmergencyStop forces one device off, bypassing safety checks.
// POST /api/v1/devices/:name/emergency-stop
func (h *DeviceHandler) EmergencyStop(c *gin.Context) {
	name := c.Param("name")

	if err := h.manager.EmergencyStop(name); err != nil {
		h.respondCommandError(c, err)
		return
	}

	h.logger.WithField("device", name).Warn("emergency stop executed")
	h.notifyStatus()
	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "device stopped",
		Timestamp: time.Now().UTC(),
	})
}

// EmergencyStopAll forces every device off. Always returns 200 with the
// per-device outcomes; partial failure is reported in the payload.
// POST /api/v1/devices/emergency-stop
func (h *DeviceHandler) EmergencyStopAll(c *gin.Context) {
	results := h.manager.EmergencyStopAll()

	allStopped := true
	for _, r := range results {
		if !r.Success {
			allStopped = false
			break
		}
	}

	if h.notifier != nil {
		h.notifier.BroadcastEmergencyStop(results)
	}
	h.notifyStatus()

	message := "all devices stopped"
	if !allStopped {
		message = "emergency stop completed with failures"
	}
	c.JSON(http.StatusOK, CommandResponse{
		Success:   allStopped,
		Message:   message,
		Data:      results,
		Timestamp: time.Now().UTC(),
	})
}

// List returns a summary of every device.
// GET /api/v1/devices
func (h *DeviceHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "devices listed",
		Data:      h.manager.List(),
		Timestamp: time.Now().UTC(),
	})
}

// Status returns the current state of a device.
// GET /api/v1/devices/:name/status
func (h *DeviceHandler) Status(c *gin.Context) {
	status, err := h.manager.Status(c.Param("name"))
	if err != nil {
		h.respondCommandError(c, err)
		return
	}

	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "status retrieved",
		Data:      status,
		Timestamp: time.Now().UTC(),
	})
}

// Statistics returns usage counters for a device.
// GET /api/v1/devices/:name/statistics
func (h *DeviceHandler) Statistics(c *gin.Context) {
	stats, err := h.manager.Statistics(c.Param("name"))
	if err != nil {
		h.respondCommandError(c, err)
		return
	}

	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "statistics retrieved",
		Data:      stats,
		Timestamp: time.Now().UTC(),
	})
}

// Info returns the registration-time configuration of a device.
// GET /api/v1/devices/:name
func (h *DeviceHandler) Info(c *gin.Context) {
	info, err := h.manager.Info(c.Param("name"))
	if err != nil {
		h.respondCommandError(c, err)
		return
	}

	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "device info retrieved",
		Data:      info,
		Timestamp: time.Now().UTC(),
	})
}

// History returns the in-memory transition log of a device.
// GET /api/v1/devices/:name/history
func (h *DeviceHandler) History(c *gin.Context) {
	entries, err := h.manager.History(c.Param("name"))
	if err != nil {
		h.respondCommandError(c, err)
		return
	}

	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "history retrieved",
		Data:      entries,
		Timestamp: time.Now().UTC(),
	})
}

// Unregister removes a device.
// DELETE /api/v1/devices/:name
func (h *DeviceHandler) Unregister(c *gin.Context) {
	name := c.Param("name")

	if err := h.manager.Unregister(name); err != nil {
		h.respondCommandError(c, err)
		return
	}

	h.notifyStatus()
	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "device unregistered",
		Timestamp: time.Now().UTC(),
	})
}

func (h *DeviceHandler) notifyStatus() {
	if h.notifier != nil {
		h.notifier.BroadcastDeviceStatus(h.manager.Snapshot())
	}
}

// respondCommandError translates a controller error to an HTTP response.
func (h *DeviceHandler) respondCommandError(c *gin.Context, err error) {
	kind := device.Kind(err)
	status := statusForKind(kind)

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(map[string]interface{}{
			"path":       c.Request.URL.Path,
			"request_id": middleware.GetRequestID(c),
		}).Error("device command failed")
	}

	respondError(c, status, kind, err.Error())
}

func statusForKind(kind string) int {
	switch kind {
	case device.KindNotFound:
		return http.StatusNotFound
	case device.KindDuplicateName, device.KindAlreadyOn, device.KindAlreadyOff,
		device.KindCooldownActive, device.KindCycleLimitExceeded:
		return http.StatusConflict
	case device.KindDurationOutOfRange:
		return http.StatusBadRequest
	case device.KindPinConfiguration:
		return http.StatusUnprocessableEntity
	case device.KindHardwareWriteFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, CommandResponse{
		Success:   false,
		Message:   message,
		ErrorKind: kind,
		Timestamp: time.Now().UTC(),
	})
}

func requestToConfig(req RegisterRequest) (device.Config, error) {
	active := pindriver.High
	switch req.ActiveState {
	case "", "HIGH", "high":
	case "LOW", "low":
		active = pindriver.Low
	default:
		return device.Config{}, &levelError{field: "active_state", value: req.ActiveState}
	}

	initial := active.Invert()
	switch req.InitialState {
	case "":
	case "HIGH", "high":
		initial = pindriver.High
	case "LOW", "low":
		initial = pindriver.Low
	default:
		return device.Config{}, &levelError{field: "initial_state", value: req.InitialState}
	}

	return device.Config{
		Name:             req.Name,
		Pin:              req.Pin,
		Type:             req.Type,
		Description:      req.Description,
		ActiveLevel:      active,
		InitialLevel:     initial,
		MaxRuntime:       time.Duration(req.MaxRuntime * float64(time.Second)),
		Cooldown:         time.Duration(req.CooldownTime * float64(time.Second)),
		MaxCyclesPerHour: req.MaxCyclesPerHour,
	}, nil
}

type levelError struct {
	field string
	value string
}

func (e *levelError) Error() string {
	return e.field + ": unknown level \"" + e.value + "\", want HIGH or LOW"
}
