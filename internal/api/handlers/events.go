package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/internal/storage"
)

// EventsHandler serves the persisted device event log and metric samples.
type EventsHandler struct {
	database *storage.Database
	logger   logger.Interface
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(db *storage.Database, log logger.Interface) *EventsHandler {
	return &EventsHandler{
		database: db,
		logger:   log.WithField("component", "events-handler"),
	}
}

// DeviceEvents returns persisted transitions for a device, newest first.
// GET /api/v1/devices/:name/events
func (h *EventsHandler) DeviceEvents(c *gin.Context) {
	name := c.Param("name")
	limit := parseLimit(c.Query("limit"), 100)

	events, err := h.database.DeviceEvents(name, limit)
	if err != nil {
		h.logger.WithError(err).WithField("device", name).Error("event query failed")
		respondError(c, http.StatusInternalServerError, "", "failed to query device events")
		return
	}

	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "events retrieved",
		Data:      events,
		Timestamp: time.Now().UTC(),
	})
}

// MetricSamples returns recent collector samples, newest first.
// GET /api/v1/system/samples
func (h *EventsHandler) MetricSamples(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)

	samples, err := h.database.MetricSamples(limit)
	if err != nil {
		h.logger.WithError(err).Error("metric sample query failed")
		respondError(c, http.StatusInternalServerError, "", "failed to query metric samples")
		return
	}

	c.JSON(http.StatusOK, CommandResponse{
		Success:   true,
		Message:   "samples retrieved",
		Data:      samples,
		Timestamp: time.Now().UTC(),
	})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}
