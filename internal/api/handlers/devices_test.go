package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Homaei/RAPIAMS/internal/clock"
	"github.com/Homaei/RAPIAMS/internal/device"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/pkg/pindriver"
)

func testRouter(t *testing.T) (*gin.Engine, *device.Manager, *clock.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	manager, err := device.NewManager(pindriver.NewMock(nil), clk, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	handler := NewDeviceHandler(manager, nil, logger.Default())

	router := gin.New()
	devices := router.Group("/api/v1/devices")
	devices.GET("", handler.List)
	devices.POST("", handler.Register)
	devices.POST("/emergency-stop", handler.EmergencyStopAll)
	devices.GET("/:name", handler.Info)
	devices.DELETE("/:name", handler.Unregister)
	devices.GET("/:name/status", handler.Status)
	devices.GET("/:name/statistics", handler.Statistics)
	devices.GET("/:name/history", handler.History)
	devices.POST("/:name/on", handler.TurnOn)
	devices.POST("/:name/on-for", handler.TurnOnForDuration)
	devices.POST("/:name/off", handler.TurnOff)
	devices.POST("/:name/emergency-stop", handler.EmergencyStop)

	return router, manager, clk
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, CommandResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func registerBuzzer(t *testing.T, router *gin.Engine) {
	t.Helper()

	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/devices", RegisterRequest{
		Name:         "buzzer",
		Pin:          17,
		Type:         "buzzer",
		MaxRuntime:   60,
		CooldownTime: 2,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.True(t, resp.Success)
}

func TestRegisterEndpoint(t *testing.T) {
	router, _, _ := testRouter(t)
	registerBuzzer(t, router)

	// Duplicate name maps to 409.
	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/devices", RegisterRequest{
		Name:       "buzzer",
		Pin:        18,
		MaxRuntime: 60,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, device.KindDuplicateName, resp.ErrorKind)

	// Invalid body maps to 400.
	w, _ = doJSON(t, router, http.MethodPost, "/api/v1/devices", map[string]interface{}{"pin": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Out-of-range pin is rejected by the driver with 422.
	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices", RegisterRequest{
		Name:       "bad",
		Pin:        99,
		MaxRuntime: 60,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, device.KindPinConfiguration, resp.ErrorKind)
}

func TestTurnOnOffEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)
	registerBuzzer(t, router)

	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	// Second turn-on conflicts.
	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, device.KindAlreadyOn, resp.ErrorKind)

	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/off", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/off", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, device.KindAlreadyOff, resp.ErrorKind)

	// Cooldown is active after the turn-off.
	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, device.KindCooldownActive, resp.ErrorKind)
}

func TestUnknownDeviceEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)

	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/devices/ghost/on", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, device.KindNotFound, resp.ErrorKind)

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/devices/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOnForEndpoint(t *testing.T) {
	router, _, _ := testRouter(t)
	registerBuzzer(t, router)

	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on-for", DurationRequest{Duration: 5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, respStatus := doJSON(t, router, http.MethodGet, "/api/v1/devices/buzzer/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data, err := json.Marshal(respStatus.Data)
	require.NoError(t, err)
	var status device.Status
	require.NoError(t, json.Unmarshal(data, &status))
	assert.True(t, status.IsOn)
	assert.InDelta(t, 5.0, status.TimeRemaining, 0.01)

	// Duration beyond max_runtime maps to 400.
	_, _ = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/off", nil)
	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on-for", DurationRequest{Duration: 120})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, device.KindDurationOutOfRange, resp.ErrorKind)
}

func TestEmergencyStopEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)
	registerBuzzer(t, router)

	// Idempotent on an off device.
	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	_, _ = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on", nil)

	w, resp = doJSON(t, router, http.MethodPost, "/api/v1/devices/emergency-stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	results := map[string]device.StopResult{}
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &results))
	require.Contains(t, results, "buzzer")
	assert.True(t, results["buzzer"].Success)
}

func TestListInfoHistoryEndpoints(t *testing.T) {
	router, _, _ := testRouter(t)
	registerBuzzer(t, router)

	w, resp := doJSON(t, router, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var summaries []device.Summary
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "buzzer", summaries[0].Name)

	w, resp = doJSON(t, router, http.MethodGet, "/api/v1/devices/buzzer", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var info device.Info
	data, err = json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, 17, info.Pin)
	assert.Equal(t, 60.0, info.MaxRuntime)

	_, _ = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/on", nil)
	_, _ = doJSON(t, router, http.MethodPost, "/api/v1/devices/buzzer/off", nil)

	w, resp = doJSON(t, router, http.MethodGet, "/api/v1/devices/buzzer/history", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []device.Entry
	data, err = json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, device.ActionOn, entries[0].Action)
}

func TestUnregisterEndpoint(t *testing.T) {
	router, _, _ := testRouter(t)
	registerBuzzer(t, router)

	w, resp := doJSON(t, router, http.MethodDelete, "/api/v1/devices/buzzer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/devices/buzzer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
