package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(nil, zerolog.Nop())
	s.RegisterRoutes()
	return s
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func decodeJSON(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out
}

func TestServer_Health(t *testing.T) {
	s := setupTestServer(t)

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, body)["status"])

	resp, body = doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", decodeJSON(t, body)["status"])
}

func TestServer_ReadyChecks(t *testing.T) {
	s := setupTestServer(t)
	var mqttErr error
	s.AddReadyCheck("decoder", func() error { return nil })
	s.AddReadyCheck("mqtt", func() error { return mqttErr })

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"decoder": "ok", "mqtt": "ok"}, decodeJSON(t, body)["checks"])

	mqttErr = errors.New("subscriptions in error: plant-b")
	resp, body = doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Equal(t, "not_ready", out["status"])
	assert.Equal(t, "subscriptions in error: plant-b", out["checks"].(map[string]interface{})["mqtt"])
}

func TestServer_RequestID(t *testing.T) {
	s := setupTestServer(t)

	resp, _ := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/health", nil))
	generated := resp.Header.Get(RequestIDHeader)
	assert.Len(t, generated, 36, "uuid string")

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	resp, _ = doRequest(t, s.GetApp(), req)
	assert.Equal(t, "client-supplied", resp.Header.Get(RequestIDHeader))
}

func TestServer_SecurityHeaders(t *testing.T) {
	s := setupTestServer(t)

	resp, _ := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServer_Metrics(t *testing.T) {
	s := setupTestServer(t)

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Contains(t, string(body), "lpdecode_decode_lines_total")

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	resp, body = doRequest(t, s.GetApp(), req)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, decodeJSON(t, body), "decode_records_total")
}

func TestServer_EndpointMetrics(t *testing.T) {
	s := setupTestServer(t)

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/api/v1/metrics/endpoints", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := decodeJSON(t, body)
	for _, group := range []string{"http", "decoder", "payload", "mqtt"} {
		assert.Contains(t, out, group)
	}
	assert.Contains(t, out["decoder"], "lines_total")
	assert.Contains(t, out["http"], "requests_total")
}

func TestServer_Info(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Version = "1.2.3"
	s := NewServer(cfg, zerolog.Nop())
	s.RegisterRoutes()

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/api/v1/info", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Equal(t, "1.2.3", out["version"])
	assert.Contains(t, out, "runtime")
	assert.Equal(t, float64(cfg.MaxPayloadSize), out["server"].(map[string]interface{})["max_payload_size"])
}

func TestServer_Pprof(t *testing.T) {
	s := setupTestServer(t)
	resp, _ := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/debug/pprof/", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, "pprof is off by default")

	cfg := DefaultServerConfig()
	cfg.EnablePprof = true
	s = NewServer(cfg, zerolog.Nop())
	resp, _ = doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/debug/pprof/", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestServer_Timeseries(t *testing.T) {
	s := setupTestServer(t)

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/api/v1/metrics/timeseries/decoder?duration_minutes=5", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Equal(t, "decoder", out["type"])
	assert.Equal(t, float64(5), out["duration_minutes"])

	resp, _ = doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/api/v1/metrics/timeseries/query", nil))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestServer_Logs(t *testing.T) {
	s := setupTestServer(t)

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/api/v1/logs?limit=5&level=error", nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Equal(t, float64(5), out["limit"])
	assert.Equal(t, "error", out["level_filter"])
}

func TestServer_NotFoundUsesErrorHandler(t *testing.T) {
	s := setupTestServer(t)

	resp, body := doRequest(t, s.GetApp(), httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Contains(t, out, "error")
	assert.Equal(t, resp.Header.Get(RequestIDHeader), out["request_id"])
}

func TestServer_StartRejectsIncompleteTLS(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.TLSEnabled = true
	cfg.TLSCertFile = "/tmp/cert.pem"

	s := NewServer(cfg, zerolog.Nop())
	assert.Error(t, s.Start())
}
