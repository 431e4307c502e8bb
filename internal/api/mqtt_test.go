package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basekick-labs/lpdecode/internal/mqtt"
)

type fakeManager struct {
	stats []*mqtt.SubscriptionStats
}

func (f *fakeManager) Start(ctx context.Context) error    { return nil }
func (f *fakeManager) Shutdown(ctx context.Context) error { return nil }

func (f *fakeManager) List(ctx context.Context) ([]*mqtt.Subscription, error) {
	subs := make([]*mqtt.Subscription, len(f.stats))
	for i, s := range f.stats {
		subs[i] = &mqtt.Subscription{ID: s.ID, Name: s.Name, Status: mqtt.SubscriptionStatus(s.Status)}
	}
	return subs, nil
}

func (f *fakeManager) find(name string) *mqtt.SubscriptionStats {
	for _, s := range f.stats {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (f *fakeManager) StartSubscription(ctx context.Context, name string) error {
	s := f.find(name)
	switch {
	case s == nil:
		return fmt.Errorf("%w: %s", mqtt.ErrNotFound, name)
	case s.Status == string(mqtt.StatusRunning):
		return mqtt.ErrAlreadyRunning
	}
	s.Status = string(mqtt.StatusRunning)
	return nil
}

func (f *fakeManager) StopSubscription(ctx context.Context, name string) error {
	s := f.find(name)
	switch {
	case s == nil:
		return fmt.Errorf("%w: %s", mqtt.ErrNotFound, name)
	case s.Status != string(mqtt.StatusRunning):
		return mqtt.ErrNotRunning
	}
	s.Status = string(mqtt.StatusStopped)
	return nil
}

func (f *fakeManager) GetStats(ctx context.Context, name string) (*mqtt.SubscriptionStats, error) {
	if s := f.find(name); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", mqtt.ErrNotFound, name)
}

func (f *fakeManager) GetAllStats(ctx context.Context) ([]*mqtt.SubscriptionStats, error) {
	return f.stats, nil
}

func setupTestMQTTHandler(t *testing.T) (*fakeManager, *fiber.App) {
	t.Helper()
	fm := &fakeManager{stats: []*mqtt.SubscriptionStats{
		{ID: "1", Name: "plant-a", Status: "running", MessagesReceived: 10, MessagesFailed: 1, BytesReceived: 400, RecordsDecoded: 25},
		{ID: "2", Name: "plant-b", Status: "error", Error: "connection refused"},
	}}
	app := fiber.New()
	NewMQTTHandler(fm, zerolog.Nop()).RegisterRoutes(app)
	return fm, app
}

func TestMQTTHandler_Stats(t *testing.T) {
	_, app := setupTestMQTTHandler(t)

	resp, body := doRequest(t, app, httptest.NewRequest("GET", "/api/v1/mqtt/stats", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := decodeJSON(t, body)
	summary := out["stats"].(map[string]interface{})["summary"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["total_subscriptions"])
	assert.Equal(t, float64(1), summary["running"])
	assert.Equal(t, float64(1), summary["error"])
	assert.Equal(t, float64(10), summary["total_messages"])
	assert.Equal(t, float64(25), summary["total_records"])
}

func TestMQTTHandler_Health(t *testing.T) {
	_, app := setupTestMQTTHandler(t)

	resp, body := doRequest(t, app, httptest.NewRequest("GET", "/api/v1/mqtt/health", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := decodeJSON(t, body)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, false, out["healthy"])
}

func TestMQTTHandler_HealthNoSubscriptions(t *testing.T) {
	app := fiber.New()
	NewMQTTHandler(&fakeManager{}, zerolog.Nop()).RegisterRoutes(app)

	_, body := doRequest(t, app, httptest.NewRequest("GET", "/api/v1/mqtt/health", nil))
	assert.Equal(t, "healthy", decodeJSON(t, body)["status"])
}

func TestMQTTHandler_Lifecycle(t *testing.T) {
	fm, app := setupTestMQTTHandler(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{"POST", "/api/v1/mqtt/subscriptions/plant-a/start", fiber.StatusConflict},
		{"POST", "/api/v1/mqtt/subscriptions/plant-b/start", fiber.StatusOK},
		{"POST", "/api/v1/mqtt/subscriptions/plant-b/stop", fiber.StatusOK},
		{"POST", "/api/v1/mqtt/subscriptions/plant-b/stop", fiber.StatusConflict},
		{"POST", "/api/v1/mqtt/subscriptions/missing/start", fiber.StatusNotFound},
		{"GET", "/api/v1/mqtt/subscriptions/missing/stats", fiber.StatusNotFound},
		{"GET", "/api/v1/mqtt/subscriptions/plant-a/stats", fiber.StatusOK},
	}

	for _, tt := range tests {
		resp, body := doRequest(t, app, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.status, resp.StatusCode, "%s %s: %s", tt.method, tt.path, body)
	}

	assert.Equal(t, "stopped", fm.find("plant-b").Status)
}

func TestMQTTHandler_List(t *testing.T) {
	_, app := setupTestMQTTHandler(t)

	resp, body := doRequest(t, app, httptest.NewRequest("GET", "/api/v1/mqtt/subscriptions", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Equal(t, float64(2), out["count"])
}
