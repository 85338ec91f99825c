package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/deerfields/molls-sub000/src/production/MQT.HubService/middleware"
	mqtingestor "github.com/deerfields/molls-sub000/src/production/MQT.Ingestor"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChecker struct {
	status string
}

func (f fakeChecker) HealthCheck(context.Context) map[string]interface{} {
	return map[string]interface{}{"status": f.status, "checks": map[string]interface{}{}}
}

type fakeIngestor struct {
	mu    sync.Mutex
	src   mqtingestor.Source
	items []json.RawMessage
}

func (f *fakeIngestor) IngestBatch(_ context.Context, src mqtingestor.Source, items []json.RawMessage) []mqtingestor.ItemResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.src, f.items = src, items

	results := make([]mqtingestor.ItemResult, len(items))
	for i := range items {
		results[i] = mqtingestor.ItemResult{Index: i, Status: mqtingestor.ItemStored, ReadingID: "r"}
	}
	if len(results) > 1 {
		results[1] = mqtingestor.ItemResult{Index: 1, Status: mqtingestor.ItemRejected, Error: "malformed payload"}
	}
	return results
}

func do(r http.Handler, method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	for status, code := range map[string]int{"ok": http.StatusOK, "degraded": http.StatusServiceUnavailable} {
		r := NewEngine(nil)
		NewHealthController(fakeChecker{status: status}).RegisterRoutes(r)

		w := do(r, http.MethodGet, "/health", "", "")
		assert.Equal(t, code, w.Code, status)
		assert.Contains(t, w.Body.String(), `"status":"`+status+`"`)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewEngine(nil)
	NewHealthController(fakeChecker{status: "ok"}).RegisterRoutes(r)

	do(r, http.MethodGet, "/health/live", "", "")
	w := do(r, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "iothub_http_requests_total")
}

func newIngestRouter(ing BatchIngestor) *gin.Engine {
	r := NewEngine(nil)
	NewIngestController(ing, middleware.ServiceAuthMiddleware("s3cret", nil), logger.Nop()).RegisterRoutes(r)
	return r
}

func TestIngestReadings(t *testing.T) {
	ing := &fakeIngestor{}
	r := newIngestRouter(ing)

	body := `{"readings":[{"sensorType":"temperature","value":21.5},{"sensorType":"temperature","value":"hot"}]}`
	w := do(r, http.MethodPost, "/internal/malls/mall-1/devices/sensor-42/readings", "s3cret", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "mall-1", resp.MallID)
	assert.Equal(t, "sensor-42", resp.DeviceID)
	assert.Equal(t, 1, resp.Stored)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, mqtingestor.ItemRejected, resp.Results[1].Status)

	assert.Equal(t, "mall-1", ing.src.MallID)
	assert.Equal(t, "sensor-42", ing.src.DeviceID)
	assert.False(t, ing.src.ReceivedAt.IsZero())
	require.Len(t, ing.items, 2)
	assert.JSONEq(t, `{"sensorType":"temperature","value":21.5}`, string(ing.items[0]))
}

func TestIngestReadingsRejectsBadRequests(t *testing.T) {
	r := newIngestRouter(&fakeIngestor{})
	many := `{"readings":[` + strings.TrimSuffix(strings.Repeat(`{},`, MaxBatchSize+1), ",") + `]}`

	tests := []struct {
		name   string
		path   string
		auth   string
		body   string
		status int
	}{
		{"no auth", "/internal/malls/mall-1/devices/sensor-42/readings", "", `{"readings":[{}]}`, http.StatusUnauthorized},
		{"wrong secret", "/internal/malls/mall-1/devices/sensor-42/readings", "nope", `{"readings":[{}]}`, http.StatusUnauthorized},
		{"bad mall id", "/internal/malls/mall+1/devices/sensor-42/readings", "s3cret", `{"readings":[{}]}`, http.StatusBadRequest},
		{"not json", "/internal/malls/mall-1/devices/sensor-42/readings", "s3cret", `readings`, http.StatusBadRequest},
		{"missing readings", "/internal/malls/mall-1/devices/sensor-42/readings", "s3cret", `{}`, http.StatusBadRequest},
		{"empty readings", "/internal/malls/mall-1/devices/sensor-42/readings", "s3cret", `{"readings":[]}`, http.StatusBadRequest},
		{"too many", "/internal/malls/mall-1/devices/sensor-42/readings", "s3cret", many, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, tt.path, tt.auth, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestCORS(t *testing.T) {
	preflight := func(r http.Handler, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/health", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	r := NewEngine([]string{"https://ops.example.com"})
	NewHealthController(fakeChecker{status: "ok"}).RegisterRoutes(r)

	w := preflight(r, "https://ops.example.com")
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	w = preflight(r, "https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, w.Code)

	r = NewEngine([]string{"*"})
	NewHealthController(fakeChecker{status: "ok"}).RegisterRoutes(r)
	w = preflight(r, "https://anywhere.example.com")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, bytes.TrimSpace(w.Body.Bytes()))
}
