package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/broadcast"
	"github.com/WOULDU-pres/sauron-backend-sub002/ratelimit"
	"github.com/WOULDU-pres/sauron-backend-sub002/store"
	"github.com/WOULDU-pres/sauron-backend-sub002/testutil"
)

type fixture struct {
	server   *Server
	queue    *testutil.MemoryQueue
	results  *testutil.MemoryResultStore
	counters *testutil.MemoryCounterStore
	registry *broadcast.Registry
	mux      http.Handler
}

func newFixture(t *testing.T, limits *ratelimit.Config, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		queue:    testutil.NewMemoryQueue(),
		results:  testutil.NewMemoryResultStore(),
		counters: testutil.NewMemoryCounterStore(),
	}

	rlCfg := ratelimit.DefaultConfig()
	if limits != nil {
		rlCfg = *limits
	}
	limiter, err := ratelimit.NewLimiter(f.counters, rlCfg, nil)
	require.NoError(t, err)

	f.registry, err = broadcast.NewRegistry(broadcast.DefaultConfig(), nil)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	f.server, err = NewServer(cfg, f.queue, limiter, f.results, f.registry, nil, nil, nil)
	require.NoError(t, err)
	f.mux = f.server.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestIngestAccepted(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{
		"roomId":  "room-1",
		"userId":  "user-1",
		"content": "hello world",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 59, resp.Remaining)
	assert.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, 1, f.queue.Depth())
}

func TestIngestClientSuppliedID(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{
		"id":      "client-chosen-id",
		"roomId":  "room-1",
		"userId":  "user-1",
		"content": "hello",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "client-chosen-id", resp.ID)
}

func TestIngestRejectsInvalidBody(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString("{{{"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/messages", map[string]string{
		"roomId": "room-1",
		// userId and content missing
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.queue.Depth())
}

func TestIngestRateLimited(t *testing.T) {
	limits := ratelimit.Config{
		User:   ratelimit.Limit{PerMinute: 2, PerHour: 100},
		Device: ratelimit.DefaultConfig().Device,
	}
	f := newFixture(t, &limits, nil)

	body := map[string]string{"roomId": "room-1", "userId": "user-1", "content": "hi"}

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/messages", body)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/messages", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 2, f.queue.Depth(), "denied messages never reach the queue")
}

func TestIngestDeviceQuota(t *testing.T) {
	limits := ratelimit.Config{
		User:   ratelimit.Limit{PerMinute: 100, PerHour: 1000},
		Device: ratelimit.Limit{PerMinute: 1, PerHour: 100},
	}
	f := newFixture(t, &limits, nil)

	body := map[string]string{
		"roomId": "room-1", "userId": "user-1",
		"deviceId": "device-1", "content": "hi",
	}

	rec := f.do(t, http.MethodPost, "/api/v1/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Same device, different user: device quota binds
	body["userId"] = "user-2"
	rec = f.do(t, http.MethodPost, "/api/v1/messages", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIngestGuardThrottles(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) {
		c.IngestRPS = 0.001
		c.IngestBurst = 1
	})

	body := map[string]string{"roomId": "room-1", "userId": "user-1", "content": "hi"}

	rec := f.do(t, http.MethodPost, "/api/v1/messages", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/messages", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestResultLookup(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/messages/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.results.Complete(context.Background(), "msg-1", &analysis.Outcome{
		MessageID:  "msg-1",
		Detected:   analysis.DetectedSpam,
		Confidence: 0.9,
		AnalyzedAt: time.Now().UTC(),
	}))

	rec = f.do(t, http.MethodGet, "/api/v1/messages/msg-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entry store.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, store.StateCompleted, entry.State)
	require.NotNil(t, entry.Outcome)
	assert.Equal(t, analysis.DetectedSpam, entry.Outcome.Detected)
}

func TestRemainingAndReset(t *testing.T) {
	limits := ratelimit.Config{
		User:   ratelimit.Limit{PerMinute: 5, PerHour: 100},
		Device: ratelimit.DefaultConfig().Device,
	}
	f := newFixture(t, &limits, nil)

	body := map[string]string{"roomId": "room-1", "userId": "user-1", "content": "hi"}
	f.do(t, http.MethodPost, "/api/v1/messages", body)
	f.do(t, http.MethodPost, "/api/v1/messages", body)

	rec := f.do(t, http.MethodGet, "/api/v1/limits/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp["remaining"])

	rec = f.do(t, http.MethodDelete, "/api/v1/limits/user-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/limits/user-1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp["remaining"])
}

func TestRemainingFailsOpenOnStoreError(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.counters.Fail = true

	rec := f.do(t, http.MethodGet, "/api/v1/limits/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 60, resp["remaining"], "unreachable store reports the full quota")
}

func TestTestAlertEndpoint(t *testing.T) {
	f := newFixture(t, nil, nil)

	conn, err := f.registry.Subscribe("ops", "", "sse", 0)
	require.NoError(t, err)
	defer conn.Close()

	rec := f.do(t, http.MethodPost, "/api/v1/alerts/test", map[string]string{"summary": "drill"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["reached"])

	ev := <-conn.Events()
	assert.Equal(t, "drill", ev.Summary)
}

func TestCloseClientEndpoint(t *testing.T) {
	f := newFixture(t, nil, nil)

	conn, err := f.registry.Subscribe("ops", "", "websocket", 0)
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/api/v1/alerts/clients/"+conn.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.registry.Len())

	rec = f.do(t, http.MethodDelete, "/api/v1/alerts/clients/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, broadcast.DefaultConfig().MaxConnections, resp.Broadcast.MaxConnections)
	require.NotNil(t, resp.Queue)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	assert.NoError(t, valid.Validate())

	badPort := valid
	badPort.Port = 0
	assert.Error(t, badPort.Validate())

	badGuard := valid
	badGuard.IngestRPS = 0
	assert.Error(t, badGuard.Validate())
}
