package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	if _, ok := m.Get("nats"); ok {
		t.Error("empty monitor should have no components")
	}

	m.UpdateHealthy("nats", "connected")
	status, ok := m.Get("nats")
	if !ok {
		t.Fatal("component not found after update")
	}
	if !status.IsHealthy() {
		t.Error("expected healthy status")
	}

	m.UpdateUnhealthy("nats", "connection lost")
	status, _ = m.Get("nats")
	if !status.IsUnhealthy() {
		t.Error("expected unhealthy status")
	}
}

func TestOverallAggregation(t *testing.T) {
	m := NewMonitor()

	if overall := m.Overall(); !overall.IsHealthy() {
		t.Error("monitor with no components should be healthy")
	}

	m.UpdateHealthy("nats", "connected")
	m.UpdateHealthy("worker", "running")
	if overall := m.Overall(); !overall.IsHealthy() {
		t.Error("all healthy components should aggregate healthy")
	}

	m.UpdateDegraded("ratelimit", "counter store unreachable")
	if overall := m.Overall(); !overall.IsDegraded() {
		t.Errorf("degraded component should degrade the aggregate, got %s", overall.Status)
	}

	m.UpdateUnhealthy("nats", "connection lost")
	if overall := m.Overall(); !overall.IsUnhealthy() {
		t.Errorf("unhealthy component should dominate, got %s", overall.Status)
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("nats", "connected")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	m.Handler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("healthy monitor returned %d, want 200", rec.Code)
	}

	var body Status
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if !body.Healthy {
		t.Error("body should report healthy")
	}

	m.UpdateUnhealthy("nats", "connection lost")
	rec = httptest.NewRecorder()
	m.Handler()(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy monitor returned %d, want 503", rec.Code)
	}
}

func TestAggregate(t *testing.T) {
	subs := []Status{
		NewHealthy("a", "fine"),
		NewDegraded("b", "slow"),
	}
	agg := Aggregate("system", subs)
	if !agg.IsDegraded() {
		t.Errorf("got %s, want degraded", agg.Status)
	}
	if len(agg.SubStatuses) != 2 {
		t.Errorf("got %d sub statuses, want 2", len(agg.SubStatuses))
	}
}
