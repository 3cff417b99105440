package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, ping func(context.Context) error, stats *PoolStats) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := healthHandler(ping, func() *PoolStats { return stats })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	stats := &PoolStats{TotalConns: 3, IdleConns: 2, AcquiredConns: 1, MaxConns: 20, Healthy: true}
	rec, body := runHealth(t, func(context.Context) error { return nil }, stats)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body.Status != "healthy" {
		t.Errorf("expected status healthy, got %s", body.Status)
	}
	if body.Pool == nil || body.Pool.TotalConns != 3 {
		t.Errorf("expected pool stats in body, got %+v", body.Pool)
	}
}

func TestHealthHandler_PingFailure(t *testing.T) {
	stats := &PoolStats{TotalConns: 1, Healthy: true}
	rec, body := runHealth(t, func(context.Context) error {
		return errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}, stats)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body.Status != "unhealthy" {
		t.Errorf("expected status unhealthy, got %s", body.Status)
	}
	if body.Error != "database unreachable" {
		t.Errorf("expected generic error, got %q", body.Error)
	}
	if body.Pool.Healthy {
		t.Error("expected pool marked unhealthy")
	}
}

func TestHealthHandler_PingGetsDeadline(t *testing.T) {
	var hasDeadline bool
	runHealth(t, func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	}, &PoolStats{})
	if !hasDeadline {
		t.Error("expected ping context to carry a deadline")
	}
}
