package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker("1.0.0")
	hc.RegisterCheck(StorageCheck(func(context.Context) error { return nil }))
	hc.RegisterCheck(ComponentCheck("eventbus", func(context.Context) error { return nil }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusHealthy {
		t.Errorf("Status = %v, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Version = %q", resp.Version)
	}
	if len(resp.Checks) != 2 {
		t.Errorf("Checks = %d, want 2", len(resp.Checks))
	}
	if resp.Checks["storage"].Status != HealthStatusHealthy {
		t.Errorf("storage check = %v", resp.Checks["storage"])
	}
}

func TestHealthCheckerCriticalFailureIsUnhealthy(t *testing.T) {
	hc := NewHealthChecker("")
	hc.RegisterCheck(StorageCheck(func(context.Context) error {
		return errors.New("connection refused")
	}))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", resp.Status)
	}
	if resp.Version != "dev" {
		t.Errorf("Version = %q, want dev default", resp.Version)
	}
	if resp.Checks["storage"].Message != "connection refused" {
		t.Errorf("Message = %q", resp.Checks["storage"].Message)
	}
}

func TestHealthCheckerNonCriticalFailureDegrades(t *testing.T) {
	hc := NewHealthChecker("")
	hc.RegisterCheck(ComponentCheck("eventbus", func(context.Context) error {
		return errors.New("slow")
	}))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("Status = %v, want degraded", resp.Status)
	}
}

func TestHealthCheckerTimeout(t *testing.T) {
	hc := NewHealthChecker("")
	hc.RegisterCheck(&HealthCheck{
		Name:     "stuck",
		Timeout:  20 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy on timeout", resp.Status)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	healthy := NewHealthChecker("")
	healthy.RegisterCheck(StorageCheck(func(context.Context) error { return nil }))

	broken := NewHealthChecker("")
	broken.RegisterCheck(StorageCheck(func(context.Context) error {
		return errors.New("down")
	}))

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
	}{
		{"health ok", healthy.HealthHandler(), http.StatusOK},
		{"health unhealthy", broken.HealthHandler(), http.StatusServiceUnavailable},
		{"ready ok", healthy.ReadinessHandler(), http.StatusOK},
		{"ready unhealthy", broken.ReadinessHandler(), http.StatusServiceUnavailable},
		{"liveness", LivenessHandler(), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}
