package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
	"github.com/cuecraft/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var healthStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func probeBody(t *testing.T, h http.HandlerFunc, path string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, rr.Body.String())
	}
	return rr.Code, body
}

func TestHealthzReportsBuildAndUptime(t *testing.T) {
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "2.4.0", CommitSHA: "9f1c2e", Environment: "staging", StartedAt: healthStart}),
		WithHealthClock(func() time.Time { return healthStart.Add(90 * time.Minute) }),
	)

	status, body := probeBody(t, h.Healthz, "/healthz")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	want := map[string]any{
		"status":      domain.HealthStatusOK,
		"version":     "2.4.0",
		"commitSha":   "9f1c2e",
		"environment": "staging",
		"uptime":      "1h30m0s",
		"timestamp":   "2026-03-02T09:30:00Z",
	}
	if !reflect.DeepEqual(body, want) {
		t.Fatalf("body = %v, want %v", body, want)
	}
}

func TestReadyzFollowsDependencyChecks(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	cases := []struct {
		name       string
		checks     []repositories.DependencyCheck
		wantCode   int
		wantStatus string
		wantDetail []any
	}{
		{
			name: "all healthy",
			checks: []repositories.DependencyCheck{
				{Name: "firestore", Check: ok},
				{Name: "redis", Optional: true, Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "optional cache down",
			checks: []repositories.DependencyCheck{
				{Name: "firestore", Check: ok},
				{Name: "redis", Optional: true, Check: down},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: domain.HealthStatusDegraded,
			wantDetail: []any{"redis: dial tcp: refused"},
		},
		{
			name: "store down",
			checks: []repositories.DependencyCheck{
				{Name: "firestore", Check: down},
				{Name: "secretManager", Optional: true, Check: down},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: domain.HealthStatusError,
			wantDetail: []any{"firestore: dial tcp: refused", "secretManager: dial tcp: refused"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := func() time.Time { return healthStart.Add(time.Minute) }
			repo, err := repositories.NewDependencyHealthRepository(tc.checks, repositories.WithDependencyClock(clock))
			if err != nil {
				t.Fatalf("health repository: %v", err)
			}
			system, err := services.NewSystemService(services.SystemServiceDeps{
				HealthRepository: repo,
				Clock:            clock,
				Build:            services.BuildInfo{Version: "2.4.0", StartedAt: healthStart},
			})
			if err != nil {
				t.Fatalf("system service: %v", err)
			}
			h := NewHealthHandlers(WithHealthSystemService(system), WithHealthClock(clock))

			code, body := probeBody(t, h.Readyz, "/readyz")
			if code != tc.wantCode {
				t.Fatalf("code = %d, want %d", code, tc.wantCode)
			}
			if body["status"] != tc.wantStatus {
				t.Fatalf("status = %v, want %s", body["status"], tc.wantStatus)
			}
			details, _ := body["details"].([]any)
			if !reflect.DeepEqual(details, tc.wantDetail) {
				t.Fatalf("details = %v, want %v", details, tc.wantDetail)
			}
			checks, _ := body["checks"].(map[string]any)
			if len(checks) != len(tc.checks) {
				t.Fatalf("checks = %v", checks)
			}
		})
	}
}

func TestReadyzWithoutReportAnswers503(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("boom")}))

	code, body := probeBody(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable || body["status"] != domain.HealthStatusError {
		t.Fatalf("got %d %v", code, body)
	}
}

func TestReadyzWithoutSystemServiceIsReady(t *testing.T) {
	h := NewHealthHandlers()

	code, body := probeBody(t, h.Readyz, "/readyz")
	if code != http.StatusOK || body["status"] != domain.HealthStatusOK {
		t.Fatalf("got %d %v", code, body)
	}
}
