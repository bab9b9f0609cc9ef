package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/cuecraft/api/internal/domain"
	"github.com/cuecraft/api/internal/repositories"
)

// BuildInfo is stamped on /healthz and /readyz answers.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	probes repositories.HealthRepository
	now    func() time.Time
	build  BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService requires a health repository; a missing clock means time.Now and a missing
// start time means now.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	svc := &systemService{probes: deps.HealthRepository, now: deps.Clock, build: deps.Build}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	if strings.TrimSpace(svc.build.Version) == "" {
		svc.build.Version = "dev"
	}
	return svc, nil
}

// HealthReport runs the probes and fills whatever the collector left blank from the build info.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now().UTC()

	fill := func(dst *string, value string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = value
		}
	}
	fill(&report.Version, s.build.Version)
	fill(&report.CommitSHA, s.build.CommitSHA)
	fill(&report.Environment, s.build.Environment)
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	fill(&report.Status, deriveStatus(report.Checks))
	return report, nil
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		status = domain.WorseHealthStatus(status, check.Status)
	}
	return status
}
