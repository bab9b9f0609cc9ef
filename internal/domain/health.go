package domain

import "time"

// Readiness levels, ordered from best to worst.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

var healthRank = map[string]int{HealthStatusOK: 0, HealthStatusDegraded: 1, HealthStatusError: 2}

// WorseHealthStatus returns whichever of a and b is further from ok. Unknown values rank as ok.
func WorseHealthStatus(a, b string) string {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

// SystemHealthCheck is one probe result: the store, the unread cache or Secret Manager.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is what /readyz renders.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
