package monitoring

import "time"

type OverallStatus string

const (
	OverallHealthy   OverallStatus = "healthy"
	OverallDegraded  OverallStatus = "degraded"
	OverallUnhealthy OverallStatus = "unhealthy"
)

// OverallHealth aggregates every unit's snapshot for the health endpoints
type OverallHealth struct {
	Status    OverallStatus             `json:"status"`
	Healthy   int                       `json:"healthy"`
	Unhealthy int                       `json:"unhealthy"`
	Unknown   int                       `json:"unknown"`
	Uptime    time.Duration             `json:"uptime"`
	Units     map[string]HealthSnapshot `json:"units"`
}

// Aggregate is healthy when every unit is healthy, unhealthy when none is, degraded otherwise.
// An empty set is healthy.
func Aggregate(snapshots map[string]HealthSnapshot, uptime time.Duration) OverallHealth {
	overall := OverallHealth{
		Uptime: uptime,
		Units:  snapshots,
	}

	for _, s := range snapshots {
		switch s.Status {
		case HealthStatusHealthy:
			overall.Healthy++
		case HealthStatusUnhealthy:
			overall.Unhealthy++
		default:
			overall.Unknown++
		}
	}

	switch {
	case overall.Healthy == len(snapshots):
		overall.Status = OverallHealthy
	case overall.Healthy == 0 && overall.Unknown == 0:
		overall.Status = OverallUnhealthy
	default:
		overall.Status = OverallDegraded
	}
	return overall
}
