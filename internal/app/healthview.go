package app

import "github.com/vectorgate/gateway/internal/health"

// trackerHealthView adapts health.Tracker's GetAvgLatencyMs to the
// AvgLatencyMs name routing.HealthView expects, so a single health
// subsystem backs both adapter circuit state and routing decisions.
type trackerHealthView struct {
	tracker *health.Tracker
}

func (v trackerHealthView) IsAvailable(providerID string) bool {
	return v.tracker.IsAvailable(providerID)
}

func (v trackerHealthView) AvgLatencyMs(modelID string) float64 {
	return v.tracker.GetAvgLatencyMs(modelID)
}
