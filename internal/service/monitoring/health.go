package monitoring

import (
	"math"
	"time"

	"github.com/jmehdipour/hookrelay/internal/model"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

const (
	healthyPct  = 95
	degradedPct = 80
	recentError = time.Hour
)

// successRate is success/(success+failure) as a percentage, 100 with no history.
func successRate(success, failure int64) float64 {
	if success+failure == 0 {
		return 100
	}
	return round(float64(success)/float64(success+failure)*100, 2)
}

// atLeast reports success/(success+failure) >= pct/100 without rounding.
func atLeast(success, failure, pct int64) bool {
	if success+failure == 0 {
		return true
	}
	return success*100 >= pct*(success+failure)
}

// Classify grades an endpoint from its lifetime counters. A disabled endpoint is
// always unhealthy; a healthy one with an error in the last hour is degraded.
// Thresholds apply to the exact ratio; the returned rate is rounded for display.
func Classify(ep model.WebhookEndpoint, now time.Time) (HealthStatus, float64) {
	rate := successRate(ep.SuccessCount, ep.FailureCount)
	if ep.Status == model.EndpointDisabled {
		return Unhealthy, rate
	}

	status := Unhealthy
	switch {
	case atLeast(ep.SuccessCount, ep.FailureCount, healthyPct):
		status = Healthy
	case atLeast(ep.SuccessCount, ep.FailureCount, degradedPct):
		status = Degraded
	}
	if status == Healthy && ep.LastErrorAt != nil && now.Sub(*ep.LastErrorAt) < recentError {
		status = Degraded
	}
	return status, rate
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
