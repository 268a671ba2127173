// Package monitor watches production telemetry for anomalies and
// guards the template baseline.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/util"
)

// Thresholds are the critical alert limits.
type Thresholds struct {
	// MaxBuildLatencySec flags stalled end-to-end generations.
	MaxBuildLatencySec int

	// MaxRetryExplosion flags a single build looping through fixes.
	MaxRetryExplosion int

	// TokenAnomalyLimit flags runaway model spend on one project.
	TokenAnomalyLimit int

	// DeploymentInstabilityRate halts intake when the rolling failure
	// rate exceeds it.
	DeploymentInstabilityRate float64
}

// DefaultThresholds returns the production alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxBuildLatencySec:        300,
		MaxRetryExplosion:         5,
		TokenAnomalyLimit:         50000,
		DeploymentInstabilityRate: 0.15,
	}
}

// AlertSink receives every raised alert, typically to publish it on
// the alert queue.
type AlertSink func(ctx context.Context, hook, message string)

// ProductionMonitor is a lightweight telemetry hook system. Hooks fire
// after pipeline stages; only the stability check influences control
// flow.
type ProductionMonitor struct {
	thresholds Thresholds
	sink       AlertSink

	mu     sync.Mutex
	alerts []string
}

// NewProductionMonitor creates a monitor with the given thresholds.
// The sink may be nil.
func NewProductionMonitor(thresholds Thresholds, sink AlertSink) *ProductionMonitor {
	return &ProductionMonitor{
		thresholds: thresholds,
		sink:       sink,
	}
}

func (m *ProductionMonitor) raise(ctx context.Context, hook, msg string) {
	m.mu.Lock()
	m.alerts = append(m.alerts, msg)
	m.mu.Unlock()

	util.Log(ctx).Warn("monitor alert", "hook", hook, "message", msg)
	if m.sink != nil {
		m.sink(ctx, hook, msg)
	}
}

// CheckBuildLatency fires after build completion to catch stalls.
func (m *ProductionMonitor) CheckBuildLatency(ctx context.Context, projectID string, durationSec int) {
	if durationSec > m.thresholds.MaxBuildLatencySec {
		m.raise(ctx, "build_latency", fmt.Sprintf(
			"LATENCY SPIKE: %s build took %ds (> %ds limit).",
			projectID, durationSec, m.thresholds.MaxBuildLatencySec))
	}
}

// CheckRetryExplosion fires during debug loops to catch recursion.
func (m *ProductionMonitor) CheckRetryExplosion(ctx context.Context, projectID string, totalRetries int) {
	if totalRetries >= m.thresholds.MaxRetryExplosion {
		m.raise(ctx, "retry_explosion", fmt.Sprintf(
			"RETRY EXPLOSION: %s caught in recursive fix loop (%d attempts).",
			projectID, totalRetries))
	}
}

// CheckTokenVelocity fires during generation to stop runaway costs.
func (m *ProductionMonitor) CheckTokenVelocity(ctx context.Context, projectID string, tokensUsed int) {
	if tokensUsed > m.thresholds.TokenAnomalyLimit {
		m.raise(ctx, "token_anomaly", fmt.Sprintf(
			"TOKEN ANOMALY: %s consumed %d tokens. Margin danger.",
			projectID, tokensUsed))
	}
}

// CheckSystemStability assesses whether intake should pause. Returns
// false when the rolling deployment failure rate breaches the limit.
func (m *ProductionMonitor) CheckSystemStability(ctx context.Context, recentDeploySuccessRate float64) bool {
	failureRate := 1.0 - recentDeploySuccessRate
	if failureRate > m.thresholds.DeploymentInstabilityRate {
		m.raise(ctx, "system_stability", fmt.Sprintf(
			"SYSTEM UNSTABLE: Deployment failure rate hit %.1f%%.", failureRate*100))
		return false
	}
	return true
}

// ActiveAlerts returns a copy of every alert raised so far.
func (m *ProductionMonitor) ActiveAlerts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]string, len(m.alerts))
	copy(alerts, m.alerts)
	return alerts
}
