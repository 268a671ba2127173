package release

import (
	"context"
	"fmt"

	"github.com/pitabwire/util"
)

// Release stages with defined thresholds.
const (
	StageAlpha = "alpha"
	StageBeta  = "beta"
)

// StageThresholds are the hard pass conditions for one release stage.
type StageThresholds struct {
	BuildSuccessRate       float64 `json:"build_success_rate"`
	DeploymentSuccessRate  float64 `json:"deployment_success_rate"`
	AutoClassificationRate float64 `json:"auto_classification_rate"`
	MaxAvgRetryCount       float64 `json:"max_avg_retry_count"`
	MinReliabilityIndex    float64 `json:"min_reliability_index"`
}

// defaultThresholds hold the per-stage gate tables. Beta demands a
// tighter classifier and fewer retries than alpha.
var defaultThresholds = map[string]StageThresholds{
	StageAlpha: {
		BuildSuccessRate:       0.90,
		DeploymentSuccessRate:  0.95,
		AutoClassificationRate: 0.70,
		MaxAvgRetryCount:       2.0,
		MinReliabilityIndex:    0.80,
	},
	StageBeta: {
		BuildSuccessRate:       0.95,
		DeploymentSuccessRate:  0.97,
		AutoClassificationRate: 0.80,
		MaxAvgRetryCount:       1.5,
		MinReliabilityIndex:    0.88,
	},
}

// Decision is the outcome of a release evaluation. Failures are
// exhaustive: every threshold violation is reported, not just the
// first.
type Decision struct {
	TargetStage  string   `json:"target_stage"`
	Approved     bool     `json:"approved"`
	Failures     []string `json:"failures"`
	CurrentIndex float64  `json:"current_index"`
}

// Gatekeeper enforces hard pass/fail logic for release stage
// transitions.
type Gatekeeper struct {
	thresholds map[string]StageThresholds
}

// NewGatekeeper creates a release gatekeeper with the default stage
// tables.
func NewGatekeeper() *Gatekeeper {
	return &Gatekeeper{thresholds: defaultThresholds}
}

// WithStage adds or overrides a stage threshold table.
func (g *Gatekeeper) WithStage(stage string, thresholds StageThresholds) *Gatekeeper {
	tables := make(map[string]StageThresholds, len(g.thresholds)+1)
	for k, v := range g.thresholds {
		tables[k] = v
	}
	tables[stage] = thresholds
	return &Gatekeeper{thresholds: tables}
}

// Evaluate checks the current reliability report against the target
// stage's thresholds. Unknown stages are rejected outright. Approval
// requires zero failures.
func (g *Gatekeeper) Evaluate(ctx context.Context, targetStage string, report Report, raw RunMetrics) Decision {
	log := util.Log(ctx).With("target_stage", targetStage)

	thresholds, ok := g.thresholds[targetStage]
	if !ok {
		return Decision{
			TargetStage: targetStage,
			Approved:    false,
			Failures:    []string{fmt.Sprintf("Unknown target stage: %s", targetStage)},
		}
	}

	var failures []string

	if report.Metrics.BuildSuccessRate < thresholds.BuildSuccessRate {
		failures = append(failures, fmt.Sprintf(
			"build_success_rate (%v) < required (%v)",
			report.Metrics.BuildSuccessRate, thresholds.BuildSuccessRate))
	}

	if report.Metrics.DeploymentSuccessRate < thresholds.DeploymentSuccessRate {
		failures = append(failures, fmt.Sprintf(
			"deployment_success_rate (%v) < required (%v)",
			report.Metrics.DeploymentSuccessRate, thresholds.DeploymentSuccessRate))
	}

	if report.Metrics.AutoClassificationRate < thresholds.AutoClassificationRate {
		failures = append(failures, fmt.Sprintf(
			"auto_classification_rate (%v) < required (%v)",
			report.Metrics.AutoClassificationRate, thresholds.AutoClassificationRate))
	}

	if raw.AvgRetryCount > thresholds.MaxAvgRetryCount {
		failures = append(failures, fmt.Sprintf(
			"avg_retry_count (%v) > allowed (%v)",
			raw.AvgRetryCount, thresholds.MaxAvgRetryCount))
	}

	if report.ReliabilityIndex < thresholds.MinReliabilityIndex {
		failures = append(failures, fmt.Sprintf(
			"reliability_index (%v) < required (%v)",
			report.ReliabilityIndex, thresholds.MinReliabilityIndex))
	}

	approved := len(failures) == 0
	if approved {
		log.Info("release transition approved", "reliability_index", report.ReliabilityIndex)
	} else {
		log.Warn("release transition blocked", "failures", failures)
	}

	return Decision{
		TargetStage:  targetStage,
		Approved:     approved,
		Failures:     failures,
		CurrentIndex: report.ReliabilityIndex,
	}
}
