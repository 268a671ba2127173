// Package release computes reliability scores and gates release stage
// transitions on hard statistical thresholds.
package release

import "math"

// Reliability Index weights. Build health dominates.
const (
	weightBuildSuccess       = 0.40
	weightDeploymentSuccess  = 0.20
	weightAutoClassification = 0.15
	weightRetryEfficiency    = 0.15
	weightTokenEfficiency    = 0.10
)

// RunMetrics is a raw metrics snapshot over a window of build runs.
type RunMetrics struct {
	SuccessfulBuilds      float64 `json:"successful_builds"`
	TotalBuilds           float64 `json:"total_builds"`
	SuccessfulDeployments float64 `json:"successful_deployments"`
	DeploymentAttempts    float64 `json:"deployment_attempts"`
	AutoFixedErrors       float64 `json:"auto_fixed_errors"`
	TotalErrors           float64 `json:"total_errors"`
	AvgRetryCount         float64 `json:"avg_retry_count"`
	AvgLLMCallsPerBuild   float64 `json:"avg_llm_calls_per_build"`
}

// SubScores are the five weighted Reliability Index components, each
// in [0,1].
type SubScores struct {
	BuildSuccessRate       float64 `json:"build_success_rate"`
	DeploymentSuccessRate  float64 `json:"deployment_success_rate"`
	AutoClassificationRate float64 `json:"auto_classification_rate"`
	RetryEfficiency        float64 `json:"retry_efficiency"`
	TokenEfficiency        float64 `json:"token_efficiency"`
}

// Report is a computed Reliability Index with its sub-scores.
type Report struct {
	Metrics          SubScores `json:"metrics"`
	ReliabilityIndex float64   `json:"reliability_index"`
}

// ReliabilityCalculator computes the composite Reliability Index:
//
//	RI = 0.40*BuildSuccessRate + 0.20*DeploymentSuccessRate +
//	     0.15*AutoClassificationRate + 0.15*RetryEfficiency +
//	     0.10*TokenEfficiency
type ReliabilityCalculator struct {
	maxRetryLimit      float64
	maxAllowedLLMCalls float64
}

// NewReliabilityCalculator creates a calculator with the given retry
// and LLM-call caps.
func NewReliabilityCalculator(maxRetryLimit, maxAllowedLLMCalls int) *ReliabilityCalculator {
	if maxRetryLimit <= 0 {
		maxRetryLimit = 3
	}
	if maxAllowedLLMCalls <= 0 {
		maxAllowedLLMCalls = 5
	}
	return &ReliabilityCalculator{
		maxRetryLimit:      float64(maxRetryLimit),
		maxAllowedLLMCalls: float64(maxAllowedLLMCalls),
	}
}

// CalculateIndex computes the Reliability Index from a raw snapshot.
// Denominators are floored at 1 and a snapshot with zero errors scores
// a perfect auto-classification rate.
func (c *ReliabilityCalculator) CalculateIndex(metrics RunMetrics) Report {
	totalBuilds := math.Max(metrics.TotalBuilds, 1)
	buildSuccessRate := clamp01(metrics.SuccessfulBuilds / totalBuilds)

	deployAttempts := math.Max(metrics.DeploymentAttempts, 1)
	deploymentSuccessRate := clamp01(metrics.SuccessfulDeployments / deployAttempts)

	totalErrors := math.Max(metrics.TotalErrors, 1)
	autoClassificationRate := clamp01(metrics.AutoFixedErrors / totalErrors)
	if metrics.TotalErrors == 0 {
		autoClassificationRate = 1.0
	}

	avgRetry := math.Min(metrics.AvgRetryCount, c.maxRetryLimit)
	retryEfficiency := clamp01(1.0 - avgRetry/c.maxRetryLimit)

	avgLLMCalls := math.Min(metrics.AvgLLMCallsPerBuild, c.maxAllowedLLMCalls)
	tokenEfficiency := clamp01(1.0 - avgLLMCalls/c.maxAllowedLLMCalls)

	index := weightBuildSuccess*buildSuccessRate +
		weightDeploymentSuccess*deploymentSuccessRate +
		weightAutoClassification*autoClassificationRate +
		weightRetryEfficiency*retryEfficiency +
		weightTokenEfficiency*tokenEfficiency

	return Report{
		Metrics: SubScores{
			BuildSuccessRate:       round4(buildSuccessRate),
			DeploymentSuccessRate:  round4(deploymentSuccessRate),
			AutoClassificationRate: round4(autoClassificationRate),
			RetryEfficiency:        round4(retryEfficiency),
			TokenEfficiency:        round4(tokenEfficiency),
		},
		ReliabilityIndex: round4(clamp01(index)),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
