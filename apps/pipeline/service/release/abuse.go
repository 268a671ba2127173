package release

import "math"

// Abuse Stability Score weights and pass mark.
const (
	weightBuildSurvival      = 0.50
	weightDeploymentSurvival = 0.20
	weightRetryControl       = 0.15
	weightTokenStability     = 0.15

	// DefaultAbuseReadyThreshold is the pass mark separating
	// READY_FOR_HUMANS from REQUIRES_TIGHTENING.
	DefaultAbuseReadyThreshold = 0.75
)

// Abuse evaluation statuses.
const (
	StatusReadyForHumans     = "READY_FOR_HUMANS"
	StatusRequiresTightening = "REQUIRES_TIGHTENING"
)

// AbuseMetrics is a raw snapshot over a window of adversarial runs.
// Survival means the run failed gracefully or succeeded, rather than
// hanging or crashing.
type AbuseMetrics struct {
	TotalAbuseRuns        float64 `json:"total_abuse_runs"`
	SurvivedRuns          float64 `json:"survived_runs"`
	AbusiveDeployAttempts float64 `json:"abusive_deploy_attempts"`
	SurvivedDeployments   float64 `json:"survived_deployments"`
	AvgRetryDepth         float64 `json:"avg_retry_depth"`
	AvgTokensUsed         float64 `json:"avg_tokens_used"`
}

// AbuseSubScores are the four weighted components, each in [0,1].
type AbuseSubScores struct {
	BuildSurvivalRate      float64 `json:"build_survival_rate"`
	DeploymentSurvivalRate float64 `json:"deployment_survival_rate"`
	RetryControlScore      float64 `json:"retry_control_score"`
	TokenStabilityScore    float64 `json:"token_stability_score"`
}

// AbuseReport is a computed Abuse Stability Score with its verdict.
type AbuseReport struct {
	Metrics             AbuseSubScores `json:"metrics"`
	AbuseStabilityScore float64        `json:"abuse_stability_score"`
	Status              string         `json:"status"`
}

// AbuseStabilityCalculator computes the composite score:
//
//	ASS = 0.50*BuildSurvivalRate + 0.20*DeploymentSurvivalRate +
//	      0.15*RetryControlScore + 0.15*TokenStabilityScore
type AbuseStabilityCalculator struct {
	maxRetryLimit  float64
	maxTokens      float64
	readyThreshold float64
}

// NewAbuseStabilityCalculator creates a calculator with the given retry
// and token-budget caps.
func NewAbuseStabilityCalculator(maxRetryLimit, maxTokens int, readyThreshold float64) *AbuseStabilityCalculator {
	if maxRetryLimit <= 0 {
		maxRetryLimit = 2
	}
	if maxTokens <= 0 {
		maxTokens = 50000
	}
	if readyThreshold <= 0 {
		readyThreshold = DefaultAbuseReadyThreshold
	}
	return &AbuseStabilityCalculator{
		maxRetryLimit:  float64(maxRetryLimit),
		maxTokens:      float64(maxTokens),
		readyThreshold: readyThreshold,
	}
}

// CalculateScore measures how gracefully the system degraded under
// intentional abuse.
func (c *AbuseStabilityCalculator) CalculateScore(metrics AbuseMetrics) AbuseReport {
	totalRuns := math.Max(metrics.TotalAbuseRuns, 1)
	buildSurvival := clamp01(metrics.SurvivedRuns / totalRuns)

	deployAttempts := math.Max(metrics.AbusiveDeployAttempts, 1)
	deploySurvival := clamp01(metrics.SurvivedDeployments / deployAttempts)

	avgRetries := math.Min(metrics.AvgRetryDepth, c.maxRetryLimit)
	retryControl := clamp01(1.0 - avgRetries/c.maxRetryLimit)

	avgTokens := math.Min(metrics.AvgTokensUsed, c.maxTokens)
	tokenStability := clamp01(1.0 - avgTokens/c.maxTokens)

	score := weightBuildSurvival*buildSurvival +
		weightDeploymentSurvival*deploySurvival +
		weightRetryControl*retryControl +
		weightTokenStability*tokenStability

	status := StatusRequiresTightening
	if score >= c.readyThreshold {
		status = StatusReadyForHumans
	}

	return AbuseReport{
		Metrics: AbuseSubScores{
			BuildSurvivalRate:      round4(buildSurvival),
			DeploymentSurvivalRate: round4(deploySurvival),
			RetryControlScore:      round4(retryControl),
			TokenStabilityScore:    round4(tokenStability),
		},
		AbuseStabilityScore: round4(clamp01(score)),
		Status:              status,
	}
}
