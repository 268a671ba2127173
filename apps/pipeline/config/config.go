package config

import (
	"github.com/pitabwire/frame/config"
)

// PipelineConfig defines configuration for the build pipeline service.
// The service requires Docker socket access for sandboxed builds.
type PipelineConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// Queue Configuration
	// ==========================================================================

	// Build request queue (incoming submissions)
	QueueBuildRequestName string `envDefault:"pipeline.builds.requests" env:"QUEUE_BUILD_REQUEST_NAME"`
	QueueBuildRequestURI  string `envDefault:"mem://pipeline.builds.requests" env:"QUEUE_BUILD_REQUEST_URI"`

	// Build result queue (terminal outcomes)
	QueueBuildResultName string `envDefault:"pipeline.builds.results" env:"QUEUE_BUILD_RESULT_NAME"`
	QueueBuildResultURI  string `envDefault:"mem://pipeline.builds.results" env:"QUEUE_BUILD_RESULT_URI"`

	// Alert queue (monitor alerts)
	QueueAlertName string `envDefault:"pipeline.alerts" env:"QUEUE_ALERT_NAME"`
	QueueAlertURI  string `envDefault:"mem://pipeline.alerts" env:"QUEUE_ALERT_URI"`

	// ==========================================================================
	// Concurrency
	// ==========================================================================

	// MaxConcurrentBuilds is the number of parallel build workers.
	MaxConcurrentBuilds int `envDefault:"3" env:"MAX_CONCURRENT_BUILDS"`

	// MaxQueueLength is the admission buffer depth before rejection.
	MaxQueueLength int `envDefault:"10" env:"MAX_QUEUE_LENGTH"`

	// ==========================================================================
	// Debugging
	// ==========================================================================

	// MaxDebugRetries is the patch attempt ceiling per failure.
	MaxDebugRetries int `envDefault:"3" env:"MAX_DEBUG_RETRIES"`

	// DebugBackoffBaseSeconds is the base backoff between patch attempts.
	DebugBackoffBaseSeconds int `envDefault:"2" env:"DEBUG_BACKOFF_BASE_SECONDS"`

	// ==========================================================================
	// Sandbox Configuration
	// ==========================================================================

	// SandboxBuildTimeoutSeconds is the image build wall clock limit.
	SandboxBuildTimeoutSeconds int `envDefault:"300" env:"SANDBOX_BUILD_TIMEOUT_SECONDS"`

	// SandboxRunTimeoutSeconds is the runtime validation limit.
	SandboxRunTimeoutSeconds int `envDefault:"60" env:"SANDBOX_RUN_TIMEOUT_SECONDS"`

	// SandboxMemoryLimitMB is the container memory cap.
	SandboxMemoryLimitMB int `envDefault:"512" env:"SANDBOX_MEMORY_LIMIT_MB"`

	// SandboxCPULimit is the container CPU cap.
	SandboxCPULimit float64 `envDefault:"1.0" env:"SANDBOX_CPU_LIMIT"`

	// ==========================================================================
	// Deployment Verification
	// ==========================================================================

	// ProbeTimeoutSeconds is the per-endpoint probe timeout.
	ProbeTimeoutSeconds int `envDefault:"5" env:"PROBE_TIMEOUT_SECONDS"`

	// VerifyMaxRounds is the number of verification rounds.
	VerifyMaxRounds int `envDefault:"5" env:"VERIFY_MAX_ROUNDS"`

	// VerifyRoundDelaySeconds is the delay between rounds.
	VerifyRoundDelaySeconds int `envDefault:"10" env:"VERIFY_ROUND_DELAY_SECONDS"`

	// ==========================================================================
	// Scoring Caps
	// ==========================================================================

	// ReliabilityMaxRetries caps the retry efficiency denominator.
	ReliabilityMaxRetries int `envDefault:"3" env:"RELIABILITY_MAX_RETRIES"`

	// ReliabilityMaxLLMCalls caps the token discipline denominator.
	ReliabilityMaxLLMCalls int `envDefault:"5" env:"RELIABILITY_MAX_LLM_CALLS"`

	// AbuseMaxRetriesPerFailure caps the abuse retry sub-score denominator.
	AbuseMaxRetriesPerFailure int `envDefault:"2" env:"ABUSE_MAX_RETRIES_PER_FAILURE"`

	// AbuseTokenBudgetPerSession caps the abuse token sub-score denominator.
	AbuseTokenBudgetPerSession int `envDefault:"50000" env:"ABUSE_TOKEN_BUDGET_PER_SESSION"`

	// AbuseReadyThreshold is the pass mark for abuse stability.
	AbuseReadyThreshold float64 `envDefault:"0.75" env:"ABUSE_READY_THRESHOLD"`

	// ==========================================================================
	// Monitor Thresholds
	// ==========================================================================

	// MonitorLatencyThresholdSeconds flags slow end-to-end generations.
	MonitorLatencyThresholdSeconds int `envDefault:"300" env:"MONITOR_LATENCY_THRESHOLD_SECONDS"`

	// MonitorRetryExplosionThreshold flags runaway retry loops.
	MonitorRetryExplosionThreshold int `envDefault:"5" env:"MONITOR_RETRY_EXPLOSION_THRESHOLD"`

	// MonitorTokenAnomalyThreshold flags anomalous token consumption.
	MonitorTokenAnomalyThreshold int `envDefault:"50000" env:"MONITOR_TOKEN_ANOMALY_THRESHOLD"`

	// MonitorMaxDeployFailureRate is the rolling failure rate halt limit.
	MonitorMaxDeployFailureRate float64 `envDefault:"0.15" env:"MONITOR_MAX_DEPLOY_FAILURE_RATE"`

	// MonitorWindowSeconds is the rolling deployment window span.
	MonitorWindowSeconds int `envDefault:"3600" env:"MONITOR_WINDOW_SECONDS"`

	// ==========================================================================
	// Template Integrity
	// ==========================================================================

	// TemplatesDir is the baseline-hashed template directory.
	TemplatesDir string `envDefault:"/var/lib/gatekeeper/templates" env:"TEMPLATES_DIR"`

	// ==========================================================================
	// Fingerprint Store
	// ==========================================================================

	// FingerprintStoreURI selects the fingerprint backend; empty uses memory.
	FingerprintStoreURI string `envDefault:"" env:"FINGERPRINT_STORE_URI"`

	// FingerprintTTLHours is how long fingerprints are retained.
	FingerprintTTLHours int `envDefault:"168" env:"FINGERPRINT_TTL_HOURS"`

	// ==========================================================================
	// Patch Generator
	// ==========================================================================

	// AnthropicAPIKey is the API key for Anthropic Claude.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	// LLMTimeoutSeconds is the timeout for patch generation requests.
	LLMTimeoutSeconds int `envDefault:"120" env:"LLM_TIMEOUT_SECONDS"`

	// ==========================================================================
	// Intake Rate Limiting
	// ==========================================================================

	// RateLimitRPS is the sustained submission rate per client.
	RateLimitRPS float64 `envDefault:"5" env:"RATE_LIMIT_RPS"`

	// RateLimitBurst is the burst allowance per client.
	RateLimitBurst int `envDefault:"10" env:"RATE_LIMIT_BURST"`
}
