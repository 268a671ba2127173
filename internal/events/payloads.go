package events

import "time"

// BuildRequestedPayload is the payload for build.requested events.
// External callers submit this to the intake queue.
type BuildRequestedPayload struct {
	BuildID    BuildID `json:"build_id"`
	ArtifactID string  `json:"artifact_id"`
	ContextDir string  `json:"context_dir"`
	LiveURL    string  `json:"live_url,omitempty"`
}

// BuildCompletedPayload is the payload for build.completed events.
type BuildCompletedPayload struct {
	BuildID     BuildID `json:"build_id"`
	ArtifactID  string  `json:"artifact_id"`
	DurationSec float64 `json:"duration_sec"`
	RetryCount  int     `json:"retry_count"`
}

// BuildFailedPayload is the payload for build.failed events. The failure
// field carries the structured failure payload, never a raw trace.
type BuildFailedPayload struct {
	BuildID    BuildID        `json:"build_id"`
	ArtifactID string         `json:"artifact_id"`
	Failure    map[string]any `json:"failure"`
}

// ErrorClassifiedPayload is the payload for build.error.classified events.
type ErrorClassifiedPayload struct {
	BuildID     BuildID `json:"build_id"`
	Category    string  `json:"category"`
	Fingerprint string  `json:"fingerprint"`
	Confidence  float64 `json:"confidence"`
	Recurrences int64   `json:"recurrences"`
}

// PatchAppliedPayload is the payload for build.patch.applied events.
type PatchAppliedPayload struct {
	BuildID   BuildID `json:"build_id"`
	FilePath  string  `json:"file_path"`
	PatchType string  `json:"patch_type"`
	Attempt   int     `json:"attempt"`
}

// DeployVerifiedPayload is the payload for deploy.verified and
// deploy.failed events.
type DeployVerifiedPayload struct {
	BuildID          BuildID  `json:"build_id"`
	LiveURL          string   `json:"live_url"`
	Verified         bool     `json:"verified"`
	FailedEndpoints  []string `json:"failed_endpoints,omitempty"`
	RollbackRequired bool     `json:"rollback_required"`
}

// ReleaseEvaluatedPayload is the payload for release.evaluated events.
type ReleaseEvaluatedPayload struct {
	TargetStage      string    `json:"target_stage"`
	Approved         bool      `json:"approved"`
	Failures         []string  `json:"failures,omitempty"`
	ReliabilityIndex float64   `json:"reliability_index"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// AlertRaisedPayload is the payload for monitor.alert.raised events.
type AlertRaisedPayload struct {
	Hook    string    `json:"hook"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// PipelineHaltedPayload is the payload for pipeline.halted events.
// Emitted for fatal integrity violations and stability halts.
type PipelineHaltedPayload struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
