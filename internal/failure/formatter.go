// Package failure renders every terminal pipeline fault into one fixed
// outward JSON shape. Raw stack traces never cross this boundary.
package failure

import (
	"encoding/json"
	"strings"
)

// Error categories assigned to faults the pipeline could not classify
// any further.
const (
	CategoryDockerTimeout    = "docker_timeout"
	CategoryLLMHallucination = "llm_hallucination"
	CategoryUnhandled        = "unhandled_orchestrator_exception"
)

const hypothesisMaxLen = 100

// Details is the failure_details object of the outward payload.
type Details struct {
	StageFailed          string `json:"stage_failed"`
	ErrorCategory        string `json:"error_category"`
	RetryCount           int    `json:"retry_count"`
	TokenUsage           int    `json:"token_usage"`
	RootCauseHypothesis  string `json:"root_cause_hypothesis"`
	SystemGuardTriggered bool   `json:"system_guard_triggered"`
}

// Payload is the only failure representation ever surfaced to callers.
type Payload struct {
	Status  string  `json:"status"`
	Details Details `json:"failure_details"`
}

// New builds the standard failure payload for the given stage.
func New(stage, category string, retryCount, tokens int, hypothesis string, guardTriggered bool) Payload {
	return Payload{
		Status: "failed",
		Details: Details{
			StageFailed:          stage,
			ErrorCategory:        category,
			RetryCount:           retryCount,
			TokenUsage:           tokens,
			RootCauseHypothesis:  hypothesis,
			SystemGuardTriggered: guardTriggered,
		},
	}
}

// FromError wraps an unhandled orchestrator fault. The category is
// guessed from keywords in the error text; the hypothesis carries a
// truncated excerpt of the message, never a trace.
func FromError(err error, stage string, tokens int) Payload {
	msg := err.Error()

	category := CategoryUnhandled
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"):
		category = CategoryDockerTimeout
	case strings.Contains(lower, "json"):
		category = CategoryLLMHallucination
	}

	excerpt := msg
	if len(excerpt) > hypothesisMaxLen {
		excerpt = excerpt[:hypothesisMaxLen]
	}

	return New(stage, category, 0, tokens,
		"System failed catastrophically due to: "+excerpt+"...", false)
}

// JSON returns the indented JSON encoding of the payload.
func (p Payload) JSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Map returns the payload as a generic map for event emission.
func (p Payload) Map() map[string]any {
	return map[string]any{
		"status": p.Status,
		"failure_details": map[string]any{
			"stage_failed":           p.Details.StageFailed,
			"error_category":         p.Details.ErrorCategory,
			"retry_count":            p.Details.RetryCount,
			"token_usage":            p.Details.TokenUsage,
			"root_cause_hypothesis":  p.Details.RootCauseHypothesis,
			"system_guard_triggered": p.Details.SystemGuardTriggered,
		},
	}
}
