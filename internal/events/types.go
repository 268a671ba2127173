package events

// EventType identifies a pipeline event.
type EventType string

// Pipeline event types, in rough lifecycle order.
const (
	BuildRequested   EventType = "build.requested"
	BuildStarted     EventType = "build.started"
	BuildCompleted   EventType = "build.completed"
	BuildFailed      EventType = "build.failed"
	ErrorClassified  EventType = "build.error.classified"
	PatchApplied     EventType = "build.patch.applied"
	PatchExhausted   EventType = "build.patch.exhausted"
	DeployApproved   EventType = "deploy.approved"
	DeployVerified   EventType = "deploy.verified"
	DeployFailed     EventType = "deploy.failed"
	ReleaseEvaluated EventType = "release.evaluated"
	AlertRaised      EventType = "monitor.alert.raised"
	PipelineHalted   EventType = "pipeline.halted"
)

// String returns the string representation.
func (t EventType) String() string {
	return string(t)
}

// IsTerminal returns true for event types that end a build's lifecycle.
func (t EventType) IsTerminal() bool {
	switch t {
	case BuildFailed, DeployVerified, DeployFailed, PipelineHalted:
		return true
	default:
		return false
	}
}
