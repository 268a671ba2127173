package release

import "sync"

// Recorder accumulates per-run outcomes into a RunMetrics snapshot.
// The pipeline records after every terminal build; release evaluation
// snapshots on demand. Nothing is persisted here, emitted records are
// the durable trail.
type Recorder struct {
	mu sync.Mutex

	successfulBuilds      float64
	totalBuilds           float64
	successfulDeployments float64
	deploymentAttempts    float64
	autoFixedErrors       float64
	totalErrors           float64
	totalRetries          float64
	totalLLMCalls         float64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordBuild records one finished build attempt.
func (r *Recorder) RecordBuild(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalBuilds++
	if success {
		r.successfulBuilds++
	}
}

// RecordDeployment records one deployment attempt.
func (r *Recorder) RecordDeployment(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deploymentAttempts++
	if success {
		r.successfulDeployments++
	}
}

// RecordError records one classified error. Auto-fixed means the
// classifier resolved it without routing to the debug engine.
func (r *Recorder) RecordError(autoFixed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalErrors++
	if autoFixed {
		r.autoFixedErrors++
	}
}

// RecordRetries adds the retries one build consumed.
func (r *Recorder) RecordRetries(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalRetries += float64(count)
}

// RecordLLMCalls adds the model calls one build consumed.
func (r *Recorder) RecordLLMCalls(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalLLMCalls += float64(count)
}

// Snapshot returns the current raw metrics. Averages use the build
// count floored at 1.
func (r *Recorder) Snapshot() RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	builds := r.totalBuilds
	if builds < 1 {
		builds = 1
	}

	return RunMetrics{
		SuccessfulBuilds:      r.successfulBuilds,
		TotalBuilds:           r.totalBuilds,
		SuccessfulDeployments: r.successfulDeployments,
		DeploymentAttempts:    r.deploymentAttempts,
		AutoFixedErrors:       r.autoFixedErrors,
		TotalErrors:           r.totalErrors,
		AvgRetryCount:         r.totalRetries / builds,
		AvgLLMCallsPerBuild:   r.totalLLMCalls / builds,
	}
}

// Reset clears all accumulated metrics.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successfulBuilds = 0
	r.totalBuilds = 0
	r.successfulDeployments = 0
	r.deploymentAttempts = 0
	r.autoFixedErrors = 0
	r.totalErrors = 0
	r.totalRetries = 0
	r.totalLLMCalls = 0
}
