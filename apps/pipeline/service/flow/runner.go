// Package flow orchestrates one build job end to end, from integrity
// check through sandbox, debugging, deployment and verification.
package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/gatekeeper/apps/pipeline/config"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/classify"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/debug"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/deploy"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/monitor"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/release"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
	"github.com/antinvestor/gatekeeper/internal/events"
	"github.com/antinvestor/gatekeeper/internal/failure"
)

// Pipeline stages reported in failure payloads.
const (
	stageIntegrity    = "integrity_check"
	stageBuild        = "sandbox_build"
	stageDebugging    = "patch_debugging"
	stagePreDeploy    = "pre_deployment_gate"
	stageDeployment   = "deployment"
	stageVerification = "post_deployment_verification"
)

// SandboxRunner executes build and runtime validation phases.
type SandboxRunner interface {
	FullValidation(ctx context.Context, buildID events.BuildID, contextDir string, command []string) sandbox.ValidationResult
}

// PatchDebugger produces bounded single-file patches for failing builds.
type PatchDebugger interface {
	DebugFile(ctx context.Context, filePath, failingLine, sourceCode, errorLog string) (*debug.Patch, error)
}

// Deployer ships an approved artifact and returns its live URL. The
// actual platform integration is an external collaborator.
type Deployer interface {
	Deploy(ctx context.Context, buildID events.BuildID, contextDir string) (string, error)
}

// EventsEmitter emits internal events.
type EventsEmitter interface {
	Emit(ctx context.Context, eventName string, payload any) error
}

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	BuildID    events.BuildID
	Status     events.BuildStatus
	LiveURL    string
	RetryCount int
	Failure    *failure.Payload
}

// Runner drives one submitted build job through every gate.
type Runner struct {
	cfg        *appconfig.PipelineConfig
	trimmer    *classify.LogTrimmer
	classifier *classify.ErrorClassifier
	sandbox    SandboxRunner
	debugger   PatchDebugger
	deployGate *deploy.Gatekeeper
	deployer   Deployer
	guard      *monitor.TemplateIntegrityGuard
	monitor    *monitor.ProductionMonitor
	window     monitor.DeploymentWindow
	prints     events.FingerprintStore
	recorder   *release.Recorder
	emitter    EventsEmitter
	haltFn     func()
}

// RunnerParams collects the Runner's collaborators.
type RunnerParams struct {
	Config       *appconfig.PipelineConfig
	Sandbox      SandboxRunner
	Debugger     PatchDebugger
	DeployGate   *deploy.Gatekeeper
	Deployer     Deployer
	Guard        *monitor.TemplateIntegrityGuard
	Monitor      *monitor.ProductionMonitor
	Window       monitor.DeploymentWindow
	Fingerprints events.FingerprintStore
	Recorder     *release.Recorder
	Emitter      EventsEmitter

	// HaltIntake is invoked when the stability check trips. May be nil.
	HaltIntake func()
}

// NewRunner creates a pipeline runner.
func NewRunner(params RunnerParams) *Runner {
	return &Runner{
		cfg:        params.Config,
		trimmer:    classify.NewLogTrimmer(),
		classifier: classify.NewErrorClassifier(),
		sandbox:    params.Sandbox,
		debugger:   params.Debugger,
		deployGate: params.DeployGate,
		deployer:   params.Deployer,
		guard:      params.Guard,
		monitor:    params.Monitor,
		window:     params.Window,
		prints:     params.Fingerprints,
		recorder:   params.Recorder,
		emitter:    params.Emitter,
		haltFn:     params.HaltIntake,
	}
}

// Run executes one build job end to end. Every terminal failure is
// rendered through the structured failure formatter; raw faults never
// escape.
func (r *Runner) Run(ctx context.Context, req events.BuildRequestedPayload) Outcome {
	log := util.Log(ctx).With("build_id", req.BuildID.String(), "artifact_id", req.ArtifactID)
	startTime := time.Now()

	r.emit(ctx, events.BuildStarted, events.BuildRequestedPayload{
		BuildID:    req.BuildID,
		ArtifactID: req.ArtifactID,
		ContextDir: req.ContextDir,
	})

	// Integrity gate. A mutated template baseline halts the whole
	// pipeline, it is never retried.
	if err := r.guard.VerifyIntegrity(); err != nil {
		log.WithError(err).Error("template integrity check failed, halting pipeline")
		if r.haltFn != nil {
			r.haltFn()
		}
		r.emit(ctx, events.PipelineHalted, events.PipelineHaltedPayload{
			Reason: "template integrity violation",
			At:     time.Now().UTC(),
		})
		payload := failure.New(stageIntegrity, "template_integrity_violation", 0, 0,
			"Template baseline hash mismatch. Files were modified silently.", true)
		return r.fail(ctx, req, payload, 0)
	}

	// Sandbox build and runtime validation, with bounded patch
	// debugging on failure.
	result, retries, tokens, debugErr := r.buildWithDebugging(ctx, req)
	durationSec := int(time.Since(startTime).Seconds())
	r.monitor.CheckBuildLatency(ctx, req.ArtifactID, durationSec)

	if debugErr != nil {
		r.recorder.RecordBuild(false)
		r.recorder.RecordRetries(retries)
		payload := r.failureFromBuild(result, retries, tokens)
		return r.fail(ctx, req, payload, retries)
	}

	r.recorder.RecordBuild(true)
	r.recorder.RecordRetries(retries)
	r.emit(ctx, events.BuildCompleted, events.BuildCompletedPayload{
		BuildID:     req.BuildID,
		ArtifactID:  req.ArtifactID,
		DurationSec: time.Since(startTime).Seconds(),
		RetryCount:  retries,
	})

	// Pre-deployment gate.
	approval := r.deployGate.PreDeploymentValidation(ctx, result)
	if !approval.Approved {
		payload := failure.New(stagePreDeploy, "pre_deployment_rejected", retries, tokens,
			fmt.Sprintf("Pre-deployment validation rejected the artifact: %v", approval.Reasons), false)
		return r.fail(ctx, req, payload, retries)
	}
	r.emit(ctx, events.DeployApproved, events.BuildCompletedPayload{
		BuildID:    req.BuildID,
		ArtifactID: req.ArtifactID,
		RetryCount: retries,
	})

	// Deployment through the external collaborator.
	liveURL := req.LiveURL
	if r.deployer != nil {
		deployedURL, err := r.deployer.Deploy(ctx, req.BuildID, req.ContextDir)
		if err != nil {
			r.recorder.RecordDeployment(false)
			r.recordWindow(ctx, false)
			return r.fail(ctx, req, failure.FromError(err, stageDeployment, tokens), retries)
		}
		liveURL = deployedURL
	}

	// Post-deployment verification.
	verification := r.deployGate.PostDeploymentVerification(ctx, liveURL)
	r.recorder.RecordDeployment(verification.Verified)
	r.recordWindow(ctx, verification.Verified)

	if !verification.Verified {
		r.emit(ctx, events.DeployFailed, events.DeployVerifiedPayload{
			BuildID:          req.BuildID,
			LiveURL:          liveURL,
			Verified:         false,
			FailedEndpoints:  verification.FailedEndpoints,
			RollbackRequired: true,
		})
		payload := failure.New(stageVerification, "deployment_verification_failed", retries, tokens,
			verification.FailureReason, false)
		return r.fail(ctx, req, payload, retries)
	}

	r.emit(ctx, events.DeployVerified, events.DeployVerifiedPayload{
		BuildID:  req.BuildID,
		LiveURL:  liveURL,
		Verified: true,
	})

	log.Info("build pipeline completed", "live_url", liveURL, "retries", retries)
	return Outcome{
		BuildID:    req.BuildID,
		Status:     events.BuildStatusDeployed,
		LiveURL:    liveURL,
		RetryCount: retries,
	}
}

// buildWithDebugging runs the sandbox validation, classifying failures
// and applying bounded patch repair. Returns the last sandbox result,
// the retries consumed and the model calls made.
func (r *Runner) buildWithDebugging(ctx context.Context, req events.BuildRequestedPayload) (sandbox.ValidationResult, int, int, error) {
	log := util.Log(ctx).With("build_id", req.BuildID.String())

	var result sandbox.ValidationResult
	tokens := 0
	attempt := 0

	for ; attempt <= r.cfg.MaxDebugRetries; attempt++ {
		result = r.sandbox.FullValidation(ctx, req.BuildID, req.ContextDir, nil)
		if result.Success {
			return result, attempt, tokens, nil
		}

		trimmed := r.trimmer.Trim(result.Log)
		classification := r.classifier.Classify(trimmed)

		recurrences := r.recordFingerprint(ctx, classification)
		r.recorder.RecordError(!classification.RequiresLLMDebug)
		r.emit(ctx, events.ErrorClassified, events.ErrorClassifiedPayload{
			BuildID:     req.BuildID,
			Category:    classification.Category,
			Fingerprint: classification.ErrorHash,
			Confidence:  classification.Confidence,
			Recurrences: recurrences,
		})

		if attempt == r.cfg.MaxDebugRetries {
			break
		}

		r.monitor.CheckRetryExplosion(ctx, req.ArtifactID, attempt+1)

		if !classification.RequiresLLMDebug {
			log.Info("applying local remediation",
				"category", classification.Category,
				"strategy", classification.RecommendedFixStrategy)
			continue
		}

		failingFile := failingFileFromLog(trimmed)
		patch, err := r.debugger.DebugFile(ctx, failingFile, classification.Details,
			r.sourceSnippet(req.ContextDir, failingFile), trimmed)
		tokens++
		r.recorder.RecordLLMCalls(1)
		if err != nil {
			if errors.Is(err, debug.ErrRetriesExhausted) {
				log.Warn("patch generation exhausted")
				break
			}
			log.WithError(err).Warn("patch generation failed")
			break
		}

		if applyErr := applyPatch(req.ContextDir, patch); applyErr != nil {
			log.WithError(applyErr).Warn("could not apply patch")
			break
		}
		r.emit(ctx, events.PatchApplied, events.PatchAppliedPayload{
			BuildID:   req.BuildID,
			FilePath:  patch.FilePath,
			PatchType: string(patch.PatchType),
			Attempt:   attempt + 1,
		})
	}

	if attempt > r.cfg.MaxDebugRetries {
		attempt = r.cfg.MaxDebugRetries
	}
	return result, attempt, tokens, errors.New("build failed after debug attempts")
}

// sourceFilePattern picks out the first source file path a build log
// mentions.
var sourceFilePattern = regexp.MustCompile(`[\w./-]+\.(?:java|kt|ts|tsx|js|jsx|html|css|scss|py|go|xml|ya?ml|json|properties|gradle)\b`)

// failingFileFromLog derives the failing file path from a trimmed
// error log. Empty when the log names no file, the debugger then works
// from the log alone.
func failingFileFromLog(trimmed string) string {
	return sourceFilePattern.FindString(trimmed)
}

// maxSnippetBytes caps how much source accompanies a patch request.
const maxSnippetBytes = 8 * 1024

// sourceSnippet reads the failing file from the workspace, confined to
// the build context directory.
func (r *Runner) sourceSnippet(contextDir, filePath string) string {
	if filePath == "" {
		return ""
	}
	target := filepath.Join(contextDir, filepath.Clean("/"+filePath))
	data, err := os.ReadFile(target)
	if err != nil {
		return ""
	}
	if len(data) > maxSnippetBytes {
		data = data[:maxSnippetBytes]
	}
	return string(data)
}

func (r *Runner) failureFromBuild(result sandbox.ValidationResult, retries, tokens int) failure.Payload {
	trimmed := r.trimmer.Trim(result.Log)
	classification := r.classifier.Classify(trimmed)

	stage := stageBuild
	if retries > 0 {
		stage = stageDebugging
	}

	hypothesis := classification.Details
	if hypothesis == "" || hypothesis == "N/A" {
		hypothesis = "Build failed with category " + classification.Category
	}

	return failure.New(stage, classification.Category, retries, tokens, hypothesis, false)
}

func (r *Runner) recordFingerprint(ctx context.Context, c classify.Classification) int64 {
	if r.prints == nil {
		return 0
	}
	count, err := r.prints.Record(ctx, c.ErrorHash)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not record error fingerprint")
		return 0
	}
	return count
}

func (r *Runner) recordWindow(ctx context.Context, success bool) {
	if r.window == nil {
		return
	}
	if err := r.window.Record(ctx, success); err != nil {
		util.Log(ctx).WithError(err).Warn("could not record deployment outcome")
		return
	}

	rate, err := r.window.SuccessRate(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Warn("could not read deployment window")
		return
	}
	if !r.monitor.CheckSystemStability(ctx, rate) && r.haltFn != nil {
		r.haltFn()
	}
}

func (r *Runner) fail(ctx context.Context, req events.BuildRequestedPayload, payload failure.Payload, retries int) Outcome {
	r.emit(ctx, events.BuildFailed, events.BuildFailedPayload{
		BuildID:    req.BuildID,
		ArtifactID: req.ArtifactID,
		Failure:    payload.Map(),
	})

	return Outcome{
		BuildID:    req.BuildID,
		Status:     events.BuildStatusFailed,
		RetryCount: retries,
		Failure:    &payload,
	}
}

func (r *Runner) emit(ctx context.Context, eventType events.EventType, payload any) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, eventType.String(), payload); err != nil {
		util.Log(ctx).WithError(err).Warn("could not emit event", "event_type", eventType.String())
	}
}

// applyPatch writes a contract-valid patch into the workspace. Patches
// never escape the build context directory.
func applyPatch(contextDir string, patch *debug.Patch) error {
	target := filepath.Join(contextDir, filepath.Clean("/"+patch.FilePath))

	switch patch.PatchType {
	case debug.PatchDelete:
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", patch.FilePath, err)
		}
		return nil
	case debug.PatchInsert:
		file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", patch.FilePath, err)
		}
		defer file.Close()
		if _, err = file.WriteString(patch.UpdatedContent); err != nil {
			return fmt.Errorf("append %s: %w", patch.FilePath, err)
		}
		return nil
	case debug.PatchReplace:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", patch.FilePath, err)
		}
		if err := os.WriteFile(target, []byte(patch.UpdatedContent), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", patch.FilePath, err)
		}
		return nil
	default:
		return fmt.Errorf("invalid patch_type %q", patch.PatchType)
	}
}
