package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/antinvestor/gatekeeper/apps/pipeline/config"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/debug"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/deploy"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/monitor"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/release"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
	"github.com/antinvestor/gatekeeper/internal/events"
)

type mockSandbox struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) sandbox.ValidationResult
}

func (m *mockSandbox) FullValidation(_ context.Context, _ events.BuildID, _ string, _ []string) sandbox.ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.fn(m.calls)
}

type mockDebugger struct {
	patch *debug.Patch
	err   error
	calls int

	filePaths    []string
	failingLines []string
	snippets     []string
}

func (m *mockDebugger) DebugFile(_ context.Context, filePath, failingLine, sourceCode, _ string) (*debug.Patch, error) {
	m.calls++
	m.filePaths = append(m.filePaths, filePath)
	m.failingLines = append(m.failingLines, failingLine)
	m.snippets = append(m.snippets, sourceCode)
	return m.patch, m.err
}

type mockEmitter struct {
	mu     sync.Mutex
	events []string
}

func (m *mockEmitter) Emit(_ context.Context, eventName string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventName)
	return nil
}

func (m *mockEmitter) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// resultCapture collects everything published through the queue
// publisher wrapper.
type resultCapture struct {
	mu       sync.Mutex
	payloads []map[string]any
	headers  []map[string]string
}

func (c *resultCapture) publisher() *events.QueuePublisher {
	return events.NewQueuePublisher(func(_ context.Context, _ string, payload any, headers map[string]string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.payloads = append(c.payloads, payload.(map[string]any))
		c.headers = append(c.headers, headers)
		return nil
	})
}

func envelopePayload(t *testing.T, request events.BuildRequestedPayload) []byte {
	t.Helper()
	event, err := events.NewEvent(request.BuildID, events.BuildRequested, 0, request)
	require.NoError(t, err)
	wire, err := json.Marshal(event)
	require.NoError(t, err)
	return wire
}

// inlineSubmitter runs jobs synchronously for deterministic tests.
type inlineSubmitter struct {
	err   error
	calls int
}

func (s *inlineSubmitter) Submit(job sandbox.Job) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	job(context.Background())
	return nil
}

func passingSandbox() *mockSandbox {
	return &mockSandbox{fn: func(int) sandbox.ValidationResult {
		return sandbox.ValidationResult{
			Success: true,
			Log:     "BUILD LOG:\nok\n\nRUNTIME LOG:\nok",
			Build:   sandbox.Attempt{Success: true, Phase: "build"},
			Run:     &sandbox.Attempt{Success: true, DurationSec: 5.0, Phase: "runtime_validate"},
		}
	}}
}

func testConfig() *appconfig.PipelineConfig {
	cfg := &appconfig.PipelineConfig{}
	cfg.MaxDebugRetries = 3
	return cfg
}

func newTestRunner(t *testing.T, sb SandboxRunner, dbg PatchDebugger, haltFn func()) (*Runner, *mockEmitter, *release.Recorder) {
	t.Helper()

	emitter := &mockEmitter{}
	recorder := release.NewRecorder()
	guard := monitor.NewTemplateIntegrityGuard(t.TempDir())
	mon := monitor.NewProductionMonitor(monitor.DefaultThresholds(), nil)
	window := monitor.NewInMemoryDeploymentWindow(time.Hour)
	gate := deploy.NewGatekeeper("proj-test", deploy.WithVerification(2, 0))

	runner := NewRunner(RunnerParams{
		Config:       testConfig(),
		Sandbox:      sb,
		Debugger:     dbg,
		DeployGate:   gate,
		Guard:        guard,
		Monitor:      mon,
		Window:       window,
		Fingerprints: events.NewInMemoryFingerprintStore(),
		Recorder:     recorder,
		Emitter:      emitter,
		HaltIntake:   haltFn,
	})
	return runner, emitter, recorder
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRunnerHappyPath(t *testing.T) {
	server := healthyServer(t)
	runner, emitter, recorder := newTestRunner(t, passingSandbox(), &mockDebugger{}, nil)

	outcome := runner.Run(context.Background(), events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-1",
		ContextDir: t.TempDir(),
		LiveURL:    server.URL,
	})

	assert.Equal(t, events.BuildStatusDeployed, outcome.Status)
	assert.Equal(t, server.URL, outcome.LiveURL)
	assert.Zero(t, outcome.RetryCount)
	assert.Nil(t, outcome.Failure)

	names := emitter.names()
	assert.Contains(t, names, "build.started")
	assert.Contains(t, names, "build.completed")
	assert.Contains(t, names, "deploy.approved")
	assert.Contains(t, names, "deploy.verified")

	snap := recorder.Snapshot()
	assert.Equal(t, 1.0, snap.SuccessfulBuilds)
	assert.Equal(t, 1.0, snap.SuccessfulDeployments)
}

func TestRunnerDebugRetriesExhausted(t *testing.T) {
	failing := &mockSandbox{fn: func(int) sandbox.ValidationResult {
		return sandbox.ValidationResult{
			Success: false,
			Log:     "Web server failed to start. Port 8081 was already in use",
			Build:   sandbox.Attempt{Success: false, ExitCode: 1, Phase: "build"},
		}
	}}

	runner, emitter, recorder := newTestRunner(t, failing, &mockDebugger{}, nil)

	outcome := runner.Run(context.Background(), events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-2",
		ContextDir: t.TempDir(),
	})

	assert.Equal(t, events.BuildStatusFailed, outcome.Status)
	assert.Equal(t, 3, outcome.RetryCount)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, "failed", outcome.Failure.Status)
	assert.Equal(t, "port_in_use_spring", outcome.Failure.Details.ErrorCategory)
	assert.Equal(t, 3, outcome.Failure.Details.RetryCount)

	// Initial attempt plus three debug retries.
	assert.Equal(t, 4, failing.calls)
	assert.Contains(t, emitter.names(), "build.error.classified")
	assert.Contains(t, emitter.names(), "build.failed")

	snap := recorder.Snapshot()
	assert.Equal(t, 0.0, snap.SuccessfulBuilds)
	assert.Equal(t, 1.0, snap.TotalBuilds)
	// Local remediation exists for this category, so every
	// classification counts as auto-fixed.
	assert.Equal(t, snap.TotalErrors, snap.AutoFixedErrors)
}

func TestRunnerPatchRepairsBuild(t *testing.T) {
	server := healthyServer(t)
	contextDir := t.TempDir()

	failing := &mockSandbox{fn: func(call int) sandbox.ValidationResult {
		if call == 1 {
			return sandbox.ValidationResult{
				Success: false,
				Log:     "java.lang.NullPointerException",
				Build:   sandbox.Attempt{Success: false, ExitCode: 1, Phase: "build"},
			}
		}
		return sandbox.ValidationResult{
			Success: true,
			Build:   sandbox.Attempt{Success: true, Phase: "build"},
			Run:     &sandbox.Attempt{Success: true, DurationSec: 3.0, Phase: "runtime_validate"},
		}
	}}

	debugger := &mockDebugger{patch: &debug.Patch{
		FilePath:       "src/Service.java",
		PatchType:      debug.PatchReplace,
		UpdatedContent: "public class Service {}",
	}}

	runner, emitter, _ := newTestRunner(t, failing, debugger, nil)

	outcome := runner.Run(context.Background(), events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-3",
		ContextDir: contextDir,
		LiveURL:    server.URL,
	})

	assert.Equal(t, events.BuildStatusDeployed, outcome.Status)
	assert.Equal(t, 1, outcome.RetryCount)
	assert.Equal(t, 1, debugger.calls)

	patched, err := os.ReadFile(filepath.Join(contextDir, "src", "Service.java"))
	require.NoError(t, err)
	assert.Equal(t, "public class Service {}", string(patched))

	assert.Contains(t, emitter.names(), "build.patch.applied")
}

func TestRunnerDebugRequestNamesFailingFile(t *testing.T) {
	server := healthyServer(t)
	contextDir := t.TempDir()

	source := "export class CartService { total: number = '0'; }"
	require.NoError(t, os.MkdirAll(filepath.Join(contextDir, "src", "app"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(contextDir, "src", "app", "cart.service.ts"), []byte(source), 0o644))

	failing := &mockSandbox{fn: func(call int) sandbox.ValidationResult {
		if call == 1 {
			return sandbox.ValidationResult{
				Success: false,
				Log:     "Error: src/app/cart.service.ts:1 - Type 'string' is not assignable to type 'number'.",
				Build:   sandbox.Attempt{Success: false, ExitCode: 1, Phase: "build"},
			}
		}
		return sandbox.ValidationResult{
			Success: true,
			Build:   sandbox.Attempt{Success: true, Phase: "build"},
			Run:     &sandbox.Attempt{Success: true, DurationSec: 3.0, Phase: "runtime_validate"},
		}
	}}

	debugger := &mockDebugger{patch: &debug.Patch{
		FilePath:       "src/app/cart.service.ts",
		PatchType:      debug.PatchReplace,
		UpdatedContent: "export class CartService { total = 0; }",
	}}

	runner, _, _ := newTestRunner(t, failing, debugger, nil)

	outcome := runner.Run(context.Background(), events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-9",
		ContextDir: contextDir,
		LiveURL:    server.URL,
	})

	assert.Equal(t, events.BuildStatusDeployed, outcome.Status)
	require.Equal(t, 1, debugger.calls)

	// The request names the failing file, carries the classifier detail
	// as the failing line and attaches the file's source.
	assert.Equal(t, "src/app/cart.service.ts", debugger.filePaths[0])
	assert.Equal(t, "string", debugger.failingLines[0])
	assert.Equal(t, source, debugger.snippets[0])
}

func TestFailingFileFromLog(t *testing.T) {
	tests := []struct {
		name string
		log  string
		want string
	}{
		{
			name: "typescript path with position",
			log:  "Error: src/app/cart.service.ts:42 - something broke",
			want: "src/app/cart.service.ts",
		},
		{
			name: "java class name is not a file",
			log:  "java.lang.NullPointerException at com.example.Service",
			want: "",
		},
		{
			name: "no file mentioned",
			log:  "Web server failed to start. Port 8081 was already in use",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failingFileFromLog(tt.log))
		})
	}
}

func TestRunnerIntegrityViolationHaltsPipeline(t *testing.T) {
	templatesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, "base.yml"), []byte("a: 1"), 0o644))

	guard := monitor.NewTemplateIntegrityGuard(templatesDir)
	require.NoError(t, os.WriteFile(filepath.Join(templatesDir, "base.yml"), []byte("a: 2"), 0o644))

	halted := false
	emitter := &mockEmitter{}
	runner := NewRunner(RunnerParams{
		Config:       testConfig(),
		Sandbox:      passingSandbox(),
		Debugger:     &mockDebugger{},
		DeployGate:   deploy.NewGatekeeper("proj", deploy.WithVerification(1, 0)),
		Guard:        guard,
		Monitor:      monitor.NewProductionMonitor(monitor.DefaultThresholds(), nil),
		Window:       monitor.NewInMemoryDeploymentWindow(time.Hour),
		Fingerprints: events.NewInMemoryFingerprintStore(),
		Recorder:     release.NewRecorder(),
		Emitter:      emitter,
		HaltIntake:   func() { halted = true },
	})

	outcome := runner.Run(context.Background(), events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-4",
		ContextDir: t.TempDir(),
	})

	assert.Equal(t, events.BuildStatusFailed, outcome.Status)
	assert.True(t, halted)
	require.NotNil(t, outcome.Failure)
	assert.True(t, outcome.Failure.Details.SystemGuardTriggered)
	assert.Equal(t, "template_integrity_violation", outcome.Failure.Details.ErrorCategory)
	assert.Contains(t, emitter.names(), "pipeline.halted")
}

func TestRunnerVerificationFailureTriggersRollback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	runner, emitter, recorder := newTestRunner(t, passingSandbox(), &mockDebugger{}, nil)

	outcome := runner.Run(context.Background(), events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-5",
		ContextDir: t.TempDir(),
		LiveURL:    server.URL,
	})

	assert.Equal(t, events.BuildStatusFailed, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, "deployment_verification_failed", outcome.Failure.Details.ErrorCategory)
	assert.Contains(t, emitter.names(), "deploy.failed")

	snap := recorder.Snapshot()
	assert.Equal(t, 1.0, snap.DeploymentAttempts)
	assert.Equal(t, 0.0, snap.SuccessfulDeployments)
}

func TestHandlerPublishesResult(t *testing.T) {
	server := healthyServer(t)
	runner, _, _ := newTestRunner(t, passingSandbox(), &mockDebugger{}, nil)

	capture := &resultCapture{}
	handler := NewBuildRequestHandler(runner, &inlineSubmitter{}, capture.publisher(), "pipeline.builds.results")

	request := events.BuildRequestedPayload{
		BuildID:    events.NewBuildID(),
		ArtifactID: "artifact-6",
		ContextDir: t.TempDir(),
		LiveURL:    server.URL,
	}

	require.NoError(t, handler.Handle(context.Background(), nil, envelopePayload(t, request)))

	require.Len(t, capture.payloads, 1)
	result := capture.payloads[0]
	assert.Equal(t, "deployed", result["status"])
	assert.Equal(t, request.BuildID.String(), result["build_id"])

	detail, ok := result["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, server.URL, detail["live_url"])
	assert.Equal(t, 0, detail["retry_count"])

	require.Len(t, capture.headers, 1)
	assert.Equal(t, "deployed", capture.headers[0]["status"])
	assert.Equal(t, request.BuildID.String(), capture.headers[0]["build_id"])
}

func TestHandlerRejectsWhenQueueFull(t *testing.T) {
	capture := &resultCapture{}
	handler := NewBuildRequestHandler(nil, &inlineSubmitter{err: sandbox.ErrQueueFull}, capture.publisher(), "pipeline.builds.results")

	request := events.BuildRequestedPayload{BuildID: events.NewBuildID(), ArtifactID: "artifact-7"}

	require.NoError(t, handler.Handle(context.Background(), nil, envelopePayload(t, request)))

	require.Len(t, capture.payloads, 1)
	result := capture.payloads[0]
	assert.Equal(t, "failed", result["status"])

	detail, ok := result["result"].(map[string]any)
	require.True(t, ok)
	failureBody, ok := detail["failure"].(map[string]any)
	require.True(t, ok)
	details, ok := failureBody["failure_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "queue_rejection", details["error_category"])
}

func TestHandlerDropsTamperedEnvelope(t *testing.T) {
	capture := &resultCapture{}
	submitter := &inlineSubmitter{}
	handler := NewBuildRequestHandler(nil, submitter, capture.publisher(), "pipeline.builds.results")

	request := events.BuildRequestedPayload{BuildID: events.NewBuildID(), ArtifactID: "artifact-8"}
	event, err := events.NewEvent(request.BuildID, events.BuildRequested, 0, request)
	require.NoError(t, err)

	// Corrupt the payload after the checksum was sealed.
	event.Payload = json.RawMessage(`{"artifact_id":"swapped"}`)
	wire, err := json.Marshal(event)
	require.NoError(t, err)

	// Dropped without redelivery and without scheduling a build.
	require.NoError(t, handler.Handle(context.Background(), nil, wire))
	assert.Empty(t, capture.payloads)
	assert.Zero(t, submitter.calls)
}

func TestHandlerMalformedPayload(t *testing.T) {
	handler := NewBuildRequestHandler(nil, &inlineSubmitter{}, (&resultCapture{}).publisher(), "q")

	err := handler.Handle(context.Background(), nil, []byte("not json"))
	assert.Error(t, err)
}
