//nolint:testpackage // Tests construct handlers with in-memory collaborators
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/antinvestor/gatekeeper/apps/pipeline/config"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/monitor"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/release"
	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
	"github.com/antinvestor/gatekeeper/internal/events"
)

func buildHandlerForTest(published *[]map[string]any, publishErr error) *BuildHandler {
	cfg := &appconfig.PipelineConfig{}
	cfg.QueueBuildRequestName = "pipeline.builds.requests"

	publisher := events.NewQueuePublisher(
		func(_ context.Context, _ string, payload any, _ map[string]string) error {
			if publishErr != nil {
				return publishErr
			}
			*published = append(*published, payload.(map[string]any))
			return nil
		},
	)

	return NewBuildHandler(cfg, publisher)
}

func TestHandleSubmitBuildValid(t *testing.T) {
	var published []map[string]any
	handler := buildHandlerForTest(&published, nil)

	body := `{"artifact_id":"proj-42","context_dir":"/workspaces/proj-42","live_url":"https://proj-42.example.dev"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(body))
	rr := httptest.NewRecorder()

	handler.HandleSubmitBuild(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp BuildSubmissionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.BuildID)

	// The queued envelope must survive the wire with its checksum intact.
	require.Len(t, published, 1)
	wire, err := json.Marshal(published[0])
	require.NoError(t, err)

	event, err := events.QueuePayloadToEvent(wire)
	require.NoError(t, err)
	assert.Equal(t, events.BuildRequested, event.EventType)
	assert.True(t, event.VerifyChecksum())

	var queued events.BuildRequestedPayload
	require.NoError(t, event.UnmarshalPayload(&queued))
	assert.Equal(t, "proj-42", queued.ArtifactID)
	assert.Equal(t, "/workspaces/proj-42", queued.ContextDir)
	assert.Equal(t, resp.BuildID, queued.BuildID.String())
}

func TestHandleSubmitBuildValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing artifact",
			body: `{"context_dir":"/workspaces/x"}`,
			want: "artifact_id is required",
		},
		{
			name: "missing context dir",
			body: `{"artifact_id":"proj"}`,
			want: "context_dir is required",
		},
		{
			name: "relative context dir",
			body: `{"artifact_id":"proj","context_dir":"workspaces/x"}`,
			want: "context_dir must be an absolute path",
		},
		{
			name: "bad live url",
			body: `{"artifact_id":"proj","context_dir":"/w","live_url":"ftp://x"}`,
			want: "live_url must be an http(s) URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var published []map[string]any
			handler := buildHandlerForTest(&published, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			handler.HandleSubmitBuild(rr, req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.want)
			assert.Empty(t, published)
		})
	}
}

func TestHandleSubmitBuildRejectsGet(t *testing.T) {
	var published []map[string]any
	handler := buildHandlerForTest(&published, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/builds", nil)
	rr := httptest.NewRecorder()
	handler.HandleSubmitBuild(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHandleSubmitBuildInvalidJSON(t *testing.T) {
	var published []map[string]any
	handler := buildHandlerForTest(&published, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/builds", strings.NewReader("{broken"))
	rr := httptest.NewRecorder()
	handler.HandleSubmitBuild(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, published)
}

func TestHandleStatus(t *testing.T) {
	scheduler := sandbox.NewScheduler(1, 5)
	mon := monitor.NewProductionMonitor(monitor.DefaultThresholds(), nil)
	handler := NewStatusHandler(scheduler, mon)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/status", nil)
	rr := httptest.NewRecorder()
	handler.HandleStatus(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var status PipelineStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "running", status.Status)
	assert.False(t, status.IntakeHalted)

	scheduler.Halt()
	rr = httptest.NewRecorder()
	handler.HandleStatus(rr, httptest.NewRequest(http.MethodGet, "/api/v1/pipeline/status", nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "halted", status.Status)
	assert.True(t, status.IntakeHalted)
}

func TestHandleResume(t *testing.T) {
	scheduler := sandbox.NewScheduler(1, 5)
	mon := monitor.NewProductionMonitor(monitor.DefaultThresholds(), nil)
	handler := NewStatusHandler(scheduler, mon)

	scheduler.Halt()
	require.True(t, scheduler.Halted())

	rr := httptest.NewRecorder()
	handler.HandleResume(rr, httptest.NewRequest(http.MethodPost, "/api/v1/pipeline/resume", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, scheduler.Halted())
}

func TestHandleAlerts(t *testing.T) {
	scheduler := sandbox.NewScheduler(1, 5)
	mon := monitor.NewProductionMonitor(monitor.DefaultThresholds(), nil)
	mon.CheckBuildLatency(context.Background(), "proj", 999)

	handler := NewStatusHandler(scheduler, mon)

	rr := httptest.NewRecorder()
	handler.HandleAlerts(rr, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Count  int      `json:"count"`
		Alerts []string `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Contains(t, body.Alerts[0], "LATENCY SPIKE")
}

type captureEmitter struct {
	names []string
}

func (c *captureEmitter) Emit(_ context.Context, eventName string, _ any) error {
	c.names = append(c.names, eventName)
	return nil
}

func releaseHandlerForTest(emitter EventsEmitter) (*ReleaseHandler, *release.Recorder) {
	recorder := release.NewRecorder()
	return NewReleaseHandler(
		recorder,
		release.NewReliabilityCalculator(3, 5),
		release.NewAbuseStabilityCalculator(2, 50000, 0.75),
		release.NewGatekeeper(),
		emitter,
	), recorder
}

func TestHandleEvaluateApproved(t *testing.T) {
	emitter := &captureEmitter{}
	handler, recorder := releaseHandlerForTest(emitter)

	for range 20 {
		recorder.RecordBuild(true)
		recorder.RecordDeployment(true)
	}

	body := `{"target_stage":"alpha"}`
	rr := httptest.NewRecorder()
	handler.HandleEvaluate(rr, httptest.NewRequest(http.MethodPost, "/api/v1/release/evaluate", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Decision.Approved)
	assert.Empty(t, resp.Decision.Failures)
	assert.InDelta(t, 1.0, resp.Report.ReliabilityIndex, 0.0001)

	assert.Contains(t, emitter.names, "release.evaluated")
}

func TestHandleEvaluateBlocked(t *testing.T) {
	handler, recorder := releaseHandlerForTest(nil)

	// Half the builds fail, nowhere near alpha thresholds.
	for i := range 10 {
		recorder.RecordBuild(i%2 == 0)
	}

	body := `{"target_stage":"alpha"}`
	rr := httptest.NewRecorder()
	handler.HandleEvaluate(rr, httptest.NewRequest(http.MethodPost, "/api/v1/release/evaluate", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Decision.Approved)
	assert.NotEmpty(t, resp.Decision.Failures)
}

func TestHandleEvaluateMissingStage(t *testing.T) {
	handler, _ := releaseHandlerForTest(nil)

	rr := httptest.NewRecorder()
	handler.HandleEvaluate(rr, httptest.NewRequest(http.MethodPost, "/api/v1/release/evaluate", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleAbuseScore(t *testing.T) {
	handler, _ := releaseHandlerForTest(nil)

	body := `{
		"total_abuse_runs": 10,
		"survived_runs": 10,
		"abusive_deploy_attempts": 4,
		"survived_deployments": 4,
		"avg_retry_depth": 0.5,
		"avg_tokens_used": 10000
	}`
	rr := httptest.NewRecorder()
	handler.HandleAbuseScore(rr, httptest.NewRequest(http.MethodPost, "/api/v1/release/abuse", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "abuse_stability_score")
}
