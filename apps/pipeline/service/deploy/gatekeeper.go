// Package deploy gates artifacts on their way to and from deployment.
// Nothing ships without sandbox approval, and nothing stays deployed
// without passing live functional verification.
package deploy

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/gatekeeper/apps/pipeline/service/sandbox"
)

// Functional endpoints every deployed artifact must serve with 200.
const (
	healthEndpoint     = "/api/health"
	dbHealthEndpoint   = "/api/health/db"
	authVerifyEndpoint = "/api/auth/verify"
)

// Endpoint labels used in verification failure reports.
const (
	labelLiveBase      = "Live_Base"
	labelSystemHealth  = "System_Health"
	labelDatabase      = "Database_Migrations"
	labelAuthPipeline  = "JWT_Auth_Pipeline"
	actionRollback     = "trigger_rollback"
	minRunDurationSec  = 1.0
	defaultMaxRounds   = 5
	defaultRoundDelay  = 10 * time.Second
	defaultProbeWindow = 5 * time.Second
)

// Approval is the pre-deployment gate decision.
type Approval struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons"`
	Action   string   `json:"action,omitempty"`
}

// Verification is the post-deployment gate decision.
type Verification struct {
	Verified        bool     `json:"verified"`
	Status          string   `json:"status"`
	FailedEndpoints []string `json:"failed_endpoints,omitempty"`
	FailureReason   string   `json:"failure_reason,omitempty"`
}

// Gatekeeper enforces pre-deployment validation and post-deployment
// health verification for one project.
type Gatekeeper struct {
	projectID  string
	httpClient *http.Client
	maxRounds  int
	roundDelay time.Duration
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithHTTPClient overrides the probe client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gatekeeper) { g.httpClient = client }
}

// WithVerification overrides round count and inter-round delay.
func WithVerification(maxRounds int, roundDelay time.Duration) Option {
	return func(g *Gatekeeper) {
		g.maxRounds = maxRounds
		g.roundDelay = roundDelay
	}
}

// NewGatekeeper creates a deployment gatekeeper for the given project.
func NewGatekeeper(projectID string, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		projectID:  projectID,
		httpClient: &http.Client{Timeout: defaultProbeWindow},
		maxRounds:  defaultMaxRounds,
		roundDelay: defaultRoundDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PreDeploymentValidation validates the sandbox artifact before any
// deployment happens. Rejections collect every reason, not just the
// first.
func (g *Gatekeeper) PreDeploymentValidation(ctx context.Context, result sandbox.ValidationResult) Approval {
	log := util.Log(ctx).With("project_id", g.projectID)

	var reasons []string

	if !result.Success {
		reasons = append(reasons, "Sandbox build or runtime validation failed.")
	}

	runDuration := 0.0
	if result.Run != nil {
		runDuration = result.Run.DurationSec
	}
	if runDuration < minRunDurationSec {
		reasons = append(reasons, "Container exited too quickly (CrashLoopBackOff suspected).")
	}

	if len(reasons) > 0 {
		log.Warn("pre-deployment validation failed", "reasons", reasons)
		return Approval{
			Approved: false,
			Reasons:  reasons,
			Action:   actionRollback,
		}
	}

	log.Info("pre-deployment approved")
	return Approval{Approved: true, Reasons: []string{}}
}

// PostDeploymentVerification probes the live deployment until all four
// endpoints return 200 within a single round, or the round budget is
// spent. Exhaustion reports the endpoints that never passed in any
// round and signals a rollback.
func (g *Gatekeeper) PostDeploymentVerification(ctx context.Context, liveURL string) Verification {
	log := util.Log(ctx).With("project_id", g.projectID, "live_url", liveURL)

	base := strings.TrimRight(liveURL, "/")
	probes := []struct {
		label string
		url   string
	}{
		{labelLiveBase, liveURL},
		{labelSystemHealth, base + healthEndpoint},
		{labelDatabase, base + dbHealthEndpoint},
		{labelAuthPipeline, base + authVerifyEndpoint},
	}

	everPassed := make(map[string]bool, len(probes))

	for attempt := 0; attempt < g.maxRounds; attempt++ {
		log.Info("verification round", "attempt", attempt+1, "max_rounds", g.maxRounds)

		allOK := true
		for _, probe := range probes {
			ok := g.probeEndpoint(ctx, probe.url)
			if ok {
				everPassed[probe.label] = true
			} else {
				allOK = false
			}
		}

		if allOK {
			log.Info("post-deployment verification passed")
			return Verification{Verified: true, Status: "deployed"}
		}

		if attempt < g.maxRounds-1 {
			if err := sleepCtx(ctx, g.roundDelay); err != nil {
				break
			}
		}
	}

	var failures []string
	for _, probe := range probes {
		if !everPassed[probe.label] {
			failures = append(failures, probe.label)
		}
	}

	log.Warn("post-deployment verification failed", "failed_endpoints", failures)
	return Verification{
		Verified:        false,
		Status:          "failed",
		FailedEndpoints: failures,
		FailureReason:   fmt.Sprintf("Functional endpoints timed out: %v. Rollback triggered.", failures),
	}
}

func (g *Gatekeeper) probeEndpoint(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
