package classify

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPortInUse(t *testing.T) {
	classifier := NewErrorClassifier()

	result := classifier.Classify("Web server failed to start. Port 8081 was already in use")

	assert.Equal(t, "port_in_use_spring", result.Category)
	assert.Equal(t, "8081", result.Details)
	assert.InDelta(t, 0.95, result.Confidence, 0.001)
	assert.True(t, result.HasLocalRemediation())
	assert.Contains(t, result.RecommendedFixStrategy, "server.port")
	assert.False(t, result.RequiresLLMDebug)
}

func TestClassifyMissingEnvVar(t *testing.T) {
	classifier := NewErrorClassifier()

	result := classifier.Classify("startup aborted: Environment variable DATABASE_URL is missing")

	assert.Equal(t, "missing_env_var", result.Category)
	assert.Equal(t, "DATABASE_URL", result.Details)
	assert.InDelta(t, 0.95, result.Confidence, 0.001)
	assert.Equal(t, "Add DATABASE_URL to .env and application.yml", result.RecommendedFixStrategy)
	assert.False(t, result.RequiresLLMDebug)
}

func TestClassifyNpmMissingPackage(t *testing.T) {
	classifier := NewErrorClassifier()

	log := "npm ERR! code E404\nnpm ERR! 404 '@acme/widgets' is not in the npm registry"
	result := classifier.Classify(log)

	assert.Equal(t, "npm_missing_package", result.Category)
	assert.Equal(t, "@acme/widgets", result.Details)
	assert.Contains(t, result.RecommendedFixStrategy, "npm install @acme/widgets")
	assert.False(t, result.RequiresLLMDebug)
}

func TestClassifyMediumConfidenceRequiresLLM(t *testing.T) {
	classifier := NewErrorClassifier()

	result := classifier.Classify("NullInjectorError: No provider for AuthService!")

	assert.Equal(t, "missing_injection_token", result.Category)
	assert.InDelta(t, 0.75, result.Confidence, 0.001)
	assert.True(t, result.HasLocalRemediation())
	// Below the 0.80 threshold, so still routed to the debug engine.
	assert.True(t, result.RequiresLLMDebug)
}

func TestClassifyNoRemediationRequiresLLM(t *testing.T) {
	classifier := NewErrorClassifier()

	result := classifier.Classify("java.lang.NullPointerException")

	assert.Equal(t, "null_pointer_exception", result.Category)
	assert.Equal(t, "N/A", result.Details)
	assert.InDelta(t, 0.50, result.Confidence, 0.001)
	assert.False(t, result.HasLocalRemediation())
	assert.True(t, result.RequiresLLMDebug)
}

func TestClassifyUnknownFallback(t *testing.T) {
	classifier := NewErrorClassifier()

	result := classifier.Classify("everything is on fire in a completely novel way")

	assert.Equal(t, "unknown", result.Category)
	assert.Equal(t, "Uncategorized error log", result.Details)
	assert.Zero(t, result.Confidence)
	assert.False(t, result.HasLocalRemediation())
	assert.True(t, result.RequiresLLMDebug)
	assert.Equal(t, Fingerprint("unknown", "Uncategorized error log"), result.ErrorHash)
}

func TestClassifyPrecedenceFollowsTableOrder(t *testing.T) {
	classifier := NewErrorClassifier()

	// Matches both bean_injection_failure and missing_env_var; the
	// earlier table entry wins.
	log := "No qualifying bean of type 'DataSource' available\nEnvironment variable DB_HOST is missing"
	result := classifier.Classify(log)

	assert.Equal(t, "bean_injection_failure", result.Category)
	assert.Equal(t, "DataSource", result.Details)
}

func TestClassifyDeterministicFingerprint(t *testing.T) {
	classifier := NewErrorClassifier()
	log := "Web server failed to start. Port 9090 was already in use"

	first := classifier.Classify(log)
	second := classifier.Classify(log)

	assert.Equal(t, first.ErrorHash, second.ErrorHash)
	assert.NotEqual(t, first.ErrorHash,
		classifier.Classify("Web server failed to start. Port 9091 was already in use").ErrorHash)
}

func TestFingerprintStable(t *testing.T) {
	fp := Fingerprint("port_in_use_spring", "8081")
	require.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("port_in_use_spring", "8081"))
}

func TestClassifyDockerCategories(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		log      string
		category string
	}{
		{"container exited with code 137", "container_oom"},
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock", "docker_daemon_unreachable"},
		{"network builds_net not found", "network_not_found"},
		{"failed to solve: process \"/bin/sh -c mvn package\" did not complete successfully", "docker_build_failed"},
	}

	for _, tc := range tests {
		result := classifier.Classify(tc.log)
		assert.Equal(t, tc.category, result.Category, "log: %s", tc.log)
	}
}

func TestTrimShortLogUnchanged(t *testing.T) {
	trimmer := NewLogTrimmer()
	log := "line one\nline two\nError: boom"

	assert.Equal(t, log, trimmer.Trim(log))
}

func TestTrimExtractsTrace(t *testing.T) {
	trimmer := NewLogTrimmer()

	var sb strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "[INFO] downloading artifact %d\n", i)
	}
	sb.WriteString("Exception: something broke\n")
	sb.WriteString("    at com.example.Service.run(Service.java:42)\n")
	sb.WriteString("    at com.example.Main.main(Main.java:7)")

	trimmed := trimmer.Trim(sb.String())

	assert.True(t, strings.HasPrefix(trimmed, "...\n[TRIMMED NOISE]\n..."))
	assert.Contains(t, trimmed, "Exception: something broke")
	assert.Contains(t, trimmed, "Service.java:42")
	assert.NotContains(t, trimmed, "downloading artifact 0\n")
}

func TestTrimFallsBackToTail(t *testing.T) {
	trimmer := NewLogTrimmer()

	var sb strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&sb, "noise line %d\n", i)
	}
	sb.WriteString("final line")

	trimmed := trimmer.Trim(sb.String())

	assert.Contains(t, trimmed, "[TRIMMED NOISE]")
	assert.Contains(t, trimmed, "final line")
	assert.NotContains(t, trimmed, "noise line 0\n")

	// Marker plus at most the line ceiling.
	lines := strings.Split(trimmed, "\n")
	assert.LessOrEqual(t, len(lines), MaxLogLines+3)
}

func TestTrimIdempotentWithinBound(t *testing.T) {
	trimmer := NewLogTrimmer()

	log := "Error: kaboom\n    at a.b.c(d.java:1)"
	once := trimmer.Trim(log)
	twice := trimmer.Trim(once)

	assert.Equal(t, once, twice)
}

func TestTrimEnforcesCeiling(t *testing.T) {
	trimmer := NewLogTrimmer()

	var sb strings.Builder
	sb.WriteString("Error: huge trace\n")
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&sb, "    at frame%d(File.java:%d)\n", i, i)
	}

	trimmed := trimmer.Trim(sb.String())
	lines := strings.Split(trimmed, "\n")
	assert.LessOrEqual(t, len(lines), MaxLogLines+3)
}
