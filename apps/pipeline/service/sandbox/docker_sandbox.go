// Package sandbox executes untrusted build and runtime steps inside
// hardened Docker containers.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/pitabwire/util"

	appconfig "github.com/antinvestor/gatekeeper/apps/pipeline/config"
	"github.com/antinvestor/gatekeeper/internal/events"
)

// exitCodeTimeout mirrors the conventional shell timeout exit code so
// downstream consumers can distinguish timeouts from build failures.
const exitCodeTimeout = 124

// Attempt is the outcome of one sandbox phase.
type Attempt struct {
	Success     bool    `json:"success"`
	Log         string  `json:"log"`
	DurationSec float64 `json:"duration_sec"`
	ExitCode    int     `json:"exit_code"`
	Phase       string  `json:"phase"`
}

// ValidationResult aggregates the build and runtime phases.
type ValidationResult struct {
	Success bool     `json:"success"`
	Log     string   `json:"log"`
	Build   Attempt  `json:"build_metrics"`
	Run     *Attempt `json:"run_metrics,omitempty"`
}

// DockerSandbox builds a project image and verifies it starts under
// strict isolation. No host mounts, no network, capped memory and CPU.
type DockerSandbox struct {
	cfg    *appconfig.PipelineConfig
	client *client.Client
}

// NewDockerSandbox creates a sandbox backed by the local Docker daemon.
func NewDockerSandbox(cfg *appconfig.PipelineConfig) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &DockerSandbox{
		cfg:    cfg,
		client: cli,
	}, nil
}

// Close closes the Docker client.
func (s *DockerSandbox) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// imageName derives the sandbox image tag from the build ID.
func (s *DockerSandbox) imageName(buildID events.BuildID) string {
	return "sandbox-" + buildID.Short()
}

// Build builds the project image from its Dockerfile with a wall clock
// limit. A timeout reports exit code 124.
func (s *DockerSandbox) Build(ctx context.Context, buildID events.BuildID, contextDir string) Attempt {
	log := util.Log(ctx).With("build_id", buildID.String())
	startTime := time.Now()

	log.Info("starting hardened sandbox build", "context_dir", contextDir)

	timeout := time.Duration(s.cfg.SandboxBuildTimeoutSeconds) * time.Second
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buildContext, err := tarDirectory(contextDir)
	if err != nil {
		return Attempt{
			Success:     false,
			Log:         err.Error(),
			DurationSec: secondsSince(startTime),
			ExitCode:    1,
			Phase:       "build",
		}
	}

	resp, err := s.client.ImageBuild(timeoutCtx, buildContext, build.ImageBuildOptions{
		Tags:        []string{s.imageName(buildID)},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return s.buildFailure(err, timeout, startTime)
	}
	defer resp.Body.Close()

	output, err := drainBuildStream(resp.Body)
	if err != nil {
		return s.buildFailure(err, timeout, startTime)
	}

	duration := secondsSince(startTime)
	log.Info("sandbox build completed", "duration_sec", duration)

	return Attempt{
		Success:     true,
		Log:         output,
		DurationSec: duration,
		ExitCode:    0,
		Phase:       "build",
	}
}

func (s *DockerSandbox) buildFailure(err error, timeout time.Duration, startTime time.Time) Attempt {
	if errors.Is(err, context.DeadlineExceeded) {
		return Attempt{
			Success:     false,
			Log:         fmt.Sprintf("Timeout %ds exceeded during build.", int(timeout.Seconds())),
			DurationSec: timeout.Seconds(),
			ExitCode:    exitCodeTimeout,
			Phase:       "build",
		}
	}
	return Attempt{
		Success:     false,
		Log:         err.Error(),
		DurationSec: secondsSince(startTime),
		ExitCode:    1,
		Phase:       "build",
	}
}

// ValidateRuntime starts the built image under strict isolation and
// verifies it does not crash on startup. Read-only rootfs, tmpfs /tmp,
// no network, no new privileges, no host mounts.
func (s *DockerSandbox) ValidateRuntime(ctx context.Context, buildID events.BuildID, command []string) Attempt {
	log := util.Log(ctx).With("build_id", buildID.String())
	startTime := time.Now()

	log.Info("running health validation in isolated container")

	memoryLimit := int64(s.cfg.SandboxMemoryLimitMB) * 1024 * 1024
	cpuQuota := int64(s.cfg.SandboxCPULimit * 100000)

	containerConfig := &container.Config{
		Image: s.imageName(buildID),
		Cmd:   command,
		Tty:   false,
		Labels: map[string]string{
			"gatekeeper.build.id": buildID.String(),
			"gatekeeper.managed":  "true",
		},
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": ""},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:   memoryLimit,
			CPUQuota: cpuQuota,
		},
		AutoRemove: false,
	}

	containerName := fmt.Sprintf("gatekeeper-validate-%s", buildID.Short())
	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return runFailure(err.Error(), 1, startTime)
	}
	defer s.cleanupContainer(ctx, resp.ID)

	if startErr := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); startErr != nil {
		return runFailure(startErr.Error(), 1, startTime)
	}

	timeout := time.Duration(s.cfg.SandboxRunTimeoutSeconds) * time.Second
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := s.client.ContainerWait(timeoutCtx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case waitErr := <-errCh:
		if waitErr != nil {
			log.Warn("container wait error, killing container", "error", waitErr)
			_ = s.client.ContainerKill(ctx, resp.ID, "KILL")
			if errors.Is(waitErr, context.DeadlineExceeded) {
				return runFailure("Timeout during runtime validation", exitCodeTimeout, startTime)
			}
			return runFailure(waitErr.Error(), 1, startTime)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-timeoutCtx.Done():
		log.Warn("runtime validation timeout, killing container")
		_ = s.client.ContainerKill(ctx, resp.ID, "KILL")
		return runFailure("Timeout during runtime validation", exitCodeTimeout, startTime)
	}

	output, logsErr := s.containerLogs(ctx, resp.ID)
	if logsErr != nil {
		log.WithError(logsErr).Warn("failed to get container logs")
		output = "Failed to retrieve runtime output"
	}

	duration := secondsSince(startTime)
	log.Info("runtime validation completed", "exit_code", exitCode, "duration_sec", duration)

	return Attempt{
		Success:     exitCode == 0,
		Log:         output,
		DurationSec: duration,
		ExitCode:    int(exitCode),
		Phase:       "runtime_validate",
	}
}

func runFailure(msg string, exitCode int, startTime time.Time) Attempt {
	return Attempt{
		Success:     false,
		Log:         msg,
		DurationSec: secondsSince(startTime),
		ExitCode:    exitCode,
		Phase:       "runtime_validate",
	}
}

// FullValidation builds and then validates the runtime, aggregating
// both phase logs. A build failure skips runtime validation.
func (s *DockerSandbox) FullValidation(ctx context.Context, buildID events.BuildID, contextDir string, command []string) ValidationResult {
	buildRes := s.Build(ctx, buildID, contextDir)
	if !buildRes.Success {
		return ValidationResult{
			Success: false,
			Log:     buildRes.Log,
			Build:   buildRes,
		}
	}

	runRes := s.ValidateRuntime(ctx, buildID, command)

	return ValidationResult{
		Success: runRes.Success,
		Log:     AggregateLogs(buildRes.Log, runRes.Log),
		Build:   buildRes,
		Run:     &runRes,
	}
}

// AggregateLogs joins the two phase logs under labeled sections.
func AggregateLogs(buildLog, runLog string) string {
	return fmt.Sprintf("BUILD LOG:\n%s\n\nRUNTIME LOG:\n%s", buildLog, runLog)
}

func (s *DockerSandbox) containerLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
		Tail:       "all",
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, reader); err != nil {
		return "", err
	}

	return stripDockerLogHeaders(buf.Bytes()), nil
}

// stripDockerLogHeaders removes the 8-byte multiplexing header from
// each log frame. Byte 0 is the stream type, bytes 4-7 the big-endian
// frame size.
func stripDockerLogHeaders(data []byte) string {
	var result bytes.Buffer
	for len(data) >= 8 {
		frameSize := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])

		data = data[8:]
		if frameSize > len(data) {
			frameSize = len(data)
		}

		result.Write(data[:frameSize])
		data = data[frameSize:]
	}

	if len(data) > 0 {
		result.Write(data)
	}

	return result.String()
}

func (s *DockerSandbox) cleanupContainer(ctx context.Context, containerID string) {
	log := util.Log(ctx)

	stopTimeout := 5
	_ = s.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})

	err := s.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		log.WithError(err).Warn("failed to remove container", "container_id", containerID)
	}
}

// drainBuildStream consumes the daemon's JSON build stream, collecting
// human-readable output and surfacing any build error.
func drainBuildStream(body io.Reader) (string, error) {
	type buildMessage struct {
		Stream string `json:"stream"`
		Error  string `json:"error"`
	}

	var output strings.Builder
	decoder := json.NewDecoder(body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return output.String(), fmt.Errorf("decode build stream: %w", err)
		}
		if msg.Error != "" {
			output.WriteString(msg.Error)
			return output.String(), errors.New(msg.Error)
		}
		output.WriteString(msg.Stream)
	}

	return output.String(), nil
}

// tarDirectory packs the build context for the daemon. Symlinks are
// carried as links, everything else as regular entries.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		relPath, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if relPath == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, relErr = os.Readlink(path); relErr != nil {
				return relErr
			}
		}

		header, hdrErr := tar.FileInfoHeader(info, link)
		if hdrErr != nil {
			return hdrErr
		}
		header.Name = filepath.ToSlash(relPath)

		if writeErr := tw.WriteHeader(header); writeErr != nil {
			return writeErr
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		file, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer file.Close()

		_, copyErr := io.Copy(tw, file)
		return copyErr
	})
	if err != nil {
		return nil, fmt.Errorf("tar build context: %w", err)
	}

	if err = tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}

	return &buf, nil
}

func secondsSince(t time.Time) float64 {
	return float64(int(time.Since(t).Seconds()*100)) / 100
}
