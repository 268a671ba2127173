// Package debug drives bounded, patch-scoped repair of failing builds.
// The generator is never allowed to regenerate a whole project, only to
// emit a single-file patch under a strict contract.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/gatekeeper/internal/events"
)

// ErrRetriesExhausted is returned when every attempt produced an
// invalid patch.
var ErrRetriesExhausted = errors.New("patch retries exhausted")

// PatchType enumerates the allowed patch operations.
type PatchType string

const (
	PatchReplace PatchType = "replace"
	PatchInsert  PatchType = "insert"
	PatchDelete  PatchType = "delete"
)

// Patch is the strict single-file patch contract. All three fields are
// required; anything else from the generator is rejected.
type Patch struct {
	FilePath       string    `json:"file_path"`
	PatchType      PatchType `json:"patch_type"`
	UpdatedContent string    `json:"updated_content"`
}

// Validate checks the patch against the contract.
func (p Patch) Validate() error {
	if p.FilePath == "" {
		return errors.New("patch missing file_path")
	}
	if p.UpdatedContent == "" && p.PatchType != PatchDelete {
		return errors.New("patch missing updated_content")
	}
	switch p.PatchType {
	case PatchReplace, PatchInsert, PatchDelete:
		return nil
	case "":
		return errors.New("patch missing patch_type")
	default:
		return fmt.Errorf("invalid patch_type %q", p.PatchType)
	}
}

// Request is the narrowly-scoped context sent to the patch generator.
// Narrow context keeps the generator from hallucinating unrelated files.
type Request struct {
	Instruction         string `json:"instruction"`
	FilePath            string `json:"file_path"`
	FailingLine         string `json:"failing_line"`
	RelevantCodeSnippet string `json:"relevant_code_snippet"`
	ErrorLog            string `json:"error_log"`
}

const patchInstruction = "Output STRICTLY JSON payload. DO NOT output full project. ONLY output the fix for the given file."

// PatchGenerator produces candidate patches from a serialized request.
// Implementations wrap an external model collaborator.
type PatchGenerator interface {
	Generate(ctx context.Context, request []byte) (string, error)
}

// Engine retries patch generation with exponential backoff until a
// contract-valid patch arrives or the attempt budget runs out.
type Engine struct {
	generator PatchGenerator
	retry     events.RetryPolicy
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy overrides the default attempt budget and backoff.
func WithRetryPolicy(policy events.RetryPolicy) Option {
	return func(e *Engine) { e.retry = policy }
}

// WithSleepFunc overrides the backoff sleep, used by tests.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// NewEngine creates a patch debug engine around the given generator.
func NewEngine(generator PatchGenerator, opts ...Option) *Engine {
	engine := &Engine{
		generator: generator,
		retry:     events.DefaultRetryPolicy(),
		sleep:     contextSleep,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DebugFile asks the generator for a fix to one failing file. Each
// malformed or contract-violating response consumes one attempt; a nil
// patch with ErrRetriesExhausted is returned once the budget is spent.
func (e *Engine) DebugFile(ctx context.Context, filePath, failingLine, sourceCode, errorLog string) (*Patch, error) {
	log := util.Log(ctx).With("file_path", filePath)

	request, err := json.Marshal(Request{
		Instruction:         patchInstruction,
		FilePath:            filePath,
		FailingLine:         failingLine,
		RelevantCodeSnippet: sourceCode,
		ErrorLog:            errorLog,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal patch request: %w", err)
	}

	for attempt := 0; !e.retry.Exhausted(attempt); attempt++ {
		log.Info("requesting patch", "attempt", attempt+1, "max_attempts", e.retry.MaxRetries)

		raw, genErr := e.generator.Generate(ctx, request)
		if genErr != nil {
			log.WithError(genErr).Warn("patch generation failed")
		} else {
			patch, parseErr := parsePatch(raw)
			if parseErr == nil {
				log.Info("valid patch received", "attempt", attempt+1, "patch_type", string(patch.PatchType))
				return patch, nil
			}
			log.WithError(parseErr).Warn("rejected patch response")
		}

		if !e.retry.Exhausted(attempt + 1) {
			delay := e.retry.CalculateDelay(attempt)
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	log.Warn("patch attempts exhausted")
	return nil, ErrRetriesExhausted
}

// parsePatch strips markdown fences the generator may wrap around its
// JSON and validates the decoded patch.
func parsePatch(raw string) (*Patch, error) {
	cleaned := stripFences(raw)

	var patch Patch
	if err := json.Unmarshal([]byte(cleaned), &patch); err != nil {
		return nil, fmt.Errorf("malformed patch JSON: %w", err)
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return &patch, nil
}

func stripFences(raw string) string {
	if idx := strings.Index(raw, "```json"); idx >= 0 {
		rest := raw[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+len("```"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(raw)
}
