// Package classify turns raw build logs into bounded, categorized error
// signatures for the rest of the pipeline.
package classify

import "strings"

// MaxLogLines is the hard ceiling on lines handed to downstream debug
// tooling.
const MaxLogLines = 100

// trimMarker prefixes every trimmed log so consumers can tell an
// excerpt from a full log.
const trimMarker = "...\n[TRIMMED NOISE]\n...\n"

// traceCaptureLimit stops capture once this many lines have accumulated
// and the current line is not a stack frame continuation.
const traceCaptureLimit = 50

// failureSignals begin capture when seen anywhere in a line.
var failureSignals = []string{"Exception:", "Error:", "Caused by:", "ERR!"}

// LogTrimmer bounds huge build logs down to the actionable trace.
// Logs already within the line ceiling pass through unchanged, which
// makes trimming idempotent on its own bounded output.
type LogTrimmer struct {
	maxLines int
}

// NewLogTrimmer creates a trimmer with the default line ceiling.
func NewLogTrimmer() *LogTrimmer {
	return &LogTrimmer{maxLines: MaxLogLines}
}

// Trim reduces a raw log to at most the line ceiling, preferring lines
// from the first failure signal onward. When no signal is found the
// tail of the log is kept instead.
func (t *LogTrimmer) Trim(rawLog string) string {
	lines := strings.Split(rawLog, "\n")

	if len(lines) <= t.maxLines {
		return rawLog
	}

	var actionable []string
	captureMode := false

	for _, line := range lines {
		if hasFailureSignal(line) {
			captureMode = true
		}

		if captureMode {
			actionable = append(actionable, line)
		}

		if len(actionable) > traceCaptureLimit && !strings.Contains(strings.TrimSpace(line), "at ") {
			captureMode = false
		}
	}

	if len(actionable) == 0 {
		actionable = lines[len(lines)-t.maxLines:]
	}

	if len(actionable) > t.maxLines {
		actionable = actionable[len(actionable)-t.maxLines:]
	}

	return trimMarker + strings.Join(actionable, "\n")
}

func hasFailureSignal(line string) bool {
	for _, signal := range failureSignals {
		if strings.Contains(line, signal) {
			return true
		}
	}
	return false
}
