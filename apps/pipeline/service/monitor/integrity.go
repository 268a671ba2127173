package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// ErrIntegrityViolation means the template directory no longer matches
// its startup baseline. This is fatal: the whole pipeline halts rather
// than building on a mutated architecture.
var ErrIntegrityViolation = errors.New("template integrity violation")

// TemplateIntegrityGuard hashes the template directory against an
// immutable baseline computed once at startup. The baseline is a plain
// value; verification never mutates the guard.
type TemplateIntegrityGuard struct {
	templatesDir string
	baseline     string
}

// NewTemplateIntegrityGuard computes the baseline hash of the template
// directory. A missing directory hashes to the empty digest, which
// still pins the expectation that nothing appears there later.
func NewTemplateIntegrityGuard(templatesDir string) *TemplateIntegrityGuard {
	return &TemplateIntegrityGuard{
		templatesDir: templatesDir,
		baseline:     computeDirHash(templatesDir),
	}
}

// BaselineHash returns the startup baseline digest.
func (g *TemplateIntegrityGuard) BaselineHash() string {
	return g.baseline
}

// VerifyIntegrity re-hashes the live directory and compares it to the
// baseline. A mismatch returns ErrIntegrityViolation.
func (g *TemplateIntegrityGuard) VerifyIntegrity() error {
	current := computeDirHash(g.templatesDir)
	if current != g.baseline {
		return ErrIntegrityViolation
	}
	return nil
}

// computeDirHash hashes every file under the directory in sorted walk
// order. Read errors fold their message into the hash state, so a file
// that becomes unreadable also trips verification.
func computeDirHash(directory string) string {
	hasher := sha256.New()

	if _, err := os.Stat(directory); err != nil {
		return hex.EncodeToString(hasher.Sum(nil))
	}

	_ = filepath.Walk(directory, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			hasher.Write([]byte(walkErr.Error()))
			return nil
		}
		if info.IsDir() {
			return nil
		}

		file, openErr := os.Open(path)
		if openErr != nil {
			hasher.Write([]byte(openErr.Error()))
			return nil
		}
		defer file.Close()

		if _, copyErr := io.Copy(hasher, file); copyErr != nil {
			hasher.Write([]byte(copyErr.Error()))
		}
		return nil
	})

	return hex.EncodeToString(hasher.Sum(nil))
}
