// Package evidence implements the per-run Evidence Store: an append-only
// directory layout under a configurable root, atomic stage sealing, and
// HMAC-signed result records (spec.md §4.7).
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/model"
)

const abortedSuffix = ".aborted"

// Store roots one run's evidence directory tree under Root/<job-id>.
type Store struct {
	Root string
}

// NewStore builds a Store rooted at root (created if missing).
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: create root %q: %w", root, err)
	}
	return &Store{Root: root}, nil
}

// RunDir returns the directory a job's evidence lives under.
func (s *Store) RunDir(jobID string) string {
	return filepath.Join(s.Root, jobID)
}

// Prepare creates the run directory and writes the frozen spec.json. Call
// once at the start of a run, before any stage executes.
func (s *Store) Prepare(jobID string, spec *model.ProblemSpec) error {
	dir := s.RunDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("evidence: create run dir: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("evidence: marshal spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spec.json"), data, 0o644); err != nil {
		return fmt.Errorf("evidence: write spec.json: %w", err)
	}
	return nil
}

// StageDir returns the path a stage should write its evidence into,
// suffixed ".partial" until Seal is called. index is the stage's position
// in model.StageOrder, used for lexicographic ordering on disk.
func (s *Store) StageDir(jobID string, index int, name model.StageName) string {
	return filepath.Join(s.RunDir(jobID), "stages", fmt.Sprintf("%02d-%s.partial", index, name))
}

// Seal atomically renames a stage's ".partial" directory to its sealed
// name, marking it closed to further writes.
func (s *Store) Seal(partialDir string) (string, error) {
	sealed := partialDir[:len(partialDir)-len(".partial")]
	if err := os.Rename(partialDir, sealed); err != nil {
		return "", fmt.Errorf("evidence: seal stage dir: %w", err)
	}
	return sealed, nil
}

// Quarantine renames a run's directory tree with an ".aborted" suffix so
// no future attempt consults it, per spec.md §4.5 idempotence rule.
func (s *Store) Quarantine(jobID string) error {
	dir := s.RunDir(jobID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(dir, dir+abortedSuffix)
}

// resultClaims are the JWT claims signed over a sealed result.
type resultClaims struct {
	SpecChecksum     string `json:"spec_checksum"`
	SubmissionDigest string `json:"submission_digest"`
	EngineVersion    string `json:"engine_version"`
	ResultSHA256     string `json:"result_sha256"`
	jwt.RegisteredClaims
}

// WriteResult marshals result to result.json, writes a detached HMAC-JWT
// signature covering its checksum to the "signature" file, and returns the
// result.json bytes written. A run directory that already holds a sealed
// result.json refuses the write unless overwrite is true (spec.md §3/§4.5:
// a re-run must supply an explicit overwrite token).
func (s *Store) WriteResult(jobID string, submissionDigest string, result *model.Result, signingKey []byte, issuedAt time.Time, overwrite bool) ([]byte, error) {
	dir := s.RunDir(jobID)

	if !overwrite {
		if _, err := os.Stat(filepath.Join(dir, "result.json")); err == nil {
			return nil, enginerrors.ResultExists(fmt.Sprintf("run %q already has a sealed result; resubmit with an overwrite token to replace it", jobID))
		}
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evidence: marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("evidence: write result.json: %w", err)
	}

	sum := sha256.Sum256(data)
	claims := resultClaims{
		SpecChecksum:     result.SpecChecksum,
		SubmissionDigest: submissionDigest,
		EngineVersion:    result.EngineVersion,
		ResultSHA256:     hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return nil, fmt.Errorf("evidence: sign result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signature"), []byte(signed), 0o644); err != nil {
		return nil, fmt.Errorf("evidence: write signature: %w", err)
	}
	return data, nil
}

// VerifySignature parses and validates a detached signature against the
// signing key, returning the claims it carries.
func VerifySignature(signature string, signingKey []byte) (*resultClaims, error) {
	claims := &resultClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (interface{}, error) {
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: verify signature: %w", err)
	}
	return claims, nil
}

// NewSigningKey derives a deterministic HMAC key from the engine's
// configured secret; kept as a thin wrapper so callers never touch the
// raw secret bytes directly.
func NewSigningKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
