// Package stagerunner drives a single pipeline stage to completion inside
// an already-provisioned sandbox: render the stage's command template,
// execute it under the stage's time budget, classify the outcome, and
// persist bounded stdout/stderr evidence.
package stagerunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/req2run-engine/internal/logging"
	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/sandbox"
)

// Config bounds how much stdout/stderr evidence a stage may write.
type Config struct {
	HeadBytes     int64 // always-kept leading bytes per stream
	FloodCapBytes int64 // total bytes per stream beyond which writes are dropped
	FloodRateBPS  int   // sustained bytes/sec allowed while spilling past HeadBytes
}

// DefaultConfig returns the 1 MiB head / 128 MiB flood cap defaults.
func DefaultConfig() Config {
	return Config{
		HeadBytes:     1 << 20,
		FloodCapBytes: 128 << 20,
		FloodRateBPS:  4 << 20, // 4 MiB/s
	}
}

// Runner executes one stage at a time against a provisioned sandbox.Handle.
type Runner struct {
	cfg Config
}

// NewRunner creates a Runner with the given bounds.
func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg}
}

// streamResult is sent back over the fan-in channel once a stream has been
// written to its evidence file.
type streamResult struct {
	name    string
	written int64
	err     error
}

// RunStage renders stage.CommandTemplate against vars, executes it inside h
// under stage.TimeBudget, writes stdout.log/stderr.log into evidenceDir
// (bounded per Config), and returns the classified outcome.
func (r *Runner) RunStage(ctx context.Context, h *sandbox.Handle, stage model.StageDescriptor, vars map[string]string, evidenceDir string, log *logging.Logger) (*model.StageOutcome, error) {
	if err := os.MkdirAll(evidenceDir, 0o755); err != nil {
		return nil, fmt.Errorf("stagerunner: create evidence dir: %w", err)
	}

	argv := renderArgv(stage.CommandTemplate, vars)
	if len(argv) == 0 {
		return nil, fmt.Errorf("stagerunner: stage %s has an empty command template", stage.Name)
	}
	stageLog := log.WithStage(string(stage.Name))
	stageLog.WithField("command", strings.Join(argv, " ")).Info("stage starting")

	violationsBefore := len(h.Policy.Violations())
	result, err := h.Exec(ctx, argv[0], argv[1:], os.Environ(), stage.TimeBudget, r.cfg.FloodCapBytes)
	if err != nil {
		return nil, err
	}
	policyViolated := len(h.Policy.Violations()) > violationsBefore

	limiter := rate.NewLimiter(rate.Limit(r.cfg.FloodRateBPS), r.cfg.FloodRateBPS)
	stdoutWritten, stderrWritten := r.writeStreams(ctx, evidenceDir, result.Stdout, result.Stderr, limiter)

	kind, subReason := classify(result, stage)
	if policyViolated {
		kind, subReason = model.OutcomeCrashedInSandbox, "policy_violation"
	}
	withinBudget := result.Duration <= stage.TimeBudget/2

	outcome := &model.StageOutcome{
		Stage:        stage.Name,
		Kind:         kind,
		SubReason:    subReason,
		Duration:     result.Duration,
		ExitCode:     result.ExitCode,
		StdoutTail:   tail(result.Stdout, 4096),
		StderrTail:   tail(result.Stderr, 4096),
		EvidenceDir:  evidenceDir,
		PeakRSSBytes: int64(result.PeakRSSBytes),
		CPUSeconds:   result.CPUSeconds,
		WithinBudget: withinBudget,
	}

	stageLog.WithFields(map[string]interface{}{
		"kind":           kind,
		"exit_code":      result.ExitCode,
		"duration_ms":    result.Duration.Milliseconds(),
		"stdout_bytes":   stdoutWritten,
		"stderr_bytes":   stderrWritten,
		"within_budget":  withinBudget,
	}).Info("stage finished")

	return outcome, nil
}

// writeStreams fans stdout and stderr out to two goroutines writing their
// bounded evidence files concurrently, draining completions over a shared
// channel so the caller doesn't serialize two potentially large writes.
func (r *Runner) writeStreams(ctx context.Context, evidenceDir string, stdout, stderr []byte, limiter *rate.Limiter) (int64, int64) {
	results := make(chan streamResult, 2)

	go func() {
		n, err := r.writeBounded(ctx, filepath.Join(evidenceDir, "stdout.log"), stdout, limiter)
		results <- streamResult{name: "stdout", written: n, err: err}
	}()
	go func() {
		n, err := r.writeBounded(ctx, filepath.Join(evidenceDir, "stderr.log"), stderr, limiter)
		results <- streamResult{name: "stderr", written: n, err: err}
	}()

	var stdoutN, stderrN int64
	for i := 0; i < 2; i++ {
		res := <-results
		switch res.name {
		case "stdout":
			stdoutN = res.written
		case "stderr":
			stderrN = res.written
		}
	}
	return stdoutN, stderrN
}

// writeBounded writes up to HeadBytes unthrottled, then rate-limits
// additional writes up to FloodCapBytes, dropping anything beyond that.
func (r *Runner) writeBounded(ctx context.Context, path string, data []byte, limiter *rate.Limiter) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := data
	truncated := false
	limit := r.cfg.HeadBytes + r.cfg.FloodCapBytes
	if int64(len(data)) > limit {
		head = data[:limit]
		truncated = true
	}

	var written int64
	headLen := r.cfg.HeadBytes
	if int64(len(head)) < headLen {
		headLen = int64(len(head))
	}
	n, err := f.Write(head[:headLen])
	written += int64(n)
	if err != nil {
		return written, err
	}

	for offset := headLen; offset < int64(len(head)); {
		chunk := int64(64 * 1024)
		if offset+chunk > int64(len(head)) {
			chunk = int64(len(head)) - offset
		}
		if err := limiter.WaitN(ctx, int(chunk)); err != nil {
			break
		}
		n, err := f.Write(head[offset : offset+chunk])
		written += int64(n)
		if err != nil {
			return written, err
		}
		offset += chunk
	}

	if truncated {
		marker := fmt.Sprintf("\n...[truncated, %d bytes omitted]...\n", int64(len(data))-limit)
		f.WriteString(marker)
	}
	return written, nil
}

func classify(result *sandbox.ExecResult, stage model.StageDescriptor) (model.StageOutcomeKind, string) {
	if result.ResourceExceeded {
		return model.OutcomeResourceExceeded, result.ResourceReason
	}
	if result.TimedOut {
		return model.OutcomeTimeout, fmt.Sprintf("exceeded time budget of %s", stage.TimeBudget)
	}
	if result.Crashed {
		return model.OutcomeCrashedInSandbox, "process terminated by signal"
	}
	tolerated := stage.ToleratedExits
	if len(tolerated) == 0 {
		tolerated = []int{0}
	}
	for _, code := range tolerated {
		if code == result.ExitCode {
			return model.OutcomeSuccess, ""
		}
	}
	return model.OutcomeRequirementFail, fmt.Sprintf("exit code %d not in tolerated set %v", result.ExitCode, tolerated)
}

func tail(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[len(data)-n:])
}

// renderArgv performs ${var} substitution on each argv token; command
// templates are authored by the ProblemSpec, not by submissions, so this is
// plain per-token string substitution rather than a shell.
func renderArgv(template []string, vars map[string]string) []string {
	out := make([]string, len(template))
	for i, token := range template {
		for k, v := range vars {
			token = strings.ReplaceAll(token, "${"+k+"}", v)
		}
		out[i] = token
	}
	return out
}
