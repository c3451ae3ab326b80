// Package orchestrator drives one Job from Init through Done (or Aborted/
// Failed) by sequencing the Sandbox Provider, Stage Runner, Metric
// Collectors, and Scorer against a single cancellation signal (spec.md
// §4.5). The state machine is an explicit Go enum + switch: no pack repo
// pulls in a generic FSM library for this shape of problem.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/R3E-Network/req2run-engine/internal/collectors"
	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/evidence"
	"github.com/R3E-Network/req2run-engine/internal/logging"
	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/predicate"
	"github.com/R3E-Network/req2run-engine/internal/resilience"
	"github.com/R3E-Network/req2run-engine/internal/sandbox"
	"github.com/R3E-Network/req2run-engine/internal/scorer"
	"github.com/R3E-Network/req2run-engine/internal/stagerunner"
)

// State is one node of the pipeline's explicit state machine.
type State string

const (
	StateInit            State = "Init"
	StateBuild           State = "Build"
	StateDeploy          State = "Deploy"
	StateFunctionalTest  State = "FunctionalTest"
	StatePerformanceTest State = "PerformanceTest"
	StateSecurityScan    State = "SecurityScan"
	StateQualityCheck    State = "QualityCheck"
	StateAggregate       State = "Aggregate"
	StatePersist         State = "Persist"
	StateDone            State = "Done"
	StateAborted         State = "Aborted"
	StateFailed          State = "Failed"
)

// stateForStage maps a pipeline stage to its orchestrator state, in
// model.StageOrder's sequence.
var stateForStage = map[model.StageName]State{
	model.StageBuild:           StateBuild,
	model.StageDeploy:          StateDeploy,
	model.StageFunctionalTest:  StateFunctionalTest,
	model.StagePerformanceTest: StatePerformanceTest,
	model.StageSecurityScan:    StateSecurityScan,
	model.StageQualityCheck:    StateQualityCheck,
}

const endpointMarker = "##ENDPOINT:"

// Orchestrator wires together one run's Sandbox Provider, Stage Runner,
// Evidence Store, and Scorer.
type Orchestrator struct {
	Provider        sandbox.Provider
	Runner          *stagerunner.Runner
	Store           *evidence.Store
	Predicate       *predicate.Evaluator
	ProvisionBreaker *resilience.CircuitBreaker
	EngineVersion   string
	SigningKey      []byte
	Log             *enginelog.Logger
}

// provisionOverhead and shutdownGrace bound the worst-case runtime beyond the
// sum of stage budgets, per spec.md §8 testable property 3.
const (
	provisionOverhead = 10 * time.Second
	shutdownGrace     = 5 * time.Second
)

// Run drives job from Init to a terminal state, returning the final
// model.Result. It never returns an error for stage-level failures — those
// are captured in the Result — but does return one for Scheduler-visible
// infra faults that should trigger a retry.
func (o *Orchestrator) Run(ctx context.Context, job *model.Job) (*model.Result, error) {
	state := StateInit
	startedAt := time.Now()

	if job.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, totalBudget(job.Spec)+provisionOverhead+shutdownGrace)
		defer cancel()
	}

	runLog, err := logging.NewForEvidenceDir(job.ID, o.Store.RunDir(job.ID), logging.Config{Level: "info", Format: "json"})
	if err != nil {
		return nil, enginerrors.InfraFault("create run logger", err)
	}

	if err := o.Store.Prepare(job.ID, job.Spec); err != nil {
		return nil, enginerrors.InfraFault("prepare evidence store", err)
	}

	handle, err := o.provision(ctx, job)
	if err != nil {
		state = StateAborted
		_ = o.Store.Quarantine(job.ID)
		return nil, enginerrors.InfraFault("provision sandbox", err)
	}
	defer func() {
		_ = o.Provider.Teardown(context.Background(), handle)
	}()

	var (
		stageEntries []model.ResultStageEntry
		outcomes     []model.StageOutcome
		metrics      model.Metrics
		endpoint     string
		shortCircuit bool
	)

	for i, stageName := range model.StageOrder {
		if ctx.Err() != nil {
			state = StateAborted
			break
		}

		descriptor, ok := job.Spec.StageByName(stageName)
		if !ok {
			continue
		}
		state = stateForStage[stageName]
		o.Log.Infow("stage transition", "job_id", job.ID, "state", string(state))

		if shortCircuit {
			outcomes = append(outcomes, model.StageOutcome{Stage: stageName, Kind: model.OutcomeRequirementFail, SubReason: "skipped_after_short_circuit"})
			stageEntries = append(stageEntries, model.ResultStageEntry{Name: stageName, Kind: model.OutcomeRequirementFail})
			continue
		}

		partialDir := o.Store.StageDir(job.ID, i, stageName)
		vars := map[string]string{"endpoint": endpoint, "evidence_dir": partialDir}
		outcome, err := o.Runner.RunStage(ctx, handle, descriptor, vars, partialDir, runLog)
		if err != nil {
			state = StateAborted
			_ = o.Provider.Teardown(context.Background(), handle)
			_ = o.Store.Quarantine(job.ID)
			return nil, enginerrors.InfraFault(fmt.Sprintf("run stage %s", stageName), err)
		}
		if sealed, err := o.Store.Seal(partialDir); err != nil {
			o.Log.Warnw("seal stage evidence failed", "job_id", job.ID, "stage", stageName, "error", err)
		} else {
			outcome.EvidenceDir = sealed
		}

		if stageName == model.StageDeploy && outcome.Kind == model.OutcomeSuccess {
			endpoint = extractEndpoint(outcome.StdoutTail)
			if endpoint == "" {
				outcome.Kind = model.OutcomeResourceExceeded
				outcome.SubReason = "no_endpoint"
			}
		}

		outcomes = append(outcomes, *outcome)
		stageEntries = append(stageEntries, model.ResultStageEntry{
			Name:            stageName,
			Kind:            outcome.Kind,
			DurationSeconds: outcome.Duration.Seconds(),
			ExitCode:        outcome.ExitCode,
			Metrics:         outcome.Metrics,
		})

		o.collectStageMetrics(stageName, descriptor, outcome, &metrics, job.Spec, handle)

		if outcome.Kind != model.OutcomeSuccess && descriptor.OnFailure != model.OnFailureContinue {
			shortCircuit = true
		}
	}

	state = StateAggregate
	weights, err := scorer.NormalizeWeights(job.Spec.Weights)
	if err != nil {
		return nil, enginerrors.Configuration("normalize scoring weights", err)
	}
	scores, pass, reason := scorer.Score(scorer.Inputs{
		Metrics:       metrics,
		Weights:       weights,
		NonFunctional: job.Spec.NonFunctional,
		ResourceCaps:  job.Spec.ResourceCaps,
		StageOutcomes: outcomes,
	})

	result := &model.Result{
		JobID:         job.ID,
		SpecID:        job.Spec.ID,
		SpecChecksum:  job.Spec.Checksum,
		SubmissionID:  job.Submission.ID,
		Seed:          int64(job.Attempt),
		EngineVersion: o.EngineVersion,
		StartedAt:     startedAt,
		EndedAt:       time.Now(),
		Stages:        stageEntries,
		Metrics:       metrics,
		Scores:        scores,
		Pass:          pass,
		Reason:        reason,
		Attempts:      job.Attempt,
		EvidenceRoot:  o.Store.RunDir(job.ID),
	}

	if ctx.Err() != nil {
		state = StateAborted
		_ = o.Store.Quarantine(job.ID)
		return result, context.Cause(ctx)
	}

	state = StatePersist
	if _, err := o.Store.WriteResult(job.ID, job.Submission.Digest, result, o.SigningKey, time.Now(), job.Overwrite); err != nil {
		return nil, enginerrors.InfraFault("write result", err)
	}
	state = StateDone
	o.Log.Infow("run complete", "job_id", job.ID, "state", string(state), "grade", string(scores.Grade), "pass", pass)
	return result, nil
}

// provision provisions job's sandbox behind the circuit breaker, retrying
// the provision call itself with exponential backoff (spec.md §4.6's
// narrow, provision-only retry) so a single transient failure from the
// container runtime doesn't trip the breaker or escalate straight to
// InfraFault.
func (o *Orchestrator) provision(ctx context.Context, job *model.Job) (*sandbox.Handle, error) {
	var handle *sandbox.Handle
	breakerErr := o.ProvisionBreaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
			h, err := o.Provider.Provision(ctx, job)
			if err != nil {
				return err
			}
			handle = h
			return nil
		})
	})
	if breakerErr != nil {
		return nil, breakerErr
	}
	return handle, nil
}

// collectStageMetrics looks for the stage's conventional output artifacts
// in its evidence directory and folds them into the run-wide Metrics
// record. Missing artifacts leave the corresponding sub-field at zero,
// per spec.md §3's "missing component treated as 0" rule.
func (o *Orchestrator) collectStageMetrics(stageName model.StageName, descriptor model.StageDescriptor, outcome *model.StageOutcome, metrics *model.Metrics, spec *model.ProblemSpec, handle *sandbox.Handle) {
	switch stageName {
	case model.StageFunctionalTest:
		data, err := os.ReadFile(filepath.Join(outcome.EvidenceDir, "manifest.json"))
		if err != nil {
			return
		}
		results, err := collectors.ParseManifest(data, collectors.FormatJSON)
		if err != nil {
			o.Log.Warnw("parse functional manifest failed", "error", err)
			return
		}
		metrics.TestPassRate = collectors.PassRate(results)
		metrics.FunctionalCoverage = collectors.FunctionalCoverage(spec.Requirements, results, o.Predicate)
	case model.StagePerformanceTest:
		data, err := os.ReadFile(filepath.Join(outcome.EvidenceDir, "histogram.json"))
		if err != nil {
			return
		}
		var buckets []model.HistogramBucket
		if err := json.Unmarshal(data, &buckets); err != nil {
			o.Log.Warnw("parse performance histogram failed", "error", err)
			return
		}
		p50, p95, p99 := collectors.Percentiles(buckets)
		observations := collectors.ObservationCount(buckets)
		metrics.Performance = model.PerformanceMetrics{
			P50MS: p50, P95MS: p95, P99MS: p99,
			LowConfidence: observations < collectors.LowConfidenceThreshold,
		}
	case model.StageSecurityScan:
		data, err := os.ReadFile(filepath.Join(outcome.EvidenceDir, "report.json"))
		if err != nil {
			return
		}
		path := descriptor.SecurityJSONPath
		if path == "" {
			path = "$.findings[*]"
		}
		runtimeCompliant := len(handle.Policy.Violations()) == 0
		sec, err := collectors.ParseSecurityReport(data, path, runtimeCompliant)
		if err != nil {
			o.Log.Warnw("parse security report failed", "error", err)
			return
		}
		metrics.Security = sec
	case model.StageQualityCheck:
		data, err := os.ReadFile(filepath.Join(outcome.EvidenceDir, "coverage.out"))
		if err == nil {
			profile, err := collectors.ParseCoverProfile(data)
			if err == nil {
				coverage := profile.LineCoverage()
				metrics.Quality.LineCoverage = &coverage
			}
		}
	}
}

// totalBudget sums the declared TimeBudget of every stage in the spec,
// used to derive a whole-run deadline when the job carries none.
func totalBudget(spec *model.ProblemSpec) time.Duration {
	var total time.Duration
	for _, stage := range spec.Stages {
		total += stage.TimeBudget
	}
	return total
}

func extractEndpoint(stdoutTail string) string {
	for _, line := range strings.Split(stdoutTail, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, endpointMarker) {
			return strings.TrimSpace(strings.TrimPrefix(line, endpointMarker))
		}
	}
	return ""
}
