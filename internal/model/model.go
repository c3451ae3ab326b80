// Package model holds the data types shared across the evaluation pipeline:
// the ProblemSpec/Submission inputs, the Job scheduler unit, per-run pipeline
// state, stage outcomes, the typed Metrics record, and the terminal Result.
package model

import "time"

// RequirementPriority tags a functional requirement's gating weight.
type RequirementPriority string

const (
	PriorityMust   RequirementPriority = "MUST"
	PriorityShould RequirementPriority = "SHOULD"
	PriorityMay    RequirementPriority = "MAY"
)

// OnFailurePolicy controls whether the Orchestrator continues past a
// non-fatal stage failure or short-circuits to Aggregate.
type OnFailurePolicy string

const (
	OnFailureContinue      OnFailurePolicy = "continue"
	OnFailureShortCircuit  OnFailurePolicy = "short_circuit"
)

// EgressRule is one allow-listed outbound destination.
type EgressRule struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ResourceCaps bounds a stage's (or a sandbox's) resource envelope.
type ResourceCaps struct {
	CPUCores   float64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMiB  int64   `json:"memory_mib" yaml:"memory_mib"`
	DiskMiB    int64   `json:"disk_mib" yaml:"disk_mib"`
	MaxPIDs    int     `json:"max_pids" yaml:"max_pids"`
}

// StageName enumerates the six pipeline stages, in their fixed order.
type StageName string

const (
	StageBuild           StageName = "build"
	StageDeploy          StageName = "deploy"
	StageFunctionalTest  StageName = "functional_test"
	StagePerformanceTest StageName = "performance_test"
	StageSecurityScan    StageName = "security_scan"
	StageQualityCheck    StageName = "quality_check"
)

// StageOrder is the declared, fixed sequence of pipeline stages.
var StageOrder = []StageName{
	StageBuild, StageDeploy, StageFunctionalTest,
	StagePerformanceTest, StageSecurityScan, StageQualityCheck,
}

// StageDescriptor is one ProblemSpec-declared pipeline stage.
type StageDescriptor struct {
	Name             StageName       `json:"name" yaml:"name"`
	CommandTemplate  []string        `json:"command_template" yaml:"command_template"`
	TimeBudget       time.Duration   `json:"time_budget" yaml:"time_budget"`
	ToleratedExits   []int           `json:"tolerated_exits" yaml:"tolerated_exits"`
	OnFailure        OnFailurePolicy `json:"on_failure" yaml:"on_failure"`
	SuccessCriteria  string          `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	SecurityJSONPath string          `json:"security_jsonpath,omitempty" yaml:"security_jsonpath,omitempty"`
}

// Requirement is one functional requirement the submission is judged against.
// SuccessCriteria, when set, is a boolean JavaScript expression (evaluated
// by internal/predicate) that must also hold in addition to every TestID
// passing; a requirement with an unevaluatable or absent-evaluator
// criteria expression is treated as unsatisfied rather than vacuously true.
type Requirement struct {
	ID              string              `json:"id" yaml:"id"`
	Priority        RequirementPriority `json:"priority" yaml:"priority"`
	TestIDs         []string            `json:"test_ids" yaml:"test_ids"`
	SuccessCriteria string              `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
}

// NonFunctionalTargets carries performance gates used by the Scorer.
type NonFunctionalTargets struct {
	LatencyP95TargetMS float64 `json:"latency_p95_target_ms" yaml:"latency_p95_target_ms"`
	ThroughputFloorRPS float64 `json:"throughput_floor_rps" yaml:"throughput_floor_rps"`
}

// ScoringWeights overrides the Scorer's default sub-score weights. A zero
// value for any field means "use the default"; scorer.NormalizeWeights rescales whatever
// is set to sum to 1.0.
type ScoringWeights struct {
	Functional  float64 `json:"functional" yaml:"functional"`
	Test        float64 `json:"test" yaml:"test"`
	Performance float64 `json:"performance" yaml:"performance"`
	Quality     float64 `json:"quality" yaml:"quality"`
	Security    float64 `json:"security" yaml:"security"`
}

// DefaultScoringWeights are the Scorer's un-overridden weights (spec.md §4.4).
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Functional:  0.35,
		Test:        0.25,
		Performance: 0.15,
		Quality:     0.15,
		Security:    0.10,
	}
}

// ProblemSpec is the immutable input describing what a submission is judged
// against. The core consumes an already-validated spec; schema/authoring is
// out of scope.
type ProblemSpec struct {
	ID               string               `json:"id" yaml:"id"`
	DifficultyTier   string               `json:"difficulty_tier" yaml:"difficulty_tier"`
	Category         string               `json:"category" yaml:"category"`
	Stages           []StageDescriptor    `json:"stages" yaml:"stages"`
	ResourceCaps     ResourceCaps         `json:"resource_caps" yaml:"resource_caps"`
	AllowedEgress    []EgressRule         `json:"allowed_egress" yaml:"allowed_egress"`
	Requirements     []Requirement        `json:"requirements" yaml:"requirements"`
	NonFunctional    NonFunctionalTargets `json:"non_functional" yaml:"non_functional"`
	Weights          ScoringWeights       `json:"weights" yaml:"weights"`
	ServiceDeps      []string             `json:"service_deps" yaml:"service_deps"`
	SuccessCriteria  string               `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Checksum         string               `json:"checksum" yaml:"checksum"`
}

// StageByName returns the ProblemSpec's descriptor for a stage, if declared.
func (p *ProblemSpec) StageByName(name StageName) (StageDescriptor, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageDescriptor{}, false
}

// MustRequirements returns the requirements tagged MUST.
func (p *ProblemSpec) MustRequirements() []Requirement {
	var out []Requirement
	for _, r := range p.Requirements {
		if r.Priority == PriorityMust {
			out = append(out, r)
		}
	}
	return out
}

// Submission is the immutable candidate under evaluation.
type Submission struct {
	ID         string `json:"id" yaml:"id"`
	RootPath   string `json:"root_path" yaml:"root_path"`
	Language   string `json:"language,omitempty" yaml:"language,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Digest     string `json:"digest" yaml:"digest"`
}

// JobState is the scheduler-visible lifecycle of a Job.
type JobState string

const (
	JobQueued      JobState = "Queued"
	JobRunning     JobState = "Running"
	JobCompleted   JobState = "Completed"
	JobInfraFailed JobState = "InfraFailed"
	JobCancelled   JobState = "Cancelled"
)

// Job is the scheduler's unit of work: one (ProblemSpec, Submission) pair.
type Job struct {
	ID          string
	Spec        *ProblemSpec
	Submission  *Submission
	Priority    int
	SubmitterID string
	Deadline    time.Time
	Attempt     int
	State       JobState
	Overwrite   bool
	EnqueuedAt  time.Time
}

// StageOutcomeKind enumerates the possible per-stage results (spec.md §3).
type StageOutcomeKind string

const (
	OutcomeSuccess           StageOutcomeKind = "Success"
	OutcomeRequirementFail   StageOutcomeKind = "RequirementFail"
	OutcomeTimeout           StageOutcomeKind = "Timeout"
	OutcomeResourceExceeded  StageOutcomeKind = "ResourceExceeded"
	OutcomeCrashedInSandbox  StageOutcomeKind = "CrashedInSandbox"
	OutcomeInfraFault        StageOutcomeKind = "InfraFault"
)

// MetricValue is a closed tagged variant over the shapes a stage's captured
// metric line or auxiliary probe can take (spec.md §9's "dynamic typing of
// metric payloads" redesign note).
type MetricValue struct {
	Kind      MetricValueKind    `json:"kind"`
	Number    float64            `json:"number,omitempty"`
	Counts    map[string]int64   `json:"counts,omitempty"`
	Histogram []HistogramBucket  `json:"histogram,omitempty"`
	String    string             `json:"string,omitempty"`
}

type MetricValueKind string

const (
	MetricKindNumber    MetricValueKind = "number"
	MetricKindCounts    MetricValueKind = "counts"
	MetricKindHistogram MetricValueKind = "histogram"
	MetricKindString    MetricValueKind = "string"
)

// HistogramBucket is one bucketed, log-scaled latency-histogram entry.
type HistogramBucket struct {
	UpperBoundMS float64 `json:"upper_bound_ms"`
	Count        int64   `json:"count"`
}

// StageOutcome is the Stage Runner's result for one stage execution.
type StageOutcome struct {
	Stage      StageName              `json:"stage"`
	Kind       StageOutcomeKind       `json:"kind"`
	SubReason  string                 `json:"sub_reason,omitempty"`
	Duration   time.Duration          `json:"duration"`
	ExitCode   int                    `json:"exit_code"`
	Metrics    map[string]MetricValue `json:"metrics"`
	StdoutTail string                 `json:"-"`
	StderrTail string                 `json:"-"`
	EvidenceDir string                `json:"evidence_dir"`
	PeakRSSBytes int64                `json:"peak_rss_bytes"`
	CPUSeconds   float64              `json:"cpu_seconds"`
	Endpoint     string               `json:"endpoint,omitempty"`
	WithinBudget bool                 `json:"within_budget"`
}

// PerformanceMetrics is the performance sub-record.
type PerformanceMetrics struct {
	P50MS        float64 `json:"p50_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
	RPS          float64 `json:"rps"`
	ErrorRate    float64 `json:"error_rate"`
	LowConfidence bool   `json:"low_confidence"`
}

// QualityMetrics is the quality sub-record.
type QualityMetrics struct {
	LineCoverage       *float64       `json:"line_coverage"`
	CyclomaticAvg      *float64       `json:"cyclomatic_avg"`
	LintSeverityCounts map[string]int `json:"lint_severity_counts"`
	DocumentationRatio *float64       `json:"documentation_ratio"`
}

// SecurityMetrics is the security sub-record.
type SecurityMetrics struct {
	Critical          int     `json:"critical"`
	High              int     `json:"high"`
	Medium            int     `json:"medium"`
	Low               int     `json:"low"`
	RuntimeCompliance float64 `json:"runtime_compliance"`
}

// Metrics is the typed, per-run record the Scorer consumes.
type Metrics struct {
	FunctionalCoverage float64            `json:"functional_coverage"`
	TestPassRate       float64            `json:"test_pass_rate"`
	Performance        PerformanceMetrics `json:"performance"`
	Quality            QualityMetrics     `json:"quality"`
	Security           SecurityMetrics    `json:"security"`
}

// Grade is the categorical label derived from total_score plus the pass-gate.
type Grade string

const (
	GradeGold   Grade = "Gold"
	GradeSilver Grade = "Silver"
	GradeBronze Grade = "Bronze"
	GradeFail   Grade = "Fail"
)

// Scores is the Scorer's full breakdown.
type Scores struct {
	Functional  float64 `json:"functional"`
	Test        float64 `json:"test"`
	Performance float64 `json:"performance"`
	Quality     float64 `json:"quality"`
	Security    float64 `json:"security"`
	Total       float64 `json:"total"`
	Grade       Grade   `json:"grade"`
}

// Determinism records the reproducibility descriptor (spec.md §5).
type Determinism struct {
	Seed          int64  `json:"seed"`
	EngineVersion string `json:"engine_version"`
	SpecChecksum  string `json:"spec_checksum"`
}

// ResultStageEntry is one stage's summary as it appears in result.json.
type ResultStageEntry struct {
	Name           StageName              `json:"name"`
	Kind           StageOutcomeKind       `json:"kind"`
	DurationSeconds float64               `json:"duration_seconds"`
	ExitCode       int                    `json:"exit_code"`
	Metrics        map[string]MetricValue `json:"metrics"`
}

// Result is the terminal, immutable per-run record.
type Result struct {
	JobID         string             `json:"job_id"`
	SpecID        string             `json:"spec_id"`
	SpecChecksum  string             `json:"spec_checksum"`
	SubmissionID  string             `json:"submission_id"`
	Seed          int64              `json:"seed"`
	EngineVersion string             `json:"engine_version"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       time.Time          `json:"ended_at"`
	Stages        []ResultStageEntry `json:"stages"`
	Metrics       Metrics            `json:"metrics"`
	Scores        Scores             `json:"scores"`
	Pass          bool               `json:"pass"`
	Reason        string             `json:"reason,omitempty"`
	Attempts      int                `json:"attempts"`
	EvidenceRoot  string             `json:"-"`
}
