// Command req2run-engine embeds the evaluation pipeline engine as a batch
// runner: it loads one ProblemSpec and one Submission, drives them through
// Submit/Await in-process, prints the resulting Result, and exits with the
// codes spec.md §6 assigns a batch runner. While the run is in flight it
// optionally serves the admin HTTP surface (health check, Prometheus
// scrape, evidence tail) for observability, entirely outside that
// Submit/Await contract.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/req2run-engine/internal/config"
	"github.com/R3E-Network/req2run-engine/internal/controlplane"
	"github.com/R3E-Network/req2run-engine/internal/engine"
	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/evidence"
	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/orchestrator"
	"github.com/R3E-Network/req2run-engine/internal/predicate"
	"github.com/R3E-Network/req2run-engine/internal/resilience"
	"github.com/R3E-Network/req2run-engine/internal/resultstore"
	"github.com/R3E-Network/req2run-engine/internal/sandbox"
	"github.com/R3E-Network/req2run-engine/internal/scheduler"
	"github.com/R3E-Network/req2run-engine/internal/stagerunner"
	"github.com/R3E-Network/req2run-engine/internal/version"
)

// Exit codes for the embedded batch runner (spec.md §6).
const (
	exitAllPassed      = 0
	exitGradingFailed  = 1
	exitInfrastructure = 2
	exitConfiguration  = 3
)

func main() {
	specPath := flag.String("spec", "", "path to a ProblemSpec file (YAML or JSON)")
	submissionPath := flag.String("submission", "", "path to a Submission file (YAML or JSON)")
	submitterID := flag.String("submitter", "batch-runner", "submitter identity recorded on the Job")
	priority := flag.Int("priority", 0, "Job dispatch priority")
	jobTimeout := flag.Duration("timeout", 30*time.Minute, "wall-clock deadline for the Job, enforced by the Orchestrator")
	overwrite := flag.Bool("overwrite", false, "permit replacing an existing sealed result for this run directory")
	showVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullVersion())
		return
	}

	code, err := run(*specPath, *submissionPath, *submitterID, *priority, *jobTimeout, *overwrite)
	if err != nil {
		fmt.Fprintln(os.Stderr, "req2run-engine:", err)
	}
	os.Exit(code)
}

func run(specPath, submissionPath, submitterID string, priority int, jobTimeout time.Duration, overwrite bool) (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfiguration, fmt.Errorf("load config: %w", err)
	}
	if cfg.EngineVersion == "dev" {
		cfg.EngineVersion = version.Version
	}
	if specPath == "" || submissionPath == "" {
		return exitConfiguration, fmt.Errorf("both -spec and -submission are required")
	}

	spec, err := loadProblemSpec(specPath)
	if err != nil {
		return exitConfiguration, fmt.Errorf("load problem spec: %w", err)
	}
	submission, err := loadSubmission(submissionPath)
	if err != nil {
		return exitConfiguration, fmt.Errorf("load submission: %w", err)
	}

	log, err := enginelog.New(cfg.EngineLogLevel)
	if err != nil {
		return exitConfiguration, fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	store, err := evidence.NewStore(cfg.EvidenceRoot)
	if err != nil {
		return exitInfrastructure, fmt.Errorf("open evidence store: %w", err)
	}

	provider, err := newSandboxProvider(cfg)
	if err != nil {
		return exitConfiguration, fmt.Errorf("build sandbox provider: %w", err)
	}

	orch := &orchestrator.Orchestrator{
		Provider:         provider,
		Runner:           stagerunner.NewRunner(stagerunner.DefaultConfig()),
		Store:            store,
		Predicate:        predicate.NewEvaluator(predicate.DefaultTimeout),
		ProvisionBreaker: resilience.New(resilience.DefaultConfig()),
		EngineVersion:    cfg.EngineVersion,
		SigningKey:       evidence.NewSigningKey(cfg.SigningSecret),
		Log:              log,
	}

	var resultIndex *resultstore.Store
	if cfg.ResultDBDSN != "" {
		dbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := resultstore.Open(dbCtx, cfg.ResultDBDSN)
		cancel()
		if err != nil {
			return exitInfrastructure, fmt.Errorf("open result index: %w", err)
		}
		if err := resultstore.Migrate(db, resultstore.MigrationsPath); err != nil {
			return exitInfrastructure, fmt.Errorf("migrate result index: %w", err)
		}
		resultIndex = resultstore.NewStore(db)
		log.Infow("result index enabled", "dsn_configured", true)
	}

	eng := engine.New(scheduler.Config{
		Capacity:      scheduler.Capacity{MaxConcurrency: cfg.MaxConcurrency},
		MaxQueueDepth: cfg.MaxConcurrency * 10,
	}, orch, resultIndex, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx, cfg.MaxConcurrency); err != nil {
		return exitInfrastructure, fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	var cp *controlplane.Server
	if cfg.AdminAddr != "" {
		cp = controlplane.New(controlplane.Config{Addr: cfg.AdminAddr}, store, log)
		go func() {
			if err := cp.ListenAndServe(ctx); err != nil {
				log.Warnw("admin control plane exited", "error", err)
			}
		}()
		log.Infow("admin control plane listening", "admin_addr", cfg.AdminAddr)
	}

	deadline := time.Now().Add(jobTimeout)
	jobID, err := eng.Submit(ctx, spec, submission, priority, submitterID, deadline, overwrite)
	if err != nil {
		return exitInfrastructure, fmt.Errorf("submit job: %w", err)
	}
	log.Infow("job submitted", "job_id", jobID, "spec_id", spec.ID, "submission_id", submission.ID)

	awaitCtx, cancel := context.WithDeadline(ctx, deadline.Add(30*time.Second))
	defer cancel()
	result, err := eng.Await(awaitCtx, jobID)
	if err != nil {
		return exitInfrastructure, fmt.Errorf("await result: %w", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		log.Warnw("failed to print result", "error", err)
	}

	if hasInfraFault(result) {
		return exitInfrastructure, nil
	}
	if !result.Pass {
		return exitGradingFailed, nil
	}
	return exitAllPassed, nil
}

func hasInfraFault(result *model.Result) bool {
	for _, stage := range result.Stages {
		if stage.Kind == model.OutcomeInfraFault {
			return true
		}
	}
	return false
}

func loadProblemSpec(path string) (*model.ProblemSpec, error) {
	var spec model.ProblemSpec
	if err := decodeFile(path, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func loadSubmission(path string) (*model.Submission, error) {
	var submission model.Submission
	if err := decodeFile(path, &submission); err != nil {
		return nil, err
	}
	return &submission, nil
}

func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func newSandboxProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.SandboxVariant {
	case config.SandboxVariantLocalProcess:
		return sandbox.NewLocalProcessProvider(cfg.EvidenceRoot), nil
	default:
		return nil, fmt.Errorf("sandbox variant %q is not yet implemented by this build", cfg.SandboxVariant)
	}
}
