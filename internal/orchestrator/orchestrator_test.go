package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/evidence"
	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/predicate"
	"github.com/R3E-Network/req2run-engine/internal/resilience"
	"github.com/R3E-Network/req2run-engine/internal/sandbox"
	"github.com/R3E-Network/req2run-engine/internal/stagerunner"
)

func shellStage(name model.StageName, script string) model.StageDescriptor {
	return model.StageDescriptor{
		Name:            name,
		CommandTemplate: []string{"/bin/sh", "-c", script},
		TimeBudget:      2000000000, // 2s, in time.Duration nanoseconds
		OnFailure:       model.OnFailureContinue,
	}
}

func newOrchestrator(t *testing.T) (*Orchestrator, string) {
	t.Helper()
	evidenceRoot := t.TempDir()
	store, err := evidence.NewStore(evidenceRoot)
	require.NoError(t, err)

	return &Orchestrator{
		Provider:         sandbox.NewLocalProcessProvider(t.TempDir()),
		Runner:           stagerunner.NewRunner(stagerunner.DefaultConfig()),
		Store:            store,
		Predicate:        predicate.NewEvaluator(predicate.DefaultTimeout),
		ProvisionBreaker: resilience.New(resilience.DefaultConfig()),
		EngineVersion:    "test",
		SigningKey:       evidence.NewSigningKey("test-secret"),
		Log:              enginelog.NewNop(),
	}, evidenceRoot
}

func newTestJob(t *testing.T, stages []model.StageDescriptor) *model.Job {
	t.Helper()
	submissionRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(submissionRoot, "marker.txt"), []byte("ok"), 0o644))

	return &model.Job{
		ID: "job-1",
		Spec: &model.ProblemSpec{
			ID:       "spec-1",
			Checksum: "abc123",
			Stages:   stages,
			NonFunctional: model.NonFunctionalTargets{
				LatencyP95TargetMS: 100,
				ThroughputFloorRPS: 10,
			},
		},
		Submission: &model.Submission{ID: "sub-1", RootPath: submissionRoot, Digest: "digest-1"},
		Attempt:    1,
	}
}

func TestRunHappyPathProducesDoneResult(t *testing.T) {
	o, evidenceRoot := newOrchestrator(t)
	job := newTestJob(t, []model.StageDescriptor{
		shellStage(model.StageBuild, "true"),
		shellStage(model.StageDeploy, "echo '##ENDPOINT:http://127.0.0.1:9999'"),
		shellStage(model.StageFunctionalTest, `echo '[{"id":"r1","passed":true}]' > ${evidence_dir}/manifest.json`),
		shellStage(model.StageSecurityScan, `echo '{"findings":[]}' > ${evidence_dir}/report.json`),
	})

	result, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass || result.Reason != "")
	assert.Len(t, result.Stages, 4)
	assert.FileExists(t, filepath.Join(evidenceRoot, "job-1", "result.json"))
	assert.FileExists(t, filepath.Join(evidenceRoot, "job-1", "signature"))

	signature, err := os.ReadFile(filepath.Join(evidenceRoot, "job-1", "signature"))
	require.NoError(t, err)
	claims, err := evidence.VerifySignature(string(signature), o.SigningKey)
	require.NoError(t, err)
	assert.Equal(t, "abc123", claims.SpecChecksum)
}

func TestRunExtractsDeployEndpoint(t *testing.T) {
	o, _ := newOrchestrator(t)
	job := newTestJob(t, []model.StageDescriptor{
		shellStage(model.StageDeploy, "echo '##ENDPOINT:http://127.0.0.1:8080'"),
		shellStage(model.StageFunctionalTest, `echo "$DEPLOY_ENDPOINT" > /dev/null; true`),
	})

	result, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, result.Stages[0].Kind)
}

func TestRunNoEndpointMarksResourceExceeded(t *testing.T) {
	o, _ := newOrchestrator(t)
	job := newTestJob(t, []model.StageDescriptor{
		shellStage(model.StageDeploy, "true"),
	})

	result, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, result.Stages, 1)
	assert.Equal(t, model.OutcomeResourceExceeded, result.Stages[0].Kind)
}

func TestRunShortCircuitsAfterNonContinueFailure(t *testing.T) {
	o, _ := newOrchestrator(t)
	failing := shellStage(model.StageBuild, "exit 1")
	failing.OnFailure = model.OnFailureShortCircuit

	job := newTestJob(t, []model.StageDescriptor{
		failing,
		shellStage(model.StageDeploy, "echo '##ENDPOINT:http://127.0.0.1:8080'"),
	})

	result, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, result.Stages, 2)
	assert.Equal(t, model.OutcomeRequirementFail, result.Stages[0].Kind)
	assert.Equal(t, model.OutcomeRequirementFail, result.Stages[1].Kind)
	assert.Zero(t, result.Stages[1].DurationSeconds)
}

func TestRunCancellationQuarantinesEvidence(t *testing.T) {
	o, evidenceRoot := newOrchestrator(t)
	job := newTestJob(t, []model.StageDescriptor{
		shellStage(model.StageBuild, "sleep 2"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, job)
	assert.Error(t, err)
	assert.NoDirExists(t, filepath.Join(evidenceRoot, "job-1"))
	assert.DirExists(t, filepath.Join(evidenceRoot, "job-1.aborted"))
}

func TestTotalBudgetSumsDeclaredStages(t *testing.T) {
	spec := &model.ProblemSpec{Stages: []model.StageDescriptor{
		{TimeBudget: 1000000000},
		{TimeBudget: 2000000000},
	}}
	assert.Equal(t, int64(3000000000), totalBudget(spec).Nanoseconds())
}
