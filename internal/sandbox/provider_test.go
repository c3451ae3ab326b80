package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/model"
)

func newTestJob(t *testing.T) *model.Job {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	return &model.Job{
		ID: "job-test-1",
		Spec: &model.ProblemSpec{
			ID:           "PROB-1",
			ResourceCaps: model.ResourceCaps{CPUCores: 1, MemoryMiB: 256, DiskMiB: 256, MaxPIDs: 32},
		},
		Submission: &model.Submission{ID: "sub-1", RootPath: src},
	}
}

func TestProvisionCopiesSubmissionAndTeardownCleansUp(t *testing.T) {
	provider := NewLocalProcessProvider(t.TempDir())
	job := newTestJob(t)

	h, err := provider.Provision(context.Background(), job)
	require.NoError(t, err)
	defer provider.Teardown(context.Background(), h)

	_, err = os.Stat(filepath.Join(h.RootDir, "run.sh"))
	assert.NoError(t, err)

	require.NoError(t, provider.Teardown(context.Background(), h))
	_, err = os.Stat(h.RootDir)
	assert.True(t, os.IsNotExist(err))
}

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	provider := NewLocalProcessProvider(t.TempDir())
	job := newTestJob(t)
	h, err := provider.Provision(context.Background(), job)
	require.NoError(t, err)
	defer provider.Teardown(context.Background(), h)

	result, err := h.Exec(context.Background(), "/bin/sh", []string{"-c", "echo hello; exit 3"}, os.Environ(), 5*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "hello")
	assert.False(t, result.TimedOut)
}

func TestExecTimesOutAndKillsProcessGroup(t *testing.T) {
	provider := NewLocalProcessProvider(t.TempDir())
	job := newTestJob(t)
	h, err := provider.Provision(context.Background(), job)
	require.NoError(t, err)
	defer provider.Teardown(context.Background(), h)

	start := time.Now()
	result, err := h.Exec(context.Background(), "/bin/sh", []string{"-c", "sleep 30"}, os.Environ(), 200*time.Millisecond, 0)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), gracePeriod+2*time.Second)
}

func TestExecRefusesRiskyBinaryAndRecordsPolicyViolation(t *testing.T) {
	provider := NewLocalProcessProvider(t.TempDir())
	job := newTestJob(t)
	h, err := provider.Provision(context.Background(), job)
	require.NoError(t, err)
	defer provider.Teardown(context.Background(), h)

	result, err := h.Exec(context.Background(), "mount", []string{"-a"}, os.Environ(), 5*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, -1, result.ExitCode)
	violations := h.Policy.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "syscall", violations[0].Action)
	assert.Equal(t, string(SyscallClassMount), violations[0].Resource)
}

func TestExecTerminatesEarlyOnOutputFlood(t *testing.T) {
	provider := NewLocalProcessProvider(t.TempDir())
	job := newTestJob(t)
	h, err := provider.Provision(context.Background(), job)
	require.NoError(t, err)
	defer provider.Teardown(context.Background(), h)

	result, err := h.Exec(context.Background(), "/bin/sh",
		[]string{"-c", "yes | head -c 2000000"}, os.Environ(), 5*time.Second, 1024)
	require.NoError(t, err)
	assert.True(t, result.ResourceExceeded)
	assert.Equal(t, "output_flood", result.ResourceReason)
}

func TestExecSetsProxyEnvironmentForEgress(t *testing.T) {
	provider := NewLocalProcessProvider(t.TempDir())
	job := newTestJob(t)
	h, err := provider.Provision(context.Background(), job)
	require.NoError(t, err)
	defer provider.Teardown(context.Background(), h)

	result, err := h.Exec(context.Background(), "/bin/sh", []string{"-c", "echo $HTTP_PROXY"}, os.Environ(), 5*time.Second, 0)
	require.NoError(t, err)
	assert.Contains(t, string(result.Stdout), h.egress.Addr())
}
