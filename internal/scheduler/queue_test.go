package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/model"
)

func jobWithPriority(id string, priority int, submitter string) *model.Job {
	return &model.Job{
		ID: id, Priority: priority, SubmitterID: submitter,
		Spec: &model.ProblemSpec{ResourceCaps: model.ResourceCaps{CPUCores: 1, MemoryMiB: 512}},
	}
}

func TestQueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue(0, Capacity{})
	require.NoError(t, q.Enqueue(jobWithPriority("low-1", 0, "a")))
	require.NoError(t, q.Enqueue(jobWithPriority("high-1", 5, "a")))
	require.NoError(t, q.Enqueue(jobWithPriority("low-2", 0, "a")))

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high-1", first.ID)
	q.Release(first)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low-1", second.ID)
	q.Release(second)

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low-2", third.ID)
}

func TestQueueRoundRobinsAcrossSubmittersAtEqualPriority(t *testing.T) {
	q := NewQueue(0, Capacity{})
	require.NoError(t, q.Enqueue(jobWithPriority("a-1", 0, "a")))
	require.NoError(t, q.Enqueue(jobWithPriority("a-2", 0, "a")))
	require.NoError(t, q.Enqueue(jobWithPriority("b-1", 0, "b")))

	ctx := context.Background()
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a-1", first.ID)
	q.Release(first)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-1", second.ID)
}

func TestQueueEnqueueRejectsWhenAtDepthBound(t *testing.T) {
	q := NewQueue(1, Capacity{})
	require.NoError(t, q.Enqueue(jobWithPriority("a", 0, "x")))
	err := q.Enqueue(jobWithPriority("b", 0, "x"))
	assert.Error(t, err)
	code, ok := enginerrors.GetCode(err)
	require.True(t, ok)
	assert.Equal(t, enginerrors.CodeQueueFull, code)
}

func TestQueueDequeueWaitsForCapacity(t *testing.T) {
	q := NewQueue(0, Capacity{MaxConcurrency: 1})
	require.NoError(t, q.Enqueue(jobWithPriority("a", 0, "x")))
	require.NoError(t, q.Enqueue(jobWithPriority("b", 0, "x")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, 1, q.InFlight())

	done := make(chan *model.Job, 1)
	go func() {
		job, derr := q.Dequeue(ctx)
		if derr == nil {
			done <- job
		}
	}()

	select {
	case <-done:
		t.Fatal("second job admitted before capacity was released")
	case <-time.After(50 * time.Millisecond):
	}

	q.Release(first)
	select {
	case job := <-done:
		assert.Equal(t, "b", job.ID)
	case <-time.After(time.Second):
		t.Fatal("second job was never admitted after release")
	}
}

func TestCheckAdmissionRejectsOversizedJob(t *testing.T) {
	job := jobWithPriority("a", 0, "x")
	job.Spec.ResourceCaps = model.ResourceCaps{CPUCores: 8, MemoryMiB: 16384}
	err := CheckAdmission(job, Capacity{MaxCPUCores: 4, MaxMemoryMiB: 8192})
	assert.Error(t, err)
	code, ok := enginerrors.GetCode(err)
	require.True(t, ok)
	assert.Equal(t, enginerrors.CodeCapacityExceeded, code)
}

func TestSweepDeadlinesDropsExpiredQueuedJobs(t *testing.T) {
	q := NewQueue(0, Capacity{})
	expired := jobWithPriority("expired", 0, "x")
	expired.Deadline = time.Now().Add(-time.Minute)
	require.NoError(t, q.Enqueue(expired))
	require.NoError(t, q.Enqueue(jobWithPriority("fresh", 0, "x")))

	var dropped []string
	q.SweepDeadlines(time.Now(), func(job *model.Job) { dropped = append(dropped, job.ID) }, func(job *model.Job) {})

	assert.Equal(t, []string{"expired"}, dropped)
	assert.Equal(t, 1, q.Depth())
}
