// Package engine provides the in-process Submit/Cancel/Await facade tying
// together the Scheduler, Orchestrator, Sandbox Provider, Stage Runner,
// Metric Collectors, Scorer, and Evidence Store into the single entry point
// cmd/req2run-engine calls through. internal/controlplane does not use it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/model"
	"github.com/R3E-Network/req2run-engine/internal/resultstore"
	"github.com/R3E-Network/req2run-engine/internal/scheduler"
	"github.com/R3E-Network/req2run-engine/internal/scorer"
	"github.com/R3E-Network/req2run-engine/internal/telemetry"
)

// outcome is what a completed or failed Job resolves to, delivered once to
// anyone blocked in Await.
type outcome struct {
	result *model.Result
	err    error
}

// Engine is the evaluation pipeline's facade: submit a (ProblemSpec,
// Submission) pair, optionally cancel it mid-run, and await its terminal
// Result.
type Engine struct {
	scheduler *scheduler.Scheduler
	store     *resultstore.Store // optional; nil disables the Result Index mirror
	log       *enginelog.Logger

	mu      sync.Mutex
	waiters map[string]chan outcome
	cancels map[string]context.CancelFunc
}

// New wires an Engine around the given Scheduler config and Runner,
// constructing the Scheduler itself so OnJobDone/registerCancel can be
// wired as its callbacks. store may be nil if no Postgres Result Index is
// configured.
func New(cfg scheduler.Config, runner scheduler.Runner, store *resultstore.Store, log *enginelog.Logger) *Engine {
	e := &Engine{
		store:   store,
		log:     log,
		waiters: make(map[string]chan outcome),
		cancels: make(map[string]context.CancelFunc),
	}
	e.scheduler = scheduler.New(cfg, runner, log, e.OnJobDone, e.registerCancel)
	return e
}

// registerCancel records a just-dispatched job's cancellation function so
// Cancel can later terminate it.
func (e *Engine) registerCancel(job *model.Job, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[job.ID] = cancel
	e.mu.Unlock()
}

// Start launches the underlying Scheduler's dispatch workers.
func (e *Engine) Start(ctx context.Context, workerCount int) error {
	return e.scheduler.Start(ctx, workerCount)
}

// Stop drains and stops the underlying Scheduler.
func (e *Engine) Stop() {
	e.scheduler.Stop()
}

// Submit assigns a Job ID, registers a waiter channel, and enqueues the job
// for dispatch. It returns immediately with the Job ID; call Await to block
// for the terminal Result.
func (e *Engine) Submit(ctx context.Context, spec *model.ProblemSpec, submission *model.Submission, priority int, submitterID string, deadline time.Time, overwrite bool) (string, error) {
	if _, err := scorer.NormalizeWeights(spec.Weights); err != nil {
		cfgErr := enginerrors.Configuration("normalize scoring weights", err)
		telemetry.RecordAdmission(admissionLabel(cfgErr))
		return "", cfgErr
	}
	jobID := uuid.NewString()
	job := &model.Job{
		ID: jobID, Spec: spec, Submission: submission, Priority: priority,
		SubmitterID: submitterID, Deadline: deadline, Attempt: 1,
		Overwrite:  overwrite,
		EnqueuedAt: timeNow(),
	}

	e.mu.Lock()
	e.waiters[jobID] = make(chan outcome, 1)
	e.mu.Unlock()

	if err := e.scheduler.Submit(job); err != nil {
		e.mu.Lock()
		delete(e.waiters, jobID)
		e.mu.Unlock()
		telemetry.RecordAdmission(admissionLabel(err))
		return "", err
	}
	telemetry.RecordAdmission("admitted")
	telemetry.SetQueueDepth(e.scheduler.Depth())
	e.log.Infow("job submitted", "job_id", jobID, "spec_id", spec.ID, "submission_id", submission.ID)
	return jobID, nil
}

// maxAttempts is the retry ceiling for a Job that fails with an
// infrastructure fault (spec.md §3/§4.6/§7, Testable Scenario E): one
// retry, then the second InfraFailed is terminal.
const maxAttempts = 2

// OnJobDone is the callback wired into scheduler.New. A Job that failed
// with an infrastructure fault and hasn't yet been retried is silently
// re-enqueued at its next attempt instead of resolving its waiter;
// otherwise it resolves the job's waiter and mirrors the result into the
// Result Index if configured.
func (e *Engine) OnJobDone(job *model.Job, result *model.Result, err error) {
	telemetry.SetQueueDepth(e.scheduler.Depth())
	telemetry.SetRunningCount(e.scheduler.InFlight())

	if job.State == model.JobInfraFailed && job.Attempt < maxAttempts {
		job.Attempt++
		e.log.Warnw("retrying job after infrastructure fault", "job_id", job.ID, "attempt", job.Attempt, "error", err)
		if retryErr := e.scheduler.Submit(job); retryErr == nil {
			telemetry.RecordAdmission("retried")
			telemetry.SetQueueDepth(e.scheduler.Depth())
			return
		}
		e.log.Warnw("job retry re-enqueue failed, delivering infrastructure failure", "job_id", job.ID, "error", err)
	}

	if result != nil {
		telemetry.RecordScore(result.Scores.Total, string(result.Scores.Grade))
		for _, stage := range result.Stages {
			telemetry.RecordStageOutcome(string(stage.Name), string(stage.Kind), time.Duration(stage.DurationSeconds*float64(time.Second)))
		}
		if e.store != nil {
			if storeErr := e.store.Insert(context.Background(), result); storeErr != nil {
				e.log.Warnw("result index insert failed", "job_id", job.ID, "error", storeErr)
			}
		}
	}

	e.mu.Lock()
	ch, ok := e.waiters[job.ID]
	delete(e.waiters, job.ID)
	delete(e.cancels, job.ID)
	e.mu.Unlock()

	if ok {
		ch <- outcome{result: result, err: err}
		close(ch)
	}
}

// Await blocks until job's Result is available, ctx is cancelled, or the
// job is unknown to this Engine instance.
func (e *Engine) Await(ctx context.Context, jobID string) (*model.Result, error) {
	e.mu.Lock()
	ch, ok := e.waiters[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown or already-resolved job %q", jobID)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests early termination of an in-flight job by cancelling its
// run context, if one has been registered. A job still queued (never
// dispatched) is instead handled by SweepDeadlines or simply never
// dispatched; Cancel only affects a job the Scheduler has already started.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if !ok {
		return enginerrors.New(enginerrors.CodeCancellation, fmt.Sprintf("job %q is not currently running", jobID))
	}
	cancel()
	return nil
}

func admissionLabel(err error) string {
	if code, ok := enginerrors.GetCode(err); ok {
		switch code {
		case enginerrors.CodeCapacityExceeded:
			return "capacity_exceeded"
		case enginerrors.CodeQueueFull:
			return "queue_full"
		case enginerrors.CodeDeadlineExpired:
			return "deadline_expired"
		}
	}
	return "rejected"
}

// timeNow is a thin indirection so tests can't accidentally rely on
// wall-clock ordering across goroutines; production always uses time.Now.
var timeNow = time.Now
