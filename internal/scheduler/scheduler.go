package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/model"
)

// Runner executes one admitted Job to completion; internal/orchestrator's
// Orchestrator satisfies this.
type Runner interface {
	Run(ctx context.Context, job *model.Job) (*model.Result, error)
}

// Config configures a Scheduler.
type Config struct {
	Capacity       Capacity
	MaxQueueDepth  int
	DeadlineSweep  time.Duration // defaults to 1s
}

// Scheduler dispatches admitted Jobs to a bounded worker pool driving a
// Runner, on top of Queue's two-level priority admission.
type Scheduler struct {
	queue   *Queue
	runner  Runner
	log     *enginelog.Logger
	cron    *cron.Cron
	sweep   time.Duration
	onDone  func(job *model.Job, result *model.Result, err error)
	onStart func(job *model.Job, cancel context.CancelFunc)

	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a Scheduler. onDone is invoked (from a worker goroutine) once
// per Job after Run returns, successfully or not; callers use it to persist
// JobState transitions and notify Await-ers. onStart, if non-nil, is
// invoked just before a job's Run call with that job's own cancellation
// function, letting a caller (internal/engine's Cancel) terminate one
// in-flight job without affecting any other.
func New(cfg Config, runner Runner, log *enginelog.Logger, onDone func(job *model.Job, result *model.Result, err error), onStart func(job *model.Job, cancel context.CancelFunc)) *Scheduler {
	sweep := cfg.DeadlineSweep
	if sweep <= 0 {
		sweep = time.Second
	}
	return &Scheduler{
		queue:   NewQueue(cfg.MaxQueueDepth, cfg.Capacity),
		runner:  runner,
		log:     log,
		cron:    cron.New(cron.WithSeconds()),
		sweep:   sweep,
		onDone:  onDone,
		onStart: onStart,
	}
}

// Submit validates job against the scheduler's static capacity ceiling and
// enqueues it. Admission against currently in-flight jobs happens lazily at
// dispatch time in Queue.Dequeue.
func (s *Scheduler) Submit(job *model.Job) error {
	if err := CheckAdmission(job, s.queue.cap); err != nil {
		return err
	}
	if err := s.queue.Enqueue(job); err != nil {
		return err
	}
	job.State = model.JobQueued
	return nil
}

// Start launches workerCount dispatch goroutines plus the cron-driven
// deadline sweep, grounded on the teacher's services/automation
// cron-triggered worker shape rather than a bare ticker.
func (s *Scheduler) Start(ctx context.Context, workerCount int) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if workerCount <= 0 {
		workerCount = 1
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.dispatchLoop(ctx)
	}

	if _, err := s.cron.AddFunc("@every "+s.sweep.String(), func() {
		s.sweepOnce()
	}); err != nil {
		cancel()
		return enginerrors.Configuration("register deadline sweep", err)
	}
	s.cron.Start()
	return nil
}

// Stop signals every dispatch goroutine to exit after its current job and
// waits for them, then stops the cron sweep and closes the queue.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.queue.Close()
	s.wg.Wait()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		s.runOne(ctx, job)
	}
}

func (s *Scheduler) runOne(ctx context.Context, job *model.Job) {
	defer s.queue.Release(job)

	job.State = model.JobRunning
	var runCancel context.CancelFunc
	runCtx := ctx
	if !job.Deadline.IsZero() {
		runCtx, runCancel = context.WithDeadline(ctx, job.Deadline)
	} else {
		runCtx, runCancel = context.WithCancel(ctx)
	}
	defer runCancel()
	if s.onStart != nil {
		s.onStart(job, runCancel)
	}

	result, err := s.runner.Run(runCtx, job)
	switch {
	case err != nil && runCtx.Err() != nil:
		job.State = model.JobCancelled
	case err != nil:
		job.State = model.JobInfraFailed
	default:
		job.State = model.JobCompleted
	}

	s.log.Infow("job dispatched", "job_id", job.ID, "state", string(job.State))
	if s.onDone != nil {
		s.onDone(job, result, err)
	}
}

// sweepOnce runs one deadline sweep pass, expiring queued jobs outright
// (they never got capacity) and letting in-flight jobs run out their
// context deadline naturally via runOne's WithDeadline.
func (s *Scheduler) sweepOnce() {
	s.queue.SweepDeadlines(time.Now(),
		func(job *model.Job) {
			job.State = model.JobCancelled
			s.log.Warnw("queued job dropped past deadline", "job_id", job.ID, "submitter", job.SubmitterID)
			if s.onDone != nil {
				s.onDone(job, nil, enginerrors.DeadlineExpired("job's deadline passed before it was dispatched"))
			}
		},
		func(job *model.Job) {
			s.log.Warnw("in-flight job past deadline, awaiting context cancellation", "job_id", job.ID)
		},
	)
}

// Depth reports the current queue depth, for the Prometheus queue-depth
// gauge.
func (s *Scheduler) Depth() int { return s.queue.Depth() }

// InFlight reports the current in-flight job count.
func (s *Scheduler) InFlight() int { return s.queue.InFlight() }
