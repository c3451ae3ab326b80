package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/model"
)

// Capacity bounds the resources the Scheduler will admit across every
// running Job at once. A zero field means "unbounded" for that dimension.
type Capacity struct {
	MaxConcurrency int
	MaxCPUCores    float64
	MaxMemoryMiB   int64
}

// entry is one queued Job plus the heap bookkeeping the priority queue
// needs to order by priority, then by submitter round-robin turn within a
// priority band, then by arrival order.
type entry struct {
	job      *model.Job
	seq      int64 // monotonic arrival order, the FIFO tiebreaker
	turn     int64 // this submitter's round-robin turn counter at enqueue time
	heapIdx  int
}

// priorityHeap orders queued entries priority-desc, then submitter-turn-asc,
// then arrival-seq-asc — the two-level priority-then-round-robin-then-FIFO
// ordering the Evaluation Scheduler promises callers.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	if h[i].turn != h[j].turn {
		return h[i].turn < h[j].turn
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the bounded, fair admission queue feeding the worker pool: a
// two-level priority queue (priority desc, then FIFO) with submitter round
// robin layered on top so one high-volume submitter cannot starve everyone
// else's equal-priority jobs.
type Queue struct {
	mu          sync.Mutex
	notEmpty    *sync.Cond
	heap        priorityHeap
	maxDepth    int
	cap         Capacity
	inFlight    map[string]*model.Job
	usedCPU     float64
	usedMemMiB  int64
	seq         int64
	submitterTurn map[string]int64
	closed      bool
}

// NewQueue creates a Queue with the given depth bound (0 means unbounded)
// and admission capacity.
func NewQueue(maxDepth int, cap Capacity) *Queue {
	q := &Queue{
		maxDepth:      maxDepth,
		cap:           cap,
		inFlight:      make(map[string]*model.Job),
		submitterTurn: make(map[string]int64),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits job to the queue, rejecting with CodeQueueFull if the queue
// is at its depth bound. Admission control against Capacity happens at
// dispatch time, not here, since capacity is about concurrently *running*
// jobs rather than queued ones.
func (q *Queue) Enqueue(job *model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return enginerrors.New(enginerrors.CodeQueueFull, "scheduler is shutting down")
	}
	if q.maxDepth > 0 && q.heap.Len() >= q.maxDepth {
		return enginerrors.QueueFull("queue is at its configured depth bound")
	}

	turn := q.submitterTurn[job.SubmitterID]
	q.submitterTurn[job.SubmitterID] = turn + 1

	q.seq++
	heap.Push(&q.heap, &entry{job: job, seq: q.seq, turn: turn})
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a job is available and admitting it would not exceed
// cap, or ctx is cancelled. It marks the returned job in-flight against the
// capacity ledger; callers must call Release when the job finishes.
func (q *Queue) Dequeue(ctx context.Context) (*model.Job, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if q.closed && q.heap.Len() == 0 {
			return nil, enginerrors.New(enginerrors.CodeQueueFull, "scheduler is shut down")
		}

		next := q.peekAdmissible()
		if next != nil {
			heap.Remove(&q.heap, next.heapIdx)
			q.admit(next.job)
			return next.job, nil
		}
		q.notEmpty.Wait()
	}
}

// peekAdmissible returns the highest-priority queued entry that fits within
// remaining capacity, or nil if none does (either the queue is empty or
// every queued job would exceed the capacity ledger).
func (q *Queue) peekAdmissible() *entry {
	var best *entry
	for _, e := range q.heap {
		if !q.fitsCapacity(e.job) {
			continue
		}
		if best == nil || q.heap.Less(e.heapIdx, best.heapIdx) {
			best = e
		}
	}
	return best
}

func (q *Queue) fitsCapacity(job *model.Job) bool {
	if q.cap.MaxConcurrency > 0 && len(q.inFlight) >= q.cap.MaxConcurrency {
		return false
	}
	if q.cap.MaxCPUCores > 0 && q.usedCPU+job.Spec.ResourceCaps.CPUCores > q.cap.MaxCPUCores {
		return false
	}
	if q.cap.MaxMemoryMiB > 0 && q.usedMemMiB+job.Spec.ResourceCaps.MemoryMiB > q.cap.MaxMemoryMiB {
		return false
	}
	return true
}

func (q *Queue) admit(job *model.Job) {
	q.inFlight[job.ID] = job
	q.usedCPU += job.Spec.ResourceCaps.CPUCores
	q.usedMemMiB += job.Spec.ResourceCaps.MemoryMiB
}

// Release frees a completed job's reserved capacity and wakes any waiters
// that might now fit.
func (q *Queue) Release(job *model.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[job.ID]; !ok {
		return
	}
	delete(q.inFlight, job.ID)
	q.usedCPU -= job.Spec.ResourceCaps.CPUCores
	q.usedMemMiB -= job.Spec.ResourceCaps.MemoryMiB
	q.notEmpty.Broadcast()
}

// Close marks the queue shut down; blocked Dequeue calls with nothing left
// to drain return an error instead of waiting forever.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// Depth returns the number of jobs currently queued (not yet dispatched).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// InFlight returns the number of jobs currently admitted and running.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// CheckAdmission validates job against the static per-job resource caps
// declared in its ProblemSpec before it ever reaches the queue, aggregating
// every violated dimension into one CapacityExceeded error via
// go-multierror so a caller sees all the ways a job is oversized at once,
// not just the first.
func CheckAdmission(job *model.Job, cap Capacity) error {
	var merr *multierror.Error
	if cap.MaxCPUCores > 0 && job.Spec.ResourceCaps.CPUCores > cap.MaxCPUCores {
		merr = multierror.Append(merr, enginerrors.New(enginerrors.CodeCapacityExceeded,
			"requested cpu_cores exceeds the scheduler's per-job ceiling"))
	}
	if cap.MaxMemoryMiB > 0 && job.Spec.ResourceCaps.MemoryMiB > cap.MaxMemoryMiB {
		merr = multierror.Append(merr, enginerrors.New(enginerrors.CodeCapacityExceeded,
			"requested memory_mib exceeds the scheduler's per-job ceiling"))
	}
	if merr != nil {
		return enginerrors.CapacityExceeded("job exceeds scheduler capacity", merr.ErrorOrNil())
	}
	return nil
}

// SweepDeadlines removes still-queued jobs whose Deadline has passed
// (invoking onQueuedExpired for each, with enginerrors.DeadlineExpired as
// the reason) and reports in-flight jobs past their deadline via
// onRunningExpired for logging only — those rely on runOne's own
// context.WithDeadline to actually terminate. The Scheduler's cron-driven
// sweeper calls this on a fixed interval rather than arming one timer per
// job.
func (q *Queue) SweepDeadlines(now time.Time, onQueuedExpired, onRunningExpired func(job *model.Job)) {
	q.mu.Lock()
	var queuedExpired, runningExpired []*model.Job
	for _, e := range q.heap {
		if !e.job.Deadline.IsZero() && now.After(e.job.Deadline) {
			queuedExpired = append(queuedExpired, e.job)
		}
	}
	for _, job := range queuedExpired {
		for i, e := range q.heap {
			if e.job.ID == job.ID {
				heap.Remove(&q.heap, i)
				break
			}
		}
	}
	for _, job := range q.inFlight {
		if !job.Deadline.IsZero() && now.After(job.Deadline) {
			runningExpired = append(runningExpired, job)
		}
	}
	q.mu.Unlock()

	for _, job := range queuedExpired {
		onQueuedExpired(job)
	}
	for _, job := range runningExpired {
		onRunningExpired(job)
	}
}
