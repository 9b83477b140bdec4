// Package worker drives a scheduler.Scheduler to completion across a pool
// of goroutines, one or more per task.
//
// The scheduler nucleus never blocks or sleeps internally (see
// scheduler.Scheduler's doc comment); Distributor is where that waiting
// actually happens, via a short poll backoff when a task has momentarily
// run out of ready blocks but the pipeline as a whole is not done.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"blockscheduler/internal/blocktrace"
	"blockscheduler/internal/scheduler"
)

// BlockRunner executes a single block's work and reports its terminal
// outcome. A non-nil error is treated identically to BlockFailed.
type BlockRunner interface {
	Run(ctx context.Context, taskID, blockID int) error
}

// Observer receives notifications around every acquire/release pair, for
// metrics and tracing. All fields are optional.
type Observer struct {
	OnAcquire func(taskID, blockID int)

	// OnRelease fires once per block's *terminal* outcome: a SUCCESS, or a
	// FAILED release that has exhausted its task's retries. A FAILED
	// release that still has retries left does not fire OnRelease — the
	// block isn't done yet, it's back on its ready queue — and is recorded
	// in the trace as EventRetried instead.
	OnRelease func(taskID, blockID int, status scheduler.BlockStatus)

	// OnState reports a task's current aggregate TaskState. Distributor
	// polls the scheduler's full TaskStates() snapshot on ReportInterval and
	// fires this once per task, rather than after every single acquire or
	// release — a release can ready or orphan blocks belonging to other
	// tasks, and ReleaseBlock's own return value omits the releasing task
	// once its retries are exhausted (per spec), so a full snapshot is the
	// only complete source. Polling it on a timer instead of on every block
	// event keeps the per-event cost independent of the task count.
	OnState func(taskID int, state scheduler.TaskState)
}

const (
	defaultPollInterval   = 10 * time.Millisecond
	defaultReportInterval = 50 * time.Millisecond
)

// Distributor fans work out across WorkersPerTask goroutines per task.
type Distributor struct {
	sched *scheduler.Scheduler
	run   BlockRunner
	obs   Observer

	WorkersPerTask int
	PollInterval   time.Duration
	ReportInterval time.Duration
	Trace          blocktrace.Sink
}

// NewDistributor builds a Distributor with default concurrency (one worker
// per task), poll interval (10ms), and state-report interval (50ms). Adjust
// WorkersPerTask/PollInterval/ReportInterval on the returned value before
// calling Run. Trace defaults to a no-op sink; set it to a
// *blocktrace.Recorder to capture a replayable run log.
func NewDistributor(sched *scheduler.Scheduler, runner BlockRunner, obs Observer) *Distributor {
	return &Distributor{
		sched:          sched,
		run:            runner,
		obs:            obs,
		WorkersPerTask: 1,
		PollInterval:   defaultPollInterval,
		ReportInterval: defaultReportInterval,
		Trace:          blocktrace.NopSink{},
	}
}

// Run drains every task known to the scheduler to completion. The worker set
// comes from the scheduler's own TaskStates(), which already reflects the
// full Requires() closure scheduler.New discovered when it was built — Run
// takes no task list of its own, so there is no way for it to diverge from
// what the scheduler actually knows about. Run returns the first error any
// worker goroutine reports; all other workers are cancelled via ctx.
//
// While workers are running, Run also polls Observer.OnState on
// ReportInterval and once more after every worker has finished, so the
// final snapshot is always reported even on a very short run.
func (d *Distributor) Run(ctx context.Context) error {
	workers := d.WorkersPerTask
	if workers < 1 {
		workers = 1
	}
	poll := d.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	report := d.ReportInterval
	if report <= 0 {
		report = defaultReportInterval
	}
	if d.Trace == nil {
		d.Trace = blocktrace.NopSink{}
	}

	states := d.sched.TaskStates()
	taskIDs := make([]int, 0, len(states))
	for id := range states {
		taskIDs = append(taskIDs, id)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, taskID := range taskIDs {
		taskID := taskID
		for w := 0; w < workers; w++ {
			g.Go(func() error {
				return d.drain(ctx, taskID, taskIDs, poll)
			})
		}
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	ticker := time.NewTicker(report)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			d.reportState()
			return err
		case <-ticker.C:
			d.reportState()
		}
	}
}

func (d *Distributor) drain(ctx context.Context, taskID int, allTasks []int, poll time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, ok, err := d.sched.AcquireBlock(taskID)
		if err != nil {
			return err
		}
		if !ok {
			if d.allDone(allTasks) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		if d.obs.OnAcquire != nil {
			d.obs.OnAcquire(block.TaskID, block.BlockID)
		}
		d.Trace.Record(blocktrace.Event{Kind: blocktrace.EventAcquired, TaskID: block.TaskID, BlockID: block.BlockID})

		runErr := d.run.Run(ctx, block.TaskID, block.BlockID)
		if runErr != nil {
			block.Status = scheduler.BlockFailed
		} else {
			block.Status = scheduler.BlockSuccess
		}

		changed, err := d.sched.ReleaseBlock(block)
		if err != nil {
			return err
		}

		// A FAILED release that still has retries left re-admits the block
		// to its own task's ready queue, which is the one case ReleaseBlock
		// reports the releasing task itself in its returned mapping (see
		// Scheduler.onFailureLocked). Distinguishing retry from terminal
		// failure here, rather than trusting runErr alone, is what keeps
		// OnRelease and the trace's EventFailed/EventRetried split limited
		// to genuinely terminal outcomes.
		_, retried := changed[block.TaskID]
		retried = retried && block.Status == scheduler.BlockFailed

		traceKind := blocktrace.EventSucceeded
		switch {
		case retried:
			traceKind = blocktrace.EventRetried
		case block.Status == scheduler.BlockFailed:
			traceKind = blocktrace.EventFailed
		}
		d.Trace.Record(blocktrace.Event{Kind: traceKind, TaskID: block.TaskID, BlockID: block.BlockID})

		if d.obs.OnRelease != nil && !retried {
			d.obs.OnRelease(block.TaskID, block.BlockID, block.Status)
		}
	}
}

// reportState pushes the scheduler's current TaskStates snapshot through
// Observer.OnState, one call per task. It is a no-op if no OnState hook was
// configured. Run calls this on ReportInterval rather than per block event,
// since a per-event call costs O(total tasks) and the task count is
// independent of how fast blocks are draining.
func (d *Distributor) reportState() {
	if d.obs.OnState == nil {
		return
	}
	for id, st := range d.sched.TaskStates() {
		d.obs.OnState(id, st)
	}
}

func (d *Distributor) allDone(taskIDs []int) bool {
	states := d.sched.TaskStates()
	for _, id := range taskIDs {
		if st, ok := states[id]; ok && !st.IsDone() {
			return false
		}
	}
	return true
}

// runnerFunc adapts a plain function to BlockRunner.
type runnerFunc func(ctx context.Context, taskID, blockID int) error

func (f runnerFunc) Run(ctx context.Context, taskID, blockID int) error { return f(ctx, taskID, blockID) }

// RunnerFunc is the functional-adapter constructor for BlockRunner, mirroring
// the standard library's http.HandlerFunc idiom.
func RunnerFunc(f func(ctx context.Context, taskID, blockID int) error) BlockRunner {
	return runnerFunc(f)
}
