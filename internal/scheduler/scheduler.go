package scheduler

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Scheduler composes the DependencyGraph, ReadySurface, per-task
// ProcessingQueues, and per-task TaskStates into the acquire/release
// contract described in spec §4.4.
//
// All public methods serialize behind a single mutex; the Scheduler does
// not suspend internally and never blocks on I/O. Concurrency belongs
// entirely to the caller, which is expected to run many workers pulling
// from AcquireBlock concurrently.
type Scheduler struct {
	mu sync.Mutex

	graph        *DependencyGraph
	readySurface *ReadySurface
	logger       *zap.Logger

	countAllOrphans bool

	taskMap    map[int]Task
	taskStates map[int]*TaskState
	taskQueues map[int]*ProcessingQueue

	lastPrechecked map[int]precheckMemo
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger overrides the Scheduler's zap logger. The default is a no-op
// logger, since the nucleus must never require a caller to wire logging in
// order to function.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Scheduler from tasks, discovering every task
// transitively reachable via Requires(), building the DependencyGraph over
// all of them, and seeding each task's ProcessingQueue with its roots.
//
// countAllOrphans selects MarkFailure's counting mode for the whole
// Scheduler lifetime; see ReadySurface.MarkFailure.
func New(tasks []Task, countAllOrphans bool, opts ...Option) (*Scheduler, error) {
	closure := discoverTasks(tasks)

	graph, err := NewDependencyGraph(closure)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		graph:           graph,
		readySurface:    NewReadySurface(graph),
		logger:          zap.NewNop(),
		countAllOrphans: countAllOrphans,
		taskMap:         make(map[int]Task, len(closure)),
		taskStates:      make(map[int]*TaskState, len(closure)),
		taskQueues:      make(map[int]*ProcessingQueue, len(closure)),
		lastPrechecked:  make(map[int]precheckMemo),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, t := range closure {
		s.taskMap[t.TaskID()] = t
		s.taskStates[t.TaskID()] = &TaskState{Total: graph.NumBlocks(t.TaskID())}
	}

	roots := graph.Roots()
	for taskID := range s.taskMap {
		rs, ok := roots[taskID]
		if !ok {
			rs = RootSet{Count: 0, Seq: newRootIterator(nil)}
		}
		s.taskQueues[taskID] = newProcessingQueue(taskID, rs.Seq)
		s.taskStates[taskID].Ready += rs.Count
	}

	return s, nil
}

// discoverTasks closes the given task list under Requires(), deduplicating
// by task id, in a stable (first-seen) order.
func discoverTasks(tasks []Task) []Task {
	seen := make(map[int]bool)
	var closure []Task
	var visit func(t Task)
	visit = func(t Task) {
		if seen[t.TaskID()] {
			return
		}
		seen[t.TaskID()] = true
		closure = append(closure, t)
		for _, up := range t.Requires() {
			visit(up)
		}
	}
	for _, t := range tasks {
		visit(t)
	}
	return closure
}

// HasNext reports whether taskID currently has a block it could hand out.
func (s *Scheduler) HasNext(taskID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNextLocked(taskID)
}

func (s *Scheduler) hasNextLocked(taskID int) bool {
	q, ok := s.taskQueues[taskID]
	return ok && q.HasNext()
}

// RootsRemaining reports how many of taskID's root blocks have not yet been
// drawn from its lazy root sequence. Zero does not imply the task is done —
// it may still have queued retries or downstream admissions pending.
func (s *Scheduler) RootsRemaining(taskID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.taskQueues[taskID]
	if !ok {
		return 0
	}
	return q.RootsRemaining()
}

// AcquireBlock returns the next block safe to run for taskID, or ok=false
// if none is currently available.
//
// The precheck-skip path is implemented iteratively, not via recursion, so
// a task whose check_function skips a long run of blocks cannot grow the
// call stack.
func (s *Scheduler) AcquireBlock(taskID int) (Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if !s.hasNextLocked(taskID) {
			return Block{}, false, nil
		}

		q := s.taskQueues[taskID]
		block, err := q.GetNext()
		if err != nil {
			return Block{}, false, err
		}

		state := s.taskStates[taskID]
		state.Ready--
		state.Processing++
		// Marked in-flight immediately, before precheck: release_block (the
		// skip path calls it inline) always needs to find the block in the
		// processing set, whether the caller ever actually sees it.
		q.MarkProcessing(block.BlockID)

		task := s.taskMap[taskID]
		if s.precheck(task, block) {
			s.logger.Debug("skipping block; precheck declared it done",
				zap.Int("task_id", taskID), zap.Int("block_id", block.BlockID))
			block.Status = BlockSuccess
			if _, err := s.releaseBlockLocked(block); err != nil {
				return Block{}, false, err
			}
			continue
		}

		state.Started = true
		block.Status = BlockInProgress
		return block, true, nil
	}
}

// ReleaseBlock reports a terminal outcome for block and returns the tasks
// that received newly ready blocks on a SUCCESS, or the releasing task
// itself on a retried FAILED. A FAILED release with no retries left
// returns an empty mapping, even though it changes the Failed and Orphaned
// counts; read TaskStates for those.
//
// block.Status must be SUCCESS or FAILED; any other status is an
// InvariantError-kind error, as is releasing a block whose id is not
// currently in flight for its task.
func (s *Scheduler) ReleaseBlock(block Block) (map[int]TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseBlockLocked(block)
}

func (s *Scheduler) releaseBlockLocked(block Block) (map[int]TaskState, error) {
	taskID := block.TaskID
	q, ok := s.taskQueues[taskID]
	if !ok {
		return nil, invariantErrorf("unknown task %d", taskID)
	}
	if err := q.RemoveProcessing(block.BlockID); err != nil {
		return nil, err
	}
	s.taskStates[taskID].Processing--
	s.invalidatePrecheck(taskID, block.Ref())

	switch block.Status {
	case BlockSuccess:
		return s.onSuccessLocked(block)
	case BlockFailed:
		return s.onFailureLocked(block)
	default:
		return nil, invariantErrorf("block %s released with non-terminal status %s", block.Ref(), block.Status)
	}
}

func (s *Scheduler) onSuccessLocked(block Block) (map[int]TaskState, error) {
	newlyReady, err := s.readySurface.MarkSuccess(block.Ref())
	if err != nil {
		return nil, err
	}
	s.taskStates[block.TaskID].Completed++

	updated := make(map[int]TaskState)
	for _, nr := range newlyReady {
		q, ok := s.taskQueues[nr.TaskID]
		if !ok {
			return nil, invariantErrorf("newly ready block belongs to unknown task %d", nr.TaskID)
		}
		if err := q.QueueReadyBlock(nr, -1); err != nil {
			return nil, err
		}
		s.taskStates[nr.TaskID].Ready++
		updated[nr.TaskID] = *s.taskStates[nr.TaskID]
	}
	return updated, nil
}

func (s *Scheduler) onFailureLocked(block Block) (map[int]TaskState, error) {
	taskID := block.TaskID
	q := s.taskQueues[taskID]
	task := s.taskMap[taskID]

	if q.RetryCount(block.BlockID) < task.MaxRetries() {
		if err := q.QueueReadyBlock(block, -1); err != nil {
			return nil, err
		}
		q.IncrementRetry(block.BlockID)
		s.taskStates[taskID].Ready++
		return map[int]TaskState{taskID: *s.taskStates[taskID]}, nil
	}

	events := s.readySurface.MarkFailure(block.Ref(), s.countAllOrphans)
	s.taskStates[taskID].Failed++
	for _, ref := range events {
		s.taskStates[ref.TaskID].Orphaned++
	}
	return map[int]TaskState{}, nil
}

// GetReadyTasks returns every task with at least one ready block, ordered
// deterministically by task id.
func (s *Scheduler) GetReadyTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.taskStates))
	for id, st := range s.taskStates {
		if st.Ready > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.taskMap[id])
	}
	return out
}

// TaskStates returns a read-only snapshot of every task's current state,
// keyed by task id.
func (s *Scheduler) TaskStates() map[int]TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]TaskState, len(s.taskStates))
	for id, st := range s.taskStates {
		out[id] = *st
	}
	return out
}
