package scheduler

import "go.uber.org/zap"

// precheckMemo is the one-slot-per-task memo described in spec §3/§4.4.4:
// it exists solely to avoid re-running check_function for the same block
// across the inner loop of AcquireBlock's skip path, not as a long-lived
// cache.
type precheckMemo struct {
	ref    BlockRef
	result bool
}

// precheck evaluates task's check_function against block, memoizing on the
// last block examined for that task.
//
// A panicking check_function is recovered, logged at error level via the
// Scheduler's logger, and treated as false. It is never propagated.
func (s *Scheduler) precheck(task Task, block Block) bool {
	ref := block.Ref()
	if m, ok := s.lastPrechecked[task.TaskID()]; ok && m.ref == ref {
		return m.result
	}

	result := s.runCheckFunction(task, block)
	s.lastPrechecked[task.TaskID()] = precheckMemo{ref: ref, result: result}
	return result
}

func (s *Scheduler) runCheckFunction(task Task, block Block) (result bool) {
	check := task.CheckFunction()
	if check == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			err := &CheckFunctionError{TaskID: block.TaskID, BlockID: block.BlockID, Cause: r}
			s.logger.Error("check_function panicked; treating block as not done", zap.Error(err))
			result = false
		}
	}()

	return check(block)
}

// invalidatePrecheck drops task's memo slot if it currently refers to ref.
//
// This resolves spec §9's open question: the memo is short-lived and must
// not mask a legitimate re-check of the same block object after it has
// been released back to the scheduler (e.g. re-queued on a FAILED retry).
func (s *Scheduler) invalidatePrecheck(taskID int, ref BlockRef) {
	if m, ok := s.lastPrechecked[taskID]; ok && m.ref == ref {
		delete(s.lastPrechecked, taskID)
	}
}
